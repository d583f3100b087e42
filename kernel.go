package vkrt

import (
	"fmt"
	"slices"

	"github.com/gogpu/vkrt/internal/driver"
	"github.com/gogpu/vkrt/internal/spirv"
)

// ResourceType is the kind of resource a kernel slot holds.
type ResourceType int

const (
	// StorageBuffer is a read-write buffer slot.
	StorageBuffer ResourceType = iota
)

func (t ResourceType) String() string {
	if t == StorageBuffer {
		return "storage-buffer"
	}
	return fmt.Sprintf("ResourceType(%d)", int(t))
}

func (t ResourceType) descriptorType() (driver.DescriptorType, error) {
	if t == StorageBuffer {
		return driver.DescriptorTypeStorageBuffer, nil
	}
	return 0, fmt.Errorf("%w: unsupported resource type %v", ErrInvalidArgument, t)
}

// Kernel is one compute entry point of a Program with its slot layout and
// compiled pipeline.
type Kernel struct {
	dev       *Device
	entry     string
	types     []ResourceType
	local     [3]uint32
	setLayout driver.DescriptorSetLayout
	layout    driver.PipelineLayout
	pipeline  driver.Pipeline

	args      []*Arguments
	destroyed bool
}

// NewKernel builds entry of p with one slot per resource type, numbered
// from 0 in descriptor set 0. The entry point must use exactly those
// bindings.
func NewKernel(p *Program, entry string, types ...ResourceType) (*Kernel, error) {
	d := p.dev
	if err := d.alive("create kernel"); err != nil {
		return nil, err
	}
	if p.destroyed {
		return nil, fmt.Errorf("%w: create kernel: program destroyed", ErrDestroyed)
	}
	ep, ok := p.reflect.EntryPoint(entry)
	if !ok || ep.Model != spirv.GLCompute {
		return nil, wrap(ErrPipelineCreationFailed, "create kernel",
			fmt.Errorf("no compute entry point %q (have %v)", entry, p.EntryPoints()))
	}
	// Without bodies or a 1.4 interface, a module with several entry points
	// does not say which bindings belong to which; the driver decides.
	if p.reflect.BindingsExact(entry) {
		if err := checkBindings(p.reflect.SetBindings(entry, 0), len(types)); err != nil {
			return nil, wrap(ErrPipelineCreationFailed, "create kernel "+entry, err)
		}
	}

	slots := make([]driver.DescriptorSetLayoutBinding, len(types))
	for i, t := range types {
		dt, err := t.descriptorType()
		if err != nil {
			return nil, wrap(ErrShaderCreationFailed, "create descriptor set layout", err)
		}
		slots[i] = driver.DescriptorSetLayoutBinding{Binding: uint32(i), Type: dt, Count: 1}
	}

	var u undo
	defer u.run()

	k := &Kernel{dev: d, entry: entry, types: slices.Clone(types), local: ep.LocalSize}
	var err error
	k.setLayout, err = d.raw.CreateDescriptorSetLayout(slots)
	if err != nil {
		return nil, wrap(ErrShaderCreationFailed, "create descriptor set layout", err)
	}
	u.add(func() { d.raw.DestroyDescriptorSetLayout(k.setLayout) })

	k.layout, err = d.raw.CreatePipelineLayout([]driver.DescriptorSetLayout{k.setLayout})
	if err != nil {
		return nil, wrap(ErrShaderCreationFailed, "create pipeline layout", err)
	}
	u.add(func() { d.raw.DestroyPipelineLayout(k.layout) })

	k.pipeline, err = d.raw.CreateComputePipeline(&driver.ComputePipelineDescriptor{
		Layout:     k.layout,
		Module:     p.module,
		EntryPoint: entry,
	})
	if err != nil {
		return nil, wrap(ErrPipelineCreationFailed, "create compute pipeline "+entry, err)
	}
	u.keep()

	d.track(k)
	d.log.Debug("vkrt: kernel created", "entry", entry, "slots", len(types), "local_size", ep.LocalSize)
	return k, nil
}

// checkBindings verifies that the declared bindings are exactly 0..n-1.
func checkBindings(declared []spirv.Binding, n int) error {
	if len(declared) != n {
		return fmt.Errorf("entry point declares %d bindings in set 0, %d resource types given", len(declared), n)
	}
	for i, b := range declared {
		if b.Binding != uint32(i) {
			return fmt.Errorf("entry point binding %d (%s) is not sequential", b.Binding, b.Name)
		}
	}
	return nil
}

func (k *Kernel) kind() string { return "kernel" }

// Entry returns the entry point name.
func (k *Kernel) Entry() string { return k.entry }

// Slots returns the number of resource slots.
func (k *Kernel) Slots() int { return len(k.types) }

// LocalSize returns the workgroup size declared by the entry point.
func (k *Kernel) LocalSize() [3]uint32 { return k.local }

// BindTo records the pipeline bind into a recording command buffer.
func (k *Kernel) BindTo(cb *CommandBuffer) error {
	if k.destroyed {
		return fmt.Errorf("%w: bind kernel: kernel destroyed", ErrDestroyed)
	}
	return cb.record("bind kernel", func(raw driver.CommandBuffer) {
		raw.BindPipeline(k.pipeline)
	})
}

// Destroy releases the pipeline and both layouts. Arguments built from the
// kernel that are still alive are destroyed first. Destroy is idempotent.
func (k *Kernel) Destroy() error {
	if k.destroyed {
		return nil
	}
	for _, a := range slices.Backward(slices.Clone(k.args)) {
		_ = a.Destroy()
	}
	k.destroyed = true
	k.dev.untrack(k)
	k.dev.raw.DestroyPipeline(k.pipeline)
	k.dev.raw.DestroyPipelineLayout(k.layout)
	k.dev.raw.DestroyDescriptorSetLayout(k.setLayout)
	return nil
}
