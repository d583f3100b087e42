package soft

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/vkrt/internal/driver"
	"github.com/gogpu/vkrt/internal/spirv"
)

type shaderModule struct {
	handle
	module *spirv.Module
}

func (d *device) CreateShaderModule(code []uint32) (driver.ShaderModule, error) {
	m, err := spirv.Parse(code)
	if err != nil {
		return nil, fmt.Errorf("soft: vkCreateShaderModule: %w: %w", driver.ErrInvalidShader, err)
	}
	sm := &shaderModule{handle: newHandle(), module: m}
	d.track(sm, "shader module")
	return sm, nil
}

func (d *device) DestroyShaderModule(m driver.ShaderModule) { d.untrack(m) }

type setLayout struct {
	handle
	bindings map[uint32]driver.DescriptorSetLayoutBinding
}

func (d *device) CreateDescriptorSetLayout(bindings []driver.DescriptorSetLayoutBinding) (driver.DescriptorSetLayout, error) {
	l := &setLayout{handle: newHandle(), bindings: make(map[uint32]driver.DescriptorSetLayoutBinding, len(bindings))}
	for _, b := range bindings {
		if _, dup := l.bindings[b.Binding]; dup {
			return nil, fmt.Errorf("soft: vkCreateDescriptorSetLayout: %w: binding %d declared twice",
				driver.ErrInvalidUsage, b.Binding)
		}
		l.bindings[b.Binding] = b
	}
	d.track(l, "descriptor set layout")
	return l, nil
}

func (d *device) DestroyDescriptorSetLayout(l driver.DescriptorSetLayout) { d.untrack(l) }

type pipelineLayout struct {
	handle
	sets []*setLayout
}

func (d *device) CreatePipelineLayout(setLayouts []driver.DescriptorSetLayout) (driver.PipelineLayout, error) {
	l := &pipelineLayout{handle: newHandle()}
	for _, s := range setLayouts {
		l.sets = append(l.sets, s.(*setLayout))
	}
	d.track(l, "pipeline layout")
	return l, nil
}

func (d *device) DestroyPipelineLayout(l driver.PipelineLayout) { d.untrack(l) }

type pipeline struct {
	handle
	layout *pipelineLayout
	entry  spirv.EntryPoint
	fn     KernelFunc
}

func (d *device) CreateComputePipeline(desc *driver.ComputePipelineDescriptor) (driver.Pipeline, error) {
	mod := desc.Module.(*shaderModule).module
	layout := desc.Layout.(*pipelineLayout)

	ep, ok := mod.EntryPoint(desc.EntryPoint)
	if !ok || ep.Model != spirv.GLCompute {
		return nil, fmt.Errorf("soft: vkCreateComputePipelines: %w: no compute entry point %q",
			driver.ErrInvalidShader, desc.EntryPoint)
	}

	// Every binding the shader uses must be declared by the layout.
	var sets []uint32
	if mod.BindingsExact(desc.EntryPoint) {
		for _, b := range mod.Bindings {
			if !slices.Contains(sets, b.Set) {
				sets = append(sets, b.Set)
			}
		}
	}
	for _, set := range sets {
		for _, b := range mod.SetBindings(desc.EntryPoint, set) {
			if int(set) >= len(layout.sets) {
				return nil, fmt.Errorf("soft: vkCreateComputePipelines: %w: set %d not in pipeline layout",
					driver.ErrInvalidShader, set)
			}
			if _, ok := layout.sets[set].bindings[b.Binding]; !ok {
				return nil, fmt.Errorf("soft: vkCreateComputePipelines: %w: set %d binding %d not in pipeline layout",
					driver.ErrInvalidShader, set, b.Binding)
			}
		}
	}

	fn, ok := d.inst.backend.kernel(desc.EntryPoint)
	if !ok {
		return nil, fmt.Errorf("soft: vkCreateComputePipelines: %w: no host kernel registered for %q",
			driver.ErrInvalidShader, desc.EntryPoint)
	}
	p := &pipeline{handle: newHandle(), layout: layout, entry: ep, fn: fn}
	d.track(p, "pipeline")
	return p, nil
}

func (d *device) DestroyPipeline(p driver.Pipeline) { d.untrack(p) }

type descriptorPool struct {
	handle
	mu      sync.Mutex
	maxSets uint32
	sets    uint32
	free    map[driver.DescriptorType]uint32
}

func (d *device) CreateDescriptorPool(maxSets uint32, sizes []driver.DescriptorPoolSize) (driver.DescriptorPool, error) {
	if maxSets == 0 {
		return nil, fmt.Errorf("soft: vkCreateDescriptorPool: %w: maxSets is zero", driver.ErrInvalidUsage)
	}
	p := &descriptorPool{handle: newHandle(), maxSets: maxSets, free: make(map[driver.DescriptorType]uint32)}
	for _, s := range sizes {
		p.free[s.Type] += s.Count
	}
	d.track(p, "descriptor pool")
	return p, nil
}

func (d *device) DestroyDescriptorPool(p driver.DescriptorPool) { d.untrack(p) }

type descriptorSet struct {
	handle
	layout *setLayout

	mu      sync.Mutex
	buffers map[uint32]*buffer
}

func (l *setLayout) demand() map[driver.DescriptorType]uint32 {
	need := make(map[driver.DescriptorType]uint32)
	for _, b := range l.bindings {
		need[b.Type] += max(b.Count, 1)
	}
	return need
}

func (d *device) AllocateDescriptorSet(pool driver.DescriptorPool, layout driver.DescriptorSetLayout) (driver.DescriptorSet, error) {
	p, l := pool.(*descriptorPool), layout.(*setLayout)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sets >= p.maxSets {
		return nil, fmt.Errorf("soft: vkAllocateDescriptorSets: %w: pool holds at most %d sets",
			driver.ErrOutOfPoolMemory, p.maxSets)
	}
	need := l.demand()
	for t, n := range need {
		if p.free[t] < n {
			return nil, fmt.Errorf("soft: vkAllocateDescriptorSets: %w: need %d %v descriptors, pool has %d",
				driver.ErrOutOfPoolMemory, n, t, p.free[t])
		}
	}
	for t, n := range need {
		p.free[t] -= n
	}
	p.sets++
	return &descriptorSet{handle: newHandle(), layout: l, buffers: make(map[uint32]*buffer)}, nil
}

func (d *device) FreeDescriptorSet(pool driver.DescriptorPool, set driver.DescriptorSet) error {
	p, s := pool.(*descriptorPool), set.(*descriptorSet)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sets == 0 {
		return fmt.Errorf("soft: vkFreeDescriptorSets: %w: pool has no allocated sets", driver.ErrInvalidUsage)
	}
	for t, n := range s.layout.demand() {
		p.free[t] += n
	}
	p.sets--
	return nil
}

func (d *device) UpdateDescriptorSet(w *driver.DescriptorWrite) {
	set := w.Set.(*descriptorSet)
	set.mu.Lock()
	defer set.mu.Unlock()
	for i, b := range w.Buffers {
		binding := w.Binding + uint32(i)
		lb, ok := set.layout.bindings[binding]
		if !ok {
			d.inst.report("vkUpdateDescriptorSets: binding %d is not in the set layout", binding)
			continue
		}
		if lb.Type != w.Type {
			d.inst.report("vkUpdateDescriptorSets: binding %d is %v, written as %v", binding, lb.Type, w.Type)
			continue
		}
		set.buffers[binding] = b.(*buffer)
	}
}

// resolve returns the bytes behind each binding of set 0, indexed by
// binding number.
func (s *descriptorSet) resolve() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint32
	for b := range s.layout.bindings {
		n = max(n, b+1)
	}
	views := make([][]byte, n)
	for b := range s.layout.bindings {
		buf, ok := s.buffers[b]
		if !ok {
			return nil, fmt.Errorf("binding %d was never written", b)
		}
		if views[b] = buf.bytes(); views[b] == nil {
			return nil, fmt.Errorf("binding %d refers to a buffer without memory", b)
		}
	}
	return views, nil
}
