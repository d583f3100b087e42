package vkrt

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gogpu/vkrt/internal/driver"
)

// resource is an object created from a Device that the Device releases if
// the caller has not destroyed it by the time the Device goes away.
type resource interface {
	Destroy() error
	kind() string
}

// Device is one physical accelerator opened with a single compute queue.
//
// A Device is driven by one goroutine at a time. Objects created from it
// must not outlive it; Destroy releases any the caller left behind.
type Device struct {
	mode  Mode
	log   *slog.Logger
	phys  driver.PhysicalDevice
	props driver.PhysicalDeviceProperties
	raw   driver.Device
	queue driver.Queue

	family   uint32
	mappable int
	local    int

	implicit *CommandBuffer

	mu        sync.Mutex
	children  []resource
	pending   []*CommandBuffer
	destroyed bool
}

func newDevice(c *Context, p driver.PhysicalDevice) (*Device, error) {
	props := p.Properties()
	d := &Device{
		mode:     c.mode,
		log:      c.log.With("device", props.Name),
		phys:     p,
		props:    props,
		mappable: -1,
		local:    -1,
	}

	family := -1
	for i, f := range p.QueueFamilies() {
		if f.Flags&driver.QueueCompute != 0 && f.Count > 0 {
			family = i
			break
		}
	}
	if family < 0 {
		return nil, wrap(ErrNoComputeQueue, "select queue family", fmt.Errorf("%s has no compute queue family", props.Name))
	}
	d.family = uint32(family)

	raw, err := p.CreateDevice(d.family)
	if err != nil {
		return nil, wrap(ErrNoDevicesFound, "create logical device", err)
	}
	d.raw = raw
	d.queue = raw.Queue()

	for i, mt := range p.MemoryTypes() {
		if d.mappable < 0 && mt.PropertyFlags&driver.MemoryHostVisible != 0 {
			d.mappable = i
		}
		if d.local < 0 && mt.PropertyFlags&driver.MemoryDeviceLocal != 0 {
			d.local = i
		}
	}

	d.implicit, err = newCommandBuffer(d)
	if err != nil {
		raw.Destroy()
		return nil, err
	}

	d.log.Info("vkrt: selected device",
		"type", props.Type.String(),
		"vendor_id", fmt.Sprintf("%#04x", props.VendorID),
		"driver_ver", props.DriverVersion.String(),
		"api_ver", props.APIVersion.String())
	if d.mode.Verbose() {
		d.logProperties()
	}
	return d, nil
}

func (d *Device) logProperties() {
	for _, f := range d.QueueFamilies() {
		d.log.Info("vkrt: queue family", "index", f.Index, "flags", f.Flags, "count", f.Count)
	}
	for _, mt := range d.MemoryTypes() {
		d.log.Info("vkrt: memory type", "index", mt.Index, "flags", mt.Flags, "heap", mt.Heap)
	}
	for _, ext := range d.phys.Extensions() {
		d.log.Info("vkrt: device extension", "name", ext.Name, "spec_ver", ext.SpecVersion)
	}
}

// Name returns the accelerator name reported by the driver.
func (d *Device) Name() string { return d.props.Name }

// VendorID returns the PCI vendor identifier of the accelerator.
func (d *Device) VendorID() uint32 { return d.props.VendorID }

// Properties describes the accelerator.
type Properties struct {
	Name          string
	Type          string
	VendorID      uint32
	DeviceID      uint32
	DriverVersion string
	APIVersion    string

	MaxWorkGroupCount       [3]uint32
	MaxWorkGroupSize        [3]uint32
	MaxWorkGroupInvocations uint32
	MaxStorageBufferRange   uint32
}

// Properties returns the accelerator properties relevant to compute.
func (d *Device) Properties() Properties {
	p := d.props
	return Properties{
		Name:                    p.Name,
		Type:                    p.Type.String(),
		VendorID:                p.VendorID,
		DeviceID:                p.DeviceID,
		DriverVersion:           p.DriverVersion.String(),
		APIVersion:              p.APIVersion.String(),
		MaxWorkGroupCount:       p.Limits.MaxComputeWorkGroupCount,
		MaxWorkGroupSize:        p.Limits.MaxComputeWorkGroupSize,
		MaxWorkGroupInvocations: p.Limits.MaxComputeWorkGroupInvocations,
		MaxStorageBufferRange:   p.Limits.MaxStorageBufferRange,
	}
}

// Extensions returns the names of the device extensions.
func (d *Device) Extensions() []string {
	exts := d.phys.Extensions()
	names := make([]string, len(exts))
	for i, e := range exts {
		names[i] = e.Name
	}
	return names
}

// QueueFamily describes one queue family of an accelerator.
type QueueFamily struct {
	Index   int
	Flags   string
	Count   uint32
	Compute bool
}

// QueueFamilies returns every queue family of the accelerator.
func (d *Device) QueueFamilies() []QueueFamily {
	fams := d.phys.QueueFamilies()
	out := make([]QueueFamily, len(fams))
	for i, f := range fams {
		out[i] = QueueFamily{
			Index:   i,
			Flags:   f.Flags.String(),
			Count:   f.Count,
			Compute: f.Flags&driver.QueueCompute != 0,
		}
	}
	return out
}

// MemoryType describes one memory type of an accelerator.
type MemoryType struct {
	Index       int
	Flags       string
	Heap        uint32
	HostVisible bool
	DeviceLocal bool
}

// MemoryTypes returns every memory type of the accelerator.
func (d *Device) MemoryTypes() []MemoryType {
	types := d.phys.MemoryTypes()
	out := make([]MemoryType, len(types))
	for i, mt := range types {
		out[i] = MemoryType{
			Index:       i,
			Flags:       mt.PropertyFlags.String(),
			Heap:        mt.HeapIndex,
			HostVisible: mt.PropertyFlags&driver.MemoryHostVisible != 0,
			DeviceLocal: mt.PropertyFlags&driver.MemoryDeviceLocal != 0,
		}
	}
	return out
}

// QueueFamily returns the index of the queue family the Device uses.
func (d *Device) QueueFamily() uint32 { return d.family }

// MappableMemoryType returns the first host-visible memory type, or -1.
func (d *Device) MappableMemoryType() int { return d.mappable }

// LocalMemoryType returns the first device-local memory type, or -1.
func (d *Device) LocalMemoryType() int { return d.local }

// Submit schedules an ended command buffer and returns without waiting.
func (d *Device) Submit(cb *CommandBuffer) error {
	if err := d.alive("submit"); err != nil {
		return err
	}
	if cb.dev != d {
		return fmt.Errorf("%w: submit: command buffer belongs to another device", ErrInvalidArgument)
	}
	if err := cb.markPending(); err != nil {
		return err
	}
	if err := d.queue.Submit(cb.raw); err != nil {
		cb.setState(Executable)
		return wrap(ErrSubmitFailed, "queue submit", err)
	}
	d.mu.Lock()
	d.pending = append(d.pending, cb)
	d.mu.Unlock()
	return nil
}

// Wait blocks until the queue has finished all submitted work. It returns
// at once if nothing was submitted.
func (d *Device) Wait() error {
	if err := d.alive("wait"); err != nil {
		return err
	}
	if err := d.queue.WaitIdle(); err != nil {
		return wrap(ErrSubmitFailed, "queue wait idle", err)
	}
	d.mu.Lock()
	done := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, cb := range done {
		cb.complete()
	}
	return nil
}

// Execute submits cb, waits for the queue to drain and returns the host
// time it took. In profile mode the time is logged.
func (d *Device) Execute(cb *CommandBuffer) (time.Duration, error) {
	start := time.Now()
	if err := d.Submit(cb); err != nil {
		return 0, err
	}
	if err := d.Wait(); err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	if d.mode.Profile() {
		d.log.Info("vkrt: execute", "elapsed", elapsed)
	}
	return elapsed, nil
}

// Destroy waits for the queue, releases every object created from the
// Device that is still alive, newest first, then the implicit command
// buffer and the logical device. Destroy is idempotent.
func (d *Device) Destroy() error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	waitErr := d.queue.WaitIdle()

	d.mu.Lock()
	leaked := slices.Clone(d.children)
	d.mu.Unlock()
	for i := len(leaked) - 1; i >= 0; i-- {
		d.log.Warn("vkrt: releasing resource left alive at device teardown", "kind", leaked[i].kind())
		_ = leaked[i].Destroy()
	}
	_ = d.implicit.Destroy()

	d.mu.Lock()
	d.destroyed = true
	d.pending = nil
	d.mu.Unlock()
	d.raw.Destroy()
	d.log.Debug("vkrt: device destroyed")
	if waitErr != nil {
		return wrap(ErrSubmitFailed, "wait before destroy", waitErr)
	}
	return nil
}

// Live returns the number of objects created from the Device that have not
// been destroyed.
func (d *Device) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.children)
}

func (d *Device) alive(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return fmt.Errorf("%w: %s: device destroyed", ErrDestroyed, op)
	}
	return nil
}

func (d *Device) track(r resource) {
	d.mu.Lock()
	d.children = append(d.children, r)
	d.mu.Unlock()
}

func (d *Device) untrack(r resource) {
	d.mu.Lock()
	d.children = slices.DeleteFunc(d.children, func(c resource) bool { return c == r })
	d.mu.Unlock()
}
