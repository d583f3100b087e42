package wgpuhal

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/vkrt/internal/driver"
)

// waitTimeout bounds a single WaitIdle. A queue that has not drained by
// then is treated as lost.
const waitTimeout = 30 * time.Second

type device struct {
	raw      hal.Device
	external bool
	queue    *queue
}

func newDevice(raw hal.Device, q hal.Queue, external bool) (*device, error) {
	fence, err := raw.CreateFence()
	if err != nil {
		if !external {
			raw.Destroy()
		}
		return nil, fmt.Errorf("wgpu: create fence: %w: %w", driver.ErrInitializationFailed, err)
	}
	d := &device{raw: raw, external: external}
	d.queue = &queue{dev: d, raw: q, fence: fence}
	return d, nil
}

func (d *device) Queue() driver.Queue { return d.queue }

func (d *device) Destroy() {
	_ = d.queue.WaitIdle()
	d.raw.DestroyFence(d.queue.fence)
	if !d.external {
		d.raw.Destroy()
	}
}

// memory is the backing of at most one buffer. Host-visible memory keeps a
// shadow copy that Map fills from the device and Unmap writes back.
type memory struct {
	handle
	size     uint64
	typ      uint32
	buffer   *buffer
	shadow   []byte
	mapped   bool
	mappable bool
}

type buffer struct {
	handle
	size  uint64
	usage driver.BufferUsage
	raw   hal.Buffer
	mem   *memory
}

func (d *device) CreateBuffer(size uint64, usage driver.BufferUsage) (driver.Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("wgpu: create buffer: %w: zero size", driver.ErrInvalidUsage)
	}
	return &buffer{handle: newHandle(), size: size, usage: usage}, nil
}

func (d *device) BufferMemoryRequirements(b driver.Buffer) driver.MemoryRequirements {
	buf := b.(*buffer)
	return driver.MemoryRequirements{
		Size:           (buf.size + 3) &^ 3,
		Alignment:      4,
		MemoryTypeBits: 1<<memoryLocal | 1<<memoryMappable,
	}
}

func (d *device) DestroyBuffer(b driver.Buffer) {
	buf := b.(*buffer)
	if buf.raw != nil {
		d.raw.DestroyBuffer(buf.raw)
		buf.raw = nil
	}
	if buf.mem != nil {
		buf.mem.buffer = nil
	}
}

func (d *device) AllocateMemory(size uint64, memoryType uint32) (driver.Memory, error) {
	if memoryType > memoryMappable {
		return nil, fmt.Errorf("wgpu: allocate memory: %w: memory type %d", driver.ErrInvalidUsage, memoryType)
	}
	return &memory{handle: newHandle(), size: size, typ: memoryType, mappable: memoryType == memoryMappable}, nil
}

func usageFlags(u driver.BufferUsage, mappable bool) gputypes.BufferUsage {
	var out gputypes.BufferUsage
	if u&driver.BufferUsageTransferSrc != 0 {
		out |= gputypes.BufferUsageCopySrc
	}
	if u&driver.BufferUsageTransferDst != 0 {
		out |= gputypes.BufferUsageCopyDst
	}
	if u&driver.BufferUsageUniform != 0 {
		out |= gputypes.BufferUsageUniform
	}
	if u&driver.BufferUsageStorage != 0 {
		out |= gputypes.BufferUsageStorage
	}
	if mappable {
		// Map and Unmap go through queue transfers.
		out |= gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	}
	return out
}

func (d *device) BindBufferMemory(b driver.Buffer, m driver.Memory, offset uint64) error {
	buf, mem := b.(*buffer), m.(*memory)
	switch {
	case buf.mem != nil:
		return fmt.Errorf("wgpu: bind buffer memory: %w: buffer already bound", driver.ErrInvalidUsage)
	case mem.buffer != nil:
		return fmt.Errorf("wgpu: bind buffer memory: %w: memory already backs a buffer", driver.ErrInvalidUsage)
	case offset != 0:
		return fmt.Errorf("wgpu: bind buffer memory: %w: non-zero offset %d", driver.ErrInvalidUsage, offset)
	case buf.size > mem.size:
		return fmt.Errorf("wgpu: bind buffer memory: %w: %d byte buffer in %d byte allocation",
			driver.ErrInvalidUsage, buf.size, mem.size)
	}
	raw, err := d.raw.CreateBuffer(&hal.BufferDescriptor{
		Label: "vkrt",
		Size:  (buf.size + 3) &^ 3,
		Usage: usageFlags(buf.usage, mem.mappable),
	})
	if err != nil {
		return fmt.Errorf("wgpu: create buffer: %w: %w", driver.ErrOutOfDeviceMemory, err)
	}
	buf.raw, buf.mem, mem.buffer = raw, mem, buf
	return nil
}

func (d *device) FreeMemory(m driver.Memory) {
	mem := m.(*memory)
	mem.shadow = nil
	mem.buffer = nil
}

func (d *device) MapMemory(m driver.Memory) ([]byte, error) {
	mem := m.(*memory)
	if !mem.mappable {
		return nil, fmt.Errorf("wgpu: map memory: %w: memory type %d is not host visible",
			driver.ErrMemoryMapFailed, mem.typ)
	}
	if mem.mapped {
		return nil, fmt.Errorf("wgpu: map memory: %w: already mapped", driver.ErrMemoryMapFailed)
	}
	if mem.shadow == nil {
		mem.shadow = make([]byte, (mem.size+3)&^3)
	}
	if buf := mem.buffer; buf != nil && buf.raw != nil {
		if err := d.queue.raw.ReadBuffer(buf.raw, 0, mem.shadow[:(buf.size+3)&^3]); err != nil {
			return nil, fmt.Errorf("wgpu: read buffer: %w: %w", driver.ErrMemoryMapFailed, err)
		}
	}
	mem.mapped = true
	return mem.shadow[:mem.size], nil
}

func (d *device) UnmapMemory(m driver.Memory) {
	mem := m.(*memory)
	if !mem.mapped {
		return
	}
	mem.mapped = false
	if buf := mem.buffer; buf != nil && buf.raw != nil {
		d.queue.raw.WriteBuffer(buf.raw, 0, mem.shadow[:(buf.size+3)&^3])
	}
}

type shaderModule struct {
	handle
	raw hal.ShaderModule
}

func (d *device) CreateShaderModule(code []uint32) (driver.ShaderModule, error) {
	raw, err := d.raw.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "vkrt",
		Source: hal.ShaderSource{SPIRV: code},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create shader module: %w: %w", driver.ErrInvalidShader, err)
	}
	return &shaderModule{handle: newHandle(), raw: raw}, nil
}

func (d *device) DestroyShaderModule(m driver.ShaderModule) {
	d.raw.DestroyShaderModule(m.(*shaderModule).raw)
}

type setLayout struct {
	handle
	raw      hal.BindGroupLayout
	bindings []driver.DescriptorSetLayoutBinding
}

func bindingType(t driver.DescriptorType) gputypes.BufferBindingType {
	if t == driver.DescriptorTypeUniformBuffer {
		return gputypes.BufferBindingTypeUniform
	}
	return gputypes.BufferBindingTypeStorage
}

func (d *device) CreateDescriptorSetLayout(bindings []driver.DescriptorSetLayoutBinding) (driver.DescriptorSetLayout, error) {
	entries := make([]gputypes.BindGroupLayoutEntry, len(bindings))
	for i, b := range bindings {
		entries[i] = gputypes.BindGroupLayoutEntry{
			Binding:    b.Binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: bindingType(b.Type)},
		}
	}
	raw, err := d.raw.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{Label: "vkrt", Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create bind group layout: %w: %w", driver.ErrOutOfDeviceMemory, err)
	}
	return &setLayout{handle: newHandle(), raw: raw, bindings: bindings}, nil
}

func (d *device) DestroyDescriptorSetLayout(l driver.DescriptorSetLayout) {
	d.raw.DestroyBindGroupLayout(l.(*setLayout).raw)
}

type pipelineLayout struct {
	handle
	raw hal.PipelineLayout
}

func (d *device) CreatePipelineLayout(setLayouts []driver.DescriptorSetLayout) (driver.PipelineLayout, error) {
	raws := make([]hal.BindGroupLayout, len(setLayouts))
	for i, l := range setLayouts {
		raws[i] = l.(*setLayout).raw
	}
	raw, err := d.raw.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{Label: "vkrt", BindGroupLayouts: raws})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create pipeline layout: %w: %w", driver.ErrOutOfDeviceMemory, err)
	}
	return &pipelineLayout{handle: newHandle(), raw: raw}, nil
}

func (d *device) DestroyPipelineLayout(l driver.PipelineLayout) {
	d.raw.DestroyPipelineLayout(l.(*pipelineLayout).raw)
}

type pipeline struct {
	handle
	raw hal.ComputePipeline
}

func (d *device) CreateComputePipeline(desc *driver.ComputePipelineDescriptor) (driver.Pipeline, error) {
	raw, err := d.raw.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  desc.EntryPoint,
		Layout: desc.Layout.(*pipelineLayout).raw,
		Compute: hal.ComputeState{
			Module:     desc.Module.(*shaderModule).raw,
			EntryPoint: desc.EntryPoint,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create compute pipeline: %w: %w", driver.ErrInvalidShader, err)
	}
	return &pipeline{handle: newHandle(), raw: raw}, nil
}

func (d *device) DestroyPipeline(p driver.Pipeline) {
	d.raw.DestroyComputePipeline(p.(*pipeline).raw)
}

// descriptorPool only accounts capacity; bind groups are owned by hal.
type descriptorPool struct {
	handle
	mu      sync.Mutex
	maxSets uint32
	sets    uint32
	free    map[driver.DescriptorType]uint32
}

func (d *device) CreateDescriptorPool(maxSets uint32, sizes []driver.DescriptorPoolSize) (driver.DescriptorPool, error) {
	p := &descriptorPool{handle: newHandle(), maxSets: maxSets, free: make(map[driver.DescriptorType]uint32)}
	for _, s := range sizes {
		p.free[s.Type] += s.Count
	}
	return p, nil
}

func (d *device) DestroyDescriptorPool(driver.DescriptorPool) {}

type descriptorSet struct {
	handle
	pool    *descriptorPool
	layout  *setLayout
	buffers map[uint32]*buffer
	raw     hal.BindGroup
	dirty   bool
}

func (d *device) AllocateDescriptorSet(pool driver.DescriptorPool, layout driver.DescriptorSetLayout) (driver.DescriptorSet, error) {
	p, l := pool.(*descriptorPool), layout.(*setLayout)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sets >= p.maxSets {
		return nil, fmt.Errorf("wgpu: allocate descriptor set: %w: %d sets in use", driver.ErrOutOfPoolMemory, p.sets)
	}
	need := make(map[driver.DescriptorType]uint32)
	for _, b := range l.bindings {
		need[b.Type] += max(b.Count, 1)
	}
	for t, n := range need {
		if p.free[t] < n {
			return nil, fmt.Errorf("wgpu: allocate descriptor set: %w: %d %s descriptors left, %d needed",
				driver.ErrOutOfPoolMemory, p.free[t], t, n)
		}
	}
	for t, n := range need {
		p.free[t] -= n
	}
	p.sets++
	return &descriptorSet{handle: newHandle(), pool: p, layout: l, buffers: make(map[uint32]*buffer)}, nil
}

func (d *device) FreeDescriptorSet(pool driver.DescriptorPool, set driver.DescriptorSet) error {
	s := set.(*descriptorSet)
	if s.raw != nil {
		d.raw.DestroyBindGroup(s.raw)
		s.raw = nil
	}
	p := pool.(*descriptorPool)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range s.layout.bindings {
		p.free[b.Type] += max(b.Count, 1)
	}
	p.sets--
	return nil
}

func (d *device) UpdateDescriptorSet(w *driver.DescriptorWrite) {
	s := w.Set.(*descriptorSet)
	for i, b := range w.Buffers {
		s.buffers[w.Binding+uint32(i)] = b.(*buffer)
	}
	s.dirty = true
}

// bindGroup returns the hal bind group for the current writes.
func (s *descriptorSet) bindGroup(d *device) (hal.BindGroup, error) {
	if s.raw != nil && !s.dirty {
		return s.raw, nil
	}
	entries := make([]gputypes.BindGroupEntry, 0, len(s.layout.bindings))
	for _, lb := range s.layout.bindings {
		buf, ok := s.buffers[lb.Binding]
		if !ok || buf.raw == nil {
			return nil, fmt.Errorf("wgpu: bind group: %w: binding %d has no buffer", driver.ErrInvalidUsage, lb.Binding)
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  lb.Binding,
			Resource: gputypes.BufferBinding{Buffer: buf.raw.NativeHandle(), Offset: 0, Size: (buf.size + 3) &^ 3},
		})
	}
	raw, err := d.raw.CreateBindGroup(&hal.BindGroupDescriptor{Label: "vkrt", Layout: s.layout.raw, Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create bind group: %w: %w", driver.ErrOutOfDeviceMemory, err)
	}
	if s.raw != nil {
		d.raw.DestroyBindGroup(s.raw)
	}
	s.raw, s.dirty = raw, false
	return raw, nil
}
