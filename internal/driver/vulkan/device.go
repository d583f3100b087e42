//go:build cgo && !novulkan

package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"github.com/gogpu/vkrt/internal/driver"
)

type device struct {
	raw   vk.Device
	queue queue
}

type queue struct {
	raw vk.Queue
}

func (d *device) Queue() driver.Queue { return &d.queue }

func (d *device) Destroy() {
	vk.DeviceWaitIdle(d.raw)
	vk.DestroyDevice(d.raw, nil)
}

func (q *queue) Submit(cbs ...driver.CommandBuffer) error {
	raws := make([]vk.CommandBuffer, len(cbs))
	for i, cb := range cbs {
		raws[i] = cb.(*commandBuffer).raw
	}
	submit := []vk.SubmitInfo{{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: uint32(len(raws)),
		PCommandBuffers:    raws,
	}}
	return check("vkQueueSubmit", vk.QueueSubmit(q.raw, 1, submit, vk.NullFence))
}

func (q *queue) WaitIdle() error {
	return check("vkQueueWaitIdle", vk.QueueWaitIdle(q.raw))
}

type buffer struct {
	handle
	raw vk.Buffer
}

type memory struct {
	handle
	raw  vk.DeviceMemory
	size uint64
}

func (d *device) CreateBuffer(size uint64, usage driver.BufferUsage) (driver.Buffer, error) {
	info := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       vk.BufferUsageFlags(usage),
		SharingMode: vk.SharingModeExclusive,
	}
	b := &buffer{handle: newHandle()}
	if err := check("vkCreateBuffer", vk.CreateBuffer(d.raw, &info, nil, &b.raw)); err != nil {
		return nil, err
	}
	return b, nil
}

func (d *device) BufferMemoryRequirements(b driver.Buffer) driver.MemoryRequirements {
	var req vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.raw, b.(*buffer).raw, &req)
	req.Deref()
	return driver.MemoryRequirements{
		Size:           uint64(req.Size),
		Alignment:      uint64(req.Alignment),
		MemoryTypeBits: req.MemoryTypeBits,
	}
}

func (d *device) DestroyBuffer(b driver.Buffer) {
	vk.DestroyBuffer(d.raw, b.(*buffer).raw, nil)
}

func (d *device) AllocateMemory(size uint64, memoryType uint32) (driver.Memory, error) {
	info := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  vk.DeviceSize(size),
		MemoryTypeIndex: memoryType,
	}
	m := &memory{handle: newHandle(), size: size}
	if err := check("vkAllocateMemory", vk.AllocateMemory(d.raw, &info, nil, &m.raw)); err != nil {
		return nil, err
	}
	return m, nil
}

func (d *device) BindBufferMemory(b driver.Buffer, m driver.Memory, offset uint64) error {
	return check("vkBindBufferMemory", vk.BindBufferMemory(d.raw, b.(*buffer).raw, m.(*memory).raw, vk.DeviceSize(offset)))
}

func (d *device) FreeMemory(m driver.Memory) {
	vk.FreeMemory(d.raw, m.(*memory).raw, nil)
}

func (d *device) MapMemory(m driver.Memory) ([]byte, error) {
	mem := m.(*memory)
	var ptr unsafe.Pointer
	if err := check("vkMapMemory", vk.MapMemory(d.raw, mem.raw, 0, vk.DeviceSize(vk.WholeSize), 0, &ptr)); err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(ptr), mem.size), nil
}

func (d *device) UnmapMemory(m driver.Memory) {
	vk.UnmapMemory(d.raw, m.(*memory).raw)
}

type shaderModule struct {
	handle
	raw vk.ShaderModule
}

func (d *device) CreateShaderModule(code []uint32) (driver.ShaderModule, error) {
	info := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code) * 4),
		PCode:    code,
	}
	m := &shaderModule{handle: newHandle()}
	if err := check("vkCreateShaderModule", vk.CreateShaderModule(d.raw, &info, nil, &m.raw)); err != nil {
		return nil, err
	}
	return m, nil
}

func (d *device) DestroyShaderModule(m driver.ShaderModule) {
	vk.DestroyShaderModule(d.raw, m.(*shaderModule).raw, nil)
}

type setLayout struct {
	handle
	raw vk.DescriptorSetLayout
}

func (d *device) CreateDescriptorSetLayout(bindings []driver.DescriptorSetLayoutBinding) (driver.DescriptorSetLayout, error) {
	raws := make([]vk.DescriptorSetLayoutBinding, len(bindings))
	for i, b := range bindings {
		raws[i] = vk.DescriptorSetLayoutBinding{
			Binding:         b.Binding,
			DescriptorType:  vk.DescriptorType(b.Type),
			DescriptorCount: max(b.Count, 1),
			StageFlags:      vk.ShaderStageFlags(vk.ShaderStageComputeBit),
		}
	}
	info := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(raws)),
		PBindings:    raws,
	}
	l := &setLayout{handle: newHandle()}
	if err := check("vkCreateDescriptorSetLayout", vk.CreateDescriptorSetLayout(d.raw, &info, nil, &l.raw)); err != nil {
		return nil, err
	}
	return l, nil
}

func (d *device) DestroyDescriptorSetLayout(l driver.DescriptorSetLayout) {
	vk.DestroyDescriptorSetLayout(d.raw, l.(*setLayout).raw, nil)
}

type pipelineLayout struct {
	handle
	raw vk.PipelineLayout
}

func (d *device) CreatePipelineLayout(setLayouts []driver.DescriptorSetLayout) (driver.PipelineLayout, error) {
	raws := make([]vk.DescriptorSetLayout, len(setLayouts))
	for i, l := range setLayouts {
		raws[i] = l.(*setLayout).raw
	}
	info := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: uint32(len(raws)),
		PSetLayouts:    raws,
	}
	l := &pipelineLayout{handle: newHandle()}
	if err := check("vkCreatePipelineLayout", vk.CreatePipelineLayout(d.raw, &info, nil, &l.raw)); err != nil {
		return nil, err
	}
	return l, nil
}

func (d *device) DestroyPipelineLayout(l driver.PipelineLayout) {
	vk.DestroyPipelineLayout(d.raw, l.(*pipelineLayout).raw, nil)
}

type pipeline struct {
	handle
	raw vk.Pipeline
}

func (d *device) CreateComputePipeline(desc *driver.ComputePipelineDescriptor) (driver.Pipeline, error) {
	infos := []vk.ComputePipelineCreateInfo{{
		SType: vk.StructureTypeComputePipelineCreateInfo,
		Stage: vk.PipelineShaderStageCreateInfo{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageComputeBit,
			Module: desc.Module.(*shaderModule).raw,
			PName:  cstr(desc.EntryPoint),
		},
		Layout:             desc.Layout.(*pipelineLayout).raw,
		BasePipelineHandle: vk.Pipeline(vk.NullHandle),
	}}
	raws := make([]vk.Pipeline, 1)
	res := vk.CreateComputePipelines(d.raw, vk.PipelineCache(vk.NullHandle), 1, infos, nil, raws)
	if err := check("vkCreateComputePipelines", res); err != nil {
		return nil, err
	}
	return &pipeline{handle: newHandle(), raw: raws[0]}, nil
}

func (d *device) DestroyPipeline(p driver.Pipeline) {
	vk.DestroyPipeline(d.raw, p.(*pipeline).raw, nil)
}

type descriptorPool struct {
	handle
	raw vk.DescriptorPool
}

type descriptorSet struct {
	handle
	raw vk.DescriptorSet
}

func (d *device) CreateDescriptorPool(maxSets uint32, sizes []driver.DescriptorPoolSize) (driver.DescriptorPool, error) {
	raws := make([]vk.DescriptorPoolSize, len(sizes))
	for i, s := range sizes {
		raws[i] = vk.DescriptorPoolSize{Type: vk.DescriptorType(s.Type), DescriptorCount: s.Count}
	}
	info := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		Flags:         vk.DescriptorPoolCreateFlags(vk.DescriptorPoolCreateFreeDescriptorSetBit),
		MaxSets:       maxSets,
		PoolSizeCount: uint32(len(raws)),
		PPoolSizes:    raws,
	}
	p := &descriptorPool{handle: newHandle()}
	if err := check("vkCreateDescriptorPool", vk.CreateDescriptorPool(d.raw, &info, nil, &p.raw)); err != nil {
		return nil, err
	}
	return p, nil
}

func (d *device) DestroyDescriptorPool(p driver.DescriptorPool) {
	vk.DestroyDescriptorPool(d.raw, p.(*descriptorPool).raw, nil)
}

func (d *device) AllocateDescriptorSet(pool driver.DescriptorPool, layout driver.DescriptorSetLayout) (driver.DescriptorSet, error) {
	info := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     pool.(*descriptorPool).raw,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{layout.(*setLayout).raw},
	}
	s := &descriptorSet{handle: newHandle()}
	if err := check("vkAllocateDescriptorSets", vk.AllocateDescriptorSets(d.raw, &info, &s.raw)); err != nil {
		return nil, err
	}
	return s, nil
}

func (d *device) FreeDescriptorSet(pool driver.DescriptorPool, set driver.DescriptorSet) error {
	sets := []vk.DescriptorSet{set.(*descriptorSet).raw}
	return check("vkFreeDescriptorSets", vk.FreeDescriptorSets(d.raw, pool.(*descriptorPool).raw, 1, sets))
}

func (d *device) UpdateDescriptorSet(w *driver.DescriptorWrite) {
	if len(w.Buffers) == 0 {
		return
	}
	infos := make([]vk.DescriptorBufferInfo, len(w.Buffers))
	for i, b := range w.Buffers {
		infos[i] = vk.DescriptorBufferInfo{
			Buffer: b.(*buffer).raw,
			Offset: 0,
			Range:  vk.DeviceSize(vk.WholeSize),
		}
	}
	writes := []vk.WriteDescriptorSet{{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          w.Set.(*descriptorSet).raw,
		DstBinding:      w.Binding,
		DescriptorCount: uint32(len(infos)),
		DescriptorType:  vk.DescriptorType(w.Type),
		PBufferInfo:     infos,
	}}
	vk.UpdateDescriptorSets(d.raw, 1, writes, 0, nil)
}

type commandPool struct {
	handle
	raw vk.CommandPool
}

func (d *device) CreateCommandPool(queueFamily uint32) (driver.CommandPool, error) {
	info := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
		QueueFamilyIndex: queueFamily,
	}
	p := &commandPool{handle: newHandle()}
	if err := check("vkCreateCommandPool", vk.CreateCommandPool(d.raw, &info, nil, &p.raw)); err != nil {
		return nil, err
	}
	return p, nil
}

func (d *device) DestroyCommandPool(p driver.CommandPool) {
	vk.DestroyCommandPool(d.raw, p.(*commandPool).raw, nil)
}

func (d *device) AllocateCommandBuffer(pool driver.CommandPool) (driver.CommandBuffer, error) {
	info := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool.(*commandPool).raw,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	raws := make([]vk.CommandBuffer, 1)
	if err := check("vkAllocateCommandBuffers", vk.AllocateCommandBuffers(d.raw, &info, raws)); err != nil {
		return nil, err
	}
	return &commandBuffer{handle: newHandle(), raw: raws[0]}, nil
}

func (d *device) FreeCommandBuffer(pool driver.CommandPool, cb driver.CommandBuffer) {
	vk.FreeCommandBuffers(d.raw, pool.(*commandPool).raw, 1, []vk.CommandBuffer{cb.(*commandBuffer).raw})
}

type commandBuffer struct {
	handle
	raw vk.CommandBuffer
}

func (cb *commandBuffer) Begin() error {
	info := vk.CommandBufferBeginInfo{SType: vk.StructureTypeCommandBufferBeginInfo}
	return check("vkBeginCommandBuffer", vk.BeginCommandBuffer(cb.raw, &info))
}

func (cb *commandBuffer) End() error {
	return check("vkEndCommandBuffer", vk.EndCommandBuffer(cb.raw))
}

func (cb *commandBuffer) BindPipeline(p driver.Pipeline) {
	vk.CmdBindPipeline(cb.raw, vk.PipelineBindPointCompute, p.(*pipeline).raw)
}

func (cb *commandBuffer) BindDescriptorSet(layout driver.PipelineLayout, set driver.DescriptorSet) {
	vk.CmdBindDescriptorSets(cb.raw, vk.PipelineBindPointCompute, layout.(*pipelineLayout).raw,
		0, 1, []vk.DescriptorSet{set.(*descriptorSet).raw}, 0, nil)
}

func (cb *commandBuffer) Dispatch(x, y, z uint32) {
	vk.CmdDispatch(cb.raw, x, y, z)
}

// barrierStages and barrierMemory make shader and transfer writes
// recorded before a barrier available and visible to the shader and
// transfer accesses recorded after it.
var (
	barrierStages = vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit | vk.PipelineStageTransferBit)
	barrierMemory = vk.MemoryBarrier{
		SType:         vk.StructureTypeMemoryBarrier,
		SrcAccessMask: vk.AccessFlags(vk.AccessShaderWriteBit | vk.AccessTransferWriteBit),
		DstAccessMask: vk.AccessFlags(vk.AccessShaderReadBit | vk.AccessShaderWriteBit |
			vk.AccessTransferReadBit | vk.AccessTransferWriteBit),
	}
)

func (cb *commandBuffer) PipelineBarrier() {
	vk.CmdPipelineBarrier(cb.raw, barrierStages, barrierStages, 0,
		1, []vk.MemoryBarrier{barrierMemory}, 0, nil, 0, nil)
}

func (cb *commandBuffer) CopyBuffer(src, dst driver.Buffer, size uint64) {
	regions := []vk.BufferCopy{{SrcOffset: 0, DstOffset: 0, Size: vk.DeviceSize(size)}}
	vk.CmdCopyBuffer(cb.raw, src.(*buffer).raw, dst.(*buffer).raw, 1, regions)
}

func (d *device) String() string {
	return fmt.Sprintf("vulkan device %p", d)
}
