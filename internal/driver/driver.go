// Package driver defines the explicit GPU API that vkrt is built on.
//
// The interfaces mirror the Vulkan compute subset one to one: an Instance
// enumerates PhysicalDevices, a PhysicalDevice opens a logical Device with a
// single Queue, and the Device creates buffers, memory, shader modules,
// descriptor objects, pipelines and command buffers. Backends implement the
// interfaces and register themselves by name (see Register).
//
// Handles returned by a backend are only valid with the Device (or
// Instance) that created them. Passing a foreign handle is a programming
// error and backends may panic.
package driver

// Resource is implemented by every handle a backend returns.
type Resource interface {
	// NativeHandle returns an identifier for logging. It carries no
	// ownership.
	NativeHandle() uintptr
}

// Handle types. Backends return their own concrete types.
type (
	DebugCallback       interface{ Resource }
	Buffer              interface{ Resource }
	Memory              interface{ Resource }
	ShaderModule        interface{ Resource }
	DescriptorSetLayout interface{ Resource }
	PipelineLayout      interface{ Resource }
	Pipeline            interface{ Resource }
	DescriptorPool      interface{ Resource }
	DescriptorSet       interface{ Resource }
	CommandPool         interface{ Resource }
)

// DebugFunc receives driver diagnostics. It may be called from any
// goroutine or driver thread.
type DebugFunc func(layerPrefix, message string)

// Backend is an entry point into a GPU API.
type Backend interface {
	// Name is the registry key, e.g. "vulkan".
	Name() string

	// Layers lists the instance layers available on this host.
	Layers() ([]LayerProperties, error)

	// CreateInstance creates an instance with the requested layers and
	// extensions enabled.
	CreateInstance(desc *InstanceDescriptor) (Instance, error)
}

// InstanceDescriptor configures CreateInstance.
type InstanceDescriptor struct {
	ApplicationName string
	Layers          []string
	Extensions      []string
}

// Instance is a connection to the driver.
type Instance interface {
	// CreateDebugCallback installs fn as the receiver of validation
	// messages. The instance must have been created with
	// ExtensionDebugReport.
	CreateDebugCallback(fn DebugFunc) (DebugCallback, error)
	DestroyDebugCallback(cb DebugCallback)

	EnumeratePhysicalDevices() ([]PhysicalDevice, error)

	Destroy()
}

// PhysicalDevice describes one accelerator.
type PhysicalDevice interface {
	Properties() PhysicalDeviceProperties
	QueueFamilies() []QueueFamilyProperties
	MemoryTypes() []MemoryType
	Extensions() []ExtensionProperties

	// CreateDevice opens a logical device with exactly one queue taken
	// from queueFamily.
	CreateDevice(queueFamily uint32) (Device, error)
}

// Device is a logical device.
type Device interface {
	Queue() Queue

	CreateBuffer(size uint64, usage BufferUsage) (Buffer, error)
	BufferMemoryRequirements(b Buffer) MemoryRequirements
	DestroyBuffer(b Buffer)

	AllocateMemory(size uint64, memoryType uint32) (Memory, error)
	BindBufferMemory(b Buffer, m Memory, offset uint64) error
	FreeMemory(m Memory)

	// MapMemory maps the whole allocation into host memory.
	MapMemory(m Memory) ([]byte, error)
	UnmapMemory(m Memory)

	CreateShaderModule(code []uint32) (ShaderModule, error)
	DestroyShaderModule(m ShaderModule)

	CreateDescriptorSetLayout(bindings []DescriptorSetLayoutBinding) (DescriptorSetLayout, error)
	DestroyDescriptorSetLayout(l DescriptorSetLayout)

	CreatePipelineLayout(setLayouts []DescriptorSetLayout) (PipelineLayout, error)
	DestroyPipelineLayout(l PipelineLayout)

	CreateComputePipeline(desc *ComputePipelineDescriptor) (Pipeline, error)
	DestroyPipeline(p Pipeline)

	CreateDescriptorPool(maxSets uint32, sizes []DescriptorPoolSize) (DescriptorPool, error)
	DestroyDescriptorPool(p DescriptorPool)
	AllocateDescriptorSet(pool DescriptorPool, layout DescriptorSetLayout) (DescriptorSet, error)
	FreeDescriptorSet(pool DescriptorPool, set DescriptorSet) error
	UpdateDescriptorSet(write *DescriptorWrite)

	CreateCommandPool(queueFamily uint32) (CommandPool, error)
	DestroyCommandPool(p CommandPool)
	AllocateCommandBuffer(pool CommandPool) (CommandBuffer, error)
	FreeCommandBuffer(pool CommandPool, cb CommandBuffer)

	Destroy()
}

// Queue executes recorded command buffers in submission order.
type Queue interface {
	// Submit schedules cbs for execution and returns without waiting.
	Submit(cbs ...CommandBuffer) error

	// WaitIdle blocks until every submitted command buffer has finished.
	WaitIdle() error
}

// CommandBuffer records compute and transfer commands.
type CommandBuffer interface {
	Resource

	// Begin resets the buffer and starts recording.
	Begin() error
	End() error

	BindPipeline(p Pipeline)
	BindDescriptorSet(layout PipelineLayout, set DescriptorSet)
	Dispatch(x, y, z uint32)

	// PipelineBarrier makes every earlier command complete, with its
	// memory writes visible, before any later command starts.
	PipelineBarrier()

	CopyBuffer(src, dst Buffer, size uint64)
}

// ComputePipelineDescriptor configures CreateComputePipeline.
type ComputePipelineDescriptor struct {
	Layout     PipelineLayout
	Module     ShaderModule
	EntryPoint string
}

// DescriptorWrite points consecutive bindings of a set at buffers, starting
// at Binding.
type DescriptorWrite struct {
	Set     DescriptorSet
	Binding uint32
	Type    DescriptorType
	Buffers []Buffer
}
