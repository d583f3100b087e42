package driver

import (
	"fmt"
	"strings"
)

// ExtensionDebugReport is the instance extension that provides
// CreateDebugCallback.
const ExtensionDebugReport = "VK_EXT_debug_report"

// QueueFlags describe the capabilities of a queue family.
type QueueFlags uint32

// Queue family capability bits.
const (
	QueueGraphics QueueFlags = 1 << 0
	QueueCompute  QueueFlags = 1 << 1
	QueueTransfer QueueFlags = 1 << 2
)

// String returns a "|"-separated list of capability names.
func (f QueueFlags) String() string {
	return flagString(uint32(f), []string{"graphics", "compute", "transfer"})
}

// MemoryPropertyFlags describe a memory type.
type MemoryPropertyFlags uint32

// Memory property bits.
const (
	MemoryDeviceLocal  MemoryPropertyFlags = 1 << 0
	MemoryHostVisible  MemoryPropertyFlags = 1 << 1
	MemoryHostCoherent MemoryPropertyFlags = 1 << 2
	MemoryHostCached   MemoryPropertyFlags = 1 << 3
)

// String returns a "|"-separated list of property names.
func (f MemoryPropertyFlags) String() string {
	return flagString(uint32(f), []string{"device-local", "host-visible", "host-coherent", "host-cached"})
}

// BufferUsage is the set of ways a buffer may be used.
type BufferUsage uint32

// Buffer usage bits.
const (
	BufferUsageTransferSrc BufferUsage = 1 << 0
	BufferUsageTransferDst BufferUsage = 1 << 1
	BufferUsageUniform     BufferUsage = 1 << 4
	BufferUsageStorage     BufferUsage = 1 << 5
)

// DescriptorType identifies the kind of resource a descriptor refers to.
type DescriptorType uint32

// Descriptor types.
const (
	DescriptorTypeUniformBuffer DescriptorType = 6
	DescriptorTypeStorageBuffer DescriptorType = 7
)

func (t DescriptorType) String() string {
	switch t {
	case DescriptorTypeUniformBuffer:
		return "uniform-buffer"
	case DescriptorTypeStorageBuffer:
		return "storage-buffer"
	default:
		return fmt.Sprintf("DescriptorType(%d)", uint32(t))
	}
}

// PhysicalDeviceType classifies an accelerator.
type PhysicalDeviceType uint32

// Physical device types.
const (
	PhysicalDeviceTypeOther PhysicalDeviceType = iota
	PhysicalDeviceTypeIntegratedGPU
	PhysicalDeviceTypeDiscreteGPU
	PhysicalDeviceTypeVirtualGPU
	PhysicalDeviceTypeCPU
)

func (t PhysicalDeviceType) String() string {
	switch t {
	case PhysicalDeviceTypeOther:
		return "other"
	case PhysicalDeviceTypeIntegratedGPU:
		return "integrated-gpu"
	case PhysicalDeviceTypeDiscreteGPU:
		return "discrete-gpu"
	case PhysicalDeviceTypeVirtualGPU:
		return "virtual-gpu"
	case PhysicalDeviceTypeCPU:
		return "cpu"
	default:
		return fmt.Sprintf("PhysicalDeviceType(%d)", uint32(t))
	}
}

// Version is a packed major.minor.patch version number.
type Version uint32

// MakeVersion packs a version the way VK_MAKE_VERSION does.
func MakeVersion(major, minor, patch uint32) Version {
	return Version(major<<22 | minor<<12 | patch)
}

func (v Version) Major() uint32 { return uint32(v) >> 22 }
func (v Version) Minor() uint32 { return (uint32(v) >> 12) & 0x3ff }
func (v Version) Patch() uint32 { return uint32(v) & 0xfff }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
}

// LayerProperties describes an instance layer.
type LayerProperties struct {
	Name                  string
	Description           string
	SpecVersion           Version
	ImplementationVersion uint32
}

// ExtensionProperties describes an extension.
type ExtensionProperties struct {
	Name        string
	SpecVersion uint32
}

// QueueFamilyProperties describes a queue family.
type QueueFamilyProperties struct {
	Flags QueueFlags
	Count uint32
}

// MemoryType is one entry of a physical device's memory type table.
type MemoryType struct {
	PropertyFlags MemoryPropertyFlags
	HeapIndex     uint32
}

// Limits holds the device limits that matter for compute.
type Limits struct {
	MaxComputeWorkGroupCount       [3]uint32
	MaxComputeWorkGroupSize        [3]uint32
	MaxComputeWorkGroupInvocations uint32
	MaxStorageBufferRange          uint32
}

// PhysicalDeviceProperties describes an accelerator.
type PhysicalDeviceProperties struct {
	Name          string
	VendorID      uint32
	DeviceID      uint32
	Type          PhysicalDeviceType
	DriverVersion Version
	APIVersion    Version
	Limits        Limits
}

// MemoryRequirements is what a buffer needs from its memory binding.
type MemoryRequirements struct {
	Size      uint64
	Alignment uint64

	// MemoryTypeBits has bit i set when memory type i is allowed.
	MemoryTypeBits uint32
}

// DescriptorSetLayoutBinding is one slot of a descriptor set layout. Slots
// are visible to the compute stage.
type DescriptorSetLayoutBinding struct {
	Binding uint32
	Type    DescriptorType
	Count   uint32
}

// DescriptorPoolSize reserves Count descriptors of Type in a pool.
type DescriptorPoolSize struct {
	Type  DescriptorType
	Count uint32
}

func flagString(bits uint32, names []string) string {
	if bits == 0 {
		return "none"
	}
	var parts []string
	for i, name := range names {
		if bits&(1<<i) != 0 {
			parts = append(parts, name)
			bits &^= 1 << i
		}
	}
	if bits != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", bits))
	}
	return strings.Join(parts, "|")
}
