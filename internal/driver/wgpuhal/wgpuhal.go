// Package wgpuhal implements the driver interfaces on the gogpu/wgpu
// hardware abstraction layer.
//
// hal has no explicit memory objects, descriptor pools or debug report
// extension. The driver emulates them: memory is bookkeeping plus a host
// shadow for host-visible types, buffers are created on hal when memory is
// bound, descriptor sets become bind groups at submit time, and every
// dispatch is encoded in its own compute pass, which orders it after the
// previous one.
package wgpuhal

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Register the hal Vulkan backend.
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/vkrt/internal/driver"
)

// Name is the registry name of the hal driver.
const Name = "wgpu"

func init() {
	driver.Register(&Backend{})
}

// API is the part of a hal backend the driver needs.
type API interface {
	CreateInstance(desc *hal.InstanceDescriptor) (hal.Instance, error)
}

// Backend is the hal driver entry point.
type Backend struct {
	api    API
	shared *sharedDevice
}

// New returns an unregistered driver on api, for example noop.API.
func New(api API) *Backend { return &Backend{api: api} }

// NewShared returns an unregistered driver exposing the device of an
// external provider as its only physical device. The provider must
// implement HalDevice() any and HalQueue() any returning hal.Device and
// hal.Queue. Destroying the logical device leaves the provider's device
// alive.
func NewShared(provider gpucontext.DeviceProvider) (*Backend, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("wgpu: %w: provider does not expose hal types", driver.ErrInitializationFailed)
	}
	dev, ok := hp.HalDevice().(hal.Device)
	if !ok || dev == nil {
		return nil, fmt.Errorf("wgpu: %w: provider HalDevice is not hal.Device", driver.ErrInitializationFailed)
	}
	q, ok := hp.HalQueue().(hal.Queue)
	if !ok || q == nil {
		return nil, fmt.Errorf("wgpu: %w: provider HalQueue is not hal.Queue", driver.ErrInitializationFailed)
	}
	return &Backend{shared: &sharedDevice{device: dev, queue: q}}, nil
}

type sharedDevice struct {
	device hal.Device
	queue  hal.Queue
}

func (b *Backend) Name() string { return Name }

// Layers reports none. hal validation is configured through its instance
// flags, not layers.
func (b *Backend) Layers() ([]driver.LayerProperties, error) { return nil, nil }

func (b *Backend) CreateInstance(desc *driver.InstanceDescriptor) (driver.Instance, error) {
	if len(desc.Layers) > 0 {
		return nil, fmt.Errorf("wgpu: create instance: %w: %s", driver.ErrLayerNotPresent, desc.Layers[0])
	}
	if len(desc.Extensions) > 0 {
		return nil, fmt.Errorf("wgpu: create instance: %w: %s", driver.ErrExtensionNotPresent, desc.Extensions[0])
	}
	if b.shared != nil {
		return &instance{shared: b.shared}, nil
	}
	api := b.api
	if api == nil {
		vk, ok := hal.GetBackend(gputypes.BackendVulkan)
		if !ok {
			return nil, fmt.Errorf("wgpu: %w: vulkan hal backend not available", driver.ErrInitializationFailed)
		}
		api = vk
	}
	raw, err := api.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create instance: %w: %w", driver.ErrInitializationFailed, err)
	}
	return &instance{raw: raw}, nil
}

var lastHandle atomic.Uintptr

type handle uintptr

func newHandle() handle { return handle(lastHandle.Add(1)) }

func (h handle) NativeHandle() uintptr { return uintptr(h) }

type instance struct {
	raw    hal.Instance
	shared *sharedDevice
}

func (i *instance) CreateDebugCallback(driver.DebugFunc) (driver.DebugCallback, error) {
	return nil, fmt.Errorf("wgpu: create debug callback: %w: %s", driver.ErrExtensionNotPresent, driver.ExtensionDebugReport)
}

func (i *instance) DestroyDebugCallback(driver.DebugCallback) {}

func (i *instance) EnumeratePhysicalDevices() ([]driver.PhysicalDevice, error) {
	if i.shared != nil {
		return []driver.PhysicalDevice{&physicalDevice{name: "shared device", shared: i.shared}}, nil
	}
	adapters := i.raw.EnumerateAdapters(nil)
	devices := make([]driver.PhysicalDevice, 0, len(adapters))
	for _, a := range adapters {
		devices = append(devices, &physicalDevice{
			name:    a.Info.Name,
			typ:     deviceType(a.Info.DeviceType),
			adapter: a.Adapter,
		})
	}
	return devices, nil
}

func (i *instance) Destroy() {
	if i.raw != nil {
		i.raw.Destroy()
	}
}

func deviceType(t gputypes.DeviceType) driver.PhysicalDeviceType {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return driver.PhysicalDeviceTypeDiscreteGPU
	case gputypes.DeviceTypeIntegratedGPU:
		return driver.PhysicalDeviceTypeIntegratedGPU
	default:
		return driver.PhysicalDeviceTypeOther
	}
}

// Memory type indices. hal decides placement itself; the driver only
// distinguishes buffers the host may map.
const (
	memoryLocal uint32 = iota
	memoryMappable
)

type physicalDevice struct {
	name    string
	typ     driver.PhysicalDeviceType
	adapter hal.Adapter
	shared  *sharedDevice
}

func (p *physicalDevice) Properties() driver.PhysicalDeviceProperties {
	return driver.PhysicalDeviceProperties{
		Name:       p.name,
		Type:       p.typ,
		APIVersion: driver.MakeVersion(1, 0, 0),
		// WebGPU default limits, which every hal adapter meets.
		Limits: driver.Limits{
			MaxComputeWorkGroupCount:       [3]uint32{65535, 65535, 65535},
			MaxComputeWorkGroupSize:        [3]uint32{256, 256, 64},
			MaxComputeWorkGroupInvocations: 256,
			MaxStorageBufferRange:          128 << 20,
		},
	}
}

func (p *physicalDevice) QueueFamilies() []driver.QueueFamilyProperties {
	return []driver.QueueFamilyProperties{
		{Flags: driver.QueueGraphics | driver.QueueCompute | driver.QueueTransfer, Count: 1},
	}
}

func (p *physicalDevice) MemoryTypes() []driver.MemoryType {
	return []driver.MemoryType{
		memoryLocal:    {PropertyFlags: driver.MemoryDeviceLocal, HeapIndex: 0},
		memoryMappable: {PropertyFlags: driver.MemoryHostVisible | driver.MemoryHostCoherent, HeapIndex: 1},
	}
}

func (p *physicalDevice) Extensions() []driver.ExtensionProperties { return nil }

func (p *physicalDevice) CreateDevice(queueFamily uint32) (driver.Device, error) {
	if queueFamily != 0 {
		return nil, fmt.Errorf("wgpu: create device: %w: queue family %d has no queues",
			driver.ErrInitializationFailed, queueFamily)
	}
	if p.shared != nil {
		return newDevice(p.shared.device, p.shared.queue, true)
	}
	open, err := p.adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		return nil, fmt.Errorf("wgpu: open device: %w: %w", driver.ErrInitializationFailed, err)
	}
	return newDevice(open.Device, open.Queue, false)
}
