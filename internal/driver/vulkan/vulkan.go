//go:build cgo && !novulkan

// Package vulkan implements the driver interfaces on the system Vulkan
// loader through github.com/vulkan-go/vulkan.
package vulkan

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"github.com/gogpu/vkrt/internal/driver"
)

// Name is the registry name of the Vulkan driver.
const Name = "vulkan"

func init() {
	driver.Register(&Backend{})
}

var (
	loaderOnce sync.Once
	loaderErr  error
)

// loadLoader opens the system Vulkan loader once per process.
func loadLoader() error {
	loaderOnce.Do(func() {
		if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
			loaderErr = fmt.Errorf("vulkan: load loader: %w: %w", driver.ErrInitializationFailed, err)
			return
		}
		if err := vk.Init(); err != nil {
			loaderErr = fmt.Errorf("vulkan: init: %w: %w", driver.ErrInitializationFailed, err)
		}
	})
	return loaderErr
}

// check converts a VkResult into an error that matches the driver
// sentinels where one applies.
func check(call string, res vk.Result) error {
	if res == vk.Success {
		return nil
	}
	var kind error
	switch res {
	case vk.ErrorOutOfHostMemory:
		kind = driver.ErrOutOfHostMemory
	case vk.ErrorOutOfDeviceMemory:
		kind = driver.ErrOutOfDeviceMemory
	case vk.ErrorFragmentedPool:
		kind = driver.ErrOutOfPoolMemory
	case vk.ErrorMemoryMapFailed:
		kind = driver.ErrMemoryMapFailed
	case vk.ErrorLayerNotPresent:
		kind = driver.ErrLayerNotPresent
	case vk.ErrorExtensionNotPresent:
		kind = driver.ErrExtensionNotPresent
	case vk.ErrorInitializationFailed, vk.ErrorIncompatibleDriver:
		kind = driver.ErrInitializationFailed
	case vk.ErrorDeviceLost:
		kind = driver.ErrDeviceLost
	default:
		return fmt.Errorf("vulkan: %s: %w", call, vk.Error(res))
	}
	return fmt.Errorf("vulkan: %s: %w: %w", call, kind, vk.Error(res))
}

// cstr returns s nul-terminated, as vulkan-go expects for char pointers.
func cstr(s string) string { return s + "\x00" }

func cstrs(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = cstr(s)
	}
	return out
}

var lastHandle atomic.Uintptr

type handle uintptr

func newHandle() handle { return handle(lastHandle.Add(1)) }

func (h handle) NativeHandle() uintptr { return uintptr(h) }

// Backend is the Vulkan driver entry point.
type Backend struct{}

func (*Backend) Name() string { return Name }

func (*Backend) Layers() ([]driver.LayerProperties, error) {
	if err := loadLoader(); err != nil {
		return nil, err
	}
	var count uint32
	if err := check("vkEnumerateInstanceLayerProperties", vk.EnumerateInstanceLayerProperties(&count, nil)); err != nil {
		return nil, err
	}
	props := make([]vk.LayerProperties, count)
	if err := check("vkEnumerateInstanceLayerProperties", vk.EnumerateInstanceLayerProperties(&count, props)); err != nil {
		return nil, err
	}
	layers := make([]driver.LayerProperties, 0, count)
	for i := range props[:count] {
		props[i].Deref()
		layers = append(layers, driver.LayerProperties{
			Name:                  vk.ToString(props[i].LayerName[:]),
			Description:           vk.ToString(props[i].Description[:]),
			SpecVersion:           driver.Version(props[i].SpecVersion),
			ImplementationVersion: props[i].ImplementationVersion,
		})
	}
	return layers, nil
}

func (*Backend) CreateInstance(desc *driver.InstanceDescriptor) (driver.Instance, error) {
	if err := loadLoader(); err != nil {
		return nil, err
	}
	info := vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:              vk.StructureTypeApplicationInfo,
			PApplicationName:   cstr(desc.ApplicationName),
			ApplicationVersion: vk.MakeVersion(1, 0, 0),
			PEngineName:        cstr("vkrt"),
			EngineVersion:      vk.MakeVersion(1, 0, 0),
			ApiVersion:         vk.MakeVersion(1, 0, 0),
		},
		EnabledLayerCount:       uint32(len(desc.Layers)),
		PpEnabledLayerNames:     cstrs(desc.Layers),
		EnabledExtensionCount:   uint32(len(desc.Extensions)),
		PpEnabledExtensionNames: cstrs(desc.Extensions),
	}
	var raw vk.Instance
	if err := check("vkCreateInstance", vk.CreateInstance(&info, nil, &raw)); err != nil {
		return nil, err
	}
	if err := vk.InitInstance(raw); err != nil {
		vk.DestroyInstance(raw, nil)
		return nil, fmt.Errorf("vulkan: init instance: %w: %w", driver.ErrInitializationFailed, err)
	}
	inst := &instance{raw: raw}
	for _, ext := range desc.Extensions {
		if ext == driver.ExtensionDebugReport {
			inst.debugReport = true
		}
	}
	return inst, nil
}

type instance struct {
	raw         vk.Instance
	debugReport bool
}

type debugCallback struct {
	handle
	raw vk.DebugReportCallback
}

func (i *instance) CreateDebugCallback(fn driver.DebugFunc) (driver.DebugCallback, error) {
	if !i.debugReport {
		return nil, fmt.Errorf("vulkan: vkCreateDebugReportCallbackEXT: %w: %s",
			driver.ErrExtensionNotPresent, driver.ExtensionDebugReport)
	}
	info := vk.DebugReportCallbackCreateInfo{
		SType: vk.StructureTypeDebugReportCallbackCreateInfo,
		Flags: vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit |
			vk.DebugReportPerformanceWarningBit | vk.DebugReportInformationBit),
		PfnCallback: func(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType,
			object uint64, location uint, messageCode int32, layerPrefix, message string,
			userData unsafe.Pointer) vk.Bool32 {
			fn(layerPrefix, message)
			return vk.False
		},
	}
	cb := &debugCallback{handle: newHandle()}
	if err := check("vkCreateDebugReportCallbackEXT", vk.CreateDebugReportCallback(i.raw, &info, nil, &cb.raw)); err != nil {
		return nil, err
	}
	return cb, nil
}

func (i *instance) DestroyDebugCallback(cb driver.DebugCallback) {
	vk.DestroyDebugReportCallback(i.raw, cb.(*debugCallback).raw, nil)
}

func (i *instance) EnumeratePhysicalDevices() ([]driver.PhysicalDevice, error) {
	var count uint32
	if err := check("vkEnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(i.raw, &count, nil)); err != nil {
		return nil, err
	}
	raws := make([]vk.PhysicalDevice, count)
	if err := check("vkEnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(i.raw, &count, raws)); err != nil {
		return nil, err
	}
	devices := make([]driver.PhysicalDevice, 0, count)
	for _, raw := range raws[:count] {
		devices = append(devices, &physicalDevice{raw: raw})
	}
	return devices, nil
}

func (i *instance) Destroy() {
	vk.DestroyInstance(i.raw, nil)
}

type physicalDevice struct {
	raw vk.PhysicalDevice
}

func (p *physicalDevice) Properties() driver.PhysicalDeviceProperties {
	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(p.raw, &props)
	props.Deref()
	props.Limits.Deref()
	return driver.PhysicalDeviceProperties{
		Name:          vk.ToString(props.DeviceName[:]),
		VendorID:      props.VendorID,
		DeviceID:      props.DeviceID,
		Type:          driver.PhysicalDeviceType(props.DeviceType),
		DriverVersion: driver.Version(props.DriverVersion),
		APIVersion:    driver.Version(props.ApiVersion),
		Limits: driver.Limits{
			MaxComputeWorkGroupCount:       props.Limits.MaxComputeWorkGroupCount,
			MaxComputeWorkGroupSize:        props.Limits.MaxComputeWorkGroupSize,
			MaxComputeWorkGroupInvocations: props.Limits.MaxComputeWorkGroupInvocations,
			MaxStorageBufferRange:          props.Limits.MaxStorageBufferRange,
		},
	}
}

func (p *physicalDevice) QueueFamilies() []driver.QueueFamilyProperties {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(p.raw, &count, nil)
	raws := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(p.raw, &count, raws)
	families := make([]driver.QueueFamilyProperties, 0, count)
	for i := range raws[:count] {
		raws[i].Deref()
		families = append(families, driver.QueueFamilyProperties{
			Flags: driver.QueueFlags(raws[i].QueueFlags),
			Count: raws[i].QueueCount,
		})
	}
	return families
}

func (p *physicalDevice) MemoryTypes() []driver.MemoryType {
	var props vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(p.raw, &props)
	props.Deref()
	types := make([]driver.MemoryType, 0, props.MemoryTypeCount)
	for i := uint32(0); i < props.MemoryTypeCount; i++ {
		mt := props.MemoryTypes[i]
		mt.Deref()
		types = append(types, driver.MemoryType{
			PropertyFlags: driver.MemoryPropertyFlags(mt.PropertyFlags),
			HeapIndex:     mt.HeapIndex,
		})
	}
	return types
}

func (p *physicalDevice) Extensions() []driver.ExtensionProperties {
	var count uint32
	if vk.EnumerateDeviceExtensionProperties(p.raw, "", &count, nil) != vk.Success {
		return nil
	}
	raws := make([]vk.ExtensionProperties, count)
	if vk.EnumerateDeviceExtensionProperties(p.raw, "", &count, raws) != vk.Success {
		return nil
	}
	exts := make([]driver.ExtensionProperties, 0, count)
	for i := range raws[:count] {
		raws[i].Deref()
		exts = append(exts, driver.ExtensionProperties{
			Name:        vk.ToString(raws[i].ExtensionName[:]),
			SpecVersion: raws[i].SpecVersion,
		})
	}
	return exts
}

func (p *physicalDevice) CreateDevice(queueFamily uint32) (driver.Device, error) {
	info := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: 1,
		PQueueCreateInfos: []vk.DeviceQueueCreateInfo{{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: queueFamily,
			QueueCount:       1,
			PQueuePriorities: []float32{1},
		}},
	}
	var raw vk.Device
	if err := check("vkCreateDevice", vk.CreateDevice(p.raw, &info, nil, &raw)); err != nil {
		return nil, err
	}
	d := &device{raw: raw}
	vk.GetDeviceQueue(raw, queueFamily, 0, &d.queue.raw)
	return d, nil
}
