// Package soft is a driver that runs on the host CPU.
//
// It emulates the parts of a Vulkan implementation that a compute runtime
// touches: queue families, a memory type table with host-visible and
// device-local types, descriptor pools with real capacity accounting,
// command recording and an asynchronous queue. Shader modules are
// reflected, not compiled. A compute pipeline runs the Go function
// registered for its entry point name (see RegisterKernel), once per
// invocation.
//
// When the validation layer is enabled, misuse that a real driver would
// leave undefined is reported through the debug callback.
package soft

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gogpu/vkrt/internal/driver"
)

// Name is the registry name of the software driver.
const Name = "soft"

// ValidationLayer is the layer name the driver advertises by default.
const ValidationLayer = "VK_LAYER_KHRONOS_validation"

// DeviceConfig describes one emulated physical device.
type DeviceConfig struct {
	Name          string
	Type          driver.PhysicalDeviceType
	VendorID      uint32
	DeviceID      uint32
	DriverVersion driver.Version
	APIVersion    driver.Version
	Limits        driver.Limits
	QueueFamilies []driver.QueueFamilyProperties
	MemoryTypes   []driver.MemoryType
	Extensions    []driver.ExtensionProperties

	// MaxAllocation caps a single memory allocation. Zero means no cap.
	MaxAllocation uint64

	// Workers is the number of goroutines a dispatch spreads its
	// workgroups over. Zero means GOMAXPROCS.
	Workers int

	// CreateError, when set, makes CreateDevice fail with it.
	CreateError error
}

// Config describes the emulated host.
type Config struct {
	Layers  []driver.LayerProperties
	Devices []DeviceConfig

	// EnumerateError, when set, makes EnumeratePhysicalDevices fail with
	// it.
	EnumerateError error
}

// DefaultDevice returns the configuration of the default emulated device:
// one universal queue family and memory types ordered device-local,
// host-visible|coherent, host-visible|coherent|cached.
func DefaultDevice() DeviceConfig {
	return DeviceConfig{
		Name:          "vkrt software device",
		Type:          driver.PhysicalDeviceTypeCPU,
		VendorID:      0x10005,
		DriverVersion: driver.MakeVersion(0, 1, 0),
		APIVersion:    driver.MakeVersion(1, 0, 0),
		Limits: driver.Limits{
			MaxComputeWorkGroupCount:       [3]uint32{65535, 65535, 65535},
			MaxComputeWorkGroupSize:        [3]uint32{1024, 1024, 64},
			MaxComputeWorkGroupInvocations: 1024,
			MaxStorageBufferRange:          1 << 27,
		},
		QueueFamilies: []driver.QueueFamilyProperties{
			{Flags: driver.QueueGraphics | driver.QueueCompute | driver.QueueTransfer, Count: 1},
		},
		MemoryTypes: []driver.MemoryType{
			{PropertyFlags: driver.MemoryDeviceLocal, HeapIndex: 0},
			{PropertyFlags: driver.MemoryHostVisible | driver.MemoryHostCoherent, HeapIndex: 1},
			{PropertyFlags: driver.MemoryHostVisible | driver.MemoryHostCoherent | driver.MemoryHostCached, HeapIndex: 1},
		},
		MaxAllocation: 1 << 30,
	}
}

// DefaultConfig returns a host with the validation layer and one default
// device.
func DefaultConfig() Config {
	return Config{
		Layers: []driver.LayerProperties{{
			Name:                  ValidationLayer,
			Description:           "vkrt software validation",
			SpecVersion:           driver.MakeVersion(1, 0, 0),
			ImplementationVersion: 1,
		}},
		Devices: []DeviceConfig{DefaultDevice()},
	}
}

// Backend is the software driver entry point.
type Backend struct {
	cfg Config

	mu      sync.RWMutex
	kernels map[string]KernelFunc
}

// New returns a driver emulating cfg. It is not registered.
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg, kernels: make(map[string]KernelFunc)}
}

var defaultBackend = New(DefaultConfig())

func init() {
	driver.Register(defaultBackend)
}

// Default returns the registered software driver.
func Default() *Backend { return defaultBackend }

// RegisterKernel registers fn with the registered software driver.
func RegisterKernel(entry string, fn KernelFunc) {
	defaultBackend.RegisterKernel(entry, fn)
}

// RegisterKernel makes fn the implementation of every compute entry point
// called entry. Pipelines created afterwards pick it up.
func (b *Backend) RegisterKernel(entry string, fn KernelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kernels[entry] = fn
}

func (b *Backend) kernel(entry string) (KernelFunc, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn, ok := b.kernels[entry]
	return fn, ok
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Layers() ([]driver.LayerProperties, error) {
	return slices.Clone(b.cfg.Layers), nil
}

func (b *Backend) CreateInstance(desc *driver.InstanceDescriptor) (driver.Instance, error) {
	inst := &instance{handle: newHandle(), backend: b}
	for _, name := range desc.Layers {
		if !slices.ContainsFunc(b.cfg.Layers, func(l driver.LayerProperties) bool { return l.Name == name }) {
			return nil, fmt.Errorf("soft: vkCreateInstance: %w: %s", driver.ErrLayerNotPresent, name)
		}
		inst.validation = true
	}
	for _, ext := range desc.Extensions {
		if ext != driver.ExtensionDebugReport {
			return nil, fmt.Errorf("soft: vkCreateInstance: %w: %s", driver.ErrExtensionNotPresent, ext)
		}
		inst.debugReport = true
	}
	return inst, nil
}

var lastHandle atomic.Uintptr

// handle gives every object a unique non-zero identifier.
type handle uintptr

func newHandle() handle { return handle(lastHandle.Add(1)) }

func (h handle) NativeHandle() uintptr { return uintptr(h) }

type instance struct {
	handle
	backend     *Backend
	validation  bool
	debugReport bool

	mu        sync.Mutex
	callbacks []*debugCallback
}

type debugCallback struct {
	handle
	fn driver.DebugFunc
}

func (i *instance) CreateDebugCallback(fn driver.DebugFunc) (driver.DebugCallback, error) {
	if !i.debugReport {
		return nil, fmt.Errorf("soft: vkCreateDebugReportCallbackEXT: %w: %s",
			driver.ErrExtensionNotPresent, driver.ExtensionDebugReport)
	}
	cb := &debugCallback{handle: newHandle(), fn: fn}
	i.mu.Lock()
	i.callbacks = append(i.callbacks, cb)
	i.mu.Unlock()
	return cb, nil
}

func (i *instance) DestroyDebugCallback(cb driver.DebugCallback) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.callbacks = slices.DeleteFunc(i.callbacks, func(c *debugCallback) bool { return c == cb })
}

// report delivers a validation message. Messages are only produced while
// the validation layer is enabled.
func (i *instance) report(format string, args ...any) {
	if !i.validation {
		return
	}
	msg := fmt.Sprintf(format, args...)
	i.mu.Lock()
	cbs := slices.Clone(i.callbacks)
	i.mu.Unlock()
	for _, cb := range cbs {
		cb.fn("Validation", msg)
	}
}

func (i *instance) EnumeratePhysicalDevices() ([]driver.PhysicalDevice, error) {
	if err := i.backend.cfg.EnumerateError; err != nil {
		return nil, err
	}
	devices := make([]driver.PhysicalDevice, 0, len(i.backend.cfg.Devices))
	for _, cfg := range i.backend.cfg.Devices {
		devices = append(devices, &physicalDevice{inst: i, cfg: cfg})
	}
	return devices, nil
}

func (i *instance) Destroy() {
	i.mu.Lock()
	n := len(i.callbacks)
	i.mu.Unlock()
	if n > 0 {
		i.report("vkDestroyInstance: %d debug report callbacks not destroyed", n)
	}
}

type physicalDevice struct {
	inst *instance
	cfg  DeviceConfig
}

func (p *physicalDevice) Properties() driver.PhysicalDeviceProperties {
	return driver.PhysicalDeviceProperties{
		Name:          p.cfg.Name,
		VendorID:      p.cfg.VendorID,
		DeviceID:      p.cfg.DeviceID,
		Type:          p.cfg.Type,
		DriverVersion: p.cfg.DriverVersion,
		APIVersion:    p.cfg.APIVersion,
		Limits:        p.cfg.Limits,
	}
}

func (p *physicalDevice) QueueFamilies() []driver.QueueFamilyProperties {
	return slices.Clone(p.cfg.QueueFamilies)
}

func (p *physicalDevice) MemoryTypes() []driver.MemoryType {
	return slices.Clone(p.cfg.MemoryTypes)
}

func (p *physicalDevice) Extensions() []driver.ExtensionProperties {
	return slices.Clone(p.cfg.Extensions)
}

func (p *physicalDevice) CreateDevice(queueFamily uint32) (driver.Device, error) {
	if p.cfg.CreateError != nil {
		return nil, p.cfg.CreateError
	}
	if int(queueFamily) >= len(p.cfg.QueueFamilies) || p.cfg.QueueFamilies[queueFamily].Count == 0 {
		return nil, fmt.Errorf("soft: vkCreateDevice: %w: queue family %d has no queues",
			driver.ErrInitializationFailed, queueFamily)
	}
	return newDevice(p, queueFamily), nil
}
