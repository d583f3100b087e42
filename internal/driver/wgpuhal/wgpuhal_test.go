package wgpuhal

import (
	"errors"
	"testing"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/vkrt/internal/driver"
)

// openNoopDevice opens a logical device on the noop hal backend.
func openNoopDevice(t *testing.T) (driver.Instance, driver.PhysicalDevice, driver.Device) {
	t.Helper()
	b := New(&noop.API{})
	inst, err := b.CreateInstance(&driver.InstanceDescriptor{ApplicationName: "test"})
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	phys, err := inst.EnumeratePhysicalDevices()
	if err != nil {
		inst.Destroy()
		t.Fatalf("EnumeratePhysicalDevices failed: %v", err)
	}
	if len(phys) == 0 {
		inst.Destroy()
		t.Fatal("noop backend exposes no adapters")
	}
	dev, err := phys[0].CreateDevice(0)
	if err != nil {
		inst.Destroy()
		t.Fatalf("CreateDevice failed: %v", err)
	}
	t.Cleanup(func() {
		dev.Destroy()
		inst.Destroy()
	})
	return inst, phys[0], dev
}

func TestCreateInstanceRejectsLayersAndExtensions(t *testing.T) {
	b := New(&noop.API{})
	tests := []struct {
		name string
		desc driver.InstanceDescriptor
		want error
	}{
		{"layer", driver.InstanceDescriptor{Layers: []string{"VK_LAYER_KHRONOS_validation"}}, driver.ErrLayerNotPresent},
		{"extension", driver.InstanceDescriptor{Extensions: []string{driver.ExtensionDebugReport}}, driver.ErrExtensionNotPresent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.CreateInstance(&tt.desc)
			if !errors.Is(err, tt.want) {
				t.Errorf("CreateInstance() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDebugCallbackUnsupported(t *testing.T) {
	inst, _, _ := openNoopDevice(t)
	if _, err := inst.CreateDebugCallback(func(string, string) {}); !errors.Is(err, driver.ErrExtensionNotPresent) {
		t.Errorf("CreateDebugCallback() error = %v, want ErrExtensionNotPresent", err)
	}
}

func TestPhysicalDevice(t *testing.T) {
	_, phys, _ := openNoopDevice(t)

	fams := phys.QueueFamilies()
	if len(fams) != 1 || fams[0].Flags&driver.QueueCompute == 0 {
		t.Errorf("QueueFamilies() = %v, want one compute family", fams)
	}
	types := phys.MemoryTypes()
	if len(types) != 2 {
		t.Fatalf("len(MemoryTypes()) = %d, want 2", len(types))
	}
	if types[memoryLocal].PropertyFlags&driver.MemoryDeviceLocal == 0 {
		t.Errorf("memory type %d = %v, want device-local", memoryLocal, types[memoryLocal].PropertyFlags)
	}
	if types[memoryMappable].PropertyFlags&driver.MemoryHostVisible == 0 {
		t.Errorf("memory type %d = %v, want host-visible", memoryMappable, types[memoryMappable].PropertyFlags)
	}
	if _, err := phys.CreateDevice(1); !errors.Is(err, driver.ErrInitializationFailed) {
		t.Errorf("CreateDevice(1) error = %v, want ErrInitializationFailed", err)
	}
}

func TestBindBufferMemory(t *testing.T) {
	_, _, dev := openNoopDevice(t)
	usage := driver.BufferUsageStorage | driver.BufferUsageTransferSrc | driver.BufferUsageTransferDst

	buf, err := dev.CreateBuffer(64, usage)
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	defer dev.DestroyBuffer(buf)
	req := dev.BufferMemoryRequirements(buf)
	if req.Size < 64 || req.MemoryTypeBits&(1<<memoryMappable) == 0 {
		t.Errorf("BufferMemoryRequirements() = %+v", req)
	}

	small, _ := dev.AllocateMemory(32, memoryLocal)
	defer dev.FreeMemory(small)
	if err := dev.BindBufferMemory(buf, small, 0); !errors.Is(err, driver.ErrInvalidUsage) {
		t.Errorf("bind into small allocation: error = %v, want ErrInvalidUsage", err)
	}

	mem, err := dev.AllocateMemory(req.Size, memoryLocal)
	if err != nil {
		t.Fatalf("AllocateMemory failed: %v", err)
	}
	defer dev.FreeMemory(mem)
	if err := dev.BindBufferMemory(buf, mem, 0); err != nil {
		t.Fatalf("BindBufferMemory failed: %v", err)
	}
	if err := dev.BindBufferMemory(buf, mem, 0); !errors.Is(err, driver.ErrInvalidUsage) {
		t.Errorf("second bind: error = %v, want ErrInvalidUsage", err)
	}
}

func TestMapMemory(t *testing.T) {
	_, _, dev := openNoopDevice(t)

	local, _ := dev.AllocateMemory(16, memoryLocal)
	defer dev.FreeMemory(local)
	if _, err := dev.MapMemory(local); !errors.Is(err, driver.ErrMemoryMapFailed) {
		t.Errorf("MapMemory(local) error = %v, want ErrMemoryMapFailed", err)
	}

	host, _ := dev.AllocateMemory(16, memoryMappable)
	defer dev.FreeMemory(host)
	data, err := dev.MapMemory(host)
	if err != nil {
		t.Fatalf("MapMemory failed: %v", err)
	}
	if len(data) != 16 {
		t.Errorf("len(MapMemory()) = %d, want 16", len(data))
	}
	if _, err := dev.MapMemory(host); !errors.Is(err, driver.ErrMemoryMapFailed) {
		t.Errorf("second MapMemory error = %v, want ErrMemoryMapFailed", err)
	}
	copy(data, "0123456789abcdef")
	dev.UnmapMemory(host)

	again, err := dev.MapMemory(host)
	if err != nil {
		t.Fatalf("MapMemory after unmap failed: %v", err)
	}
	defer dev.UnmapMemory(host)
	if string(again) != "0123456789abcdef" {
		t.Errorf("remapped contents = %q", again)
	}
}

func TestDescriptorPoolCapacity(t *testing.T) {
	_, _, dev := openNoopDevice(t)

	layout, err := dev.CreateDescriptorSetLayout([]driver.DescriptorSetLayoutBinding{
		{Binding: 0, Type: driver.DescriptorTypeStorageBuffer, Count: 1},
		{Binding: 1, Type: driver.DescriptorTypeStorageBuffer, Count: 1},
	})
	if err != nil {
		t.Fatalf("CreateDescriptorSetLayout failed: %v", err)
	}
	defer dev.DestroyDescriptorSetLayout(layout)

	tests := []struct {
		name    string
		maxSets uint32
		count   uint32
		wantErr bool
	}{
		{"exact", 1, 2, false},
		{"too few descriptors", 1, 1, true},
		{"no sets", 0, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, err := dev.CreateDescriptorPool(tt.maxSets, []driver.DescriptorPoolSize{
				{Type: driver.DescriptorTypeStorageBuffer, Count: tt.count},
			})
			if err != nil {
				t.Fatalf("CreateDescriptorPool failed: %v", err)
			}
			defer dev.DestroyDescriptorPool(pool)
			set, err := dev.AllocateDescriptorSet(pool, layout)
			if tt.wantErr {
				if !errors.Is(err, driver.ErrOutOfPoolMemory) {
					t.Errorf("AllocateDescriptorSet() error = %v, want ErrOutOfPoolMemory", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("AllocateDescriptorSet failed: %v", err)
			}
			if err := dev.FreeDescriptorSet(pool, set); err != nil {
				t.Errorf("FreeDescriptorSet failed: %v", err)
			}
			if _, err := dev.AllocateDescriptorSet(pool, layout); err != nil {
				t.Errorf("AllocateDescriptorSet after free failed: %v", err)
			}
		})
	}
}

func TestCommandBufferRecordingState(t *testing.T) {
	_, _, dev := openNoopDevice(t)

	pool, err := dev.CreateCommandPool(0)
	if err != nil {
		t.Fatalf("CreateCommandPool failed: %v", err)
	}
	defer dev.DestroyCommandPool(pool)
	cb, err := dev.AllocateCommandBuffer(pool)
	if err != nil {
		t.Fatalf("AllocateCommandBuffer failed: %v", err)
	}
	defer dev.FreeCommandBuffer(pool, cb)

	if err := cb.End(); !errors.Is(err, driver.ErrInvalidUsage) {
		t.Errorf("End() before Begin error = %v, want ErrInvalidUsage", err)
	}
	if err := cb.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := cb.Begin(); !errors.Is(err, driver.ErrInvalidUsage) {
		t.Errorf("second Begin() error = %v, want ErrInvalidUsage", err)
	}
	if err := dev.Queue().Submit(cb); !errors.Is(err, driver.ErrInvalidUsage) {
		t.Errorf("Submit() while recording error = %v, want ErrInvalidUsage", err)
	}
	if err := cb.End(); err != nil {
		t.Errorf("End failed: %v", err)
	}
}

func TestWaitIdleWithoutSubmit(t *testing.T) {
	_, _, dev := openNoopDevice(t)
	if err := dev.Queue().WaitIdle(); err != nil {
		t.Errorf("WaitIdle() = %v, want nil", err)
	}
}

type fakeProvider struct {
	gpucontext.DeviceProvider
	device, queue any
}

func (p fakeProvider) HalDevice() any { return p.device }
func (p fakeProvider) HalQueue() any  { return p.queue }

func TestNewSharedRejectsForeignProvider(t *testing.T) {
	tests := []struct {
		name     string
		provider gpucontext.DeviceProvider
	}{
		{"no hal methods", nil},
		{"nil hal device", fakeProvider{}},
		{"wrong types", fakeProvider{device: "device", queue: "queue"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewShared(tt.provider); !errors.Is(err, driver.ErrInitializationFailed) {
				t.Errorf("NewShared() error = %v, want ErrInitializationFailed", err)
			}
		})
	}
}
