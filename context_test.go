package vkrt

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/gogpu/vkrt/internal/driver"
	"github.com/gogpu/vkrt/internal/driver/soft"
)

func TestNewContextDefaults(t *testing.T) {
	env := newTestEnv(t)

	if got := env.ctx.Backend(); got != soft.Name {
		t.Errorf("Backend() = %q, want %q", got, soft.Name)
	}
	if got := env.ctx.Mode(); got != ModeVerbose {
		t.Errorf("Mode() = %v, want %v", got, ModeVerbose)
	}
	if n := len(env.ctx.Devices()); n != 1 {
		t.Fatalf("len(Devices()) = %d, want 1", n)
	}
	if got, want := env.dev.Name(), soft.DefaultDevice().Name; got != want {
		t.Errorf("Name() = %q, want %q", got, want)
	}
	env.assertNoDiagnostics(t)
}

func TestNewContextErrors(t *testing.T) {
	noCompute := soft.DefaultDevice()
	noCompute.QueueFamilies = []driver.QueueFamilyProperties{{Flags: driver.QueueTransfer, Count: 1}}

	broken := soft.DefaultDevice()
	broken.CreateError = driver.ErrInitializationFailed

	tests := []struct {
		name    string
		cfg     soft.Config
		wantErr error
	}{
		{"no devices", soft.Config{}, ErrNoDevicesFound},
		{"enumerate fails", soft.Config{EnumerateError: driver.ErrInitializationFailed}, ErrNoDevicesFound},
		{"no compute queue", soft.Config{Devices: []soft.DeviceConfig{noCompute}}, ErrNoComputeQueue},
		{"device creation fails", soft.Config{Devices: []soft.DeviceConfig{broken}}, ErrNoDevicesFound},
		{"second device fails", soft.Config{Devices: []soft.DeviceConfig{soft.DefaultDevice(), noCompute}}, ErrNoComputeQueue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, err := New(withDriver(soft.New(tt.cfg)))
			if err == nil {
				ctx.Close()
				t.Fatal("New() succeeded, want error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewContextUnknownBackend(t *testing.T) {
	_, err := New(WithBackend("metal"))
	if !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("New(WithBackend(metal)) error = %v, want %v", err, ErrUnknownBackend)
	}
}

func TestNewContextRegisteredBackend(t *testing.T) {
	ctx, err := New(WithBackend(soft.Name))
	if err != nil {
		t.Fatalf("New(WithBackend(soft)) failed: %v", err)
	}
	defer ctx.Close()
	if ctx.Backend() != soft.Name {
		t.Errorf("Backend() = %q, want %q", ctx.Backend(), soft.Name)
	}
}

func TestEnvironment(t *testing.T) {
	t.Run("mode from env", func(t *testing.T) {
		t.Setenv(EnvMode, "profile")
		ctx, err := New(withDriver(soft.New(soft.DefaultConfig())))
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		defer ctx.Close()
		if ctx.Mode() != ModeProfile {
			t.Errorf("Mode() = %v, want %v", ctx.Mode(), ModeProfile)
		}
	})

	t.Run("option wins over env", func(t *testing.T) {
		t.Setenv(EnvMode, "all")
		ctx, err := New(withDriver(soft.New(soft.DefaultConfig())), WithMode(ModeNone))
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		defer ctx.Close()
		if ctx.Mode() != ModeNone {
			t.Errorf("Mode() = %v, want %v", ctx.Mode(), ModeNone)
		}
	})

	t.Run("invalid mode", func(t *testing.T) {
		t.Setenv(EnvMode, "chatty")
		_, err := New(withDriver(soft.New(soft.DefaultConfig())))
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("New() error = %v, want %v", err, ErrInvalidArgument)
		}
	})

	t.Run("backend from env", func(t *testing.T) {
		t.Setenv(EnvBackend, soft.Name)
		ctx, err := New()
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		defer ctx.Close()
		if ctx.Backend() != soft.Name {
			t.Errorf("Backend() = %q, want %q", ctx.Backend(), soft.Name)
		}
	})
}

func TestVerboseForwardsDriverMessages(t *testing.T) {
	env := newTestEnv(t)

	cb, err := NewCommandBuffer(env.dev)
	if err != nil {
		t.Fatalf("NewCommandBuffer() failed: %v", err)
	}
	defer cb.Destroy()
	if err := cb.Begin(); err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	if err := cb.Dispatch(1, 1, 1); err != nil {
		t.Fatalf("Dispatch() failed: %v", err)
	}
	if err := cb.End(); err != nil {
		t.Fatalf("End() failed: %v", err)
	}
	if _, err := env.dev.Execute(cb); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	want := "[vkrt] Validation vkCmdDispatch: no compute pipeline bound\n"
	if got := env.sink.String(); got != want {
		t.Errorf("sink = %q, want %q", got, want)
	}
}

func TestQuietModeDropsDriverMessages(t *testing.T) {
	env := newTestEnv(t, WithMode(ModeNone))

	cb, err := NewCommandBuffer(env.dev)
	if err != nil {
		t.Fatalf("NewCommandBuffer() failed: %v", err)
	}
	_ = cb.Begin()
	_ = cb.Dispatch(1, 1, 1)
	_ = cb.End()
	if _, err := env.dev.Execute(cb); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	env.assertNoDiagnostics(t)
}

func TestVerboseWithoutValidationLayer(t *testing.T) {
	cfg := soft.DefaultConfig()
	cfg.Layers = nil
	env := newTestEnvConfig(t, cfg)
	if env.ctx.callback != nil {
		t.Error("debug callback installed without a validation layer")
	}
}

func TestValidationLayerSelection(t *testing.T) {
	env := newTestEnv(t, WithValidationLayers("VK_LAYER_missing", soft.ValidationLayer))
	if env.ctx.callback == nil {
		t.Error("debug callback not installed")
	}

	env = newTestEnv(t, WithValidationLayers("VK_LAYER_missing"))
	if env.ctx.callback != nil {
		t.Error("debug callback installed for a missing layer")
	}
}

// noReportBackend drops the debug report extension from every instance.
type noReportBackend struct {
	*soft.Backend
}

func (b noReportBackend) CreateInstance(desc *driver.InstanceDescriptor) (driver.Instance, error) {
	d := *desc
	d.Extensions = nil
	return b.Backend.CreateInstance(&d)
}

func TestCallbackCreationFailure(t *testing.T) {
	b := noReportBackend{soft.New(soft.DefaultConfig())}
	_, err := New(withDriver(b), WithMode(ModeVerbose))
	if !errors.Is(err, ErrCallbackCreationFailed) {
		t.Errorf("New() error = %v, want %v", err, ErrCallbackCreationFailed)
	}
}

func TestContextDevice(t *testing.T) {
	cfg := soft.DefaultConfig()
	second := soft.DefaultDevice()
	second.Name = "second"
	cfg.Devices = append(cfg.Devices, second)
	env := newTestEnvConfig(t, cfg)

	tests := []struct {
		index    int
		wantName string
		wantErr  error
	}{
		{0, soft.DefaultDevice().Name, nil},
		{1, "second", nil},
		{2, "", ErrInvalidArgument},
		{-1, "", ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.index), func(t *testing.T) {
			d, err := env.ctx.Device(tt.index)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Device(%d) error = %v, want %v", tt.index, err, tt.wantErr)
			}
			if err == nil && d.Name() != tt.wantName {
				t.Errorf("Device(%d).Name() = %q, want %q", tt.index, d.Name(), tt.wantName)
			}
		})
	}
}

func TestContextCloseIdempotent(t *testing.T) {
	ctx, err := New(withDriver(soft.New(soft.DefaultConfig())))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := ctx.Close(); err != nil {
		t.Fatalf("first Close() failed: %v", err)
	}
	if err := ctx.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
	if _, err := ctx.Device(0); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Device(0) after Close() error = %v, want %v", err, ErrDestroyed)
	}
}

func TestMemoryTypeSelection(t *testing.T) {
	tests := []struct {
		name         string
		types        []driver.MemoryType
		wantMappable int
		wantLocal    int
	}{
		{
			name:         "default",
			types:        soft.DefaultDevice().MemoryTypes,
			wantMappable: 1,
			wantLocal:    0,
		},
		{
			name: "unified first match",
			types: []driver.MemoryType{
				{PropertyFlags: driver.MemoryDeviceLocal | driver.MemoryHostVisible | driver.MemoryHostCoherent},
				{PropertyFlags: driver.MemoryDeviceLocal},
			},
			wantMappable: 0,
			wantLocal:    0,
		},
		{
			name:         "host only",
			types:        []driver.MemoryType{{PropertyFlags: driver.MemoryHostVisible}},
			wantMappable: 0,
			wantLocal:    -1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dc := soft.DefaultDevice()
			dc.MemoryTypes = tt.types
			env := newTestEnvConfig(t, soft.Config{Devices: []soft.DeviceConfig{dc}})
			if got := env.dev.MappableMemoryType(); got != tt.wantMappable {
				t.Errorf("MappableMemoryType() = %d, want %d", got, tt.wantMappable)
			}
			if got := env.dev.LocalMemoryType(); got != tt.wantLocal {
				t.Errorf("LocalMemoryType() = %d, want %d", got, tt.wantLocal)
			}
		})
	}
}

func TestQueueFamilySelection(t *testing.T) {
	dc := soft.DefaultDevice()
	dc.QueueFamilies = []driver.QueueFamilyProperties{
		{Flags: driver.QueueGraphics, Count: 1},
		{Flags: driver.QueueCompute, Count: 0},
		{Flags: driver.QueueCompute | driver.QueueTransfer, Count: 2},
	}
	env := newTestEnvConfig(t, soft.Config{Devices: []soft.DeviceConfig{dc}})
	if got := env.dev.QueueFamily(); got != 2 {
		t.Errorf("QueueFamily() = %d, want 2", got)
	}
}

func TestWaitWithoutSubmit(t *testing.T) {
	env := newTestEnv(t)
	for range 3 {
		if err := env.dev.Wait(); err != nil {
			t.Fatalf("Wait() failed: %v", err)
		}
	}
}

func TestTeardownInOrder(t *testing.T) {
	env := newTestEnv(t)
	d := env.dev

	buf := mustBuffer(t, d, 64, true)
	p := mustProgram(t, d, kernelModule(1, "doubleMe"))
	k := mustKernel(t, p, "doubleMe", StorageBuffer)
	a := mustArguments(t, k, buf)
	cb, err := NewKernelCommandBuffer(d, k, a)
	if err != nil {
		t.Fatalf("NewKernelCommandBuffer() failed: %v", err)
	}
	if got := d.Live(); got != 5 {
		t.Errorf("Live() = %d, want 5", got)
	}

	for _, r := range []resource{cb, a, k, p, buf} {
		if err := r.Destroy(); err != nil {
			t.Fatalf("%s Destroy() failed: %v", r.kind(), err)
		}
	}
	if got := d.Live(); got != 0 {
		t.Errorf("Live() after teardown = %d, want 0", got)
	}

	if err := env.ctx.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	env.assertNoDiagnostics(t)
}

func TestDeviceReleasesLeakedResources(t *testing.T) {
	env := newTestEnv(t)
	d := env.dev

	buf := mustBuffer(t, d, 64, false)
	p := mustProgram(t, d, kernelModule(1, "doubleMe"))
	k := mustKernel(t, p, "doubleMe", StorageBuffer)
	_ = mustArguments(t, k, buf)

	if err := env.ctx.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if got := d.Live(); got != 0 {
		t.Errorf("Live() after Close() = %d, want 0", got)
	}
	if s := env.sink.String(); strings.Contains(s, "not destroyed") {
		t.Errorf("driver reported leaked objects:\n%s", s)
	}
	if _, err := NewBuffer(d, 4, true); !errors.Is(err, ErrDestroyed) {
		t.Errorf("NewBuffer() on destroyed device error = %v, want %v", err, ErrDestroyed)
	}
}

func TestDeviceDescription(t *testing.T) {
	env := newTestEnv(t)
	d := env.dev

	fams := d.QueueFamilies()
	if len(fams) != 1 || !fams[0].Compute || fams[0].Count != 1 {
		t.Errorf("QueueFamilies() = %+v, want one compute family with one queue", fams)
	}

	types := d.MemoryTypes()
	if len(types) != 3 {
		t.Fatalf("len(MemoryTypes()) = %d, want 3", len(types))
	}
	if !types[0].DeviceLocal || types[0].HostVisible {
		t.Errorf("MemoryTypes()[0] = %+v, want device-local only", types[0])
	}
	if !types[1].HostVisible || types[1].DeviceLocal {
		t.Errorf("MemoryTypes()[1] = %+v, want host-visible only", types[1])
	}

	props := d.Properties()
	if props.Name != d.Name() || props.VendorID != d.VendorID() {
		t.Errorf("Properties() = %+v disagrees with Name()/VendorID()", props)
	}
	if props.MaxWorkGroupInvocations != 1024 {
		t.Errorf("MaxWorkGroupInvocations = %d, want 1024", props.MaxWorkGroupInvocations)
	}

	layers, err := env.ctx.Layers()
	if err != nil {
		t.Fatalf("Layers() failed: %v", err)
	}
	if len(layers) != 1 || layers[0].Name != soft.ValidationLayer {
		t.Errorf("Layers() = %+v, want the soft validation layer", layers)
	}
}
