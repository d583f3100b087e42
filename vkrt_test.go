package vkrt

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/gogpu/vkrt/internal/driver/soft"
	"github.com/gogpu/vkrt/internal/spirv/spirvtest"
)

// syncBuffer is a diagnostic sink safe for the soft queue goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testEnv struct {
	ctx     *Context
	dev     *Device
	backend *soft.Backend
	sink    *syncBuffer
}

// newTestEnv opens the first device of a fresh software driver in verbose
// mode, with the test kernels registered.
func newTestEnv(t *testing.T, opts ...Option) testEnv {
	t.Helper()
	return newTestEnvConfig(t, soft.DefaultConfig(), opts...)
}

func newTestEnvConfig(t *testing.T, cfg soft.Config, opts ...Option) testEnv {
	t.Helper()
	b := soft.New(cfg)
	registerTestKernels(b)
	sink := &syncBuffer{}
	all := append([]Option{withDriver(b), WithMode(ModeVerbose), WithDiagnosticSink(sink)}, opts...)
	ctx, err := New(all...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() {
		if err := ctx.Close(); err != nil {
			t.Errorf("Close() failed: %v", err)
		}
	})
	dev, err := ctx.Device(0)
	if err != nil {
		t.Fatalf("Device(0) failed: %v", err)
	}
	return testEnv{ctx: ctx, dev: dev, backend: b, sink: sink}
}

// assertNoDiagnostics fails if the driver reported any validation message.
func (e testEnv) assertNoDiagnostics(t *testing.T) {
	t.Helper()
	if s := e.sink.String(); s != "" {
		t.Errorf("unexpected driver messages:\n%s", s)
	}
}

func registerTestKernels(b *soft.Backend) {
	b.RegisterKernel("addConst", func(inv *soft.Invocation) {
		data := soft.View[float32](inv.Binding(0))
		c := soft.View[float32](inv.Binding(1))[0]
		if i := inv.GlobalID[0]; int(i) < len(data) {
			data[i] += c
		}
	})
	b.RegisterKernel("doubleMe", scaleBy(2))
	b.RegisterKernel("tripleMe", scaleBy(3))
}

func scaleBy(f float32) soft.KernelFunc {
	return func(inv *soft.Invocation) {
		data := soft.View[float32](inv.Binding(0))
		if i := inv.GlobalID[0]; int(i) < len(data) {
			data[i] *= f
		}
	}
}

// kernelModule returns a SPIR-V module with one compute entry point per
// name, each using storage buffers at bindings 0..slots-1 of set 0.
func kernelModule(slots int, entries ...string) []byte {
	b := spirvtest.New()
	for _, e := range entries {
		b.Compute(e, 1, 1, 1)
	}
	for i := range slots {
		b.StorageBuffer("buf"+strings.Repeat("x", i), 0, uint32(i))
	}
	return b.Bytes()
}

func mustProgram(t *testing.T, d *Device, code []byte) *Program {
	t.Helper()
	p, err := NewProgram(d, code)
	if err != nil {
		t.Fatalf("NewProgram() failed: %v", err)
	}
	return p
}

func mustBuffer(t *testing.T, d *Device, size uint64, mappable bool) *Buffer {
	t.Helper()
	b, err := NewBuffer(d, size, mappable)
	if err != nil {
		t.Fatalf("NewBuffer(%d, %v) failed: %v", size, mappable, err)
	}
	return b
}

func mustKernel(t *testing.T, p *Program, entry string, types ...ResourceType) *Kernel {
	t.Helper()
	k, err := NewKernel(p, entry, types...)
	if err != nil {
		t.Fatalf("NewKernel(%q) failed: %v", entry, err)
	}
	return k
}

func mustArguments(t *testing.T, k *Kernel, bufs ...*Buffer) *Arguments {
	t.Helper()
	a, err := NewArguments(k, bufs...)
	if err != nil {
		t.Fatalf("NewArguments() failed: %v", err)
	}
	return a
}

func sequence(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}
