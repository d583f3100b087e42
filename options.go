package vkrt

import (
	"io"
	"log/slog"
	"os"

	"github.com/gogpu/gpucontext"

	"github.com/gogpu/vkrt/internal/driver"
)

// Environment variables read by New. Options passed to New take
// precedence.
const (
	EnvMode    = "VKRT_MODE"
	EnvBackend = "VKRT_BACKEND"
)

// Validation layers tried in order when verbose mode is on.
var defaultValidationLayers = []string{
	"VK_LAYER_KHRONOS_validation",
	"VK_LAYER_LUNARG_standard_validation",
}

// Option configures a Context during creation.
//
// Example:
//
//	ctx, err := vkrt.New(vkrt.WithMode(vkrt.ModeVerbose), vkrt.WithBackend("soft"))
type Option func(*options)

type options struct {
	mode     Mode
	modeSet  bool
	backend  string
	driver   driver.Backend
	logger   *slog.Logger
	sink     io.Writer
	layers   []string
	appName  string
	provider gpucontext.DeviceProvider
}

func defaultOptions() options {
	return options{
		sink:    os.Stdout,
		layers:  defaultValidationLayers,
		appName: "vkrt",
	}
}

// WithMode selects the diagnostics mode.
func WithMode(m Mode) Option {
	return func(o *options) {
		o.mode = m
		o.modeSet = true
	}
}

// WithBackend selects a registered driver backend by name: "vulkan",
// "wgpu" or "soft". The default is the first of "vulkan" and "wgpu" that
// is registered.
func WithBackend(name string) Option {
	return func(o *options) {
		o.backend = name
	}
}

// WithLogger sets the logger of the Context and everything created from
// it. The default is Logger().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithDiagnosticSink sets where verbose mode writes driver messages. The
// default is os.Stdout.
func WithDiagnosticSink(w io.Writer) Option {
	return func(o *options) {
		o.sink = w
	}
}

// WithValidationLayers replaces the validation layers verbose mode looks
// for. The first available one is enabled.
func WithValidationLayers(names ...string) Option {
	return func(o *options) {
		o.layers = names
	}
}

// WithApplicationName sets the application name reported to the driver.
func WithApplicationName(name string) Option {
	return func(o *options) {
		o.appName = name
	}
}

// WithDeviceProvider runs vkrt on the device of an external provider, such
// as a gogpu application, through the wgpu backend. The provider must
// implement HalDevice() any and HalQueue() any.
func WithDeviceProvider(p gpucontext.DeviceProvider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// withDriver bypasses the registry.
func withDriver(b driver.Backend) Option {
	return func(o *options) {
		o.driver = b
	}
}

// applyEnv fills settings that no option set from the environment.
func (o *options) applyEnv() error {
	if !o.modeSet {
		if v, ok := os.LookupEnv(EnvMode); ok {
			m, err := ParseMode(v)
			if err != nil {
				return err
			}
			o.mode = m
		}
	}
	if o.backend == "" {
		o.backend = os.Getenv(EnvBackend)
	}
	return nil
}
