package vkrt

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/gogpu/vkrt/internal/driver"
	"github.com/gogpu/vkrt/internal/driver/wgpuhal"
)

// defaultBackends are tried in order when no backend is requested.
var defaultBackends = []string{"vulkan", wgpuhal.Name}

// Context owns a driver instance and one Device per physical accelerator.
type Context struct {
	mode    Mode
	log     *slog.Logger
	backend driver.Backend
	inst    driver.Instance

	sinkMu sync.Mutex
	sink   io.Writer

	callback driver.DebugCallback
	devices  []*Device
	closed   bool
}

// New creates a driver instance, enumerates the physical accelerators and
// opens a Device on each of them.
//
// In verbose mode the available layers are logged and, if one of the
// validation layers is present, it is enabled and every driver message is
// written to the diagnostic sink as "[vkrt] <layer-prefix> <message>".
func New(opts ...Option) (_ *Context, err error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.applyEnv(); err != nil {
		return nil, err
	}
	backend, err := o.resolveBackend()
	if err != nil {
		return nil, err
	}

	c := &Context{mode: o.mode, log: o.logger, backend: backend, sink: o.sink}
	if c.log == nil {
		c.log = Logger()
	}
	c.log = c.log.With("backend", backend.Name())

	desc := &driver.InstanceDescriptor{ApplicationName: o.appName}
	if c.mode.Verbose() {
		if layer := c.selectValidationLayer(o.layers); layer != "" {
			desc.Layers = []string{layer}
			desc.Extensions = []string{driver.ExtensionDebugReport}
		}
	}

	var u undo
	defer u.run()

	c.inst, err = backend.CreateInstance(desc)
	if err != nil {
		return nil, wrap(ErrInstanceCreationFailed, "create instance", err)
	}
	u.add(c.inst.Destroy)

	if len(desc.Layers) > 0 {
		c.callback, err = c.inst.CreateDebugCallback(c.diagnostic)
		if err != nil {
			return nil, wrap(ErrCallbackCreationFailed, "create debug callback", err)
		}
		u.add(func() { c.inst.DestroyDebugCallback(c.callback) })
	}

	phys, err := c.inst.EnumeratePhysicalDevices()
	if err != nil {
		return nil, wrap(ErrNoDevicesFound, "enumerate physical devices", err)
	}
	if len(phys) == 0 {
		return nil, wrap(ErrNoDevicesFound, "enumerate physical devices", nil)
	}
	for i, p := range phys {
		d, err := newDevice(c, p)
		if err != nil {
			return nil, fmt.Errorf("%w (device %d)", err, i)
		}
		u.add(func() { _ = d.Destroy() })
		c.devices = append(c.devices, d)
	}

	u.keep()
	return c, nil
}

func (o *options) resolveBackend() (driver.Backend, error) {
	switch {
	case o.driver != nil:
		return o.driver, nil
	case o.provider != nil:
		b, err := wgpuhal.NewShared(o.provider)
		if err != nil {
			return nil, wrap(ErrInstanceCreationFailed, "use device provider", err)
		}
		return b, nil
	case o.backend != "":
		b, ok := driver.Lookup(o.backend)
		if !ok {
			return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownBackend, o.backend, driver.Names())
		}
		return b, nil
	}
	for _, name := range defaultBackends {
		if b, ok := driver.Lookup(name); ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: none of %v registered", ErrUnknownBackend, defaultBackends)
}

// selectValidationLayer logs the available layers and returns the first
// wanted one that is present, or "".
func (c *Context) selectValidationLayer(wanted []string) string {
	layers, err := c.backend.Layers()
	if err != nil {
		c.log.Warn("vkrt: cannot list layers", "err", err)
		return ""
	}
	for _, l := range layers {
		c.log.Info("vkrt: available layer",
			"name", l.Name,
			"desc", l.Description,
			"impl_ver", l.ImplementationVersion,
			"spec_ver", l.SpecVersion.String())
	}
	for _, name := range wanted {
		if slices.ContainsFunc(layers, func(l driver.LayerProperties) bool { return l.Name == name }) {
			return name
		}
	}
	c.log.Warn("vkrt: no validation layer available, driver messages disabled", "wanted", wanted)
	return ""
}

// diagnostic forwards a driver message to the sink. Drivers may call it
// from any thread.
func (c *Context) diagnostic(layerPrefix, message string) {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	if c.sink != nil {
		fmt.Fprintf(c.sink, "[vkrt] %s %s\n", layerPrefix, message)
	}
}

// Layer describes an instance layer offered by the driver.
type Layer struct {
	Name                  string
	Description           string
	SpecVersion           string
	ImplementationVersion uint32
}

// Layers returns the instance layers the driver offers.
func (c *Context) Layers() ([]Layer, error) {
	layers, err := c.backend.Layers()
	if err != nil {
		return nil, wrap(ErrInstanceCreationFailed, "enumerate layers", err)
	}
	out := make([]Layer, len(layers))
	for i, l := range layers {
		out[i] = Layer{
			Name:                  l.Name,
			Description:           l.Description,
			SpecVersion:           l.SpecVersion.String(),
			ImplementationVersion: l.ImplementationVersion,
		}
	}
	return out, nil
}

// Mode returns the diagnostics mode.
func (c *Context) Mode() Mode { return c.mode }

// Backend returns the name of the driver backend in use.
func (c *Context) Backend() string { return c.backend.Name() }

// Devices returns every Device, in enumeration order. The Context keeps
// ownership.
func (c *Context) Devices() []*Device { return slices.Clone(c.devices) }

// Device returns the Device at index. Use 0 for the first accelerator.
func (c *Context) Device(index int) (*Device, error) {
	if c.closed {
		return nil, fmt.Errorf("%w: context closed", ErrDestroyed)
	}
	if index < 0 || index >= len(c.devices) {
		return nil, fmt.Errorf("%w: device index %d out of range [0, %d)", ErrInvalidArgument, index, len(c.devices))
	}
	return c.devices[index], nil
}

// Close destroys the devices in reverse order, then the diagnostic
// callback, then the instance. Close is idempotent.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	for i := len(c.devices) - 1; i >= 0; i-- {
		if err := c.devices[i].Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	c.devices = nil
	if c.callback != nil {
		c.inst.DestroyDebugCallback(c.callback)
		c.callback = nil
	}
	c.inst.Destroy()
	c.log.Debug("vkrt: context closed")
	return errors.Join(errs...)
}
