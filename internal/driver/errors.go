package driver

import "errors"

// Driver-level failures. Backends wrap these (or their native result
// codes) so callers can tell the cause apart with errors.Is.
var (
	ErrInitializationFailed = errors.New("driver: initialization failed")
	ErrLayerNotPresent      = errors.New("driver: layer not present")
	ErrExtensionNotPresent  = errors.New("driver: extension not present")
	ErrOutOfHostMemory      = errors.New("driver: out of host memory")
	ErrOutOfDeviceMemory    = errors.New("driver: out of device memory")
	ErrOutOfPoolMemory      = errors.New("driver: out of pool memory")
	ErrMemoryMapFailed      = errors.New("driver: memory map failed")
	ErrInvalidShader        = errors.New("driver: invalid shader")
	ErrInvalidUsage         = errors.New("driver: invalid usage")
	ErrDeviceLost           = errors.New("driver: device lost")
)
