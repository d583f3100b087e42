package vkrt

import (
	"errors"
	"fmt"
)

// Error kinds. Errors returned by this package match one of them with
// errors.Is, and also match the driver error that caused them.
var (
	// ErrInstanceCreationFailed is returned when the driver instance cannot
	// be created.
	ErrInstanceCreationFailed = errors.New("vkrt: instance creation failed")

	// ErrCallbackCreationFailed is returned when verbose mode cannot install
	// its diagnostic callback.
	ErrCallbackCreationFailed = errors.New("vkrt: debug callback creation failed")

	// ErrNoDevicesFound is returned when enumeration fails, finds nothing,
	// or a logical device cannot be opened.
	ErrNoDevicesFound = errors.New("vkrt: no devices found")

	// ErrNoComputeQueue is returned when a device has no compute queue
	// family.
	ErrNoComputeQueue = errors.New("vkrt: no compute queue")

	// ErrSubmitFailed is returned when the queue rejects a submission or a
	// wait fails.
	ErrSubmitFailed = errors.New("vkrt: submit failed")

	ErrDescriptorAllocationFailed = errors.New("vkrt: descriptor allocation failed")
	ErrShaderCreationFailed       = errors.New("vkrt: shader creation failed")
	ErrPipelineCreationFailed     = errors.New("vkrt: pipeline creation failed")
	ErrPoolCreationFailed         = errors.New("vkrt: command pool creation failed")
	ErrAllocationFailed           = errors.New("vkrt: allocation failed")
	ErrBufferCreationFailed       = errors.New("vkrt: buffer creation failed")
	ErrMapFailed                  = errors.New("vkrt: memory map failed")
	ErrRecordingFailed            = errors.New("vkrt: command recording failed")

	// ErrNotMappable is returned by Map on a device-local buffer.
	ErrNotMappable = errors.New("vkrt: buffer is not host visible")

	// ErrDestroyed is returned when an object is used after Destroy.
	ErrDestroyed = errors.New("vkrt: object destroyed")

	// ErrInvalidArgument is returned for arguments rejected before any
	// driver call.
	ErrInvalidArgument = errors.New("vkrt: invalid argument")

	// ErrUnknownBackend is returned when the requested driver backend is
	// not registered.
	ErrUnknownBackend = errors.New("vkrt: unknown backend")
)

// wrap annotates kind with the failed operation and its cause.
func wrap(kind error, op string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", kind, op)
	}
	return fmt.Errorf("%w: %s: %w", kind, op, cause)
}
