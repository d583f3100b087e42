package vkrt

import (
	"fmt"
	"sync"

	"github.com/gogpu/vkrt/internal/driver"
)

// CommandBufferState is the recording state of a CommandBuffer.
type CommandBufferState int

const (
	Initial CommandBufferState = iota
	Recording
	Executable
	Pending
	Complete
)

func (s CommandBufferState) String() string {
	switch s {
	case Initial:
		return "initial"
	case Recording:
		return "recording"
	case Executable:
		return "executable"
	case Pending:
		return "pending"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("CommandBufferState(%d)", int(s))
	}
}

// CommandBuffer records binds, dispatches, barriers and copies for the
// queue of its Device.
type CommandBuffer struct {
	dev  *Device
	pool driver.CommandPool
	raw  driver.CommandBuffer

	mu        sync.Mutex
	state     CommandBufferState
	destroyed bool
}

// NewCommandBuffer allocates a command buffer in the Initial state.
func NewCommandBuffer(d *Device) (*CommandBuffer, error) {
	if err := d.alive("create command buffer"); err != nil {
		return nil, err
	}
	cb, err := newCommandBuffer(d)
	if err != nil {
		return nil, err
	}
	d.track(cb)
	return cb, nil
}

func newCommandBuffer(d *Device) (*CommandBuffer, error) {
	pool, err := d.raw.CreateCommandPool(d.family)
	if err != nil {
		return nil, wrap(ErrPoolCreationFailed, "create command pool", err)
	}
	raw, err := d.raw.AllocateCommandBuffer(pool)
	if err != nil {
		d.raw.DestroyCommandPool(pool)
		return nil, wrap(ErrAllocationFailed, "allocate command buffer", err)
	}
	return &CommandBuffer{dev: d, pool: pool, raw: raw}, nil
}

// NewKernelCommandBuffer allocates a command buffer, begins it and records
// the binding of args and then k. The result is Recording, ready for
// Dispatch.
func NewKernelCommandBuffer(d *Device, k *Kernel, args *Arguments) (*CommandBuffer, error) {
	cb, err := NewCommandBuffer(d)
	if err != nil {
		return nil, err
	}
	if err := cb.Begin(); err != nil {
		_ = cb.Destroy()
		return nil, err
	}
	if err := args.BindTo(cb); err != nil {
		_ = cb.Destroy()
		return nil, err
	}
	if err := k.BindTo(cb); err != nil {
		_ = cb.Destroy()
		return nil, err
	}
	return cb, nil
}

func (cb *CommandBuffer) kind() string { return "command buffer" }

// State returns the current state.
func (cb *CommandBuffer) State() CommandBufferState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CommandBuffer) setState(s CommandBufferState) {
	cb.mu.Lock()
	cb.state = s
	cb.mu.Unlock()
}

// Begin starts recording. A buffer that is Executable or Complete is reset
// first.
func (cb *CommandBuffer) Begin() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case cb.destroyed:
		return fmt.Errorf("%w: begin: command buffer destroyed", ErrDestroyed)
	case cb.state == Recording:
		return wrap(ErrRecordingFailed, "begin", fmt.Errorf("already recording"))
	case cb.state == Pending:
		return wrap(ErrRecordingFailed, "begin", fmt.Errorf("submitted work has not been waited for"))
	}
	if err := cb.raw.Begin(); err != nil {
		return wrap(ErrRecordingFailed, "begin", err)
	}
	cb.state = Recording
	return nil
}

// End finishes recording.
func (cb *CommandBuffer) End() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err := cb.recordingLocked("end"); err != nil {
		return err
	}
	if err := cb.raw.End(); err != nil {
		return wrap(ErrRecordingFailed, "end", err)
	}
	cb.state = Executable
	return nil
}

// Dispatch records a dispatch of x*y*z workgroups. Zero counts are
// treated as 1.
func (cb *CommandBuffer) Dispatch(x, y, z uint32) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err := cb.recordingLocked("dispatch"); err != nil {
		return err
	}
	cb.raw.Dispatch(max(x, 1), max(y, 1), max(z, 1))
	return nil
}

// Barrier records a full pipeline barrier: everything recorded before it
// completes, with its writes visible, before anything recorded after it
// starts.
func (cb *CommandBuffer) Barrier() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err := cb.recordingLocked("barrier"); err != nil {
		return err
	}
	cb.raw.PipelineBarrier()
	return nil
}

// record runs fn on the driver command buffer if cb is recording.
func (cb *CommandBuffer) record(op string, fn func(driver.CommandBuffer)) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err := cb.recordingLocked(op); err != nil {
		return err
	}
	fn(cb.raw)
	return nil
}

func (cb *CommandBuffer) recordingLocked(op string) error {
	if cb.destroyed {
		return fmt.Errorf("%w: %s: command buffer destroyed", ErrDestroyed, op)
	}
	if cb.state != Recording {
		return wrap(ErrRecordingFailed, op, fmt.Errorf("command buffer is %s, not recording", cb.state))
	}
	return nil
}

func (cb *CommandBuffer) markPending() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.destroyed {
		return fmt.Errorf("%w: submit: command buffer destroyed", ErrDestroyed)
	}
	if cb.state != Executable && cb.state != Complete {
		return wrap(ErrSubmitFailed, "submit", fmt.Errorf("command buffer is %s, not executable", cb.state))
	}
	cb.state = Pending
	return nil
}

func (cb *CommandBuffer) complete() {
	cb.mu.Lock()
	if cb.state == Pending {
		cb.state = Complete
	}
	cb.mu.Unlock()
}

// Destroy frees the command buffer and its pool. It is legal in any state;
// the caller must not destroy a buffer whose submission is still running.
func (cb *CommandBuffer) Destroy() error {
	cb.mu.Lock()
	if cb.destroyed {
		cb.mu.Unlock()
		return nil
	}
	cb.destroyed = true
	cb.mu.Unlock()

	cb.dev.untrack(cb)
	cb.dev.raw.FreeCommandBuffer(cb.pool, cb.raw)
	cb.dev.raw.DestroyCommandPool(cb.pool)
	return nil
}
