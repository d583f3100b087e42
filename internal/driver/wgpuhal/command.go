package wgpuhal

import (
	"fmt"
	"sync"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/vkrt/internal/driver"
)

type commandPool struct {
	handle
}

func (d *device) CreateCommandPool(queueFamily uint32) (driver.CommandPool, error) {
	if queueFamily != 0 {
		return nil, fmt.Errorf("wgpu: create command pool: %w: queue family %d", driver.ErrInvalidUsage, queueFamily)
	}
	return &commandPool{handle: newHandle()}, nil
}

func (d *device) DestroyCommandPool(driver.CommandPool) {}

func (d *device) AllocateCommandBuffer(driver.CommandPool) (driver.CommandBuffer, error) {
	return &commandBuffer{handle: newHandle(), dev: d}, nil
}

func (d *device) FreeCommandBuffer(driver.CommandPool, driver.CommandBuffer) {}

type opKind int

const (
	opBindPipeline opKind = iota
	opBindSet
	opDispatch
	opBarrier
	opCopy
)

type op struct {
	kind     opKind
	pipeline *pipeline
	set      *descriptorSet
	groups   [3]uint32
	src, dst *buffer
	size     uint64
}

// commandBuffer records commands and encodes them into a hal command
// buffer on every submission, so it may be submitted more than once.
type commandBuffer struct {
	handle
	dev       *device
	recording bool
	ops       []op
}

func (cb *commandBuffer) Begin() error {
	if cb.recording {
		return fmt.Errorf("wgpu: begin command buffer: %w: already recording", driver.ErrInvalidUsage)
	}
	cb.recording = true
	cb.ops = cb.ops[:0]
	return nil
}

func (cb *commandBuffer) End() error {
	if !cb.recording {
		return fmt.Errorf("wgpu: end command buffer: %w: not recording", driver.ErrInvalidUsage)
	}
	cb.recording = false
	return nil
}

func (cb *commandBuffer) record(o op) {
	if cb.recording {
		cb.ops = append(cb.ops, o)
	}
}

func (cb *commandBuffer) BindPipeline(p driver.Pipeline) {
	cb.record(op{kind: opBindPipeline, pipeline: p.(*pipeline)})
}

func (cb *commandBuffer) BindDescriptorSet(_ driver.PipelineLayout, set driver.DescriptorSet) {
	cb.record(op{kind: opBindSet, set: set.(*descriptorSet)})
}

func (cb *commandBuffer) Dispatch(x, y, z uint32) {
	cb.record(op{kind: opDispatch, groups: [3]uint32{x, y, z}})
}

// PipelineBarrier records nothing: hal orders consecutive compute passes
// and copies, and every dispatch gets its own pass.
func (cb *commandBuffer) PipelineBarrier() {
	cb.record(op{kind: opBarrier})
}

func (cb *commandBuffer) CopyBuffer(src, dst driver.Buffer, size uint64) {
	cb.record(op{kind: opCopy, src: src.(*buffer), dst: dst.(*buffer), size: size})
}

// encode replays the recorded commands into a new hal command buffer.
func (cb *commandBuffer) encode() (hal.CommandBuffer, error) {
	d := cb.dev
	enc, err := d.raw.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "vkrt"})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create command encoder: %w: %w", driver.ErrOutOfDeviceMemory, err)
	}
	if err := enc.BeginEncoding("vkrt"); err != nil {
		return nil, fmt.Errorf("wgpu: begin encoding: %w: %w", driver.ErrInvalidUsage, err)
	}

	var (
		bound *pipeline
		set   *descriptorSet
	)
	for _, o := range cb.ops {
		switch o.kind {
		case opBindPipeline:
			bound = o.pipeline
		case opBindSet:
			set = o.set
		case opDispatch:
			if bound == nil {
				continue
			}
			pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: "vkrt"})
			pass.SetPipeline(bound.raw)
			if set != nil {
				bg, err := set.bindGroup(d)
				if err != nil {
					pass.End()
					_, _ = enc.EndEncoding()
					return nil, err
				}
				pass.SetBindGroup(0, bg, nil)
			}
			pass.Dispatch(o.groups[0], o.groups[1], o.groups[2])
			pass.End()
		case opCopy:
			if o.src.raw == nil || o.dst.raw == nil {
				continue
			}
			enc.CopyBufferToBuffer(o.src.raw, o.dst.raw, []hal.BufferCopy{
				{SrcOffset: 0, DstOffset: 0, Size: (o.size + 3) &^ 3},
			})
		}
	}
	raw, err := enc.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("wgpu: end encoding: %w: %w", driver.ErrInvalidUsage, err)
	}
	return raw, nil
}

// queue signals one device fence per submission and waits on the last
// value. Encoded command buffers are freed once the queue is idle.
type queue struct {
	dev   *device
	raw   hal.Queue
	fence hal.Fence

	mu      sync.Mutex
	value   uint64
	pending []hal.CommandBuffer
	lost    error
}

func (q *queue) Submit(cbs ...driver.CommandBuffer) error {
	raws := make([]hal.CommandBuffer, 0, len(cbs))
	release := func() {
		for _, r := range raws {
			q.dev.raw.FreeCommandBuffer(r)
		}
	}
	for _, c := range cbs {
		cb := c.(*commandBuffer)
		if cb.recording {
			release()
			return fmt.Errorf("wgpu: submit: %w: command buffer is still recording", driver.ErrInvalidUsage)
		}
		raw, err := cb.encode()
		if err != nil {
			release()
			return err
		}
		raws = append(raws, raw)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lost != nil {
		release()
		return q.lost
	}
	q.value++
	if err := q.raw.Submit(raws, q.fence, q.value); err != nil {
		q.value--
		release()
		return fmt.Errorf("wgpu: submit: %w: %w", driver.ErrDeviceLost, err)
	}
	q.pending = append(q.pending, raws...)
	return nil
}

func (q *queue) WaitIdle() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lost != nil || q.value == 0 {
		return q.lost
	}
	ok, err := q.dev.raw.Wait(q.fence, q.value, waitTimeout)
	switch {
	case err != nil:
		q.lost = fmt.Errorf("wgpu: wait: %w: %w", driver.ErrDeviceLost, err)
	case !ok:
		q.lost = fmt.Errorf("wgpu: wait: %w: timed out after %s", driver.ErrDeviceLost, waitTimeout)
	}
	if q.lost != nil {
		return q.lost
	}
	for _, r := range q.pending {
		q.dev.raw.FreeCommandBuffer(r)
	}
	q.pending = q.pending[:0]
	return nil
}
