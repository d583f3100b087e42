package soft

import (
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/vkrt/internal/driver"
)

// queueDepth bounds the number of submissions waiting for the executor.
const queueDepth = 64

type commandPool struct {
	handle
	family uint32
}

func (d *device) CreateCommandPool(queueFamily uint32) (driver.CommandPool, error) {
	if queueFamily != d.family {
		return nil, fmt.Errorf("soft: vkCreateCommandPool: %w: device has no queue from family %d",
			driver.ErrInvalidUsage, queueFamily)
	}
	p := &commandPool{handle: newHandle(), family: queueFamily}
	d.track(p, "command pool")
	return p, nil
}

func (d *device) DestroyCommandPool(p driver.CommandPool) { d.untrack(p) }

func (d *device) AllocateCommandBuffer(pool driver.CommandPool) (driver.CommandBuffer, error) {
	return &commandBuffer{handle: newHandle(), dev: d, pool: pool.(*commandPool)}, nil
}

func (d *device) FreeCommandBuffer(pool driver.CommandPool, cb driver.CommandBuffer) {}

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

type commandBuffer struct {
	handle
	dev       *device
	pool      *commandPool
	recording bool
	ops       []op
}

func (cb *commandBuffer) Begin() error {
	if cb.recording {
		return fmt.Errorf("soft: vkBeginCommandBuffer: %w: already recording", driver.ErrInvalidUsage)
	}
	cb.recording = true
	cb.ops = nil
	return nil
}

func (cb *commandBuffer) End() error {
	if !cb.recording {
		return fmt.Errorf("soft: vkEndCommandBuffer: %w: not recording", driver.ErrInvalidUsage)
	}
	cb.recording = false
	return nil
}

func (cb *commandBuffer) record(name string, o op) {
	if !cb.recording {
		cb.dev.inst.report("%s: command buffer is not recording", name)
		return
	}
	cb.ops = append(cb.ops, o)
}

func (cb *commandBuffer) BindPipeline(p driver.Pipeline) {
	cb.record("vkCmdBindPipeline", op{kind: opBindPipeline, pipeline: p.(*pipeline)})
}

func (cb *commandBuffer) BindDescriptorSet(layout driver.PipelineLayout, set driver.DescriptorSet) {
	cb.record("vkCmdBindDescriptorSets", op{kind: opBindSet, set: set.(*descriptorSet)})
}

func (cb *commandBuffer) Dispatch(x, y, z uint32) {
	limit := cb.dev.phys.cfg.Limits.MaxComputeWorkGroupCount
	if x > limit[0] || y > limit[1] || z > limit[2] {
		cb.dev.inst.report("vkCmdDispatch: group count (%d, %d, %d) exceeds limit %v", x, y, z, limit)
	}
	cb.record("vkCmdDispatch", op{kind: opDispatch, groups: [3]uint32{x, y, z}})
}

func (cb *commandBuffer) PipelineBarrier() {
	cb.record("vkCmdPipelineBarrier", op{kind: opBarrier})
}

func (cb *commandBuffer) CopyBuffer(src, dst driver.Buffer, size uint64) {
	s, d := src.(*buffer), dst.(*buffer)
	if size > s.size || size > d.size {
		cb.dev.inst.report("vkCmdCopyBuffer: %d bytes exceed source (%d) or destination (%d)", size, s.size, d.size)
		size = min(size, s.size, d.size)
	}
	cb.record("vkCmdCopyBuffer", op{kind: opCopy, src: s, dst: d, size: size})
}

// queue executes submissions in order on its own goroutine. Commands
// between two barriers run concurrently, as they may on real hardware.
type queue struct {
	dev  *device
	work chan []op
	done chan struct{}

	mu       sync.Mutex
	idle     *sync.Cond
	inflight int
	lost     error
	closed   bool
}

func newQueue(d *device) *queue {
	q := &queue{
		dev:  d,
		work: make(chan []op, queueDepth),
		done: make(chan struct{}),
	}
	q.idle = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *queue) Submit(cbs ...driver.CommandBuffer) error {
	batches := make([][]op, 0, len(cbs))
	for _, c := range cbs {
		cb := c.(*commandBuffer)
		if cb.recording {
			return fmt.Errorf("soft: vkQueueSubmit: %w: command buffer is still recording", driver.ErrInvalidUsage)
		}
		batches = append(batches, slices.Clone(cb.ops))
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("soft: vkQueueSubmit: %w: device destroyed", driver.ErrInvalidUsage)
	}
	if q.lost != nil {
		q.mu.Unlock()
		return q.lost
	}
	q.inflight += len(batches)
	q.mu.Unlock()

	for _, ops := range batches {
		q.work <- ops
	}
	return nil
}

func (q *queue) WaitIdle() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.inflight > 0 {
		q.idle.Wait()
	}
	return q.lost
}

func (q *queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.work)
	<-q.done
}

func (q *queue) run() {
	defer close(q.done)
	for ops := range q.work {
		err := q.execute(ops)
		q.mu.Lock()
		if err != nil && q.lost == nil {
			q.lost = err
		}
		q.inflight--
		if q.inflight == 0 {
			q.idle.Broadcast()
		}
		q.mu.Unlock()
	}
}

func (q *queue) execute(ops []op) error {
	var (
		bound *pipeline
		set   *descriptorSet
		group = new(errgroup.Group)
	)
	for _, o := range ops {
		switch o.kind {
		case opBindPipeline:
			bound = o.pipeline
		case opBindSet:
			set = o.set
		case opDispatch:
			if bound == nil {
				q.dev.inst.report("vkCmdDispatch: no compute pipeline bound")
				continue
			}
			var views [][]byte
			if set != nil {
				var err error
				if views, err = set.resolve(); err != nil {
					q.dev.inst.report("vkCmdDispatch: %v", err)
					continue
				}
			} else if len(bound.layout.sets) > 0 && len(bound.layout.sets[0].bindings) > 0 {
				q.dev.inst.report("vkCmdDispatch: no descriptor set bound")
				continue
			}
			p, groups := bound, o.groups
			group.Go(func() error { return p.dispatch(q.dev.pool, groups, views) })
		case opCopy:
			src, dst := o.src.bytes(), o.dst.bytes()
			if src == nil || dst == nil {
				q.dev.inst.report("vkCmdCopyBuffer: buffer has no memory bound")
				continue
			}
			size := o.size
			group.Go(func() error {
				copy(dst[:size], src[:size])
				return nil
			})
		case opBarrier:
			if err := group.Wait(); err != nil {
				return err
			}
			group = new(errgroup.Group)
		}
	}
	return group.Wait()
}
