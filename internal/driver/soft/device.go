package soft

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/gogpu/vkrt/internal/driver"
	"github.com/gogpu/vkrt/internal/parallel"
)

// bufferAlignment is the memory alignment reported for every buffer.
const bufferAlignment = 16

type device struct {
	handle
	phys   *physicalDevice
	inst   *instance
	family uint32
	queue  *queue
	pool   *parallel.WorkerPool

	mu      sync.Mutex
	objects map[driver.Resource]string
}

func newDevice(p *physicalDevice, family uint32) *device {
	d := &device{
		handle:  newHandle(),
		phys:    p,
		inst:    p.inst,
		family:  family,
		objects: make(map[driver.Resource]string),
		pool:    parallel.NewWorkerPool(p.cfg.Workers),
	}
	d.queue = newQueue(d)
	return d
}

func (d *device) track(r driver.Resource, kind string) {
	d.mu.Lock()
	d.objects[r] = kind
	d.mu.Unlock()
}

func (d *device) untrack(r driver.Resource) {
	d.mu.Lock()
	delete(d.objects, r)
	d.mu.Unlock()
}

func (d *device) Queue() driver.Queue { return d.queue }

func (d *device) Destroy() {
	d.queue.close()
	d.pool.Close()
	d.mu.Lock()
	leaked := len(d.objects)
	d.mu.Unlock()
	if leaked > 0 {
		d.inst.report("vkDestroyDevice: %d objects not destroyed", leaked)
	}
}

type memory struct {
	handle
	typeIndex uint32
	flags     driver.MemoryPropertyFlags
	data      []byte
	mapped    bool
}

func (d *device) AllocateMemory(size uint64, memoryType uint32) (driver.Memory, error) {
	types := d.phys.cfg.MemoryTypes
	if int(memoryType) >= len(types) {
		d.inst.report("vkAllocateMemory: memory type %d out of range (%d types)", memoryType, len(types))
		return nil, fmt.Errorf("soft: vkAllocateMemory: %w: memory type %d", driver.ErrInvalidUsage, memoryType)
	}
	if size == 0 {
		return nil, fmt.Errorf("soft: vkAllocateMemory: %w: zero size", driver.ErrInvalidUsage)
	}
	if limit := d.phys.cfg.MaxAllocation; limit > 0 && size > limit {
		return nil, fmt.Errorf("soft: vkAllocateMemory: %w: %d bytes requested, limit %d",
			driver.ErrOutOfDeviceMemory, size, limit)
	}

	// Back the allocation with uint64s so host views of any scalar type
	// are aligned.
	words := make([]uint64, (size+7)/8)
	m := &memory{
		handle:    newHandle(),
		typeIndex: memoryType,
		flags:     types[memoryType].PropertyFlags,
		data:      unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), size),
	}
	d.track(m, "memory")
	return m, nil
}

func (d *device) FreeMemory(m driver.Memory) {
	d.untrack(m)
}

func (d *device) MapMemory(m driver.Memory) ([]byte, error) {
	mem := m.(*memory)
	if mem.flags&driver.MemoryHostVisible == 0 {
		d.inst.report("vkMapMemory: memory type %d is not host visible", mem.typeIndex)
		return nil, fmt.Errorf("soft: vkMapMemory: %w: memory type %d is not host visible",
			driver.ErrMemoryMapFailed, mem.typeIndex)
	}
	if mem.mapped {
		return nil, fmt.Errorf("soft: vkMapMemory: %w: already mapped", driver.ErrMemoryMapFailed)
	}
	mem.mapped = true
	return mem.data, nil
}

func (d *device) UnmapMemory(m driver.Memory) {
	mem := m.(*memory)
	if !mem.mapped {
		d.inst.report("vkUnmapMemory: memory is not mapped")
	}
	mem.mapped = false
}

type buffer struct {
	handle
	size   uint64
	usage  driver.BufferUsage
	mem    *memory
	offset uint64
}

// bytes returns the bound range, or nil before BindBufferMemory.
func (b *buffer) bytes() []byte {
	if b.mem == nil {
		return nil
	}
	return b.mem.data[b.offset : b.offset+b.size]
}

func (d *device) CreateBuffer(size uint64, usage driver.BufferUsage) (driver.Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("soft: vkCreateBuffer: %w: zero size", driver.ErrInvalidUsage)
	}
	if usage == 0 {
		return nil, fmt.Errorf("soft: vkCreateBuffer: %w: no usage flags", driver.ErrInvalidUsage)
	}
	b := &buffer{handle: newHandle(), size: size, usage: usage}
	d.track(b, "buffer")
	return b, nil
}

func (d *device) BufferMemoryRequirements(b driver.Buffer) driver.MemoryRequirements {
	buf := b.(*buffer)
	return driver.MemoryRequirements{
		Size:           (buf.size + bufferAlignment - 1) &^ (bufferAlignment - 1),
		Alignment:      bufferAlignment,
		MemoryTypeBits: 1<<len(d.phys.cfg.MemoryTypes) - 1,
	}
}

func (d *device) BindBufferMemory(b driver.Buffer, m driver.Memory, offset uint64) error {
	buf, mem := b.(*buffer), m.(*memory)
	switch {
	case buf.mem != nil:
		return fmt.Errorf("soft: vkBindBufferMemory: %w: buffer already bound", driver.ErrInvalidUsage)
	case offset%bufferAlignment != 0:
		return fmt.Errorf("soft: vkBindBufferMemory: %w: offset %d is not %d-byte aligned",
			driver.ErrInvalidUsage, offset, bufferAlignment)
	case offset+buf.size > uint64(len(mem.data)):
		return fmt.Errorf("soft: vkBindBufferMemory: %w: %d bytes at offset %d exceed allocation of %d",
			driver.ErrInvalidUsage, buf.size, offset, len(mem.data))
	}
	buf.mem, buf.offset = mem, offset
	return nil
}

func (d *device) DestroyBuffer(b driver.Buffer) {
	d.untrack(b)
}
