package vkrt

import (
	"fmt"
	"unsafe"

	"github.com/dustin/go-humanize"

	"github.com/gogpu/vkrt/internal/driver"
)

const bufferUsage = driver.BufferUsageStorage | driver.BufferUsageTransferSrc | driver.BufferUsageTransferDst

// Buffer is a linear allocation bound to one buffer handle. A mappable
// buffer lives in host-visible memory and can be mapped; a device-local
// buffer is reached through Read and Write, which stage through a
// temporary mappable buffer.
type Buffer struct {
	dev      *Device
	size     uint64
	mappable bool
	raw      driver.Buffer
	mem      driver.Memory

	mapped    []byte
	destroyed bool
}

// NewBuffer allocates size bytes usable as a storage buffer and as the
// source or destination of copies.
func NewBuffer(d *Device, size uint64, mappable bool) (*Buffer, error) {
	if err := d.alive("create buffer"); err != nil {
		return nil, err
	}
	b, err := newBuffer(d, size, mappable)
	if err != nil {
		return nil, err
	}
	d.track(b)
	return b, nil
}

func newBuffer(d *Device, size uint64, mappable bool) (*Buffer, error) {
	if size == 0 {
		return nil, wrap(ErrBufferCreationFailed, "create buffer", fmt.Errorf("%w: zero size", ErrInvalidArgument))
	}
	memType, class := d.local, "device-local"
	if mappable {
		memType, class = d.mappable, "mappable"
	}
	if memType < 0 {
		return nil, wrap(ErrAllocationFailed, "select memory type", fmt.Errorf("device has no %s memory", class))
	}

	raw, err := d.raw.CreateBuffer(size, bufferUsage)
	if err != nil {
		return nil, wrap(ErrBufferCreationFailed, "create buffer", err)
	}
	var u undo
	defer u.run()
	u.add(func() { d.raw.DestroyBuffer(raw) })

	req := d.raw.BufferMemoryRequirements(raw)
	if req.MemoryTypeBits&(1<<uint(memType)) == 0 {
		return nil, wrap(ErrAllocationFailed, "select memory type",
			fmt.Errorf("memory type %d not allowed for buffer (mask %#b)", memType, req.MemoryTypeBits))
	}
	mem, err := d.raw.AllocateMemory(req.Size, uint32(memType))
	if err != nil {
		return nil, wrap(ErrAllocationFailed, "allocate memory", err)
	}
	u.add(func() { d.raw.FreeMemory(mem) })
	if err := d.raw.BindBufferMemory(raw, mem, 0); err != nil {
		return nil, wrap(ErrAllocationFailed, "bind buffer memory", err)
	}
	u.keep()

	d.log.Debug("vkrt: buffer created", "class", class, "size", humanize.IBytes(size), "allocation", humanize.IBytes(req.Size))
	return &Buffer{dev: d, size: size, mappable: mappable, raw: raw, mem: mem}, nil
}

func (b *Buffer) kind() string { return "buffer" }

// Size returns the size requested at creation.
func (b *Buffer) Size() uint64 { return b.size }

// Mappable reports whether the buffer lives in host-visible memory.
func (b *Buffer) Mappable() bool { return b.mappable }

// Map returns the buffer contents as a host slice of Size bytes. The slice
// is valid until Unmap. Work that writes the buffer must have been waited
// for.
func (b *Buffer) Map() ([]byte, error) {
	switch {
	case b.destroyed:
		return nil, fmt.Errorf("%w: map: buffer destroyed", ErrDestroyed)
	case !b.mappable:
		return nil, fmt.Errorf("%w: map", ErrNotMappable)
	case b.mapped != nil:
		return nil, wrap(ErrMapFailed, "map", fmt.Errorf("already mapped"))
	}
	data, err := b.dev.raw.MapMemory(b.mem)
	if err != nil {
		return nil, wrap(ErrMapFailed, "map memory", err)
	}
	b.mapped = data[:b.size:b.size]
	return b.mapped, nil
}

// Unmap releases the mapping. Unmapping a buffer that is not mapped does
// nothing.
func (b *Buffer) Unmap() error {
	if b.destroyed {
		return fmt.Errorf("%w: unmap: buffer destroyed", ErrDestroyed)
	}
	if b.mapped == nil {
		return nil
	}
	b.dev.raw.UnmapMemory(b.mem)
	b.mapped = nil
	return nil
}

// EnqueueCopy records a copy of size bytes from src to dst into cb, which
// must be recording. Nothing is copied until cb is submitted.
func EnqueueCopy(cb *CommandBuffer, src, dst *Buffer, size uint64) error {
	if src.destroyed || dst.destroyed {
		return fmt.Errorf("%w: enqueue copy: buffer destroyed", ErrDestroyed)
	}
	if size > src.size || size > dst.size {
		return fmt.Errorf("%w: enqueue copy: %d bytes exceed source (%d) or destination (%d)",
			ErrInvalidArgument, size, src.size, dst.size)
	}
	return cb.record("enqueue copy", func(raw driver.CommandBuffer) {
		raw.CopyBuffer(src.raw, dst.raw, size)
	})
}

// Write copies src into the buffer. src must hold at least Size bytes;
// exactly Size bytes are copied. It blocks until the copy is complete.
func (b *Buffer) Write(src []byte) error {
	if uint64(len(src)) < b.size {
		return fmt.Errorf("%w: write: %d bytes for a %d byte buffer", ErrInvalidArgument, len(src), b.size)
	}
	if b.mappable {
		data, err := b.Map()
		if err != nil {
			return err
		}
		copy(data, src)
		return b.Unmap()
	}
	return b.stage(func(staging *Buffer) error {
		data, err := staging.Map()
		if err != nil {
			return err
		}
		copy(data, src)
		if err := staging.Unmap(); err != nil {
			return err
		}
		return b.dev.transfer(staging, b, b.size)
	})
}

// Read copies the buffer into dst. dst must hold at least Size bytes;
// exactly Size bytes are copied. It blocks until the copy is complete.
func (b *Buffer) Read(dst []byte) error {
	if uint64(len(dst)) < b.size {
		return fmt.Errorf("%w: read: %d bytes for a %d byte buffer", ErrInvalidArgument, len(dst), b.size)
	}
	if b.mappable {
		data, err := b.Map()
		if err != nil {
			return err
		}
		copy(dst, data)
		return b.Unmap()
	}
	return b.stage(func(staging *Buffer) error {
		if err := b.dev.transfer(b, staging, b.size); err != nil {
			return err
		}
		data, err := staging.Map()
		if err != nil {
			return err
		}
		copy(dst, data)
		return staging.Unmap()
	})
}

// stage runs fn with a temporary mappable buffer of the same size.
func (b *Buffer) stage(fn func(staging *Buffer) error) error {
	if b.destroyed {
		return fmt.Errorf("%w: staging transfer: buffer destroyed", ErrDestroyed)
	}
	staging, err := newBuffer(b.dev, b.size, true)
	if err != nil {
		return err
	}
	defer staging.Destroy()
	return fn(staging)
}

// transfer copies size bytes from src to dst with the implicit command
// buffer and waits for the queue.
func (d *Device) transfer(src, dst *Buffer, size uint64) error {
	cb := d.implicit
	if err := cb.Begin(); err != nil {
		return err
	}
	if err := EnqueueCopy(cb, src, dst, size); err != nil {
		_ = cb.End()
		return err
	}
	if err := cb.End(); err != nil {
		return err
	}
	if err := d.Submit(cb); err != nil {
		return err
	}
	return d.Wait()
}

// Destroy frees the memory, then the buffer handle. Destroy is idempotent.
func (b *Buffer) Destroy() error {
	if b.destroyed {
		return nil
	}
	if b.mapped != nil {
		b.dev.raw.UnmapMemory(b.mem)
		b.mapped = nil
	}
	b.destroyed = true
	b.dev.untrack(b)
	b.dev.raw.FreeMemory(b.mem)
	b.dev.raw.DestroyBuffer(b.raw)
	b.dev.log.Debug("vkrt: buffer destroyed", "size", humanize.IBytes(b.size))
	return nil
}

// Scalar is an element type Upload and Download accept.
type Scalar interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// Upload writes values into b. values must cover at least Size bytes.
func Upload[T Scalar](b *Buffer, values []T) error {
	return b.Write(asBytes(values))
}

// Download reads b into a new slice of Size/sizeof(T) values.
func Download[T Scalar](b *Buffer) ([]T, error) {
	var zero T
	out := make([]T, b.size/uint64(unsafe.Sizeof(zero)))
	raw := asBytes(out)
	if uint64(len(raw)) == b.size {
		return out, b.Read(raw)
	}
	tmp := make([]byte, b.size)
	if err := b.Read(tmp); err != nil {
		return nil, err
	}
	copy(raw, tmp)
	return out, nil
}

func asBytes[T Scalar](values []T) []byte {
	if len(values) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(values))), len(values)*int(unsafe.Sizeof(zero)))
}
