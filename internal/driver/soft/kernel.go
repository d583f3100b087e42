package soft

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/gogpu/vkrt/internal/driver"
	"github.com/gogpu/vkrt/internal/parallel"
)

// KernelFunc is the host implementation of a compute entry point. It is
// called once per invocation. Different workgroups may run concurrently,
// so a kernel must only write memory owned by its invocation.
type KernelFunc func(inv *Invocation)

// Invocation identifies one shader invocation and gives access to the
// buffers bound to descriptor set 0.
type Invocation struct {
	GlobalID      [3]uint32
	LocalID       [3]uint32
	WorkGroupID   [3]uint32
	NumWorkGroups [3]uint32
	WorkGroupSize [3]uint32

	bindings [][]byte
}

// Binding returns the bytes of the buffer at binding n, or nil.
func (inv *Invocation) Binding(n int) []byte {
	if n < 0 || n >= len(inv.bindings) {
		return nil
	}
	return inv.bindings[n]
}

// View reinterprets buffer bytes as a slice of T. Trailing bytes that do
// not fill a T are dropped.
func View[T any](b []byte) []T {
	var zero T
	n := len(b) / int(unsafe.Sizeof(zero))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), n)
}

// dispatch runs the kernel over every invocation of the grid. Workgroups
// are spread over pool; invocations of one workgroup run in order on one
// goroutine. A panicking kernel loses the device, like a GPU fault would.
func (p *pipeline) dispatch(pool *parallel.WorkerPool, groups [3]uint32, bindings [][]byte) error {
	var (
		mu    sync.Mutex
		first error
	)
	total := int(groups[0]) * int(groups[1]) * int(groups[2])
	pool.Range(total, func(start, end int) {
		if err := p.runGroups(groups, bindings, start, end); err != nil {
			mu.Lock()
			if first == nil {
				first = err
			}
			mu.Unlock()
		}
	})
	return first
}

// runGroups runs the workgroups with linear index in [start, end), x
// fastest.
func (p *pipeline) runGroups(groups [3]uint32, bindings [][]byte, start, end int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("soft: kernel %q: %w: %v", p.entry.Name, driver.ErrDeviceLost, r)
		}
	}()

	local := p.entry.LocalSize
	nx, ny := int(groups[0]), int(groups[1])
	inv := Invocation{NumWorkGroups: groups, WorkGroupSize: local, bindings: bindings}
	for g := start; g < end; g++ {
		gx, gy, gz := uint32(g%nx), uint32(g/nx%ny), uint32(g/(nx*ny))
		inv.WorkGroupID = [3]uint32{gx, gy, gz}
		for lz := uint32(0); lz < local[2]; lz++ {
			for ly := uint32(0); ly < local[1]; ly++ {
				for lx := uint32(0); lx < local[0]; lx++ {
					inv.LocalID = [3]uint32{lx, ly, lz}
					inv.GlobalID = [3]uint32{gx*local[0] + lx, gy*local[1] + ly, gz*local[2] + lz}
					p.fn(&inv)
				}
			}
		}
	}
	return nil
}
