package vkrt

import (
	"fmt"
	"slices"

	"github.com/gogpu/vkrt/internal/driver"
)

// Arguments binds buffers to the slots of a Kernel, in order.
type Arguments struct {
	kernel    *Kernel
	buffers   []*Buffer
	pool      driver.DescriptorPool
	set       driver.DescriptorSet
	destroyed bool
}

// NewArguments binds buffers to slots 0..len(buffers)-1 of k. The number
// of buffers must equal the number of slots.
func NewArguments(k *Kernel, buffers ...*Buffer) (*Arguments, error) {
	d := k.dev
	if err := d.alive("create arguments"); err != nil {
		return nil, err
	}
	if k.destroyed {
		return nil, fmt.Errorf("%w: create arguments: kernel destroyed", ErrDestroyed)
	}
	if len(buffers) != len(k.types) {
		return nil, wrap(ErrDescriptorAllocationFailed, "create arguments",
			fmt.Errorf("%w: %d buffers for %d slots of %s", ErrInvalidArgument, len(buffers), len(k.types), k.entry))
	}
	for i, b := range buffers {
		if b == nil {
			return nil, fmt.Errorf("%w: create arguments: nil buffer %d", ErrInvalidArgument, i)
		}
		if b.destroyed {
			return nil, fmt.Errorf("%w: create arguments: buffer %d destroyed", ErrDestroyed, i)
		}
		if b.dev != d {
			return nil, fmt.Errorf("%w: create arguments: buffer %d belongs to another device", ErrInvalidArgument, i)
		}
	}

	a := &Arguments{kernel: k, buffers: slices.Clone(buffers)}
	if len(buffers) > 0 {
		var u undo
		defer u.run()

		var err error
		a.pool, err = d.raw.CreateDescriptorPool(1, []driver.DescriptorPoolSize{
			{Type: driver.DescriptorTypeStorageBuffer, Count: uint32(len(buffers))},
		})
		if err != nil {
			return nil, wrap(ErrDescriptorAllocationFailed, "create descriptor pool", err)
		}
		u.add(func() { d.raw.DestroyDescriptorPool(a.pool) })

		a.set, err = d.raw.AllocateDescriptorSet(a.pool, k.setLayout)
		if err != nil {
			return nil, wrap(ErrDescriptorAllocationFailed, "allocate descriptor set", err)
		}
		for i, b := range buffers {
			d.raw.UpdateDescriptorSet(&driver.DescriptorWrite{
				Set:     a.set,
				Binding: uint32(i),
				Type:    driver.DescriptorTypeStorageBuffer,
				Buffers: []driver.Buffer{b.raw},
			})
		}
		u.keep()
	}

	k.args = append(k.args, a)
	d.track(a)
	return a, nil
}

func (a *Arguments) kind() string { return "arguments" }

// BindTo records the descriptor set bind into a recording command buffer.
func (a *Arguments) BindTo(cb *CommandBuffer) error {
	if a.destroyed {
		return fmt.Errorf("%w: bind arguments: arguments destroyed", ErrDestroyed)
	}
	if a.set == nil {
		return nil
	}
	return cb.record("bind arguments", func(raw driver.CommandBuffer) {
		raw.BindDescriptorSet(a.kernel.layout, a.set)
	})
}

// Destroy frees the descriptor set, then its pool. Destroy is idempotent.
func (a *Arguments) Destroy() error {
	if a.destroyed {
		return nil
	}
	a.destroyed = true
	k, d := a.kernel, a.kernel.dev
	k.args = slices.DeleteFunc(k.args, func(x *Arguments) bool { return x == a })
	d.untrack(a)
	if a.set == nil {
		return nil
	}
	err := d.raw.FreeDescriptorSet(a.pool, a.set)
	d.raw.DestroyDescriptorPool(a.pool)
	if err != nil {
		return wrap(ErrDescriptorAllocationFailed, "free descriptor set", err)
	}
	return nil
}
