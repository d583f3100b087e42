// Package spirvtest assembles small SPIR-V modules for tests. The modules
// carry the header, entry points, local sizes, names and descriptor
// decorations. Entry points have no function bodies unless Uses is called;
// the modules are only meant for code that reflects them, such as the
// software driver.
package spirvtest

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/gogpu/vkrt/internal/spirv"
)

type entry struct {
	name  string
	model spirv.ExecutionModel
	local [3]uint32
	uses  []string
	body  bool
}

type binding struct {
	name         string
	set, binding uint32
}

// Builder accumulates the declarations of a module.
type Builder struct {
	version  uint32
	entries  []entry
	bindings []binding
}

// New returns a builder for a SPIR-V 1.0 module.
func New() *Builder {
	return &Builder{version: 0x00010000}
}

// Version sets the SPIR-V version of the module.
func (b *Builder) Version(major, minor uint32) *Builder {
	b.version = major<<16 | minor<<8
	return b
}

// Compute declares a GLCompute entry point with the given local size.
func (b *Builder) Compute(name string, x, y, z uint32) *Builder {
	b.entries = append(b.entries, entry{name: name, model: spirv.GLCompute, local: [3]uint32{x, y, z}})
	return b
}

// Fragment declares a fragment entry point.
func (b *Builder) Fragment(name string) *Builder {
	b.entries = append(b.entries, entry{name: name, model: spirv.Fragment})
	return b
}

// Uses gives the last declared entry point a body that reaches the named
// storage buffers through a helper function. From SPIR-V 1.4 the entry
// point's interface lists exactly those buffers, and before 1.4 it lists
// none, as compilers emit them.
func (b *Builder) Uses(names ...string) *Builder {
	if len(b.entries) == 0 {
		panic("spirvtest: Uses before any entry point")
	}
	e := &b.entries[len(b.entries)-1]
	e.uses = append(e.uses, names...)
	e.body = true
	return b
}

// StorageBuffer declares a storage-buffer variable at set/binding. Entry
// points without a body list it in their interface.
func (b *Builder) StorageBuffer(name string, set, bindingNum uint32) *Builder {
	b.bindings = append(b.bindings, binding{name: name, set: set, binding: bindingNum})
	return b
}

// Words assembles the module.
func (b *Builder) Words() []uint32 {
	const (
		typeID     = 1
		firstVarID = 2
	)
	firstFnID := uint32(firstVarID + len(b.bindings))
	next := firstFnID + uint32(len(b.entries))
	alloc := func() uint32 {
		next++
		return next - 1
	}

	words := []uint32{spirv.Magic, b.version, 0, 0, 0}
	emit := func(opcode uint32, operands ...uint32) {
		words = append(words, uint32(len(operands)+1)<<16|opcode)
		words = append(words, operands...)
	}

	emit(17, 1)    // OpCapability Shader
	emit(14, 0, 1) // OpMemoryModel Logical GLSL450

	varIDs := make([]uint32, len(b.bindings))
	for i := range b.bindings {
		varIDs[i] = uint32(firstVarID + i)
	}
	used := make([][]uint32, len(b.entries))
	for i, e := range b.entries {
		for _, name := range e.uses {
			j := slices.IndexFunc(b.bindings, func(bd binding) bool { return bd.name == name })
			if j < 0 {
				panic(fmt.Sprintf("spirvtest: entry point %s uses unknown buffer %q", e.name, name))
			}
			used[i] = append(used[i], varIDs[j])
		}
	}
	for i, e := range b.entries {
		ops := append([]uint32{uint32(e.model), firstFnID + uint32(i)}, String(e.name)...)
		switch {
		case !e.body:
			ops = append(ops, varIDs...)
		case b.version >= 0x00010400:
			ops = append(ops, used[i]...)
		}
		emit(15, ops...)
	}
	for i, e := range b.entries {
		if e.model == spirv.GLCompute {
			emit(16, firstFnID+uint32(i), 17, e.local[0], e.local[1], e.local[2])
		}
	}
	for i, bd := range b.bindings {
		emit(5, append([]uint32{varIDs[i]}, String(bd.name)...)...)
	}
	for i, bd := range b.bindings {
		emit(71, varIDs[i], 34, bd.set)
		emit(71, varIDs[i], 33, bd.binding)
	}
	for i := range b.bindings {
		emit(59, typeID, varIDs[i], uint32(spirv.StorageClassStorageBuffer))
	}

	if !slices.ContainsFunc(b.entries, func(e entry) bool { return e.body }) {
		words[3] = next
		return words
	}
	voidID, fnTypeID := alloc(), alloc()
	emit(19, voidID)           // OpTypeVoid
	emit(33, fnTypeID, voidID) // OpTypeFunction
	for i, e := range b.entries {
		if !e.body {
			continue
		}
		helperID := alloc()
		emit(54, voidID, helperID, 0, fnTypeID) // OpFunction
		emit(248, alloc())                      // OpLabel
		for _, v := range used[i] {
			emit(65, typeID, alloc(), v) // OpAccessChain
		}
		emit(253) // OpReturn
		emit(56)  // OpFunctionEnd

		emit(54, voidID, firstFnID+uint32(i), 0, fnTypeID)
		emit(248, alloc())
		emit(57, voidID, alloc(), helperID) // OpFunctionCall
		emit(253)
		emit(56)
	}
	words[3] = next
	return words
}

// Bytes assembles the module as a little-endian byte stream.
func (b *Builder) Bytes() []byte {
	words := b.Words()
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// String encodes s as a nul-terminated SPIR-V literal string.
func String(s string) []uint32 {
	n := len(s)/4 + 1
	words := make([]uint32, n)
	for i := 0; i < len(s); i++ {
		words[i/4] |= uint32(s[i]) << (8 * (i % 4))
	}
	return words
}
