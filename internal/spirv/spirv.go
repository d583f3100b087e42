// Package spirv reads the parts of a SPIR-V module that a compute runtime
// needs before handing it to a driver: the header, the entry points with
// their execution model and local size, and the descriptor bindings of
// global variables.
package spirv

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
)

// Magic is the first word of every SPIR-V module.
const Magic uint32 = 0x07230203

const headerWords = 5

// ErrInvalid is returned for bytecode that is not a well-formed module.
var ErrInvalid = errors.New("spirv: invalid module")

// Opcodes used by the reader.
const (
	opName                   = 5
	opEntryPoint             = 15
	opExecutionMode          = 16
	opFunction               = 54
	opFunctionEnd            = 56
	opFunctionCall           = 57
	opVariable               = 59
	opImageTexelPointer      = 60
	opLoad                   = 61
	opStore                  = 62
	opCopyMemory             = 63
	opAccessChain            = 65
	opInBoundsAccessChain    = 66
	opPtrAccessChain         = 67
	opArrayLength            = 68
	opInBoundsPtrAccessChain = 70
	opDecorate               = 71
	opCopyObject             = 83
	opAtomicLoad             = 227
	opAtomicStore            = 228
	opAtomicXor              = 242
	opAtomicFlagTestAndSet   = 318
	opAtomicFlagClear        = 319
)

const version14 = 0x00010400

const (
	executionModeLocalSize = 17
	decorationBinding      = 33
	decorationDescSet      = 34
)

// ExecutionModel is the pipeline stage an entry point runs in.
type ExecutionModel uint32

// Execution models.
const (
	Vertex    ExecutionModel = 0
	Fragment  ExecutionModel = 4
	GLCompute ExecutionModel = 5
	Kernel    ExecutionModel = 6
)

func (m ExecutionModel) String() string {
	switch m {
	case Vertex:
		return "vertex"
	case Fragment:
		return "fragment"
	case GLCompute:
		return "compute"
	case Kernel:
		return "kernel"
	default:
		return fmt.Sprintf("ExecutionModel(%d)", uint32(m))
	}
}

// StorageClass is where a global variable lives.
type StorageClass uint32

// Storage classes of descriptor-backed variables.
const (
	StorageClassUniformConstant StorageClass = 0
	StorageClassUniform         StorageClass = 2
	StorageClassStorageBuffer   StorageClass = 12
)

// EntryPoint is one OpEntryPoint of a module.
type EntryPoint struct {
	Name      string
	Model     ExecutionModel
	Function  uint32
	Interface []uint32

	// LocalSize is the workgroup size declared with OpExecutionMode
	// LocalSize, or {1, 1, 1} when the module does not declare one.
	LocalSize [3]uint32

	// Defined reports whether the module contains the body of Function.
	// Globals is then the set of module-scope variables the entry point
	// and the functions it calls reference, in ascending id order.
	Defined bool
	Globals []uint32
}

// Binding is a global variable decorated with a descriptor set and
// binding number.
type Binding struct {
	ID           uint32
	Name         string
	Set          uint32
	Binding      uint32
	StorageClass StorageClass
}

// Module is the reflected view of a SPIR-V module.
type Module struct {
	// Version is the SPIR-V version word: major<<16 | minor<<8.
	Version     uint32
	Generator   uint32
	Bound       uint32
	EntryPoints []EntryPoint
	Bindings    []Binding
}

// ParseBytes reads a little- or big-endian byte stream.
func ParseBytes(code []byte) (*Module, error) {
	if len(code)%4 != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of 4", ErrInvalid, len(code))
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	return Parse(words)
}

// Parse reads a module from its words. A module whose magic number is
// byte-swapped is decoded with the opposite endianness.
func Parse(words []uint32) (*Module, error) {
	if len(words) < headerWords {
		return nil, fmt.Errorf("%w: %d words is shorter than the header", ErrInvalid, len(words))
	}
	switch words[0] {
	case Magic:
	case swap(Magic):
		swapped := make([]uint32, len(words))
		for i, w := range words {
			swapped[i] = swap(w)
		}
		words = swapped
	default:
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrInvalid, words[0])
	}

	m := &Module{
		Version:   words[1],
		Generator: words[2],
		Bound:     words[3],
	}

	type decoration struct {
		set, binding       uint32
		hasSet, hasBinding bool
	}
	names := make(map[uint32]string)
	decorations := make(map[uint32]*decoration)
	variables := make(map[uint32]StorageClass)
	globals := make(map[uint32]bool)
	localSizes := make(map[uint32][3]uint32)
	functions := make(map[uint32]*function)
	var current *function

	for pc := headerWords; pc < len(words); {
		count := int(words[pc] >> 16)
		opcode := words[pc] & 0xffff
		if count == 0 || pc+count > len(words) {
			return nil, fmt.Errorf("%w: malformed instruction at word %d", ErrInvalid, pc)
		}
		operands := words[pc+1 : pc+count]
		pc += count

		switch opcode {
		case opName:
			if len(operands) >= 2 {
				names[operands[0]], _ = literalString(operands[1:])
			}
		case opEntryPoint:
			if len(operands) < 3 {
				return nil, fmt.Errorf("%w: short OpEntryPoint", ErrInvalid)
			}
			name, used := literalString(operands[2:])
			m.EntryPoints = append(m.EntryPoints, EntryPoint{
				Name:      name,
				Model:     ExecutionModel(operands[0]),
				Function:  operands[1],
				Interface: slices.Clone(operands[2+used:]),
			})
		case opExecutionMode:
			if len(operands) >= 5 && operands[1] == executionModeLocalSize {
				localSizes[operands[0]] = [3]uint32{operands[2], operands[3], operands[4]}
			}
		case opVariable:
			if len(operands) >= 3 {
				variables[operands[1]] = StorageClass(operands[2])
				if current == nil {
					globals[operands[1]] = true
				}
			}
		case opFunction:
			if len(operands) >= 2 {
				current = &function{}
				functions[operands[1]] = current
			}
		case opFunctionEnd:
			current = nil
		case opFunctionCall:
			if current != nil && len(operands) >= 3 {
				current.callees = append(current.callees, operands[2])
				current.refs = append(current.refs, operands[3:]...)
			}
		case opDecorate:
			if len(operands) < 3 {
				continue
			}
			d := decorations[operands[0]]
			if d == nil {
				d = &decoration{}
				decorations[operands[0]] = d
			}
			switch operands[1] {
			case decorationDescSet:
				d.set, d.hasSet = operands[2], true
			case decorationBinding:
				d.binding, d.hasBinding = operands[2], true
			}
		default:
			if current != nil {
				current.refs = append(current.refs, pointerOperands(opcode, operands)...)
			}
		}
	}

	for i := range m.EntryPoints {
		ep := &m.EntryPoints[i]
		ep.LocalSize = [3]uint32{1, 1, 1}
		if ls, ok := localSizes[ep.Function]; ok {
			ep.LocalSize = ls
		}
		if _, ok := functions[ep.Function]; ok {
			ep.Defined = true
			ep.Globals = staticGlobals(ep.Function, functions, globals)
		}
	}
	for id, d := range decorations {
		class, isVar := variables[id]
		if !isVar || !d.hasBinding {
			continue
		}
		m.Bindings = append(m.Bindings, Binding{
			ID:           id,
			Name:         names[id],
			Set:          d.set,
			Binding:      d.binding,
			StorageClass: class,
		})
	}
	slices.SortFunc(m.Bindings, func(a, b Binding) int {
		if c := cmp.Compare(a.Set, b.Set); c != 0 {
			return c
		}
		return cmp.Compare(a.Binding, b.Binding)
	})
	return m, nil
}

// VersionString formats Version as "major.minor".
func (m *Module) VersionString() string {
	return fmt.Sprintf("%d.%d", m.Version>>16&0xff, m.Version>>8&0xff)
}

// EntryPoint returns the entry point called name.
func (m *Module) EntryPoint(name string) (EntryPoint, bool) {
	for _, ep := range m.EntryPoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return EntryPoint{}, false
}

// ComputeEntryPoints returns the names of the GLCompute entry points in
// declaration order.
func (m *Module) ComputeEntryPoints() []string {
	var names []string
	for _, ep := range m.EntryPoints {
		if ep.Model == GLCompute {
			names = append(names, ep.Name)
		}
	}
	return names
}

// SetBindings returns the bindings of descriptor set `set` used by entry,
// ordered by binding number.
//
// When the module carries the entry point's body, the result is the
// bindings its static call tree references. Otherwise, from SPIR-V 1.4,
// the entry point's interface lists every global it touches and the
// result is filtered to those. Older modules without bodies only list
// inputs and outputs, and every binding of the set is returned.
func (m *Module) SetBindings(entry string, set uint32) []Binding {
	ep, ok := m.EntryPoint(entry)
	var used []uint32
	filter := false
	switch {
	case ok && ep.Defined:
		used, filter = ep.Globals, true
	case ok && m.Version >= version14:
		used, filter = ep.Interface, true
	}
	var out []Binding
	for _, b := range m.Bindings {
		if b.Set != set {
			continue
		}
		if filter && !slices.Contains(used, b.ID) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// BindingsExact reports whether SetBindings lists exactly the bindings
// entry uses, rather than every binding of the module. It is false for
// an unknown entry point and for a pre-1.4 module without bodies that
// declares more than one entry point.
func (m *Module) BindingsExact(entry string) bool {
	ep, ok := m.EntryPoint(entry)
	if !ok {
		return false
	}
	return ep.Defined || m.Version >= version14 || len(m.EntryPoints) == 1
}

type function struct {
	refs    []uint32
	callees []uint32
}

// staticGlobals collects the module-scope variables referenced by fn and
// every function reachable from it through OpFunctionCall.
func staticGlobals(fn uint32, functions map[uint32]*function, globals map[uint32]bool) []uint32 {
	seen := map[uint32]bool{fn: true}
	queue := []uint32{fn}
	var out []uint32
	for len(queue) > 0 {
		f := functions[queue[0]]
		queue = queue[1:]
		if f == nil {
			continue
		}
		for _, id := range f.refs {
			if globals[id] && !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
		for _, callee := range f.callees {
			if !seen[callee] {
				seen[callee] = true
				queue = append(queue, callee)
			}
		}
	}
	slices.Sort(out)
	return out
}

// pointerOperands returns the pointer operands of a memory instruction.
func pointerOperands(opcode uint32, operands []uint32) []uint32 {
	switch {
	case opcode == opLoad, opcode == opImageTexelPointer,
		opcode == opAccessChain, opcode == opInBoundsAccessChain,
		opcode == opPtrAccessChain, opcode == opInBoundsPtrAccessChain,
		opcode == opArrayLength, opcode == opCopyObject,
		opcode == opAtomicFlagTestAndSet,
		opcode >= opAtomicLoad && opcode <= opAtomicXor && opcode != opAtomicStore:
		if len(operands) >= 3 {
			return operands[2:3]
		}
	case opcode == opStore, opcode == opAtomicStore, opcode == opAtomicFlagClear:
		if len(operands) >= 1 {
			return operands[:1]
		}
	case opcode == opCopyMemory:
		if len(operands) >= 2 {
			return operands[:2]
		}
	}
	return nil
}

// literalString decodes a nul-terminated UTF-8 literal packed into words
// and reports how many words it occupied.
func literalString(words []uint32) (string, int) {
	var buf []byte
	for i, w := range words {
		for shift := 0; shift < 32; shift += 8 {
			c := byte(w >> shift)
			if c == 0 {
				return string(buf), i + 1
			}
			buf = append(buf, c)
		}
	}
	return string(buf), len(words)
}

func swap(w uint32) uint32 {
	return w>>24 | (w>>8)&0xff00 | (w<<8)&0xff0000 | w<<24
}
