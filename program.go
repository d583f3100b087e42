package vkrt

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/gogpu/vkrt/internal/driver"
	"github.com/gogpu/vkrt/internal/shader"
	"github.com/gogpu/vkrt/internal/spirv"
)

// Program is a SPIR-V shader module loaded on a Device.
type Program struct {
	dev       *Device
	module    driver.ShaderModule
	reflect   *spirv.Module
	size      int
	destroyed bool
}

// NewProgramFromFile loads the SPIR-V binary at path. The code size is the
// file size.
func NewProgramFromFile(d *Device, path string) (*Program, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, wrap(ErrShaderCreationFailed, "read shader file", err)
	}
	return NewProgram(d, code)
}

// NewProgram loads a SPIR-V binary held in memory. The code size is
// len(code).
func NewProgram(d *Device, code []byte) (*Program, error) {
	if len(code)%4 != 0 {
		return nil, wrap(ErrShaderCreationFailed, "load program",
			fmt.Errorf("%d bytes is not a whole number of words", len(code)))
	}
	return newProgram(d, shader.Words(code), len(code))
}

// NewProgramFromWords loads the first byteLen bytes of a SPIR-V word
// slice. byteLen must be positive, a multiple of 4 and no larger than the
// slice.
func NewProgramFromWords(d *Device, words []uint32, byteLen int) (*Program, error) {
	switch {
	case byteLen <= 0, byteLen%4 != 0:
		return nil, wrap(ErrShaderCreationFailed, "load program",
			fmt.Errorf("%w: byte length %d", ErrInvalidArgument, byteLen))
	case byteLen > len(words)*4:
		return nil, wrap(ErrShaderCreationFailed, "load program",
			fmt.Errorf("%w: byte length %d exceeds %d words", ErrInvalidArgument, byteLen, len(words)))
	}
	return newProgram(d, words[:byteLen/4], byteLen)
}

// NewProgramFromWGSL compiles WGSL compute source and loads the result.
func NewProgramFromWGSL(d *Device, source string) (*Program, error) {
	words, err := shader.CompileWGSL(source)
	if err != nil {
		return nil, wrap(ErrShaderCreationFailed, "compile WGSL", err)
	}
	return newProgram(d, words, len(words)*4)
}

func newProgram(d *Device, words []uint32, size int) (*Program, error) {
	if err := d.alive("create program"); err != nil {
		return nil, err
	}
	mod, err := spirv.Parse(words)
	if err != nil {
		return nil, wrap(ErrShaderCreationFailed, "parse SPIR-V", err)
	}
	module, err := d.raw.CreateShaderModule(words)
	if err != nil {
		return nil, wrap(ErrShaderCreationFailed, "create shader module", err)
	}
	p := &Program{dev: d, module: module, reflect: mod, size: size}
	d.track(p)
	d.log.Debug("vkrt: program loaded",
		"size", humanize.IBytes(uint64(size)),
		"spirv", mod.VersionString(),
		"entry_points", mod.ComputeEntryPoints())
	return p, nil
}

func (p *Program) kind() string { return "program" }

// EntryPoints returns the names of the compute entry points.
func (p *Program) EntryPoints() []string { return p.reflect.ComputeEntryPoints() }

// Size returns the code size in bytes.
func (p *Program) Size() int { return p.size }

// Destroy releases the shader module. Kernels built from the program keep
// working. Destroy is idempotent.
func (p *Program) Destroy() error {
	if p.destroyed {
		return nil
	}
	p.destroyed = true
	p.dev.untrack(p)
	p.dev.raw.DestroyShaderModule(p.module)
	return nil
}
