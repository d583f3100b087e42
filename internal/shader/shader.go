// Package shader turns kernel sources into the SPIR-V words a driver
// consumes.
package shader

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/gogpu/naga"

	"github.com/gogpu/vkrt/internal/cache"
)

// compiled memoizes CompileWGSL by source text.
var compiled = cache.New[string, []uint32](64)

// CompileWGSL compiles WGSL compute source to SPIR-V words. Results are
// cached by source; the returned slice is the caller's.
func CompileWGSL(source string) ([]uint32, error) {
	words, err := compiled.GetOrCreate(source, func() ([]uint32, error) {
		code, err := naga.Compile(source)
		if err != nil {
			return nil, fmt.Errorf("shader: compile WGSL: %w", err)
		}
		if len(code)%4 != 0 {
			return nil, fmt.Errorf("shader: compiler produced %d bytes, not a whole number of words", len(code))
		}
		return Words(code), nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(words), nil
}

// CacheStats reports how CompileWGSL's cache has been used.
func CacheStats() cache.Stats { return compiled.Stats() }

// Words packs little-endian bytes into SPIR-V words. Trailing bytes that do
// not fill a word are ignored.
func Words(code []byte) []uint32 {
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	return words
}

// Bytes unpacks words into a little-endian byte stream.
func Bytes(words []uint32) []byte {
	code := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(code[i*4:], w)
	}
	return code
}
