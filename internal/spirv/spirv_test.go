package spirv_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gogpu/vkrt/internal/spirv"
	"github.com/gogpu/vkrt/internal/spirv/spirvtest"
)

func TestParseEntryPoints(t *testing.T) {
	words := spirvtest.New().
		Compute("doubleMe", 64, 1, 1).
		Compute("tripleMe", 8, 8, 1).
		Fragment("shade").
		StorageBuffer("data", 0, 0).
		Words()

	m, err := spirv.Parse(words)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got, want := m.VersionString(), "1.0"; got != want {
		t.Errorf("VersionString = %q, want %q", got, want)
	}
	if diff := cmp.Diff([]string{"doubleMe", "tripleMe"}, m.ComputeEntryPoints()); diff != "" {
		t.Errorf("ComputeEntryPoints mismatch (-want +got):\n%s", diff)
	}

	tests := []struct {
		name  string
		model spirv.ExecutionModel
		local [3]uint32
	}{
		{"doubleMe", spirv.GLCompute, [3]uint32{64, 1, 1}},
		{"tripleMe", spirv.GLCompute, [3]uint32{8, 8, 1}},
		{"shade", spirv.Fragment, [3]uint32{1, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, ok := m.EntryPoint(tt.name)
			if !ok {
				t.Fatalf("entry point %q not found", tt.name)
			}
			if ep.Model != tt.model {
				t.Errorf("Model = %v, want %v", ep.Model, tt.model)
			}
			if ep.LocalSize != tt.local {
				t.Errorf("LocalSize = %v, want %v", ep.LocalSize, tt.local)
			}
		})
	}

	if _, ok := m.EntryPoint("missing"); ok {
		t.Error("EntryPoint(missing) reported ok")
	}
}

func TestParseBindings(t *testing.T) {
	m, err := spirv.ParseBytes(spirvtest.New().
		Compute("main", 1, 1, 1).
		StorageBuffer("out", 0, 2).
		StorageBuffer("in", 0, 0).
		StorageBuffer("params", 1, 0).
		StorageBuffer("lut", 0, 1).
		Bytes())
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}

	var got []string
	for _, b := range m.SetBindings("main", 0) {
		if b.StorageClass != spirv.StorageClassStorageBuffer {
			t.Errorf("%s: StorageClass = %d", b.Name, b.StorageClass)
		}
		got = append(got, b.Name)
	}
	if diff := cmp.Diff([]string{"in", "lut", "out"}, got); diff != "" {
		t.Errorf("set 0 bindings mismatch (-want +got):\n%s", diff)
	}
	if n := len(m.SetBindings("main", 1)); n != 1 {
		t.Errorf("set 1 has %d bindings, want 1", n)
	}
	if n := len(m.SetBindings("main", 7)); n != 0 {
		t.Errorf("set 7 has %d bindings, want 0", n)
	}
}

func TestSetBindingsFiltersByInterface(t *testing.T) {
	words := spirvtest.New().
		Version(1, 4).
		Compute("main", 1, 1, 1).
		StorageBuffer("a", 0, 0).
		StorageBuffer("b", 0, 1).
		Words()

	// Drop the second variable from the entry point interface.
	for pc := 5; pc < len(words); {
		count := int(words[pc] >> 16)
		if words[pc]&0xffff == 15 {
			words[pc+count-1] = 0xdead
			break
		}
		pc += count
	}

	m, err := spirv.Parse(words)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	bs := m.SetBindings("main", 0)
	if len(bs) != 1 || bs[0].Name != "a" {
		t.Errorf("SetBindings = %+v, want only binding a", bs)
	}
}

func TestSetBindingsFollowsCallTree(t *testing.T) {
	for _, version := range []uint32{0, 3, 4, 6} {
		t.Run(fmt.Sprintf("1.%d", version), func(t *testing.T) {
			m, err := spirv.Parse(spirvtest.New().
				Version(1, version).
				Compute("scale", 64, 1, 1).Uses("data").
				Compute("add", 64, 1, 1).Uses("data", "addend").
				StorageBuffer("data", 0, 0).
				StorageBuffer("addend", 0, 1).
				Words())
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			tests := []struct {
				entry string
				want  []string
			}{
				{"scale", []string{"data"}},
				{"add", []string{"data", "addend"}},
			}
			for _, tt := range tests {
				ep, _ := m.EntryPoint(tt.entry)
				if !ep.Defined {
					t.Errorf("%s: Defined = false, want true", tt.entry)
				}
				var got []string
				for _, b := range m.SetBindings(tt.entry, 0) {
					got = append(got, b.Name)
				}
				if diff := cmp.Diff(tt.want, got); diff != "" {
					t.Errorf("%s: set 0 bindings mismatch (-want +got):\n%s", tt.entry, diff)
				}
				if !m.BindingsExact(tt.entry) {
					t.Errorf("BindingsExact(%s) = false, want true", tt.entry)
				}
			}
		})
	}
}

func TestBindingsExact(t *testing.T) {
	tests := []struct {
		name  string
		b     *spirvtest.Builder
		entry string
		want  bool
	}{
		{"single entry point", spirvtest.New().Compute("main", 1, 1, 1), "main", true},
		{"several entry points", spirvtest.New().Compute("a", 1, 1, 1).Compute("b", 1, 1, 1), "a", false},
		{"several entry points 1.4", spirvtest.New().Version(1, 4).Compute("a", 1, 1, 1).Compute("b", 1, 1, 1), "a", true},
		{"with bodies", spirvtest.New().Compute("a", 1, 1, 1).Uses().Compute("b", 1, 1, 1), "a", true},
		{"unknown entry point", spirvtest.New().Compute("main", 1, 1, 1), "other", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := spirv.Parse(tt.b.StorageBuffer("buf", 0, 0).Words())
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got := m.BindingsExact(tt.entry); got != tt.want {
				t.Errorf("BindingsExact(%s) = %v, want %v", tt.entry, got, tt.want)
			}
		})
	}
}

func TestParseByteSwapped(t *testing.T) {
	words := spirvtest.New().Compute("main", 4, 2, 1).Words()
	for i, w := range words {
		words[i] = w>>24 | (w>>8)&0xff00 | (w<<8)&0xff0000 | w<<24
	}
	m, err := spirv.Parse(words)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ep, ok := m.EntryPoint("main")
	if !ok || ep.LocalSize != [3]uint32{4, 2, 1} {
		t.Errorf("EntryPoint(main) = %+v, %v", ep, ok)
	}
}

func TestParseInvalid(t *testing.T) {
	valid := spirvtest.New().Compute("main", 1, 1, 1).Words()

	tests := []struct {
		name  string
		words []uint32
	}{
		{"empty", nil},
		{"short header", valid[:3]},
		{"bad magic", append([]uint32{0xcafebabe}, valid[1:]...)},
		{"zero word count", append(append([]uint32{}, valid[:5]...), 0x00000011)},
		{"truncated instruction", append(append([]uint32{}, valid[:5]...), 0x00050011, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := spirv.Parse(tt.words)
			if !errors.Is(err, spirv.ErrInvalid) {
				t.Errorf("Parse error = %v, want ErrInvalid", err)
			}
		})
	}

	if _, err := spirv.ParseBytes([]byte{1, 2, 3}); !errors.Is(err, spirv.ErrInvalid) {
		t.Errorf("ParseBytes(3 bytes) error = %v, want ErrInvalid", err)
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		in    string
		words int
	}{
		{"", 1},
		{"abc", 1},
		{"main", 2},
		{"doubleMe", 3},
	}
	for _, tt := range tests {
		if got := len(spirvtest.String(tt.in)); got != tt.words {
			t.Errorf("String(%q) uses %d words, want %d", tt.in, got, tt.words)
		}
	}
}
