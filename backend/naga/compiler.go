// Package naga adapts the gogpu/naga WGSL compiler to the pipecache
// Compiler contract.
//
// Guest microcode is interpreted as dword-packed WGSL text with the
// conventional entry points (vs_main, fs_main). Translation compiles the
// text to SPIR-V, verifies the expected entry point and stage are
// present, and recovers the shader's resource bindings from the emitted
// module so the cache can intern pipeline layouts.
package naga

import (
	"fmt"

	gonaga "github.com/gogpu/naga"

	"github.com/gogpu/pipecache"
)

// Compiler translates dword-packed WGSL microcode to SPIR-V.
//
// Compiler is stateless and safe for concurrent use.
type Compiler struct{}

// New creates a Compiler.
func New() *Compiler {
	return &Compiler{}
}

// Translate implements pipecache.Compiler.
//
// The modification key selects a host translation variant of the same
// program; WGSL needs no source-level variants, so every modification
// compiles to the same module.
func (c *Compiler) Translate(kind pipecache.ShaderKind, modification uint64, dwords []uint32) (*pipecache.CompiledShader, error) {
	_ = modification

	entry, stage, err := entryPointFor(kind)
	if err != nil {
		return nil, err
	}

	source := pipecache.ShaderSource(dwords)
	if source == "" {
		return nil, fmt.Errorf("naga: empty %s shader source", kind)
	}

	spirvBytes, err := gonaga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("naga: compile %s shader: %w", kind, err)
	}

	// SPIR-V is little-endian 32-bit words.
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("naga: compiler produced %d bytes, not a whole number of words", len(spirvBytes))
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}

	mod, err := parseModule(words)
	if err != nil {
		return nil, fmt.Errorf("naga: %s shader: %w", kind, err)
	}
	if !mod.hasEntryPoint(stage, entry) {
		return nil, fmt.Errorf("naga: %s shader does not define %s", kind, entry)
	}

	return &pipecache.CompiledShader{
		SPIRV:      words,
		EntryPoint: entry,
		Bindings:   mod.bindings(stageMaskFor(kind)),
	}, nil
}

func entryPointFor(kind pipecache.ShaderKind) (string, uint32, error) {
	switch kind {
	case pipecache.ShaderKindVertex:
		return pipecache.VertexEntryPoint, executionModelVertex, nil
	case pipecache.ShaderKindFragment:
		return pipecache.FragmentEntryPoint, executionModelFragment, nil
	}
	return "", 0, fmt.Errorf("naga: unsupported shader kind %d", kind)
}

func stageMaskFor(kind pipecache.ShaderKind) pipecache.StageMask {
	if kind == pipecache.ShaderKindFragment {
		return pipecache.StageFragment
	}
	return pipecache.StageVertex
}
