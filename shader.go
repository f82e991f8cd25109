package pipecache

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// ErrTranslationFailed marks a shader whose microcode could not be
// translated. The failure is sticky: the modification stays failed for
// the rest of the session and pipelines referencing it are never
// created.
var ErrTranslationFailed = errors.New("pipecache: shader translation failed")

// shaderTranslation is one translation attempt, keyed by modification.
// compiled and err are written once, before done is closed, and never
// change afterwards. Exactly one of the two is set once done.
type shaderTranslation struct {
	done     chan struct{}
	compiled *CompiledShader
	err      error
}

// Shader is one guest shader program, identified by the content hash of
// its microcode. Shaders are created by Cache.LoadShader, deduplicated by
// hash, and live until Clear.
//
// A shader is translated at most once per modification. The translated
// modules are immutable once published, so holders of a modification
// value can fetch its module at any later point without coordinating
// with concurrent translations of other modifications.
type Shader struct {
	contentHash uint64
	kind        ShaderKind
	dwords      []uint32

	// writtenTargets is the color target mask a fragment shader
	// declares outputs for. Always 0 for vertex shaders.
	writtenTargets uint8

	mu           sync.Mutex
	translations map[uint64]*shaderTranslation
}

func newShader(kind ShaderKind, dwords []uint32) *Shader {
	owned := make([]uint32, len(dwords))
	copy(owned, dwords)

	s := &Shader{
		contentHash: hashDwords(owned),
		kind:        kind,
		dwords:      owned,
	}
	if kind == ShaderKindFragment {
		s.writtenTargets = analyzeFragmentOutputs(ShaderSource(owned))
	}
	return s
}

// Hash returns the microcode content hash.
func (s *Shader) Hash() uint64 {
	return s.contentHash
}

// Kind returns the stage the shader was loaded for.
func (s *Shader) Kind() ShaderKind {
	return s.kind
}

// DwordCount returns the length of the microcode in dwords.
func (s *Shader) DwordCount() int {
	return len(s.dwords)
}

// Translated reports whether translation for the given modification has
// succeeded.
func (s *Shader) Translated(modification uint64) bool {
	return s.Compiled(modification) != nil
}

// Failed reports whether translation for the given modification was
// tried and failed.
func (s *Shader) Failed(modification uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.translations[modification]
	return t != nil && t.err != nil
}

// Compiled returns the translated module for the given modification, or
// nil while untranslated or failed.
func (s *Shader) Compiled(modification uint64) *CompiledShader {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.translations[modification]; t != nil {
		return t.compiled
	}
	return nil
}

// writesColorTarget reports whether a fragment shader declares an output
// for the given color target index.
func (s *Shader) writesColorTarget(i int) bool {
	return s.writtenTargets&(1<<uint(i)) != 0
}

// ensureTranslated translates the shader for the given modification if
// that has not been tried yet. The first result is true when this call
// performed the translation; the caller uses it to append the shader to
// storage exactly once per modification.
func (s *Shader) ensureTranslated(compiler Compiler, modification uint64) (bool, *CompiledShader, error) {
	s.mu.Lock()
	if t := s.translations[modification]; t != nil {
		s.mu.Unlock()
		<-t.done
		return false, t.compiled, t.err
	}
	if s.translations == nil {
		s.translations = make(map[uint64]*shaderTranslation)
	}
	t := &shaderTranslation{done: make(chan struct{})}
	s.translations[modification] = t
	s.mu.Unlock()

	// Translate with the mutex released: published modifications stay
	// readable while this one is in flight. Callers finding the entry
	// above wait on done instead of translating again.
	compiled, err := compiler.Translate(s.kind, modification, s.dwords)
	if err != nil {
		Logger().Warn("shader translation failed",
			"hash", fmt.Sprintf("%016x", s.contentHash),
			"kind", s.kind.String(),
			"modification", modification,
			"error", err)
		err = fmt.Errorf("%w: shader %016x: %v", ErrTranslationFailed, s.contentHash, err)
		compiled = nil
	}
	s.mu.Lock()
	t.compiled = compiled
	t.err = err
	s.mu.Unlock()
	close(t.done)
	return err == nil, compiled, err
}

// translatedModifications returns the modifications that translated
// successfully, for erasing failed replay entries and for tests.
func (s *Shader) translatedModifications() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	mods := make([]uint64, 0, len(s.translations))
	for m, t := range s.translations {
		if t.compiled != nil {
			mods = append(mods, m)
		}
	}
	return mods
}

// translationsOutside reports whether any translation was attempted for a
// modification not in mods.
func (s *Shader) translationsOutside(mods map[uint64]bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for m := range s.translations {
		if !mods[m] {
			return true
		}
	}
	return false
}

// =============================================================================
// Microcode convention
// =============================================================================

// PackShaderSource packs shader text into little-endian microcode dwords,
// padding the last dword with zero bytes. This is the byte layout shaders
// are hashed and stored in.
func PackShaderSource(src string) []uint32 {
	b := []byte(src)
	dwords := make([]uint32, (len(b)+3)/4)
	for i := range dwords {
		var w uint32
		for j := 0; j < 4; j++ {
			idx := i*4 + j
			if idx < len(b) {
				w |= uint32(b[idx]) << (8 * uint(j))
			}
		}
		dwords[i] = w
	}
	return dwords
}

// ShaderSource unpacks microcode dwords back into shader text, dropping
// the zero padding of the final dword.
func ShaderSource(dwords []uint32) string {
	b := make([]byte, 0, len(dwords)*4)
	for _, w := range dwords {
		b = append(b, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
	}
	return string(trimTrailingZeros(b))
}

func trimTrailingZeros(b []byte) []byte {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return b[:n]
}

// =============================================================================
// Fragment output analysis
// =============================================================================

// Conventional entry function names in guest shader text. Compilers
// resolve these against the translated module before a pipeline may
// reference it.
const (
	VertexEntryPoint   = "vs_main"
	FragmentEntryPoint = "fs_main"
)

// analyzeFragmentOutputs scans a fragment shader's entry signature for
// the color targets it writes. The result gates render target state in
// pipeline descriptions: a bound target the shader never writes keeps a
// zero write mask, so otherwise-identical states share one pipeline.
//
// Outputs are found in the entry's return annotation, either a direct
// @location on the return type or @location members of a returned
// struct. A shader whose entry cannot be found is assumed to write all
// targets; translation will report the real error later.
func analyzeFragmentOutputs(src string) uint8 {
	sig, ok := entrySignature(src, FragmentEntryPoint)
	if !ok {
		return 0xF
	}

	arrow := strings.Index(sig, "->")
	if arrow < 0 {
		// No return value: a depth-only or discard-only shader.
		return 0
	}
	ret := sig[arrow+2:]

	if strings.Contains(ret, "@location(") {
		if n, ok := parseLocation(ret); ok && n < maxRenderTargets {
			return 1 << n
		}
		return 0xF
	}

	// Struct return: collect @location members.
	name := strings.TrimSpace(ret)
	if i := strings.IndexAny(name, " \t\n{"); i >= 0 {
		name = name[:i]
	}
	body, ok := structBody(src, name)
	if !ok {
		return 0xF
	}

	var mask uint8
	for {
		i := strings.Index(body, "@location(")
		if i < 0 {
			break
		}
		if n, ok := parseLocation(body[i:]); ok && n < maxRenderTargets {
			mask |= 1 << n
		}
		body = body[i+len("@location("):]
	}
	return mask
}

// entrySignature extracts the text between an entry function's name and
// its opening brace.
func entrySignature(src, entry string) (string, bool) {
	for from := 0; ; {
		i := strings.Index(src[from:], "fn "+entry)
		if i < 0 {
			return "", false
		}
		start := from + i + len("fn ")
		// Reject prefixes of longer identifiers.
		rest := src[start+len(entry):]
		if len(rest) > 0 && rest[0] != '(' && rest[0] != ' ' && rest[0] != '\t' && rest[0] != '\n' {
			from = start
			continue
		}
		brace := strings.IndexByte(rest, '{')
		if brace < 0 {
			return "", false
		}
		return rest[:brace], true
	}
}

// structBody extracts the member list of a named struct declaration.
func structBody(src, name string) (string, bool) {
	i := strings.Index(src, "struct "+name)
	if i < 0 {
		return "", false
	}
	rest := src[i:]
	open := strings.IndexByte(rest, '{')
	if open < 0 {
		return "", false
	}
	closeIdx := strings.IndexByte(rest[open:], '}')
	if closeIdx < 0 {
		return "", false
	}
	return rest[open : open+closeIdx], true
}

// parseLocation parses the index from text starting at or containing a
// @location attribute.
func parseLocation(s string) (int, bool) {
	i := strings.Index(s, "@location(")
	if i < 0 {
		return 0, false
	}
	s = s[i+len("@location("):]
	end := strings.IndexByte(s, ')')
	if end < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(s[:end]))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
