package pipecache

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/fnv"
	"math"
)

// =============================================================================
// Pipeline Description
// =============================================================================

// DescriptionSize is the exact encoded size of a PipelineDescription in bytes.
//
// The encoding is fixed little-endian with no padding, so the same state
// always produces the same bytes. The encoded form is what gets hashed for
// cache lookup and what gets written to the pipeline storage log.
const DescriptionSize = 100

// maxRenderTargets is the number of color target slots in a description.
const maxRenderTargets = 4

// ShaderKind identifies the pipeline stage a shader translates for.
type ShaderKind uint8

const (
	// ShaderKindVertex is the vertex stage.
	ShaderKindVertex ShaderKind = iota

	// ShaderKindFragment is the fragment stage.
	ShaderKindFragment
)

// String returns the shader kind name.
func (k ShaderKind) String() string {
	switch k {
	case ShaderKindVertex:
		return "Vertex"
	case ShaderKindFragment:
		return "Fragment"
	default:
		return "Unknown"
	}
}

// VertexStageMode selects how the host vertex stage sources its input.
//
// Standard mode fetches vertices directly. The domain modes run the vertex
// shader as a tessellation evaluation stage, either per control point or
// per patch, and are chosen from the guest tessellation state.
type VertexStageMode uint8

const (
	// VertexStageStandard fetches vertices normally.
	VertexStageStandard VertexStageMode = iota

	// VertexStageTriangleDomainControlPoint evaluates a triangle domain
	// with per-control-point indexing.
	VertexStageTriangleDomainControlPoint

	// VertexStageTriangleDomainPatch evaluates a triangle domain with
	// per-patch indexing.
	VertexStageTriangleDomainPatch

	// VertexStageQuadDomainControlPoint evaluates a quad domain with
	// per-control-point indexing.
	VertexStageQuadDomainControlPoint

	// VertexStageQuadDomainPatch evaluates a quad domain with per-patch
	// indexing.
	VertexStageQuadDomainPatch
)

// vertexStageModeCount is the number of valid VertexStageMode values.
const vertexStageModeCount = 5

// String returns the vertex stage mode name.
func (m VertexStageMode) String() string {
	switch m {
	case VertexStageStandard:
		return "Standard"
	case VertexStageTriangleDomainControlPoint:
		return "TriangleDomainControlPoint"
	case VertexStageTriangleDomainPatch:
		return "TriangleDomainPatch"
	case VertexStageQuadDomainControlPoint:
		return "QuadDomainControlPoint"
	case VertexStageQuadDomainPatch:
		return "QuadDomainPatch"
	default:
		return "Unknown"
	}
}

// Tessellated reports whether the mode runs the vertex shader as a
// tessellation evaluation stage.
func (m VertexStageMode) Tessellated() bool {
	return m != VertexStageStandard
}

// TessellationMode is the guest tessellator partitioning mode.
type TessellationMode uint8

const (
	// TessellationDiscrete uses integer partitioning.
	TessellationDiscrete TessellationMode = iota

	// TessellationContinuous uses fractional-even partitioning.
	TessellationContinuous

	// TessellationAdaptive uses per-edge factors from a patch buffer.
	TessellationAdaptive
)

// PrimitiveExpansion selects host-side expansion of guest primitives that
// have no direct host equivalent. The expansion runs as extra geometry
// processing keyed into the pipeline, so it is part of the description.
type PrimitiveExpansion uint8

const (
	// ExpansionNone draws primitives as-is.
	ExpansionNone PrimitiveExpansion = iota

	// ExpansionPointList expands point sprites to quads.
	ExpansionPointList

	// ExpansionRectangleList expands 3-vertex rectangles to two triangles.
	ExpansionRectangleList

	// ExpansionQuadList expands 4-vertex quads to two triangles.
	ExpansionQuadList
)

// expansionCount is the number of valid PrimitiveExpansion values.
const expansionCount = 4

// TopologyClass groups host primitive topologies for pipeline state.
//
// Only the class is pipeline state; the exact topology (list vs strip) is
// set at draw time.
type TopologyClass uint8

const (
	// TopologyClassPoint covers point lists.
	TopologyClassPoint TopologyClass = iota

	// TopologyClassLine covers line lists, strips and loops.
	TopologyClassLine

	// TopologyClassTriangle covers triangle lists, strips and fans.
	TopologyClassTriangle
)

// String returns the topology class name.
func (c TopologyClass) String() string {
	switch c {
	case TopologyClassPoint:
		return "Point"
	case TopologyClassLine:
		return "Line"
	case TopologyClassTriangle:
		return "Triangle"
	default:
		return "Unknown"
	}
}

// StripCutIndex selects the primitive restart index for strip topologies.
type StripCutIndex uint8

const (
	// StripCutDisabled draws without primitive restart.
	StripCutDisabled StripCutIndex = iota

	// StripCutUint16Max restarts strips at index 0xFFFF.
	StripCutUint16Max

	// StripCutUint32Max restarts strips at index 0xFFFFFFFF.
	StripCutUint32Max
)

// CullMode selects which triangle faces are discarded.
type CullMode uint8

const (
	// CullNone draws both faces.
	CullNone CullMode = iota

	// CullFront discards front faces.
	CullFront

	// CullBack discards back faces.
	CullBack
)

// CompareFunction is a depth or stencil comparison.
//
// The numeric order matches the guest register encoding so builder code can
// convert register fields directly.
type CompareFunction uint8

const (
	CompareNever CompareFunction = iota
	CompareLess
	CompareEqual
	CompareLessEqual
	CompareGreater
	CompareNotEqual
	CompareGreaterEqual
	CompareAlways
)

// StencilOp is a stencil buffer update operation, in guest register order.
type StencilOp uint8

const (
	StencilOpKeep StencilOp = iota
	StencilOpZero
	StencilOpReplace
	StencilOpIncrementClamp
	StencilOpDecrementClamp
	StencilOpInvert
	StencilOpIncrementWrap
	StencilOpDecrementWrap
)

// stencilOpCount is the number of valid StencilOp values.
const stencilOpCount = 8

// BlendFactor is a host blend factor.
//
// The set matches what guest blend control registers can select, including
// the saturated source alpha factor.
type BlendFactor uint8

const (
	BlendZero BlendFactor = iota
	BlendOne
	BlendSrc
	BlendOneMinusSrc
	BlendSrcAlpha
	BlendOneMinusSrcAlpha
	BlendDst
	BlendOneMinusDst
	BlendDstAlpha
	BlendOneMinusDstAlpha
	BlendConstant
	BlendOneMinusConstant
	BlendSrcAlphaSaturated
)

// blendFactorCount is the number of valid BlendFactor values.
const blendFactorCount = 13

// BlendOp is a host blend equation, in guest register order.
type BlendOp uint8

const (
	BlendOpAdd BlendOp = iota
	BlendOpSubtract
	BlendOpMin
	BlendOpMax
	BlendOpReverseSubtract
)

// blendOpCount is the number of valid BlendOp values.
const blendOpCount = 5

// DepthFormat is the host depth/stencil attachment format.
type DepthFormat uint8

const (
	// DepthFormatNone means no depth/stencil attachment.
	DepthFormatNone DepthFormat = iota

	// DepthFormat24PlusStencil8 backs the guest 24-bit unorm depth format.
	DepthFormat24PlusStencil8

	// DepthFormat32FloatStencil8 backs the guest 20e4 float depth format.
	DepthFormat32FloatStencil8
)

// ColorFormat is the host color attachment format for a render target.
type ColorFormat uint8

const (
	ColorFormatRGBA8Unorm ColorFormat = iota
	ColorFormatBGRA8Unorm
	ColorFormatRGB10A2Unorm
	ColorFormatRG16Float
	ColorFormatRGBA16Float
	ColorFormatR32Float
	ColorFormatRG32Float
	ColorFormatRGBA32Float
)

// colorFormatCount is the number of valid ColorFormat values.
const colorFormatCount = 8

// StencilFaceState describes stencil behavior for one triangle face.
type StencilFaceState struct {
	// Compare is the stencil test function.
	Compare CompareFunction

	// FailOp runs when the stencil test fails.
	FailOp StencilOp

	// DepthFailOp runs when the stencil test passes but the depth test
	// fails.
	DepthFailOp StencilOp

	// PassOp runs when both tests pass.
	PassOp StencilOp
}

// RenderTargetState describes one color target slot.
//
// Slots are filled from index 0; the first unused slot ends the list and
// everything after it stays zero so equal state always encodes to equal
// bytes.
type RenderTargetState struct {
	// Used marks the slot as bound.
	Used bool

	// Format is the host attachment format.
	Format ColorFormat

	// WriteMask is the RGBA write mask in the low four bits.
	WriteMask uint8

	// SrcBlend and DstBlend are the color blend factors.
	SrcBlend BlendFactor
	DstBlend BlendFactor

	// BlendOp combines the weighted source and destination colors.
	BlendOp BlendOp

	// SrcBlendAlpha and DstBlendAlpha are the alpha blend factors.
	SrcBlendAlpha BlendFactor
	DstBlendAlpha BlendFactor

	// BlendOpAlpha combines the weighted source and destination alpha.
	BlendOpAlpha BlendOp
}

// BlendDisabled reports whether the slot carries the canonical no-blend
// state: straight source-over-nothing with add. Backends map this to
// blending turned off rather than an actual one/zero blend.
func (rt *RenderTargetState) BlendDisabled() bool {
	return rt.SrcBlend == BlendOne && rt.DstBlend == BlendZero &&
		rt.BlendOp == BlendOpAdd &&
		rt.SrcBlendAlpha == BlendOne && rt.DstBlendAlpha == BlendZero &&
		rt.BlendOpAlpha == BlendOpAdd
}

// PipelineDescription is the complete, canonical key of a render pipeline.
//
// Two descriptions compare equal exactly when they encode to the same
// bytes, so the builder must always produce canonical values: unused
// fields are zero (or the documented neutral value) regardless of what the
// guest registers contained. The description carries no pointers and no
// host object handles, which is what makes it storable.
type PipelineDescription struct {
	// VertexShaderHash identifies the vertex shader microcode.
	VertexShaderHash uint64

	// VertexShaderModification selects the vertex translation variant.
	VertexShaderModification uint64

	// FragmentShaderHash identifies the fragment shader microcode.
	// Zero means a depth-only pipeline with no fragment stage.
	FragmentShaderHash uint64

	// FragmentShaderModification selects the fragment translation variant.
	FragmentShaderModification uint64

	// DepthBias is the constant depth bias in host units.
	DepthBias int32

	// DepthBiasSlope is the slope-scaled depth bias.
	DepthBiasSlope float32

	// VertexStageMode is how the vertex stage sources primitives.
	VertexStageMode VertexStageMode

	// PrimitiveExpansion is the host-side primitive expansion, if any.
	// Only meaningful in standard vertex stage mode.
	PrimitiveExpansion PrimitiveExpansion

	// TopologyOrTessellation is a TopologyClass byte in standard vertex
	// stage mode, and a TessellationMode byte in the domain modes.
	TopologyOrTessellation uint8

	// StripCut is the primitive restart index selection.
	StripCut StripCutIndex

	// FrontCounterClockwise marks counter-clockwise winding as front.
	FrontCounterClockwise bool

	// CullMode selects face culling.
	CullMode CullMode

	// FillModeWireframe draws polygons as lines.
	FillModeWireframe bool

	// DepthClip enables depth clipping (disabled for some guest modes).
	DepthClip bool

	// ForceEarlyZ forces early depth testing for the fragment stage.
	ForceEarlyZ bool

	// SampleCount is the host sample count (1, 2 or 4).
	SampleCount uint8

	// DepthFormat is the depth/stencil attachment format, or
	// DepthFormatNone when depth and stencil are unused.
	DepthFormat DepthFormat

	// DepthCompare is the depth test function. CompareAlways when the
	// depth test is disabled.
	DepthCompare CompareFunction

	// DepthWrite enables depth buffer writes.
	DepthWrite bool

	// StencilEnable enables the stencil test.
	StencilEnable bool

	// StencilReadMask and StencilWriteMask mask stencil reads and writes.
	StencilReadMask  uint8
	StencilWriteMask uint8

	// StencilFront and StencilBack are the per-face stencil states.
	StencilFront StencilFaceState
	StencilBack  StencilFaceState

	// RenderTargets are the color target slots, filled from index 0.
	RenderTargets [maxRenderTargets]RenderTargetState
}

// TopologyClass returns the host topology class. The second result is
// false in the tessellation domain modes, where the byte carries the
// tessellation mode instead.
func (d *PipelineDescription) TopologyClass() (TopologyClass, bool) {
	if d.VertexStageMode.Tessellated() {
		return 0, false
	}
	return TopologyClass(d.TopologyOrTessellation), true
}

// TessellationMode returns the guest tessellation mode. The second result
// is false in standard vertex stage mode.
func (d *PipelineDescription) TessellationMode() (TessellationMode, bool) {
	if !d.VertexStageMode.Tessellated() {
		return 0, false
	}
	return TessellationMode(d.TopologyOrTessellation), true
}

// ColorTargetCount returns the number of bound color target slots.
func (d *PipelineDescription) ColorTargetCount() int {
	for i := range d.RenderTargets {
		if !d.RenderTargets[i].Used {
			return i
		}
	}
	return maxRenderTargets
}

// =============================================================================
// Encoding
// =============================================================================

func putBool(b []byte, off int, v bool) {
	if v {
		b[off] = 1
	} else {
		b[off] = 0
	}
}

// Encode serializes the description to its canonical byte form.
func (d *PipelineDescription) Encode() [DescriptionSize]byte {
	var b [DescriptionSize]byte

	binary.LittleEndian.PutUint64(b[0:], d.VertexShaderHash)
	binary.LittleEndian.PutUint64(b[8:], d.VertexShaderModification)
	binary.LittleEndian.PutUint64(b[16:], d.FragmentShaderHash)
	binary.LittleEndian.PutUint64(b[24:], d.FragmentShaderModification)
	binary.LittleEndian.PutUint32(b[32:], uint32(d.DepthBias))
	binary.LittleEndian.PutUint32(b[36:], math.Float32bits(d.DepthBiasSlope))

	b[40] = uint8(d.VertexStageMode)
	b[41] = uint8(d.PrimitiveExpansion)
	b[42] = d.TopologyOrTessellation
	b[43] = uint8(d.StripCut)
	putBool(b[:], 44, d.FrontCounterClockwise)
	b[45] = uint8(d.CullMode)
	putBool(b[:], 46, d.FillModeWireframe)
	putBool(b[:], 47, d.DepthClip)
	putBool(b[:], 48, d.ForceEarlyZ)
	b[49] = d.SampleCount
	b[50] = uint8(d.DepthFormat)
	b[51] = uint8(d.DepthCompare)
	putBool(b[:], 52, d.DepthWrite)
	putBool(b[:], 53, d.StencilEnable)
	b[54] = d.StencilReadMask
	b[55] = d.StencilWriteMask
	b[56] = uint8(d.StencilFront.Compare)
	b[57] = uint8(d.StencilFront.FailOp)
	b[58] = uint8(d.StencilFront.DepthFailOp)
	b[59] = uint8(d.StencilFront.PassOp)
	b[60] = uint8(d.StencilBack.Compare)
	b[61] = uint8(d.StencilBack.FailOp)
	b[62] = uint8(d.StencilBack.DepthFailOp)
	b[63] = uint8(d.StencilBack.PassOp)

	for i := range d.RenderTargets {
		rt := &d.RenderTargets[i]
		off := 64 + i*9
		putBool(b[:], off, rt.Used)
		b[off+1] = uint8(rt.Format)
		b[off+2] = rt.WriteMask
		b[off+3] = uint8(rt.SrcBlend)
		b[off+4] = uint8(rt.DstBlend)
		b[off+5] = uint8(rt.BlendOp)
		b[off+6] = uint8(rt.SrcBlendAlpha)
		b[off+7] = uint8(rt.DstBlendAlpha)
		b[off+8] = uint8(rt.BlendOpAlpha)
	}

	return b
}

// Hash returns the content hash of the canonical encoding. This is the
// cache and storage key for the description.
func (d *PipelineDescription) Hash() uint64 {
	b := d.Encode()
	return hashBytes(b[:])
}

// decodeBool rejects anything but the canonical 0 and 1 so that decoding
// and re-encoding always reproduces the input bytes.
func decodeBool(b byte, field string) (bool, error) {
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("pipeline description: %s byte %#x is not a bool", field, b)
	}
}

func decodeEnum(b byte, count uint8, field string) (uint8, error) {
	if b >= count {
		return 0, fmt.Errorf("pipeline description: %s value %d out of range", field, b)
	}
	return b, nil
}

// DecodeDescription parses a canonical description encoding.
//
// The decoder is strict: every enum must be in range, every bool must be
// 0 or 1, and color target slots after the first unused one must be all
// zero. Anything else is treated as corruption by storage replay.
func DecodeDescription(b []byte) (PipelineDescription, error) {
	var d PipelineDescription
	if len(b) != DescriptionSize {
		return d, fmt.Errorf("pipeline description: got %d bytes, want %d", len(b), DescriptionSize)
	}

	d.VertexShaderHash = binary.LittleEndian.Uint64(b[0:])
	d.VertexShaderModification = binary.LittleEndian.Uint64(b[8:])
	d.FragmentShaderHash = binary.LittleEndian.Uint64(b[16:])
	d.FragmentShaderModification = binary.LittleEndian.Uint64(b[24:])
	d.DepthBias = int32(binary.LittleEndian.Uint32(b[32:]))
	d.DepthBiasSlope = math.Float32frombits(binary.LittleEndian.Uint32(b[36:]))

	v, err := decodeEnum(b[40], vertexStageModeCount, "vertex stage mode")
	if err != nil {
		return d, err
	}
	d.VertexStageMode = VertexStageMode(v)

	if v, err = decodeEnum(b[41], expansionCount, "primitive expansion"); err != nil {
		return d, err
	}
	d.PrimitiveExpansion = PrimitiveExpansion(v)

	// Topology class and tessellation mode both have three values.
	if v, err = decodeEnum(b[42], 3, "topology"); err != nil {
		return d, err
	}
	d.TopologyOrTessellation = v

	if v, err = decodeEnum(b[43], 3, "strip cut"); err != nil {
		return d, err
	}
	d.StripCut = StripCutIndex(v)

	if d.FrontCounterClockwise, err = decodeBool(b[44], "front winding"); err != nil {
		return d, err
	}

	if v, err = decodeEnum(b[45], 3, "cull mode"); err != nil {
		return d, err
	}
	d.CullMode = CullMode(v)

	if d.FillModeWireframe, err = decodeBool(b[46], "fill mode"); err != nil {
		return d, err
	}
	if d.DepthClip, err = decodeBool(b[47], "depth clip"); err != nil {
		return d, err
	}
	if d.ForceEarlyZ, err = decodeBool(b[48], "force early z"); err != nil {
		return d, err
	}

	d.SampleCount = b[49]
	switch d.SampleCount {
	case 1, 2, 4:
	default:
		return d, fmt.Errorf("pipeline description: sample count %d invalid", d.SampleCount)
	}

	if v, err = decodeEnum(b[50], 3, "depth format"); err != nil {
		return d, err
	}
	d.DepthFormat = DepthFormat(v)

	if v, err = decodeEnum(b[51], 8, "depth compare"); err != nil {
		return d, err
	}
	d.DepthCompare = CompareFunction(v)

	if d.DepthWrite, err = decodeBool(b[52], "depth write"); err != nil {
		return d, err
	}
	if d.StencilEnable, err = decodeBool(b[53], "stencil enable"); err != nil {
		return d, err
	}
	d.StencilReadMask = b[54]
	d.StencilWriteMask = b[55]

	if d.StencilFront, err = decodeStencilFace(b[56:60], "front stencil"); err != nil {
		return d, err
	}
	if d.StencilBack, err = decodeStencilFace(b[60:64], "back stencil"); err != nil {
		return d, err
	}

	seenUnused := false
	for i := range d.RenderTargets {
		rt := &d.RenderTargets[i]
		off := 64 + i*9
		if rt.Used, err = decodeBool(b[off], "render target used"); err != nil {
			return d, err
		}
		if seenUnused && rt.Used {
			return d, fmt.Errorf("pipeline description: render target %d bound after an unbound slot", i)
		}
		if !rt.Used {
			seenUnused = true
			for j := 1; j < 9; j++ {
				if b[off+j] != 0 {
					return d, fmt.Errorf("pipeline description: unbound render target %d has nonzero state", i)
				}
			}
			continue
		}
		if v, err = decodeEnum(b[off+1], colorFormatCount, "render target format"); err != nil {
			return d, err
		}
		rt.Format = ColorFormat(v)
		if b[off+2] > 0xF {
			return d, fmt.Errorf("pipeline description: render target %d write mask %#x out of range", i, b[off+2])
		}
		rt.WriteMask = b[off+2]
		if v, err = decodeEnum(b[off+3], blendFactorCount, "source blend"); err != nil {
			return d, err
		}
		rt.SrcBlend = BlendFactor(v)
		if v, err = decodeEnum(b[off+4], blendFactorCount, "destination blend"); err != nil {
			return d, err
		}
		rt.DstBlend = BlendFactor(v)
		if v, err = decodeEnum(b[off+5], blendOpCount, "blend op"); err != nil {
			return d, err
		}
		rt.BlendOp = BlendOp(v)
		if v, err = decodeEnum(b[off+6], blendFactorCount, "source alpha blend"); err != nil {
			return d, err
		}
		rt.SrcBlendAlpha = BlendFactor(v)
		if v, err = decodeEnum(b[off+7], blendFactorCount, "destination alpha blend"); err != nil {
			return d, err
		}
		rt.DstBlendAlpha = BlendFactor(v)
		if v, err = decodeEnum(b[off+8], blendOpCount, "alpha blend op"); err != nil {
			return d, err
		}
		rt.BlendOpAlpha = BlendOp(v)
	}

	return d, nil
}

func decodeStencilFace(b []byte, field string) (StencilFaceState, error) {
	var f StencilFaceState
	v, err := decodeEnum(b[0], 8, field+" compare")
	if err != nil {
		return f, err
	}
	f.Compare = CompareFunction(v)
	if v, err = decodeEnum(b[1], stencilOpCount, field+" fail op"); err != nil {
		return f, err
	}
	f.FailOp = StencilOp(v)
	if v, err = decodeEnum(b[2], stencilOpCount, field+" depth fail op"); err != nil {
		return f, err
	}
	f.DepthFailOp = StencilOp(v)
	if v, err = decodeEnum(b[3], stencilOpCount, field+" pass op"); err != nil {
		return f, err
	}
	f.PassOp = StencilOp(v)
	return f, nil
}

// =============================================================================
// Hashing
// =============================================================================

// hashBytes computes the FNV-1a hash of a byte slice.
func hashBytes(data []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64()
}

// hashDwords computes the FNV-1a hash of microcode dwords in their
// little-endian byte order, so the hash matches the stored byte stream.
func hashDwords(dwords []uint32) uint64 {
	h := fnv.New64a()
	for _, w := range dwords {
		hashWriteUint32(h, w)
	}
	return h.Sum64()
}

// HashShader returns the content hash of guest shader microcode. It is
// the hash Shader.Hash reports and the one stored in shader log
// records, exposed for tools that verify stores offline.
func HashShader(dwords []uint32) uint64 {
	return hashDwords(dwords)
}

// hashWriteUint32 writes a uint32 to the hash.
func hashWriteUint32(h hash.Hash64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, _ = h.Write(buf[:])
}
