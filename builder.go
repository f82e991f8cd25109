package pipecache

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnsupportedState marks guest state the host cannot express as a
// pipeline, such as an unknown tessellation setup. Draws with such state
// are expected to be dropped by the caller.
var ErrUnsupportedState = errors.New("pipecache: guest state not supported")

// PrimitiveType is the guest primitive type of a draw.
type PrimitiveType uint8

const (
	PrimitivePointList PrimitiveType = iota
	PrimitiveLineList
	PrimitiveLineStrip
	PrimitiveLineLoop
	PrimitiveLineStrip2D
	PrimitiveTriangleList
	PrimitiveTriangleStrip
	PrimitiveTriangleFan
	PrimitiveRectangleList
	PrimitiveQuadList
	PrimitiveQuadStrip
	PrimitiveTrianglePatch
	PrimitiveQuadPatch
	PrimitiveLinePatch
)

// String returns the primitive type name.
func (t PrimitiveType) String() string {
	switch t {
	case PrimitivePointList:
		return "PointList"
	case PrimitiveLineList:
		return "LineList"
	case PrimitiveLineStrip:
		return "LineStrip"
	case PrimitiveLineLoop:
		return "LineLoop"
	case PrimitiveLineStrip2D:
		return "LineStrip2D"
	case PrimitiveTriangleList:
		return "TriangleList"
	case PrimitiveTriangleStrip:
		return "TriangleStrip"
	case PrimitiveTriangleFan:
		return "TriangleFan"
	case PrimitiveRectangleList:
		return "RectangleList"
	case PrimitiveQuadList:
		return "QuadList"
	case PrimitiveQuadStrip:
		return "QuadStrip"
	case PrimitiveTrianglePatch:
		return "TrianglePatch"
	case PrimitiveQuadPatch:
		return "QuadPatch"
	case PrimitiveLinePatch:
		return "LinePatch"
	default:
		return "Unknown"
	}
}

// IndexFormat is the guest index buffer element size.
type IndexFormat uint8

const (
	IndexFormatUint16 IndexFormat = iota
	IndexFormatUint32
)

// BlendControl is the raw per-target guest blend control state. The
// factor fields are 5-bit hardware selectors; the ops are already decoded
// equations.
type BlendControl struct {
	SrcFactor      uint8
	DstFactor      uint8
	Op             BlendOp
	SrcFactorAlpha uint8
	DstFactorAlpha uint8
	OpAlpha        BlendOp
}

// StateSnapshot is the decoded guest register state a pipeline depends
// on. The caller refreshes it from the register file before each
// ConfigurePipeline; the builder reads it without touching any external
// state, so building a description has no side effects.
type StateSnapshot struct {
	// MajorModeExplicit is the draw initiator major mode. Tessellation
	// state is ignored in implicit mode.
	MajorModeExplicit bool

	// TessellationEnabled is whether the output path selects the
	// tessellator.
	TessellationEnabled bool

	// TessellationMode is the tessellator partitioning mode.
	TessellationMode TessellationMode

	// MultiPrimIndexEnable enables primitive restart for strips.
	MultiPrimIndexEnable bool

	// FrontFaceClockwise is the winding bit: true when clockwise
	// triangles are front-facing.
	FrontFaceClockwise bool

	// CullFront and CullBack discard the respective faces.
	CullFront bool
	CullBack  bool

	// PolyModeEnabled enables the per-side polygon fill modes.
	PolyModeEnabled bool

	// FrontWireframe and BackWireframe request line or point fill for
	// the respective side.
	FrontWireframe bool
	BackWireframe  bool

	// Polygon offset enables and values per side. The para enable
	// applies to non-polygonal primitives.
	PolyOffsetFrontEnable bool
	PolyOffsetBackEnable  bool
	PolyOffsetParaEnable  bool
	PolyOffsetFront       float32
	PolyOffsetFrontScale  float32
	PolyOffsetBack        float32
	PolyOffsetBackScale   float32

	// DepthClipDisable disables depth clipping.
	DepthClipDisable bool

	// DepthFormat is the host format backing the guest depth buffer.
	// Never DepthFormatNone; whether it reaches the description depends
	// on the depth/stencil state actually using the buffer.
	DepthFormat DepthFormat

	// Depth test state.
	DepthTestEnable  bool
	DepthWriteEnable bool
	DepthCompare     CompareFunction

	// Stencil state. The backface enable selects independent back-face
	// ops; the per-face read/write masks exist in guest state but the
	// host supports only one pair, chosen by the culling state.
	StencilEnable         bool
	StencilBackfaceEnable bool
	StencilFront          StencilFaceState
	StencilBack           StencilFaceState
	StencilFrontReadMask  uint8
	StencilFrontWriteMask uint8
	StencilBackReadMask   uint8
	StencilBackWriteMask  uint8

	// ColorWriteMask holds one RGBA nibble per guest render target.
	ColorWriteMask uint32

	// BlendControls are the raw per-guest-target blend controls.
	BlendControls [4]BlendControl

	// MSAASamples is the guest surface sample count.
	MSAASamples uint8
}

// ColorTargetBinding is one bound color target of a draw.
type ColorTargetBinding struct {
	// Bound marks the slot as used. Slots are packed from index 0; the
	// first unbound slot ends the list.
	Bound bool

	// GuestIndex is the guest render target the slot maps to. Write
	// masks and blend controls are looked up by this index.
	GuestIndex uint8

	// Format is the resolved host format of the target.
	Format ColorFormat
}

// DrawParams are the per-draw inputs to ConfigurePipeline that do not
// live in the register snapshot.
type DrawParams struct {
	// PrimitiveType is the guest primitive type.
	PrimitiveType PrimitiveType

	// IndexFormat selects the strip-cut index when primitive restart is
	// enabled.
	IndexFormat IndexFormat

	// EarlyZ forces early depth/stencil in the fragment stage.
	EarlyZ bool

	// ColorTargets are the bound color targets, packed from index 0.
	ColorTargets [maxRenderTargets]ColorTargetBinding

	// DepthBound is whether a depth/stencil target is bound.
	DepthBound bool
}

// blendFactorMap converts 5-bit guest blend factor selectors to host
// factors. Selectors 17 and up are unknown and map to zero.
var blendFactorMap = [32]BlendFactor{
	0:  BlendZero,
	1:  BlendOne,
	2:  BlendZero,
	3:  BlendZero,
	4:  BlendSrc,
	5:  BlendOneMinusSrc,
	6:  BlendSrcAlpha,
	7:  BlendOneMinusSrcAlpha,
	8:  BlendDst,
	9:  BlendOneMinusDst,
	10: BlendDstAlpha,
	11: BlendOneMinusDstAlpha,
	12: BlendConstant,
	13: BlendOneMinusConstant,
	14: BlendConstant,
	15: BlendOneMinusConstant,
	16: BlendSrcAlphaSaturated,
}

// blendFactorAlphaMap is blendFactorMap with the color factors changed
// to their alpha counterparts, since the alpha channel of a host target
// cannot blend by color.
var blendFactorAlphaMap = [32]BlendFactor{
	0:  BlendZero,
	1:  BlendOne,
	2:  BlendZero,
	3:  BlendZero,
	4:  BlendSrcAlpha,
	5:  BlendOneMinusSrcAlpha,
	6:  BlendSrcAlpha,
	7:  BlendOneMinusSrcAlpha,
	8:  BlendDstAlpha,
	9:  BlendOneMinusDstAlpha,
	10: BlendDstAlpha,
	11: BlendOneMinusDstAlpha,
	12: BlendConstant,
	13: BlendOneMinusConstant,
	14: BlendConstant,
	15: BlendOneMinusConstant,
	16: BlendSrcAlphaSaturated,
}

// vertexStageModeForDraw derives the host vertex stage mode from the
// tessellation state. Changing what this returns invalidates stored
// shaders and pipelines, since the modification is part of both formats.
func vertexStageModeForDraw(snap *StateSnapshot, primitiveType PrimitiveType) (VertexStageMode, error) {
	if !snap.MajorModeExplicit {
		// Tessellation registers are ignored in implicit major mode.
		return VertexStageStandard, nil
	}
	if !snap.TessellationEnabled {
		return VertexStageStandard, nil
	}
	switch primitiveType {
	case PrimitiveTriangleList:
		// Discrete and continuous modes tessellate plain lists with
		// per-control-point indexing.
		if snap.TessellationMode == TessellationDiscrete || snap.TessellationMode == TessellationContinuous {
			return VertexStageTriangleDomainControlPoint, nil
		}
	case PrimitiveQuadList:
		if snap.TessellationMode == TessellationDiscrete || snap.TessellationMode == TessellationContinuous {
			return VertexStageQuadDomainControlPoint, nil
		}
	case PrimitiveTrianglePatch:
		return VertexStageTriangleDomainPatch, nil
	case PrimitiveQuadPatch:
		return VertexStageQuadDomainPatch, nil
	}
	return 0, fmt.Errorf("%w: tessellation mode %d with primitive %v",
		ErrUnsupportedState, snap.TessellationMode, primitiveType)
}

// isPolygonal reports whether a primitive type rasterizes as polygons,
// which decides whether culling, winding and per-side state apply.
// Rectangles are drawn through an expansion that ignores winding, so they
// are not polygonal here.
func isPolygonal(tessellated bool, t PrimitiveType) bool {
	if tessellated && (t == PrimitiveTrianglePatch || t == PrimitiveQuadPatch) {
		return true
	}
	switch t {
	case PrimitiveTriangleList, PrimitiveTriangleStrip, PrimitiveTriangleFan,
		PrimitiveQuadList, PrimitiveQuadStrip:
		return true
	default:
		return false
	}
}

// clampBlendOp keeps undefined guest equation values from reaching a
// description.
func clampBlendOp(op BlendOp) BlendOp {
	if op >= BlendOp(blendOpCount) {
		return BlendOpAdd
	}
	return op
}

// buildDescription converts the current guest state into a canonical
// pipeline description. It fails, producing no description, when the
// state demands something the host cannot express. The zero value of
// every field the state leaves unused is part of the canonical form.
func buildDescription(snap *StateSnapshot, draw *DrawParams, vertex, fragment *Shader) (PipelineDescription, error) {
	var d PipelineDescription

	if snap == nil || draw == nil {
		return d, errors.New("pipecache: nil draw state")
	}
	if vertex == nil {
		return d, errors.New("pipecache: nil vertex shader")
	}
	if vertex.Kind() != ShaderKindVertex {
		return d, fmt.Errorf("pipecache: %v shader in the vertex slot", vertex.Kind())
	}
	if fragment != nil && fragment.Kind() != ShaderKindFragment {
		return d, fmt.Errorf("pipecache: %v shader in the fragment slot", fragment.Kind())
	}

	stageMode, err := vertexStageModeForDraw(snap, draw.PrimitiveType)
	if err != nil {
		return d, err
	}

	d.VertexShaderHash = vertex.Hash()
	d.VertexShaderModification = uint64(stageMode)
	if fragment != nil {
		d.FragmentShaderHash = fragment.Hash()
		if draw.EarlyZ {
			d.FragmentShaderModification = 1
		}
	}

	// Strip cut index. 16-bit restart is not used with 32-bit indices
	// because the upper half would never match.
	if snap.MultiPrimIndexEnable {
		if draw.IndexFormat == IndexFormatUint32 {
			d.StripCut = StripCutUint32Max
		} else {
			d.StripCut = StripCutUint16Max
		}
	}

	d.VertexStageMode = stageMode
	if stageMode.Tessellated() {
		d.TopologyOrTessellation = uint8(snap.TessellationMode)
	} else {
		switch draw.PrimitiveType {
		case PrimitivePointList:
			d.TopologyOrTessellation = uint8(TopologyClassPoint)
		case PrimitiveLineList, PrimitiveLineStrip, PrimitiveLineLoop,
			PrimitiveLineStrip2D, PrimitiveQuadList:
			// Quads are expanded from four-vertex line primitives.
			d.TopologyOrTessellation = uint8(TopologyClassLine)
		default:
			d.TopologyOrTessellation = uint8(TopologyClassTriangle)
		}
		switch draw.PrimitiveType {
		case PrimitivePointList:
			d.PrimitiveExpansion = ExpansionPointList
		case PrimitiveRectangleList:
			d.PrimitiveExpansion = ExpansionRectangleList
		case PrimitiveQuadList:
			d.PrimitiveExpansion = ExpansionQuadList
		}
	}

	polygonal := isPolygonal(stageMode.Tessellated(), draw.PrimitiveType)

	// Rasterizer state. The host has no per-side fill mode or depth
	// bias, so the culling state decides which side's values win: the
	// surviving side's, preferring the front when neither is culled.
	var cullFront, cullBack bool
	var polyOffset, polyOffsetScale float32
	if polygonal {
		d.FrontCounterClockwise = !snap.FrontFaceClockwise
		cullFront = snap.CullFront
		cullBack = snap.CullBack
		switch {
		case cullFront:
			d.CullMode = CullFront
		case cullBack:
			d.CullMode = CullBack
		default:
			d.CullMode = CullNone
		}
		if !cullFront {
			if snap.FrontWireframe {
				d.FillModeWireframe = true
			}
			if snap.PolyOffsetFrontEnable {
				polyOffset = snap.PolyOffsetFront
				polyOffsetScale = snap.PolyOffsetFrontScale
			}
		}
		if !cullBack {
			if snap.BackWireframe {
				d.FillModeWireframe = true
			}
			// Front bias wins when both sides carry one; front faces
			// are the ones normally rendered.
			if snap.PolyOffsetBackEnable && polyOffset == 0 && polyOffsetScale == 0 {
				polyOffset = snap.PolyOffsetBack
				polyOffsetScale = snap.PolyOffsetBackScale
			}
		}
		if !snap.PolyModeEnabled {
			d.FillModeWireframe = false
		}
	} else if snap.PolyOffsetParaEnable {
		polyOffset = snap.PolyOffsetFront
		polyOffsetScale = snap.PolyOffsetFrontScale
	}

	// The guest offset is an absolute depth value; the host takes it in
	// units of the depth buffer's significand resolution. Rounding away
	// from zero so a small intended offset never vanishes entirely.
	if polyOffset != 0 || polyOffsetScale != 0 {
		exp := 23
		if snap.DepthFormat == DepthFormat32FloatStencil8 {
			exp = 19
		}
		scaled := float64(polyOffset) * float64(int32(1)<<uint(exp))
		bias := int32(math.Ceil(math.Abs(scaled)))
		if scaled < 0 {
			bias = -bias
		}
		d.DepthBias = bias
		d.DepthBiasSlope = polyOffsetScale * (1.0 / 16.0)
	}

	d.DepthClip = !snap.DepthClipDisable

	// Depth/stencil state only reaches the description while a
	// depth/stencil target is bound. No stencil, a depth test that
	// always passes and no depth writes mean depth is disabled.
	if draw.DepthBound {
		if snap.DepthTestEnable {
			d.DepthCompare = snap.DepthCompare
			d.DepthWrite = snap.DepthWriteEnable
		} else {
			d.DepthCompare = CompareAlways
		}
		if snap.StencilEnable {
			d.StencilEnable = true
			backface := polygonal && snap.StencilBackfaceEnable
			// The host has one read/write mask pair for both faces.
			// Use the back-face masks only when front faces are
			// culled, so the drawn faces get their own masks.
			if backface && cullFront {
				d.StencilReadMask = snap.StencilBackReadMask
				d.StencilWriteMask = snap.StencilBackWriteMask
			} else {
				d.StencilReadMask = snap.StencilFrontReadMask
				d.StencilWriteMask = snap.StencilFrontWriteMask
			}
			d.StencilFront = snap.StencilFront
			if backface {
				d.StencilBack = snap.StencilBack
			} else {
				d.StencilBack = snap.StencilFront
			}
		}
		// A target bound but never tested, written or stenciled keeps
		// the format out of the description so such draws share
		// pipelines across depth formats.
		if d.DepthCompare != CompareAlways || d.DepthWrite || d.StencilEnable {
			d.DepthFormat = snap.DepthFormat
		}
	} else {
		d.DepthCompare = CompareAlways
	}

	if draw.EarlyZ {
		d.ForceEarlyZ = true
	}

	switch snap.MSAASamples {
	case 1, 2, 4:
		d.SampleCount = snap.MSAASamples
	default:
		d.SampleCount = 1
	}

	// Color targets, packed until the first unbound slot. A bound
	// target the fragment shader never writes stays in the description
	// with a zero write mask, since the attachment format is still
	// pipeline state.
	for i := range draw.ColorTargets {
		ct := &draw.ColorTargets[i]
		if !ct.Bound {
			break
		}
		rt := &d.RenderTargets[i]
		rt.Used = true
		rt.Format = ct.Format

		guest := ct.GuestIndex & 3
		mask := uint8(snap.ColorWriteMask>>(guest*4)) & 0xF
		if fragment == nil || !fragment.writesColorTarget(int(guest)) {
			mask = 0
		}
		rt.WriteMask = mask

		if mask != 0 {
			ctrl := &snap.BlendControls[guest]
			rt.SrcBlend = blendFactorMap[ctrl.SrcFactor&0x1F]
			rt.DstBlend = blendFactorMap[ctrl.DstFactor&0x1F]
			rt.BlendOp = clampBlendOp(ctrl.Op)
			rt.SrcBlendAlpha = blendFactorAlphaMap[ctrl.SrcFactorAlpha&0x1F]
			rt.DstBlendAlpha = blendFactorAlphaMap[ctrl.DstFactorAlpha&0x1F]
			rt.BlendOpAlpha = clampBlendOp(ctrl.OpAlpha)
		} else {
			rt.SrcBlend = BlendOne
			rt.DstBlend = BlendZero
			rt.BlendOp = BlendOpAdd
			rt.SrcBlendAlpha = BlendOne
			rt.DstBlendAlpha = BlendZero
			rt.BlendOpAlpha = BlendOpAdd
		}
	}

	return d, nil
}
