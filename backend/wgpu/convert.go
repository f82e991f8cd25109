package wgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/pipecache"
)

// renderPipelineDescriptor assembles the HAL descriptor for one cached
// pipeline.
//
// Guest vertex data is fetched from storage buffers by the translated
// shaders, so VertexState carries no fixed-function buffer layouts.
// Wireframe fill has no mapping on this surface and is ignored; hosts
// that need it draw the line geometry themselves.
func renderPipelineDescriptor(desc *pipecache.RuntimeDescription, layout hal.PipelineLayout, vertex, fragment hal.ShaderModule) (*hal.RenderPipelineDescriptor, error) {
	d := &desc.Description

	topology, err := primitiveTopology(d)
	if err != nil {
		return nil, err
	}

	halDesc := &hal.RenderPipelineDescriptor{
		Label:  desc.Label,
		Layout: layout,
		Vertex: hal.VertexState{
			Module:     vertex,
			EntryPoint: desc.Vertex.EntryPoint,
		},
		Primitive: gputypes.PrimitiveState{
			Topology:       topology,
			FrontFace:      frontFace(d.FrontCounterClockwise),
			CullMode:       cullMode(d.CullMode),
			UnclippedDepth: !d.DepthClip,
		},
		Multisample: gputypes.MultisampleState{
			Count: uint32(d.SampleCount),
			Mask:  0xFFFFFFFF,
		},
	}

	if d.DepthFormat != pipecache.DepthFormatNone {
		halDesc.DepthStencil = depthStencilState(d)
	}

	if fragment != nil {
		halDesc.Fragment = &hal.FragmentState{
			Module:     fragment,
			EntryPoint: desc.Fragment.EntryPoint,
			Targets:    colorTargets(d),
		}
	}
	return halDesc, nil
}

// primitiveTopology maps the description's topology class to a list
// topology. Strip draws use list expansion on this surface, so the strip
// cut index never reaches the pipeline state.
func primitiveTopology(d *pipecache.PipelineDescription) (gputypes.PrimitiveTopology, error) {
	if class, ok := d.TopologyClass(); ok {
		switch class {
		case pipecache.TopologyClassPoint:
			return gputypes.PrimitiveTopologyPointList, nil
		case pipecache.TopologyClassLine:
			return gputypes.PrimitiveTopologyLineList, nil
		case pipecache.TopologyClassTriangle:
			return gputypes.PrimitiveTopologyTriangleList, nil
		}
		return 0, fmt.Errorf("wgpu: unsupported topology class %d", class)
	}
	// Tessellation domains emit triangles from the expanded vertex stage.
	return gputypes.PrimitiveTopologyTriangleList, nil
}

func frontFace(counterClockwise bool) gputypes.FrontFace {
	if counterClockwise {
		return gputypes.FrontFaceCCW
	}
	return gputypes.FrontFaceCW
}

func cullMode(mode pipecache.CullMode) gputypes.CullMode {
	switch mode {
	case pipecache.CullFront:
		return gputypes.CullModeFront
	case pipecache.CullBack:
		return gputypes.CullModeBack
	default:
		return gputypes.CullModeNone
	}
}

func depthStencilState(d *pipecache.PipelineDescription) *hal.DepthStencilState {
	state := &hal.DepthStencilState{
		Format:              depthFormat(d.DepthFormat),
		DepthWriteEnabled:   d.DepthWrite,
		DepthCompare:        compareFunction(d.DepthCompare),
		DepthBias:           d.DepthBias,
		DepthBiasSlopeScale: d.DepthBiasSlope,
	}
	if d.StencilEnable {
		state.StencilFront = stencilFace(d.StencilFront)
		state.StencilBack = stencilFace(d.StencilBack)
		state.StencilReadMask = uint32(d.StencilReadMask)
		state.StencilWriteMask = uint32(d.StencilWriteMask)
	} else {
		// Always/Keep faces with open masks is the state wgpu treats as
		// stencil-off.
		inert := hal.StencilFaceState{
			Compare:     gputypes.CompareFunctionAlways,
			FailOp:      hal.StencilOperationKeep,
			DepthFailOp: hal.StencilOperationKeep,
			PassOp:      hal.StencilOperationKeep,
		}
		state.StencilFront = inert
		state.StencilBack = inert
		state.StencilReadMask = 0xFF
		state.StencilWriteMask = 0xFF
	}
	return state
}

func stencilFace(face pipecache.StencilFaceState) hal.StencilFaceState {
	return hal.StencilFaceState{
		Compare:     compareFunction(face.Compare),
		FailOp:      stencilOperation(face.FailOp),
		DepthFailOp: stencilOperation(face.DepthFailOp),
		PassOp:      stencilOperation(face.PassOp),
	}
}

func colorTargets(d *pipecache.PipelineDescription) []gputypes.ColorTargetState {
	n := d.ColorTargetCount()
	targets := make([]gputypes.ColorTargetState, n)
	for i := 0; i < n; i++ {
		rt := &d.RenderTargets[i]
		target := gputypes.ColorTargetState{
			Format:    colorFormat(rt.Format),
			WriteMask: colorWriteMask(rt.WriteMask),
		}
		if !rt.BlendDisabled() {
			target.Blend = &gputypes.BlendState{
				Color: gputypes.BlendComponent{
					SrcFactor: blendFactor(rt.SrcBlend),
					DstFactor: blendFactor(rt.DstBlend),
					Operation: blendOperation(rt.BlendOp),
				},
				Alpha: gputypes.BlendComponent{
					SrcFactor: blendFactor(rt.SrcBlendAlpha),
					DstFactor: blendFactor(rt.DstBlendAlpha),
					Operation: blendOperation(rt.BlendOpAlpha),
				},
			}
		}
		targets[i] = target
	}
	return targets
}

func colorWriteMask(mask uint8) gputypes.ColorWriteMask {
	var m gputypes.ColorWriteMask
	if mask&0x1 != 0 {
		m |= gputypes.ColorWriteMaskRed
	}
	if mask&0x2 != 0 {
		m |= gputypes.ColorWriteMaskGreen
	}
	if mask&0x4 != 0 {
		m |= gputypes.ColorWriteMaskBlue
	}
	if mask&0x8 != 0 {
		m |= gputypes.ColorWriteMaskAlpha
	}
	return m
}

func compareFunction(f pipecache.CompareFunction) gputypes.CompareFunction {
	switch f {
	case pipecache.CompareNever:
		return gputypes.CompareFunctionNever
	case pipecache.CompareLess:
		return gputypes.CompareFunctionLess
	case pipecache.CompareEqual:
		return gputypes.CompareFunctionEqual
	case pipecache.CompareLessEqual:
		return gputypes.CompareFunctionLessEqual
	case pipecache.CompareGreater:
		return gputypes.CompareFunctionGreater
	case pipecache.CompareNotEqual:
		return gputypes.CompareFunctionNotEqual
	case pipecache.CompareGreaterEqual:
		return gputypes.CompareFunctionGreaterEqual
	default:
		return gputypes.CompareFunctionAlways
	}
}

func stencilOperation(op pipecache.StencilOp) hal.StencilOperation {
	switch op {
	case pipecache.StencilOpZero:
		return hal.StencilOperationZero
	case pipecache.StencilOpReplace:
		return hal.StencilOperationReplace
	case pipecache.StencilOpIncrementClamp:
		return hal.StencilOperationIncrementClamp
	case pipecache.StencilOpDecrementClamp:
		return hal.StencilOperationDecrementClamp
	case pipecache.StencilOpInvert:
		return hal.StencilOperationInvert
	case pipecache.StencilOpIncrementWrap:
		return hal.StencilOperationIncrementWrap
	case pipecache.StencilOpDecrementWrap:
		return hal.StencilOperationDecrementWrap
	default:
		return hal.StencilOperationKeep
	}
}

func blendFactor(f pipecache.BlendFactor) gputypes.BlendFactor {
	switch f {
	case pipecache.BlendOne:
		return gputypes.BlendFactorOne
	case pipecache.BlendSrc:
		return gputypes.BlendFactorSrc
	case pipecache.BlendOneMinusSrc:
		return gputypes.BlendFactorOneMinusSrc
	case pipecache.BlendSrcAlpha:
		return gputypes.BlendFactorSrcAlpha
	case pipecache.BlendOneMinusSrcAlpha:
		return gputypes.BlendFactorOneMinusSrcAlpha
	case pipecache.BlendDst:
		return gputypes.BlendFactorDst
	case pipecache.BlendOneMinusDst:
		return gputypes.BlendFactorOneMinusDst
	case pipecache.BlendDstAlpha:
		return gputypes.BlendFactorDstAlpha
	case pipecache.BlendOneMinusDstAlpha:
		return gputypes.BlendFactorOneMinusDstAlpha
	case pipecache.BlendConstant:
		return gputypes.BlendFactorConstant
	case pipecache.BlendOneMinusConstant:
		return gputypes.BlendFactorOneMinusConstant
	case pipecache.BlendSrcAlphaSaturated:
		return gputypes.BlendFactorSrcAlphaSaturated
	default:
		return gputypes.BlendFactorZero
	}
}

func blendOperation(op pipecache.BlendOp) gputypes.BlendOperation {
	switch op {
	case pipecache.BlendOpSubtract:
		return gputypes.BlendOperationSubtract
	case pipecache.BlendOpReverseSubtract:
		return gputypes.BlendOperationReverseSubtract
	case pipecache.BlendOpMin:
		return gputypes.BlendOperationMin
	case pipecache.BlendOpMax:
		return gputypes.BlendOperationMax
	default:
		return gputypes.BlendOperationAdd
	}
}

func colorFormat(f pipecache.ColorFormat) gputypes.TextureFormat {
	switch f {
	case pipecache.ColorFormatBGRA8Unorm:
		return gputypes.TextureFormatBGRA8Unorm
	case pipecache.ColorFormatRGB10A2Unorm:
		return gputypes.TextureFormatRGB10A2Unorm
	case pipecache.ColorFormatRG16Float:
		return gputypes.TextureFormatRG16Float
	case pipecache.ColorFormatRGBA16Float:
		return gputypes.TextureFormatRGBA16Float
	case pipecache.ColorFormatR32Float:
		return gputypes.TextureFormatR32Float
	case pipecache.ColorFormatRG32Float:
		return gputypes.TextureFormatRG32Float
	case pipecache.ColorFormatRGBA32Float:
		return gputypes.TextureFormatRGBA32Float
	default:
		return gputypes.TextureFormatRGBA8Unorm
	}
}

func depthFormat(f pipecache.DepthFormat) gputypes.TextureFormat {
	if f == pipecache.DepthFormat32FloatStencil8 {
		return gputypes.TextureFormatDepth32FloatStencil8
	}
	return gputypes.TextureFormatDepth24PlusStencil8
}
