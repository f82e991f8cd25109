package pipecache

// StageMask is a bitmask of pipeline stages a resource binding is visible
// to.
type StageMask uint8

const (
	// StageVertex marks visibility to the vertex stage.
	StageVertex StageMask = 1 << iota

	// StageFragment marks visibility to the fragment stage.
	StageFragment
)

// BindingKind classifies a shader resource binding.
type BindingKind uint8

const (
	// BindingUniformBuffer is a uniform buffer binding.
	BindingUniformBuffer BindingKind = iota

	// BindingStorageBuffer is a read-write storage buffer binding.
	BindingStorageBuffer

	// BindingTexture is a sampled texture binding.
	BindingTexture

	// BindingSampler is a sampler binding.
	BindingSampler
)

// String returns the binding kind name.
func (k BindingKind) String() string {
	switch k {
	case BindingUniformBuffer:
		return "UniformBuffer"
	case BindingStorageBuffer:
		return "StorageBuffer"
	case BindingTexture:
		return "Texture"
	case BindingSampler:
		return "Sampler"
	default:
		return "Unknown"
	}
}

// Binding describes one resource binding a translated shader declares.
//
// Bindings from the vertex and fragment shaders of a pipeline are merged
// into a single layout; a binding declared by both stages appears once
// with both stage bits set.
type Binding struct {
	// Group is the bind group index.
	Group uint32

	// Binding is the slot within the group.
	Binding uint32

	// Kind is the resource class bound at the slot.
	Kind BindingKind

	// Stages is the set of stages that access the binding.
	Stages StageMask
}

// CompiledShader is the product of translating guest microcode for one
// pipeline stage. It is immutable once published on a Shader.
type CompiledShader struct {
	// SPIRV is the translated shader in SPIR-V words.
	SPIRV []uint32

	// EntryPoint is the entry function name in the translated module.
	EntryPoint string

	// Bindings lists the resource bindings the module declares.
	Bindings []Binding
}

// Compiler translates guest shader microcode into a host shader module.
//
// Translate must be safe for concurrent use: storage replay runs
// translations on multiple goroutines.
type Compiler interface {
	// Translate translates microcode for the given stage. The
	// modification selects a host-side variant of the same microcode,
	// such as a tessellation domain entry. A non-nil error marks the
	// shader as permanently failed for this session.
	Translate(kind ShaderKind, modification uint64, dwords []uint32) (*CompiledShader, error)
}

// PipelineObject is an opaque backend handle to a created pipeline.
type PipelineObject any

// LayoutHandle is an opaque backend handle to a resolved pipeline layout.
type LayoutHandle any

// RuntimeDescription is everything a backend needs to create one
// pipeline. Unlike PipelineDescription it carries live references, so it
// is never stored.
type RuntimeDescription struct {
	// Description is the canonical pipeline state.
	Description PipelineDescription

	// Vertex is the translated vertex shader.
	Vertex *CompiledShader

	// Fragment is the translated fragment shader, or nil for a
	// depth-only pipeline.
	Fragment *CompiledShader

	// Layout is the resolved pipeline layout.
	Layout LayoutHandle

	// Label is a debug name derived from the description hash.
	Label string
}

// Backend creates and releases host pipeline state objects.
//
// CreateRenderPipeline is called from creation worker goroutines and must
// be safe for concurrent use. ResolveLayout and the release methods are
// only called with the cache's own locking in place, but implementations
// should not rely on that.
type Backend interface {
	// ResolveLayout maps a merged binding list to a pipeline layout.
	// The cache interns layouts, so equal binding lists resolve once.
	ResolveLayout(bindings []Binding) (LayoutHandle, error)

	// CreateRenderPipeline creates one pipeline state object. Creation
	// failures are final: the cache records the pipeline as failed and
	// will not retry it.
	CreateRenderPipeline(desc *RuntimeDescription) (PipelineObject, error)

	// ReleasePipeline frees a pipeline created by CreateRenderPipeline.
	ReleasePipeline(obj PipelineObject)

	// ReleaseLayout frees a layout resolved by ResolveLayout.
	ReleaseLayout(layout LayoutHandle)
}
