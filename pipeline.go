package pipecache

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrCreationFailed marks a pipeline the backend could not create. Like
// translation failures, creation failures are final for the session: the
// pipeline entry stays in the cache as failed and is never retried.
var ErrCreationFailed = errors.New("pipecache: pipeline creation failed")

// Pipeline creation states. The object field is written before the state
// word, so a reader that observes pipelineReady can use the object
// without further synchronization.
const (
	pipelinePending uint32 = iota
	pipelineReady
	pipelineFailed
)

// Pipeline is one cached pipeline entry. Entries are created by
// ConfigurePipeline and transition from pending to ready or failed
// exactly once, on whichever goroutine runs the backend creation.
type Pipeline struct {
	description PipelineDescription
	hash        uint64

	// encoded is the description's canonical byte form, the exact
	// compare key for bucket scans and the payload persisted to the
	// pipeline log.
	encoded [DescriptionSize]byte

	vertex   *Shader
	fragment *Shader

	layoutUID    uint32
	layoutHandle LayoutHandle

	label string

	state  atomic.Uint32
	object PipelineObject
}

func newPipeline(desc PipelineDescription, hash uint64, vertex, fragment *Shader, layoutUID uint32, layoutHandle LayoutHandle) *Pipeline {
	return &Pipeline{
		description:  desc,
		hash:         hash,
		encoded:      desc.Encode(),
		vertex:       vertex,
		fragment:     fragment,
		layoutUID:    layoutUID,
		layoutHandle: layoutHandle,
		label:        fmt.Sprintf("pipeline_%016x", hash),
	}
}

// Description returns the canonical pipeline state.
func (p *Pipeline) Description() PipelineDescription {
	return p.description
}

// Hash returns the description content hash.
func (p *Pipeline) Hash() uint64 {
	return p.hash
}

// LayoutUID returns the interned layout uid the pipeline was built with.
func (p *Pipeline) LayoutUID() uint32 {
	return p.layoutUID
}

// VertexShader returns the pipeline's vertex shader.
func (p *Pipeline) VertexShader() *Shader {
	return p.vertex
}

// FragmentShader returns the pipeline's fragment shader, or nil for a
// depth-only pipeline.
func (p *Pipeline) FragmentShader() *Shader {
	return p.fragment
}

// Ready reports whether the backend object has been created.
func (p *Pipeline) Ready() bool {
	return p.state.Load() == pipelineReady
}

// Failed reports whether backend creation failed.
func (p *Pipeline) Failed() bool {
	return p.state.Load() == pipelineFailed
}

// Object returns the backend pipeline object once creation has finished.
// The second result is false while the pipeline is still pending or after
// creation failed.
func (p *Pipeline) Object() (PipelineObject, bool) {
	if p.state.Load() != pipelineReady {
		return nil, false
	}
	return p.object, true
}

// runtimeDescription assembles the backend creation request. Only valid
// once both shaders are translated for the description's modifications;
// the fetched modules are immutable, so this is safe on any goroutine.
func (p *Pipeline) runtimeDescription() *RuntimeDescription {
	rd := &RuntimeDescription{
		Description: p.description,
		Vertex:      p.vertex.Compiled(p.description.VertexShaderModification),
		Layout:      p.layoutHandle,
		Label:       p.label,
	}
	if p.fragment != nil {
		rd.Fragment = p.fragment.Compiled(p.description.FragmentShaderModification)
	}
	return rd
}

// create runs the backend creation and publishes the result. Returns
// true on success.
func (p *Pipeline) create(backend Backend) bool {
	obj, err := backend.CreateRenderPipeline(p.runtimeDescription())
	if err != nil {
		p.state.Store(pipelineFailed)
		Logger().Error("pipeline creation failed",
			"hash", fmt.Sprintf("%016x", p.hash),
			"error", err)
		return false
	}
	p.object = obj
	p.state.Store(pipelineReady)
	return true
}

// release frees the backend object, if any, and resets the entry so a
// later replay cannot observe a stale object. Only called with creation
// drained.
func (p *Pipeline) release(backend Backend) {
	if p.state.Load() == pipelineReady && p.object != nil {
		backend.ReleasePipeline(p.object)
	}
	p.object = nil
	p.state.Store(pipelinePending)
}
