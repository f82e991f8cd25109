// Package wgpu adapts a wgpu HAL device to the pipecache Backend
// contract.
//
// The adapter does not own the device. The host application creates it
// and hands it over through its gpucontext.DeviceProvider, the same way
// other gogpu renderers receive theirs. Pipelines, layouts and shader
// modules created here are released through the Destroy verbs of the
// same device.
package wgpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gogpu/pipecache"
)

// moduleCacheSize bounds the shader module cache. Pipelines hold their
// own references inside wgpu, so evicting a module only releases the
// standalone handle.
const moduleCacheSize = 256

// Backend creates render pipelines on a wgpu HAL device.
type Backend struct {
	device  hal.Device
	modules *lru.Cache[*pipecache.CompiledShader, hal.ShaderModule]
}

var _ pipecache.Backend = (*Backend)(nil)

// New creates a Backend over the HAL device owned by the host
// application. The provider must expose the underlying HAL objects the
// way gogpu's context does, through a HalDevice() accessor.
func New(provider gpucontext.DeviceProvider) (*Backend, error) {
	hp, ok := provider.(interface{ HalDevice() any })
	if !ok {
		return nil, errors.New("wgpu: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, errors.New("wgpu: provider HalDevice is not hal.Device")
	}
	return FromDevice(device), nil
}

// FromDevice creates a Backend over an already-extracted HAL device.
func FromDevice(device hal.Device) *Backend {
	b := &Backend{device: device}
	b.modules, _ = lru.NewWithEvict[*pipecache.CompiledShader, hal.ShaderModule](
		moduleCacheSize, b.destroyModuleOnEviction)
	return b
}

// Close releases every cached shader module. Pipelines and layouts are
// released individually by the cache that created them.
func (b *Backend) Close() {
	b.modules.Purge()
}

func (b *Backend) destroyModuleOnEviction(_ *pipecache.CompiledShader, module hal.ShaderModule) {
	b.device.DestroyShaderModule(module)
}

// shaderModule returns the HAL module for a translated shader, creating
// it on first use. Translation products are immutable singletons, so
// pointer identity is a stable cache key.
func (b *Backend) shaderModule(shader *pipecache.CompiledShader, label string) (hal.ShaderModule, error) {
	if module, ok := b.modules.Get(shader); ok {
		return module, nil
	}
	module, err := b.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: shader.SPIRV},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create shader module: %w", err)
	}
	b.modules.Add(shader, module)
	return module, nil
}

// resolvedLayout is the LayoutHandle this backend hands out. It keeps
// the per-group layouts alive for the lifetime of the pipeline layout.
type resolvedLayout struct {
	layout hal.PipelineLayout
	groups []hal.BindGroupLayout
}

// ResolveLayout maps a merged binding list onto a pipeline layout.
// Bind group indices must be dense from zero; a group with no bindings
// becomes an empty group layout so later groups keep their index.
func (b *Backend) ResolveLayout(bindings []pipecache.Binding) (pipecache.LayoutHandle, error) {
	groupCount := 0
	for _, bind := range bindings {
		if int(bind.Group) >= groupCount {
			groupCount = int(bind.Group) + 1
		}
	}

	entries := make([][]gputypes.BindGroupLayoutEntry, groupCount)
	for _, bind := range bindings {
		entry, err := layoutEntry(bind)
		if err != nil {
			return nil, err
		}
		entries[bind.Group] = append(entries[bind.Group], entry)
	}

	groups := make([]hal.BindGroupLayout, 0, groupCount)
	destroyGroups := func() {
		for _, g := range groups {
			b.device.DestroyBindGroupLayout(g)
		}
	}
	for i, groupEntries := range entries {
		group, err := b.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   fmt.Sprintf("pipecache_group%d", i),
			Entries: groupEntries,
		})
		if err != nil {
			destroyGroups()
			return nil, fmt.Errorf("wgpu: create bind group layout %d: %w", i, err)
		}
		groups = append(groups, group)
	}

	layout, err := b.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "pipecache_layout",
		BindGroupLayouts: groups,
	})
	if err != nil {
		destroyGroups()
		return nil, fmt.Errorf("wgpu: create pipeline layout: %w", err)
	}
	return &resolvedLayout{layout: layout, groups: groups}, nil
}

// ReleaseLayout frees a layout produced by ResolveLayout.
func (b *Backend) ReleaseLayout(layout pipecache.LayoutHandle) {
	rl, ok := layout.(*resolvedLayout)
	if !ok {
		return
	}
	b.device.DestroyPipelineLayout(rl.layout)
	for _, g := range rl.groups {
		b.device.DestroyBindGroupLayout(g)
	}
}

// CreateRenderPipeline creates one pipeline state object from a runtime
// description. Safe for concurrent use from creation workers.
func (b *Backend) CreateRenderPipeline(desc *pipecache.RuntimeDescription) (pipecache.PipelineObject, error) {
	rl, ok := desc.Layout.(*resolvedLayout)
	if !ok {
		return nil, errors.New("wgpu: layout was not resolved by this backend")
	}

	vertex, err := b.shaderModule(desc.Vertex, desc.Label+"_vs")
	if err != nil {
		return nil, err
	}

	var fragment hal.ShaderModule
	if desc.Fragment != nil {
		fragment, err = b.shaderModule(desc.Fragment, desc.Label+"_fs")
		if err != nil {
			return nil, err
		}
	}

	halDesc, err := renderPipelineDescriptor(desc, rl.layout, vertex, fragment)
	if err != nil {
		return nil, err
	}

	pipeline, err := b.device.CreateRenderPipeline(halDesc)
	if err != nil {
		return nil, fmt.Errorf("wgpu: create render pipeline: %w", err)
	}
	return pipeline, nil
}

// ReleasePipeline frees a pipeline created by CreateRenderPipeline.
func (b *Backend) ReleasePipeline(obj pipecache.PipelineObject) {
	pipeline, ok := obj.(hal.RenderPipeline)
	if !ok {
		return
	}
	b.device.DestroyRenderPipeline(pipeline)
}

// layoutEntry maps one cache binding onto a bind group layout entry.
func layoutEntry(bind pipecache.Binding) (gputypes.BindGroupLayoutEntry, error) {
	entry := gputypes.BindGroupLayoutEntry{
		Binding:    bind.Binding,
		Visibility: stageVisibility(bind.Stages),
	}
	switch bind.Kind {
	case pipecache.BindingUniformBuffer:
		entry.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}
	case pipecache.BindingStorageBuffer:
		// Vertex-visible storage must be read-only; read-write storage
		// is a fragment-only capability.
		t := gputypes.BufferBindingTypeStorage
		if bind.Stages&pipecache.StageVertex != 0 {
			t = gputypes.BufferBindingTypeReadOnlyStorage
		}
		entry.Buffer = &gputypes.BufferBindingLayout{Type: t}
	case pipecache.BindingTexture:
		entry.Texture = &gputypes.TextureBindingLayout{
			SampleType:    gputypes.TextureSampleTypeFloat,
			ViewDimension: gputypes.TextureViewDimension2D,
		}
	case pipecache.BindingSampler:
		entry.Sampler = &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering}
	default:
		return entry, fmt.Errorf("wgpu: unsupported binding kind %d", bind.Kind)
	}
	return entry, nil
}

func stageVisibility(stages pipecache.StageMask) gputypes.ShaderStage {
	var v gputypes.ShaderStage
	if stages&pipecache.StageVertex != 0 {
		v |= gputypes.ShaderStageVertex
	}
	if stages&pipecache.StageFragment != 0 {
		v |= gputypes.ShaderStageFragment
	}
	return v
}
