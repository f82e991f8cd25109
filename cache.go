package pipecache

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Cache deduplicates and creates GPU pipelines for guest draws.
//
// A draw's state snapshot is canonicalized into a fixed-size description;
// equal descriptions share one cached entry and one backend object.
// Creation runs asynchronously on a worker pool so the submission
// goroutine never blocks on the backend, and translated shaders plus
// accepted descriptions are persisted so a later session can rebuild its
// pipelines ahead of first use.
//
// Thread Safety:
// ConfigurePipeline, EndSubmission, Clear, and Shutdown belong to the
// submission goroutine. LoadShader, EnsureShadersTranslated,
// AwaitCreations, and all accessors are safe from any goroutine, as is
// the storage replay the cache runs internally.
//
// Usage:
//
//	cache := pipecache.New(compiler, backend)
//	defer cache.Shutdown()
//
//	vs := cache.LoadShader(pipecache.ShaderKindVertex, vsDwords)
//	fs := cache.LoadShader(pipecache.ShaderKindFragment, fsDwords)
//	p, err := cache.ConfigurePipeline(vs, fs, snapshot, draw)
//	if err != nil {
//	    // unsupported draw state; skip the draw
//	}
//	cache.EndSubmission()
type Cache struct {
	compiler Compiler
	backend  Backend
	config   config

	shaderMu sync.RWMutex
	shaders  map[uint64]*Shader

	pipelineMu    sync.RWMutex
	pipelines     map[uint64][]*Pipeline
	pipelineCount int

	layouts *layoutInterner
	pool    *creationPool
	storage cacheStorage

	// Submission-goroutine memo: the previous draw's description and
	// entry, so back-to-back identical draws skip hashing and lookup.
	lastPipeline *Pipeline
	lastEncoded  [DescriptionSize]byte

	hits            uint64
	misses          uint64
	storedShaders   uint64
	storedPipelines uint64
}

// CacheStats is a point-in-time snapshot of cache activity.
type CacheStats struct {
	// Shaders, Pipelines, and Layouts are current table sizes.
	Shaders   int
	Pipelines int
	Layouts   int

	// Hits and Misses count ConfigurePipeline lookups since the last
	// Clear.
	Hits   uint64
	Misses uint64

	// Created and CreationFailures count backend creations over the
	// cache's lifetime.
	Created          uint64
	CreationFailures uint64

	// StoredShaders and StoredPipelines count records queued for
	// persistence over the cache's lifetime.
	StoredShaders   uint64
	StoredPipelines uint64
}

// New creates a pipeline cache using compiler for shader translation and
// backend for object creation. Both must be non-nil and safe for
// concurrent calls.
func New(compiler Compiler, backend Backend, opts ...Option) *Cache {
	if compiler == nil {
		panic("pipecache: New requires a compiler")
	}
	if backend == nil {
		panic("pipecache: New requires a backend")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Cache{
		compiler:  compiler,
		backend:   backend,
		config:    cfg,
		shaders:   make(map[uint64]*Shader),
		pipelines: make(map[uint64][]*Pipeline),
		layouts:   newLayoutInterner(backend),
	}
	c.pool = newCreationPool(backend, creationWorkerCount(cfg.workers))
	return c
}

// LoadShader interns guest microcode and returns its cache entry. Equal
// content returns the existing entry; on a content-hash collision the
// first loaded shader wins and is returned for both.
func (c *Cache) LoadShader(kind ShaderKind, dwords []uint32) *Shader {
	s, _ := c.loadShader(kind, dwords)
	return s
}

// loadShader interns microcode, reporting whether this call inserted the
// entry. The store replay uses the flag to tell its own insertions apart
// from shaders live callers loaded first.
func (c *Cache) loadShader(kind ShaderKind, dwords []uint32) (*Shader, bool) {
	h := hashDwords(dwords)

	c.shaderMu.RLock()
	s := c.shaders[h]
	c.shaderMu.RUnlock()
	if s != nil {
		return s, false
	}

	c.shaderMu.Lock()
	defer c.shaderMu.Unlock()
	if s := c.shaders[h]; s != nil {
		return s, false
	}
	s = newShader(kind, dwords)
	c.shaders[h] = s
	return s, true
}

// ConfigurePipeline resolves the pipeline entry for one draw, creating
// and caching it on first use. The returned entry may still be pending
// asynchronous creation; callers that need the backend object gate on
// Pipeline.Object or AwaitCreations. Draw state the backend cannot
// express returns ErrUnsupportedState and caches nothing.
func (c *Cache) ConfigurePipeline(vertex, fragment *Shader, snap *StateSnapshot, draw *DrawParams) (*Pipeline, error) {
	desc, err := buildDescription(snap, draw, vertex, fragment)
	if err != nil {
		return nil, err
	}
	enc := desc.Encode()

	if c.lastPipeline != nil && enc == c.lastEncoded {
		atomic.AddUint64(&c.hits, 1)
		return c.lastPipeline, nil
	}

	h := hashBytes(enc[:])
	if p := c.findPipeline(&enc, h); p != nil {
		atomic.AddUint64(&c.hits, 1)
		c.lastPipeline = p
		c.lastEncoded = enc
		return p, nil
	}
	atomic.AddUint64(&c.misses, 1)

	if err := c.ensureShaderPair(vertex, fragment,
		desc.VertexShaderModification, desc.FragmentShaderModification); err != nil {
		return nil, err
	}
	uid, handle, err := c.internLayoutFor(vertex, fragment,
		desc.VertexShaderModification, desc.FragmentShaderModification)
	if err != nil {
		return nil, err
	}

	p, inserted := c.insertPipeline(newPipeline(desc, h, vertex, fragment, uid, handle))
	if inserted {
		c.pool.submit(p)
		c.storePipeline(p)
	}

	c.lastPipeline = p
	c.lastEncoded = enc
	return p, nil
}

// EnsureShadersTranslated translates the draw's shaders ahead of
// ConfigurePipeline if they have not been translated for its
// modifications yet. ConfigurePipeline does this itself; the separate
// entry point lets callers front-load translation cost.
func (c *Cache) EnsureShadersTranslated(vertex, fragment *Shader, snap *StateSnapshot, draw *DrawParams) error {
	if snap == nil || draw == nil {
		return fmt.Errorf("pipecache: nil draw state")
	}
	if vertex == nil {
		return fmt.Errorf("pipecache: nil vertex shader")
	}
	stageMode, err := vertexStageModeForDraw(snap, draw.PrimitiveType)
	if err != nil {
		return err
	}
	var fragMod uint64
	if fragment != nil && draw.EarlyZ {
		fragMod = 1
	}
	return c.ensureShaderPair(vertex, fragment, uint64(stageMode), fragMod)
}

// AwaitCreations blocks until every queued pipeline creation has
// finished, helping drain the queue from the calling goroutine.
func (c *Cache) AwaitCreations() {
	c.pool.drainFromCaller()
	c.pool.awaitIdle()
}

// IsCreatingPipelines reports whether any pipeline creation is queued or
// in flight.
func (c *Cache) IsCreatingPipelines() bool {
	return c.pool.creating()
}

// EndSubmission finishes the current submission's pipeline work: queued
// creations are drained from the calling goroutine, in-flight workers
// are awaited, and a flush of this submission's storage appends is
// requested.
func (c *Cache) EndSubmission() {
	c.pool.drainFromCaller()
	c.pool.awaitIdle()
	c.requestStorageFlush()
}

// Clear quiesces creation and discards every cached pipeline, shader,
// and interned layout, releasing their backend objects. Lookup counters
// reset; lifetime creation counters do not.
//
// When shuttingDown is false the cache stays usable: if a storage scope
// was active it is reopened in the background, so the session keeps
// persisting after for example a display loss. When true, storage stays
// down for Shutdown to finish.
func (c *Cache) Clear(shuttingDown bool) {
	var reopen string
	if !shuttingDown {
		reopen = c.activeScope()
	}
	c.ShutdownStorage()

	c.pool.discardQueue()
	c.pool.awaitIdle()

	c.pipelineMu.Lock()
	for _, bucket := range c.pipelines {
		for _, p := range bucket {
			p.release(c.backend)
		}
	}
	c.pipelines = make(map[uint64][]*Pipeline)
	c.pipelineCount = 0
	c.pipelineMu.Unlock()

	c.lastPipeline = nil

	c.layouts.clear()

	c.shaderMu.Lock()
	c.shaders = make(map[uint64]*Shader)
	c.shaderMu.Unlock()

	atomic.StoreUint64(&c.hits, 0)
	atomic.StoreUint64(&c.misses, 0)

	if reopen != "" {
		c.startDeferredLoad(reopen)
	}
}

// Shutdown tears the cache down: storage is stopped, workers are joined,
// and all backend objects are released. The cache must not be used
// afterwards.
func (c *Cache) Shutdown() {
	c.Clear(true)
	c.pool.shutdown()
}

// LayoutBindings returns the merged binding list interned under uid, for
// downstream descriptor management. Returns nil for an unknown uid.
func (c *Cache) LayoutBindings(uid uint32) []Binding {
	bindings, _ := c.layouts.bindings(uid)
	return bindings
}

// Stats returns a snapshot of cache activity.
func (c *Cache) Stats() CacheStats {
	var st CacheStats
	c.shaderMu.RLock()
	st.Shaders = len(c.shaders)
	c.shaderMu.RUnlock()
	c.pipelineMu.RLock()
	st.Pipelines = c.pipelineCount
	c.pipelineMu.RUnlock()
	st.Layouts = c.layouts.count()
	st.Hits = atomic.LoadUint64(&c.hits)
	st.Misses = atomic.LoadUint64(&c.misses)
	st.Created = atomic.LoadUint64(&c.pool.created)
	st.CreationFailures = atomic.LoadUint64(&c.pool.failed)
	st.StoredShaders = atomic.LoadUint64(&c.storedShaders)
	st.StoredPipelines = atomic.LoadUint64(&c.storedPipelines)
	return st
}

// HitRate returns the lookup hit rate since the last Clear, 0.0 to 1.0.
//
// Returns 0.0 if no lookups have been made.
func (c *Cache) HitRate() float64 {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}

// ===== Internal lookups =====

// findPipeline scans the hash bucket for an entry whose encoded
// description matches exactly.
func (c *Cache) findPipeline(enc *[DescriptionSize]byte, hash uint64) *Pipeline {
	c.pipelineMu.RLock()
	defer c.pipelineMu.RUnlock()
	for _, p := range c.pipelines[hash] {
		if p.encoded == *enc {
			return p
		}
	}
	return nil
}

// insertPipeline adds p unless an equal description was inserted
// concurrently (live traffic racing a deferred replay). Returns the
// entry that won and whether it is p.
func (c *Cache) insertPipeline(p *Pipeline) (*Pipeline, bool) {
	c.pipelineMu.Lock()
	defer c.pipelineMu.Unlock()
	for _, q := range c.pipelines[p.hash] {
		if q.encoded == p.encoded {
			return q, false
		}
	}
	c.pipelines[p.hash] = append(c.pipelines[p.hash], p)
	c.pipelineCount++
	return p, true
}

func (c *Cache) shaderByHash(h uint64) *Shader {
	c.shaderMu.RLock()
	defer c.shaderMu.RUnlock()
	return c.shaders[h]
}

// removeShader drops s if the table still maps its hash to s, so a
// colliding entry loaded in the meantime is left alone.
func (c *Cache) removeShader(s *Shader) {
	c.shaderMu.Lock()
	if c.shaders[s.contentHash] == s {
		delete(c.shaders, s.contentHash)
	}
	c.shaderMu.Unlock()
}

// ensureShaderPair translates both shaders for the given modifications,
// appending newly translated microcode to storage.
func (c *Cache) ensureShaderPair(vertex, fragment *Shader, vertexMod, fragmentMod uint64) error {
	translatedNow, _, err := vertex.ensureTranslated(c.compiler, vertexMod)
	if err != nil {
		return err
	}
	if translatedNow {
		c.storeShader(vertex, vertexMod)
	}
	if fragment == nil {
		return nil
	}
	translatedNow, _, err = fragment.ensureTranslated(c.compiler, fragmentMod)
	if err != nil {
		return err
	}
	if translatedNow {
		c.storeShader(fragment, fragmentMod)
	}
	return nil
}

// internLayoutFor merges the binding interfaces of a translated shader
// pair and interns the result, resolving its backend handle.
func (c *Cache) internLayoutFor(vertex, fragment *Shader, vertexMod, fragmentMod uint64) (uint32, LayoutHandle, error) {
	vc := vertex.Compiled(vertexMod)
	if vc == nil {
		return 0, nil, fmt.Errorf("pipecache: vertex shader %016x not translated", vertex.contentHash)
	}
	var fragmentBindings []Binding
	if fragment != nil {
		fc := fragment.Compiled(fragmentMod)
		if fc == nil {
			return 0, nil, fmt.Errorf("pipecache: fragment shader %016x not translated", fragment.contentHash)
		}
		fragmentBindings = fc.Bindings
	}
	uid, err := c.layouts.intern(mergeBindings(vc.Bindings, fragmentBindings))
	if err != nil {
		return 0, nil, err
	}
	handle, _ := c.layouts.handle(uid)
	return uid, handle, nil
}
