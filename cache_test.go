package pipecache

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Test doubles
// =============================================================================

type translateKey struct {
	hash uint64
	mod  uint64
}

// testCompiler stands in for the WGSL compiler: the SPIR-V output echoes
// the input dwords and the binding list is fixed per stage. Sources
// containing failSubstring fail to translate. When translateEntered and
// translateRelease are set, every Translate call announces itself and
// then parks until translateRelease is closed.
type testCompiler struct {
	failSubstring    string
	translateEntered chan struct{}
	translateRelease chan struct{}

	mu    sync.Mutex
	calls map[translateKey]int
}

func (tc *testCompiler) Translate(kind ShaderKind, modification uint64, dwords []uint32) (*CompiledShader, error) {
	tc.mu.Lock()
	if tc.calls == nil {
		tc.calls = make(map[translateKey]int)
	}
	tc.calls[translateKey{hashDwords(dwords), modification}]++
	tc.mu.Unlock()

	if tc.translateEntered != nil {
		tc.translateEntered <- struct{}{}
	}
	if tc.translateRelease != nil {
		<-tc.translateRelease
	}

	src := ShaderSource(dwords)
	if tc.failSubstring != "" && strings.Contains(src, tc.failSubstring) {
		return nil, fmt.Errorf("testCompiler: source marked %q", tc.failSubstring)
	}

	entry := VertexEntryPoint
	stage := StageVertex
	if kind == ShaderKindFragment {
		entry = FragmentEntryPoint
		stage = StageFragment
	}
	bindings := []Binding{{Group: 0, Binding: 0, Kind: BindingUniformBuffer, Stages: stage}}
	if kind == ShaderKindFragment {
		bindings = append(bindings, Binding{Group: 0, Binding: 1, Kind: BindingTexture, Stages: StageFragment})
	}
	return &CompiledShader{
		SPIRV:      append([]uint32{0x07230203}, dwords...),
		EntryPoint: entry,
		Bindings:   bindings,
	}, nil
}

func (tc *testCompiler) callsFor(hash, modification uint64) int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.calls[translateKey{hash, modification}]
}

func (tc *testCompiler) totalCalls() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	n := 0
	for _, c := range tc.calls {
		n += c
	}
	return n
}

type testLayout struct {
	bindings []Binding
}

type testPipelineObject struct {
	hash uint64
}

// testBackend stands in for the GPU backend, counting every creation by
// description hash. When resolveEntered and resolveRelease are set, every
// ResolveLayout call announces itself and then parks until resolveRelease
// is closed.
type testBackend struct {
	createDelay    time.Duration
	resolveEntered chan struct{}
	resolveRelease chan struct{}

	mu               sync.Mutex
	createdByHash    map[uint64]int
	failHashes       map[uint64]bool
	layoutsResolved  int
	layoutsReleased  int
	pipelineReleased int
}

func (tb *testBackend) ResolveLayout(bindings []Binding) (LayoutHandle, error) {
	if tb.resolveEntered != nil {
		tb.resolveEntered <- struct{}{}
	}
	if tb.resolveRelease != nil {
		<-tb.resolveRelease
	}
	tb.mu.Lock()
	tb.layoutsResolved++
	tb.mu.Unlock()
	stored := make([]Binding, len(bindings))
	copy(stored, bindings)
	return &testLayout{bindings: stored}, nil
}

func (tb *testBackend) CreateRenderPipeline(desc *RuntimeDescription) (PipelineObject, error) {
	if tb.createDelay > 0 {
		time.Sleep(tb.createDelay)
	}
	h := desc.Description.Hash()
	tb.mu.Lock()
	if tb.createdByHash == nil {
		tb.createdByHash = make(map[uint64]int)
	}
	tb.createdByHash[h]++
	fail := tb.failHashes[h]
	tb.mu.Unlock()
	if fail {
		return nil, errors.New("testBackend: creation marked to fail")
	}
	return &testPipelineObject{hash: h}, nil
}

func (tb *testBackend) ReleasePipeline(obj PipelineObject) {
	tb.mu.Lock()
	tb.pipelineReleased++
	tb.mu.Unlock()
}

func (tb *testBackend) ReleaseLayout(layout LayoutHandle) {
	tb.mu.Lock()
	tb.layoutsReleased++
	tb.mu.Unlock()
}

func (tb *testBackend) createdCount(hash uint64) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.createdByHash[hash]
}

func (tb *testBackend) totalCreated() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	n := 0
	for _, c := range tb.createdByHash {
		n += c
	}
	return n
}

func (tb *testBackend) failHash(h uint64) {
	tb.mu.Lock()
	if tb.failHashes == nil {
		tb.failHashes = make(map[uint64]bool)
	}
	tb.failHashes[h] = true
	tb.mu.Unlock()
}

// =============================================================================
// Fixtures
// =============================================================================

const (
	testVertexSource   = "fn vs_main() { }"
	testFragmentSource = "fn fs_main() -> @location(0) vec4f { }"
)

func baseSnapshot() *StateSnapshot {
	return &StateSnapshot{
		DepthFormat:    DepthFormat24PlusStencil8,
		MSAASamples:    1,
		ColorWriteMask: 0xF,
		BlendControls: [4]BlendControl{
			{SrcFactor: 1, DstFactor: 0, Op: BlendOpAdd, SrcFactorAlpha: 1, DstFactorAlpha: 0, OpAlpha: BlendOpAdd},
		},
	}
}

func baseDraw() *DrawParams {
	return &DrawParams{
		PrimitiveType: PrimitiveTriangleList,
		ColorTargets: [maxRenderTargets]ColorTargetBinding{
			{Bound: true, GuestIndex: 0, Format: ColorFormatRGBA8Unorm},
		},
	}
}

func newTestCache(t *testing.T, opts ...Option) (*Cache, *testCompiler, *testBackend) {
	t.Helper()
	tc := &testCompiler{}
	tb := &testBackend{}
	c := New(tc, tb, opts...)
	t.Cleanup(c.Shutdown)
	return c, tc, tb
}

func loadTestShaders(t *testing.T, c *Cache) (vs, fs *Shader) {
	t.Helper()
	vs = c.LoadShader(ShaderKindVertex, PackShaderSource(testVertexSource))
	fs = c.LoadShader(ShaderKindFragment, PackShaderSource(testFragmentSource))
	return vs, fs
}

// =============================================================================
// Dedup and lookup
// =============================================================================

func TestConfigurePipelineDedup(t *testing.T) {
	c, _, tb := newTestCache(t, WithWorkers(1))
	vs, fs := loadTestShaders(t, c)

	p1, err := c.ConfigurePipeline(vs, fs, baseSnapshot(), baseDraw())
	if err != nil {
		t.Fatalf("first ConfigurePipeline: %v", err)
	}
	p2, err := c.ConfigurePipeline(vs, fs, baseSnapshot(), baseDraw())
	if err != nil {
		t.Fatalf("second ConfigurePipeline: %v", err)
	}
	if p1 != p2 {
		t.Error("equal draw state produced two pipeline entries")
	}

	c.AwaitCreations()
	if got := tb.createdCount(p1.Hash()); got != 1 {
		t.Errorf("backend created the pipeline %d times, want 1", got)
	}
	if !p1.Ready() {
		t.Error("pipeline not ready after AwaitCreations")
	}
	if _, ok := p1.Object(); !ok {
		t.Error("Object() not available on a ready pipeline")
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 {
		t.Errorf("stats hits/misses = %d/%d, want 1/1", st.Hits, st.Misses)
	}
	if st.Pipelines != 1 {
		t.Errorf("stats pipelines = %d, want 1", st.Pipelines)
	}
}

func TestConfigurePipelineDistinctStates(t *testing.T) {
	c, _, tb := newTestCache(t, WithWorkers(1))
	vs, fs := loadTestShaders(t, c)

	p1, err := c.ConfigurePipeline(vs, fs, baseSnapshot(), baseDraw())
	if err != nil {
		t.Fatalf("ConfigurePipeline: %v", err)
	}

	culled := baseSnapshot()
	culled.CullBack = true
	p2, err := c.ConfigurePipeline(vs, fs, culled, baseDraw())
	if err != nil {
		t.Fatalf("ConfigurePipeline with culling: %v", err)
	}
	if p1 == p2 {
		t.Fatal("different cull state shared one pipeline entry")
	}

	// Returning to the first state must find the first entry, through the
	// full table scan rather than the single-entry memo.
	p3, err := c.ConfigurePipeline(vs, fs, baseSnapshot(), baseDraw())
	if err != nil {
		t.Fatalf("ConfigurePipeline back to first state: %v", err)
	}
	if p3 != p1 {
		t.Error("lookup after state change did not return the original entry")
	}

	c.AwaitCreations()
	if got := tb.totalCreated(); got != 2 {
		t.Errorf("backend creations = %d, want 2", got)
	}
}

func TestFindPipelineSurvivesHashCollision(t *testing.T) {
	cache, tc, _ := newTestCache(t, WithWorkers(0))
	vs, _ := loadTestShaders(t, cache)
	if _, _, err := vs.ensureTranslated(tc, 0); err != nil {
		t.Fatalf("translate: %v", err)
	}

	descA := PipelineDescription{VertexShaderHash: vs.Hash(), SampleCount: 1, DepthCompare: CompareAlways}
	descB := descA
	descB.CullMode = CullBack

	// Force both entries into the same bucket to model a 64-bit hash
	// collision between different descriptions.
	const collidingHash = 0xDEADBEEF
	pa := newPipeline(descA, collidingHash, vs, nil, 0, nil)
	pb := newPipeline(descB, collidingHash, vs, nil, 0, nil)
	if _, inserted := cache.insertPipeline(pa); !inserted {
		t.Fatal("first colliding insert rejected")
	}
	if _, inserted := cache.insertPipeline(pb); !inserted {
		t.Fatal("second colliding insert rejected")
	}

	encA := descA.Encode()
	encB := descB.Encode()
	if got := cache.findPipeline(&encA, collidingHash); got != pa {
		t.Error("lookup of first colliding description returned the wrong entry")
	}
	if got := cache.findPipeline(&encB, collidingHash); got != pb {
		t.Error("lookup of second colliding description returned the wrong entry")
	}
}

func TestInsertPipelineRejectsDuplicate(t *testing.T) {
	cache, tc, _ := newTestCache(t, WithWorkers(0))
	vs, _ := loadTestShaders(t, cache)
	if _, _, err := vs.ensureTranslated(tc, 0); err != nil {
		t.Fatalf("translate: %v", err)
	}

	desc := PipelineDescription{VertexShaderHash: vs.Hash(), SampleCount: 1, DepthCompare: CompareAlways}
	p1 := newPipeline(desc, desc.Hash(), vs, nil, 0, nil)
	p2 := newPipeline(desc, desc.Hash(), vs, nil, 0, nil)

	if _, inserted := cache.insertPipeline(p1); !inserted {
		t.Fatal("first insert rejected")
	}
	winner, inserted := cache.insertPipeline(p2)
	if inserted {
		t.Error("duplicate description inserted twice")
	}
	if winner != p1 {
		t.Error("duplicate insert did not return the existing entry")
	}
	if got := cache.Stats().Pipelines; got != 1 {
		t.Errorf("pipeline count = %d, want 1", got)
	}
}

// =============================================================================
// At-most-once creation
// =============================================================================

func TestCreationHappensOnceWhilePending(t *testing.T) {
	tc := &testCompiler{}
	tb := &testBackend{createDelay: 30 * time.Millisecond}
	c := New(tc, tb, WithWorkers(1))
	t.Cleanup(c.Shutdown)
	vs, fs := loadTestShaders(t, c)

	p1, err := c.ConfigurePipeline(vs, fs, baseSnapshot(), baseDraw())
	if err != nil {
		t.Fatalf("ConfigurePipeline: %v", err)
	}
	if !c.IsCreatingPipelines() {
		t.Error("IsCreatingPipelines() = false with a creation in flight")
	}

	// Re-configuring the same state while the worker is mid-creation must
	// return the pending entry without enqueuing a second creation.
	p2, err := c.ConfigurePipeline(vs, fs, baseSnapshot(), baseDraw())
	if err != nil {
		t.Fatalf("ConfigurePipeline while pending: %v", err)
	}
	if p1 != p2 {
		t.Error("pending pipeline was not found by the second lookup")
	}

	c.AwaitCreations()
	if got := tb.createdCount(p1.Hash()); got != 1 {
		t.Errorf("backend creations = %d, want exactly 1", got)
	}
	if c.IsCreatingPipelines() {
		t.Error("IsCreatingPipelines() = true after AwaitCreations")
	}
}

func TestCreationFailureIsSticky(t *testing.T) {
	c, _, tb := newTestCache(t, WithWorkers(0))
	vs, fs := loadTestShaders(t, c)

	desc, err := buildDescription(baseSnapshot(), baseDraw(), vs, fs)
	if err != nil {
		t.Fatalf("buildDescription: %v", err)
	}
	tb.failHash(desc.Hash())

	p, err := c.ConfigurePipeline(vs, fs, baseSnapshot(), baseDraw())
	if err != nil {
		t.Fatalf("ConfigurePipeline: %v", err)
	}
	if !p.Failed() {
		t.Fatal("pipeline not marked failed after synchronous creation failure")
	}
	if _, ok := p.Object(); ok {
		t.Error("Object() available on a failed pipeline")
	}

	// The failed entry stays cached and is never retried.
	p2, err := c.ConfigurePipeline(vs, fs, baseSnapshot(), baseDraw())
	if err != nil {
		t.Fatalf("second ConfigurePipeline: %v", err)
	}
	if p2 != p {
		t.Error("failed pipeline was replaced instead of reused")
	}
	if got := tb.createdCount(desc.Hash()); got != 1 {
		t.Errorf("backend creations = %d, want 1 (no retry)", got)
	}
	if got := c.Stats().CreationFailures; got != 1 {
		t.Errorf("stats creation failures = %d, want 1", got)
	}
}

// =============================================================================
// Error propagation
// =============================================================================

func TestConfigurePipelineUnsupportedState(t *testing.T) {
	c, tc, tb := newTestCache(t, WithWorkers(0))
	vs, fs := loadTestShaders(t, c)

	snap := baseSnapshot()
	snap.MajorModeExplicit = true
	snap.TessellationEnabled = true
	snap.TessellationMode = TessellationAdaptive
	_, err := c.ConfigurePipeline(vs, fs, snap, baseDraw())
	if !errors.Is(err, ErrUnsupportedState) {
		t.Fatalf("error = %v, want ErrUnsupportedState", err)
	}

	if got := c.Stats().Pipelines; got != 0 {
		t.Errorf("unsupported draw cached %d pipelines, want 0", got)
	}
	if tc.totalCalls() != 0 {
		t.Error("unsupported draw reached the shader compiler")
	}
	if tb.totalCreated() != 0 {
		t.Error("unsupported draw reached the backend")
	}
}

func TestConfigurePipelineTranslationFailure(t *testing.T) {
	tc := &testCompiler{failSubstring: "vs_main"}
	tb := &testBackend{}
	c := New(tc, tb, WithWorkers(0))
	t.Cleanup(c.Shutdown)
	vs, fs := loadTestShaders(t, c)

	_, err := c.ConfigurePipeline(vs, fs, baseSnapshot(), baseDraw())
	if !errors.Is(err, ErrTranslationFailed) {
		t.Fatalf("error = %v, want ErrTranslationFailed", err)
	}
	if got := c.Stats().Pipelines; got != 0 {
		t.Errorf("failed translation cached %d pipelines, want 0", got)
	}

	// The failure is sticky: a second draw fails again without another
	// compiler call.
	_, err = c.ConfigurePipeline(vs, fs, baseSnapshot(), baseDraw())
	if !errors.Is(err, ErrTranslationFailed) {
		t.Fatalf("second error = %v, want ErrTranslationFailed", err)
	}
	if got := tc.callsFor(vs.Hash(), 0); got != 1 {
		t.Errorf("compiler called %d times for the failed shader, want 1", got)
	}
}

func TestEnsureShadersTranslated(t *testing.T) {
	c, tc, _ := newTestCache(t, WithWorkers(0))
	vs, fs := loadTestShaders(t, c)

	if err := c.EnsureShadersTranslated(vs, fs, baseSnapshot(), baseDraw()); err != nil {
		t.Fatalf("EnsureShadersTranslated: %v", err)
	}
	if got := tc.totalCalls(); got != 2 {
		t.Fatalf("compiler calls = %d, want 2", got)
	}

	// The later draw reuses the translations.
	if _, err := c.ConfigurePipeline(vs, fs, baseSnapshot(), baseDraw()); err != nil {
		t.Fatalf("ConfigurePipeline: %v", err)
	}
	if got := tc.totalCalls(); got != 2 {
		t.Errorf("compiler calls after draw = %d, want 2", got)
	}
}

// =============================================================================
// Shader table
// =============================================================================

func TestLoadShaderDedup(t *testing.T) {
	c, _, _ := newTestCache(t, WithWorkers(0))

	dwords := PackShaderSource(testVertexSource)
	s1 := c.LoadShader(ShaderKindVertex, dwords)
	s2 := c.LoadShader(ShaderKindVertex, dwords)
	if s1 != s2 {
		t.Error("equal microcode produced two shader entries")
	}
	if got := c.Stats().Shaders; got != 1 {
		t.Errorf("shader count = %d, want 1", got)
	}

	other := c.LoadShader(ShaderKindVertex, PackShaderSource("fn vs_main() { let x = 1; }"))
	if other == s1 {
		t.Error("different microcode shared one shader entry")
	}
}

func TestLoadShaderHashCollisionFirstWins(t *testing.T) {
	c, _, _ := newTestCache(t, WithWorkers(0))

	first := c.LoadShader(ShaderKindVertex, PackShaderSource(testVertexSource))
	otherDwords := PackShaderSource("fn vs_main() { let y = 2; }")

	// Model a 64-bit content hash collision by aliasing the second
	// program's hash to the first entry. The table keys by hash alone, so
	// the first-loaded shader wins for both programs.
	c.shaderMu.Lock()
	c.shaders[hashDwords(otherDwords)] = first
	c.shaderMu.Unlock()

	got := c.LoadShader(ShaderKindVertex, otherDwords)
	if got != first {
		t.Error("colliding microcode was not resolved to the first entry")
	}
}

// =============================================================================
// Clear and stats
// =============================================================================

func TestClearReleasesEverything(t *testing.T) {
	c, _, tb := newTestCache(t, WithWorkers(1))
	vs, fs := loadTestShaders(t, c)

	if _, err := c.ConfigurePipeline(vs, fs, baseSnapshot(), baseDraw()); err != nil {
		t.Fatalf("ConfigurePipeline: %v", err)
	}
	culled := baseSnapshot()
	culled.CullFront = true
	if _, err := c.ConfigurePipeline(vs, fs, culled, baseDraw()); err != nil {
		t.Fatalf("ConfigurePipeline: %v", err)
	}
	c.AwaitCreations()

	c.Clear(false)

	st := c.Stats()
	if st.Pipelines != 0 || st.Shaders != 0 || st.Layouts != 0 {
		t.Errorf("tables after Clear = %d/%d/%d pipelines/shaders/layouts, want 0/0/0",
			st.Pipelines, st.Shaders, st.Layouts)
	}
	if st.Hits != 0 || st.Misses != 0 {
		t.Errorf("lookup counters after Clear = %d/%d, want 0/0", st.Hits, st.Misses)
	}
	if st.Created != 2 {
		t.Errorf("lifetime created counter after Clear = %d, want 2", st.Created)
	}

	tb.mu.Lock()
	released, layoutsReleased := tb.pipelineReleased, tb.layoutsReleased
	tb.mu.Unlock()
	if released != 2 {
		t.Errorf("released pipelines = %d, want 2", released)
	}
	if layoutsReleased != 1 {
		t.Errorf("released layouts = %d, want 1", layoutsReleased)
	}

	// The cache stays usable after a clear.
	if _, err := c.ConfigurePipeline(vs, fs, baseSnapshot(), baseDraw()); err != nil {
		t.Fatalf("ConfigurePipeline after Clear: %v", err)
	}
}

func TestHitRate(t *testing.T) {
	c, _, _ := newTestCache(t, WithWorkers(0))
	vs, fs := loadTestShaders(t, c)

	if got := c.HitRate(); got != 0.0 {
		t.Errorf("HitRate() with no lookups = %v, want 0", got)
	}
	for i := 0; i < 4; i++ {
		if _, err := c.ConfigurePipeline(vs, fs, baseSnapshot(), baseDraw()); err != nil {
			t.Fatalf("ConfigurePipeline: %v", err)
		}
	}
	if got := c.HitRate(); got != 0.75 {
		t.Errorf("HitRate() = %v, want 0.75", got)
	}
}

func TestLayoutBindingsExposesMergedInterface(t *testing.T) {
	c, _, _ := newTestCache(t, WithWorkers(0))
	vs, fs := loadTestShaders(t, c)

	p, err := c.ConfigurePipeline(vs, fs, baseSnapshot(), baseDraw())
	if err != nil {
		t.Fatalf("ConfigurePipeline: %v", err)
	}
	if p.LayoutUID() == 0 {
		t.Fatal("pipeline carries the reserved empty layout uid")
	}

	bindings := c.LayoutBindings(p.LayoutUID())
	want := []Binding{
		{Group: 0, Binding: 0, Kind: BindingUniformBuffer, Stages: StageVertex | StageFragment},
		{Group: 0, Binding: 1, Kind: BindingTexture, Stages: StageFragment},
	}
	if len(bindings) != len(want) {
		t.Fatalf("merged bindings = %v, want %v", bindings, want)
	}
	for i := range want {
		if bindings[i] != want[i] {
			t.Errorf("binding[%d] = %+v, want %+v", i, bindings[i], want[i])
		}
	}

	if got := c.LayoutBindings(999); got != nil {
		t.Errorf("LayoutBindings(unknown) = %v, want nil", got)
	}
}

func TestNewPanicsWithoutCollaborators(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("New(nil, backend) did not panic")
		}
	}()
	New(nil, &testBackend{})
}
