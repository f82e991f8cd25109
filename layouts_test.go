package pipecache

import (
	"sync"
	"testing"
	"time"
)

func testBindings() []Binding {
	return []Binding{
		{Group: 0, Binding: 0, Kind: BindingUniformBuffer, Stages: StageVertex},
		{Group: 0, Binding: 1, Kind: BindingTexture, Stages: StageFragment},
	}
}

func TestLayoutInternerDedup(t *testing.T) {
	tb := &testBackend{}
	li := newLayoutInterner(tb)

	uid1, err := li.intern(testBindings())
	if err != nil {
		t.Fatalf("intern: %v", err)
	}
	if uid1 != 1 {
		t.Errorf("first uid = %d, want 1", uid1)
	}

	uid2, err := li.intern(testBindings())
	if err != nil {
		t.Fatalf("second intern: %v", err)
	}
	if uid2 != uid1 {
		t.Errorf("equal binding lists got uids %d and %d", uid1, uid2)
	}
	if tb.layoutsResolved != 1 {
		t.Errorf("backend resolved %d layouts, want 1", tb.layoutsResolved)
	}

	other := testBindings()
	other[1].Kind = BindingSampler
	uid3, err := li.intern(other)
	if err != nil {
		t.Fatalf("third intern: %v", err)
	}
	if uid3 != 2 {
		t.Errorf("second distinct uid = %d, want 2", uid3)
	}
	if li.count() != 2 {
		t.Errorf("count() = %d, want 2", li.count())
	}
}

func TestLayoutInternerLookups(t *testing.T) {
	tb := &testBackend{}
	li := newLayoutInterner(tb)
	uid, err := li.intern(testBindings())
	if err != nil {
		t.Fatalf("intern: %v", err)
	}

	if _, ok := li.handle(uid); !ok {
		t.Error("handle() missing for a live uid")
	}
	bindings, ok := li.bindings(uid)
	if !ok || len(bindings) != 2 {
		t.Fatalf("bindings() = %v, %v", bindings, ok)
	}

	// The returned slice is a copy; callers cannot corrupt the table.
	bindings[0].Group = 99
	again, _ := li.bindings(uid)
	if again[0].Group != 0 {
		t.Error("bindings() exposed interner storage")
	}

	// Uid 0 is the reserved empty layout, unresolved until an empty list
	// is interned; out-of-range uids miss.
	if _, ok := li.handle(0); ok {
		t.Error("handle(0) resolved before an empty intern")
	}
	if _, ok := li.bindings(uid + 10); ok {
		t.Error("bindings(out of range) resolved")
	}
}

func TestLayoutInternerConcurrent(t *testing.T) {
	tb := &testBackend{}
	li := newLayoutInterner(tb)

	// Replay translates on several goroutines, all interning layouts.
	lists := make([][]Binding, 4)
	for i := range lists {
		lists[i] = []Binding{{Group: uint32(i), Binding: 0, Kind: BindingUniformBuffer, Stages: StageVertex}}
	}

	var wg sync.WaitGroup
	uids := make([][4]uint32, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i, list := range lists {
				uid, err := li.intern(list)
				if err != nil {
					t.Errorf("intern: %v", err)
					return
				}
				uids[g][i] = uid
			}
		}(g)
	}
	wg.Wait()

	for g := 1; g < 8; g++ {
		if uids[g] != uids[0] {
			t.Fatalf("goroutine %d saw uids %v, goroutine 0 saw %v", g, uids[g], uids[0])
		}
	}
	if li.count() != len(lists) {
		t.Errorf("count() = %d, want %d", li.count(), len(lists))
	}
	if tb.layoutsResolved != len(lists) {
		t.Errorf("backend resolved %d layouts, want %d", tb.layoutsResolved, len(lists))
	}
}

func TestLayoutInternerEmptyList(t *testing.T) {
	tb := &testBackend{}
	li := newLayoutInterner(tb)

	uid, err := li.intern(nil)
	if err != nil {
		t.Fatalf("intern(nil): %v", err)
	}
	if uid != 0 {
		t.Errorf("empty list uid = %d, want 0", uid)
	}
	if li.count() != 0 {
		t.Errorf("empty intern grew the table to %d entries", li.count())
	}
	if h, ok := li.handle(0); !ok || h == nil {
		t.Error("empty layout missing a backend handle")
	}

	// An empty non-nil slice is the same layout; the backend resolves it
	// once.
	if uid, err := li.intern([]Binding{}); err != nil || uid != 0 {
		t.Errorf("intern(empty) = %d, %v", uid, err)
	}
	if tb.layoutsResolved != 1 {
		t.Errorf("backend resolved %d layouts for the empty list, want 1", tb.layoutsResolved)
	}

	// Regular lists still start at uid 1.
	uid1, err := li.intern(testBindings())
	if err != nil {
		t.Fatalf("intern: %v", err)
	}
	if uid1 != 1 {
		t.Errorf("first regular uid = %d, want 1", uid1)
	}

	li.clear()
	if tb.layoutsReleased != 2 {
		t.Errorf("backend released %d layouts, want 2", tb.layoutsReleased)
	}
	if _, ok := li.handle(0); ok {
		t.Error("empty handle survived clear")
	}
	if _, err := li.intern(nil); err != nil {
		t.Fatalf("intern(nil) after clear: %v", err)
	}
	if tb.layoutsResolved != 3 {
		t.Errorf("backend resolved %d layouts, want 3", tb.layoutsResolved)
	}
}

func TestLayoutInternerResolvesConcurrently(t *testing.T) {
	tb := &testBackend{
		resolveEntered: make(chan struct{}),
		resolveRelease: make(chan struct{}),
	}
	li := newLayoutInterner(tb)

	listA := testBindings()
	listB := testBindings()
	listB[1].Kind = BindingSampler

	type result struct {
		uid uint32
		err error
	}
	resA := make(chan result, 1)
	resB := make(chan result, 1)
	resA2 := make(chan result, 1)

	go func() {
		uid, err := li.intern(listA)
		resA <- result{uid, err}
	}()
	<-tb.resolveEntered

	// With the first list parked inside the backend, a distinct list must
	// still reach its own backend call.
	go func() {
		uid, err := li.intern(listB)
		resB <- result{uid, err}
	}()
	select {
	case <-tb.resolveEntered:
	case <-time.After(5 * time.Second):
		t.Fatal("intern of a distinct list blocked behind an unrelated backend resolve")
	}

	// A repeat intern of the first list waits for the in-flight resolution
	// instead of resolving again.
	go func() {
		uid, err := li.intern(testBindings())
		resA2 <- result{uid, err}
	}()

	close(tb.resolveRelease)
	a, b, a2 := <-resA, <-resB, <-resA2
	for _, r := range []result{a, b, a2} {
		if r.err != nil {
			t.Fatalf("intern: %v", r.err)
		}
	}
	if a.uid == 0 || b.uid == 0 || a.uid == b.uid {
		t.Errorf("uids = %d and %d, want distinct nonzero", a.uid, b.uid)
	}
	if a2.uid != a.uid {
		t.Errorf("repeat intern uid = %d, want %d", a2.uid, a.uid)
	}
	if tb.layoutsResolved != 2 {
		t.Errorf("backend resolved %d layouts, want 2", tb.layoutsResolved)
	}
}

func TestLayoutInternerClear(t *testing.T) {
	tb := &testBackend{}
	li := newLayoutInterner(tb)
	uid, err := li.intern(testBindings())
	if err != nil {
		t.Fatalf("intern: %v", err)
	}

	li.clear()
	if li.count() != 0 {
		t.Errorf("count() after clear = %d", li.count())
	}
	if _, ok := li.handle(uid); ok {
		t.Error("stale uid resolved after clear")
	}
	if tb.layoutsReleased != 1 {
		t.Errorf("backend released %d layouts, want 1", tb.layoutsReleased)
	}

	// Interning restarts at uid 1.
	uid2, err := li.intern(testBindings())
	if err != nil {
		t.Fatalf("intern after clear: %v", err)
	}
	if uid2 != 1 {
		t.Errorf("uid after clear = %d, want 1", uid2)
	}
}

func TestMergeBindings(t *testing.T) {
	vertex := []Binding{
		{Group: 1, Binding: 0, Kind: BindingUniformBuffer, Stages: StageVertex},
		{Group: 0, Binding: 2, Kind: BindingStorageBuffer, Stages: StageVertex},
	}
	fragment := []Binding{
		{Group: 1, Binding: 0, Kind: BindingUniformBuffer, Stages: StageFragment},
		{Group: 0, Binding: 1, Kind: BindingSampler, Stages: StageFragment},
	}

	got := mergeBindings(vertex, fragment)
	want := []Binding{
		{Group: 0, Binding: 1, Kind: BindingSampler, Stages: StageFragment},
		{Group: 0, Binding: 2, Kind: BindingStorageBuffer, Stages: StageVertex},
		{Group: 1, Binding: 0, Kind: BindingUniformBuffer, Stages: StageVertex | StageFragment},
	}
	if len(got) != len(want) {
		t.Fatalf("merged = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("merged[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestMergeBindingsEmpty(t *testing.T) {
	if got := mergeBindings(nil, nil); len(got) != 0 {
		t.Errorf("merge of empty lists = %v", got)
	}
	one := []Binding{{Group: 0, Binding: 0, Kind: BindingUniformBuffer, Stages: StageVertex}}
	if got := mergeBindings(one, nil); len(got) != 1 || got[0] != one[0] {
		t.Errorf("merge with empty fragment = %v", got)
	}
}
