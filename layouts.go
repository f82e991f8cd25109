package pipecache

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
)

// layoutInterner deduplicates merged binding lists into backend pipeline
// layouts. Pipelines with the same resource interface share one layout
// object, which keeps backend layout churn at zero on the draw path.
//
// Interned layouts get small stable uids starting at 1; uid 0 is reserved
// for the empty layout, which never occupies a table entry. Uids stay
// valid until clear.
//
// The mutex guards the tables only; backend layout resolution runs with
// the mutex released.
type layoutInterner struct {
	mu      sync.RWMutex
	backend Backend

	// empty backs uid 0. Resolved on first use.
	empty         LayoutHandle
	emptyResolved bool

	// entries is indexed by uid-1.
	entries []*layoutRecord

	// byHash buckets uids by binding-list hash. Buckets resolve hash
	// collisions by comparing the full lists.
	byHash map[uint64][]uint32
}

// layoutRecord is one interned binding list. handle and err are written
// once, before ready is closed, and never change afterwards. A record
// whose resolution failed stays in the table so repeat interns of the
// same list report the same error.
type layoutRecord struct {
	bindings []Binding

	ready  chan struct{}
	handle LayoutHandle
	err    error
}

func newLayoutInterner(backend Backend) *layoutInterner {
	return &layoutInterner{
		backend: backend,
		byHash:  make(map[uint64][]uint32),
	}
}

// intern returns the uid for a canonical binding list, resolving a new
// backend layout on first sight. The input must already be canonical
// (see mergeBindings). An empty list interns to uid 0 without touching
// the table.
func (li *layoutInterner) intern(bindings []Binding) (uint32, error) {
	if len(bindings) == 0 {
		return 0, li.ensureEmpty()
	}
	h := hashBindings(bindings)

	li.mu.RLock()
	uid, rec := li.lookupLocked(h, bindings)
	li.mu.RUnlock()

	if rec == nil {
		li.mu.Lock()
		// Another goroutine may have published the same list while the
		// read lock was dropped.
		uid, rec = li.lookupLocked(h, bindings)
		if rec == nil {
			stored := make([]Binding, len(bindings))
			copy(stored, bindings)
			rec = &layoutRecord{bindings: stored, ready: make(chan struct{})}
			li.entries = append(li.entries, rec)
			uid = uint32(len(li.entries))
			li.byHash[h] = append(li.byHash[h], uid)
			li.mu.Unlock()
			if err := li.resolve(rec); err != nil {
				return 0, err
			}
			return uid, nil
		}
		li.mu.Unlock()
	}

	<-rec.ready
	if rec.err != nil {
		return 0, rec.err
	}
	return uid, nil
}

// resolve fills rec's backend handle with the interner unlocked, so
// unrelated interns and lookups proceed during the backend call.
func (li *layoutInterner) resolve(rec *layoutRecord) error {
	handle, err := li.backend.ResolveLayout(rec.bindings)
	if err != nil {
		err = fmt.Errorf("resolve pipeline layout: %w", err)
		handle = nil
	}
	li.mu.Lock()
	rec.handle = handle
	rec.err = err
	li.mu.Unlock()
	close(rec.ready)
	return err
}

// ensureEmpty resolves the backend layout behind uid 0 on first use.
func (li *layoutInterner) ensureEmpty() error {
	li.mu.RLock()
	resolved := li.emptyResolved
	li.mu.RUnlock()
	if resolved {
		return nil
	}

	handle, err := li.backend.ResolveLayout(nil)
	if err != nil {
		return fmt.Errorf("resolve pipeline layout: %w", err)
	}
	li.mu.Lock()
	if li.emptyResolved {
		li.mu.Unlock()
		li.backend.ReleaseLayout(handle)
		return nil
	}
	li.empty = handle
	li.emptyResolved = true
	li.mu.Unlock()
	return nil
}

func (li *layoutInterner) lookupLocked(h uint64, bindings []Binding) (uint32, *layoutRecord) {
	for _, uid := range li.byHash[h] {
		if rec := li.entries[uid-1]; bindingsEqual(rec.bindings, bindings) {
			return uid, rec
		}
	}
	return 0, nil
}

// handle returns the backend layout for a uid issued by intern.
func (li *layoutInterner) handle(uid uint32) (LayoutHandle, bool) {
	li.mu.RLock()
	defer li.mu.RUnlock()
	if uid == 0 {
		return li.empty, li.emptyResolved
	}
	if int(uid) > len(li.entries) {
		return nil, false
	}
	rec := li.entries[uid-1]
	if rec.handle == nil {
		return nil, false
	}
	return rec.handle, true
}

// bindings returns a copy of the binding list for a uid.
func (li *layoutInterner) bindings(uid uint32) ([]Binding, bool) {
	li.mu.RLock()
	defer li.mu.RUnlock()
	if uid == 0 {
		return nil, li.emptyResolved
	}
	if int(uid) > len(li.entries) {
		return nil, false
	}
	src := li.entries[uid-1].bindings
	out := make([]Binding, len(src))
	copy(out, src)
	return out, true
}

// count returns the number of interned layouts, not counting the empty
// layout.
func (li *layoutInterner) count() int {
	li.mu.RLock()
	defer li.mu.RUnlock()
	return len(li.entries)
}

// clear releases every backend layout and invalidates all uids.
func (li *layoutInterner) clear() {
	li.mu.Lock()
	handles := make([]LayoutHandle, 0, len(li.entries)+1)
	if li.emptyResolved {
		handles = append(handles, li.empty)
		li.empty = nil
		li.emptyResolved = false
	}
	for _, rec := range li.entries {
		if rec.handle != nil {
			handles = append(handles, rec.handle)
		}
	}
	li.entries = nil
	li.byHash = make(map[uint64][]uint32)
	li.mu.Unlock()

	for _, h := range handles {
		li.backend.ReleaseLayout(h)
	}
}

// mergeBindings combines the binding lists of a shader pair into one
// canonical list: sorted by group, then slot, then kind, with the stage
// masks of duplicate declarations OR-ed together.
func mergeBindings(vertex, fragment []Binding) []Binding {
	merged := make([]Binding, 0, len(vertex)+len(fragment))
	merged = append(merged, vertex...)

	for _, fb := range fragment {
		found := false
		for i := range merged {
			if merged[i].Group == fb.Group && merged[i].Binding == fb.Binding && merged[i].Kind == fb.Kind {
				merged[i].Stages |= fb.Stages
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, fb)
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		if a.Binding != b.Binding {
			return a.Binding < b.Binding
		}
		return a.Kind < b.Kind
	})
	return merged
}

func bindingsEqual(a, b []Binding) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func hashBindings(bindings []Binding) uint64 {
	h := fnv.New64a()
	for _, b := range bindings {
		hashWriteUint32(h, b.Group)
		hashWriteUint32(h, b.Binding)
		_, _ = h.Write([]byte{uint8(b.Kind), uint8(b.Stages)})
	}
	return h.Sum64()
}
