package snippet

import (
	"sort"
	"sync"

	"go.uber.org/atomic"
)

// Snapshot is an immutable view of the named snippets. A nil Snapshot
// is empty.
type Snapshot struct {
	version uint64
	docs    map[string]any
	// compiled documents, filled lazily and dropped with the snapshot
	compiled sync.Map
}

func newSnapshot(version uint64, docs map[string]any) *Snapshot {
	owned := make(map[string]any, len(docs))
	for id, doc := range docs {
		owned[id] = Normalize(doc)
	}
	return &Snapshot{version: version, docs: owned}
}

// Version increases by one with every registry replacement.
func (s *Snapshot) Version() uint64 {
	if s == nil {
		return 0
	}
	return s.version
}

// Lookup returns a copy of the document named id.
func (s *Snapshot) Lookup(id string) (any, bool) {
	if s == nil {
		return nil, false
	}
	doc, ok := s.docs[id]
	if !ok {
		return nil, false
	}
	return Copy(doc), true
}

// Compiled returns the compiled document named id.
func (s *Snapshot) Compiled(id string) (*Compiled, bool) {
	if s == nil {
		return nil, false
	}
	if c, ok := s.compiled.Load(id); ok {
		return c.(*Compiled), true
	}
	doc, ok := s.docs[id]
	if !ok {
		return nil, false
	}
	c, _ := s.compiled.LoadOrStore(id, Compile(doc))
	return c.(*Compiled), true
}

// IDs returns the sorted snippet ids.
func (s *Snapshot) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Registry owns the current set of named snippets. Readers take a
// Snapshot; writers replace the whole set and subscribers are notified.
type Registry struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64

	mu     sync.Mutex
	nextID int
	subs   map[int]func(*Snapshot)
}

func NewRegistry(docs map[string]any) *Registry {
	r := &Registry{subs: make(map[int]func(*Snapshot))}
	r.current.Store(newSnapshot(0, docs))
	return r
}

// Snapshot implements Source.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Lookup resolves id in the current snapshot.
func (r *Registry) Lookup(id string) (any, bool) {
	return r.Snapshot().Lookup(id)
}

// Replace swaps in a new snippet set and notifies subscribers.
func (r *Registry) Replace(docs map[string]any) *Snapshot {
	r.mu.Lock()
	snap := newSnapshot(r.version.Inc(), docs)
	r.current.Store(snap)
	subs := make([]func(*Snapshot), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	return snap
}

// Subscribe registers fn to run after every Replace. The returned
// function removes the subscription.
func (r *Registry) Subscribe(fn func(*Snapshot)) (cancel func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}
