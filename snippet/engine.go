// Package snippet overlays declarative snippet documents onto decoded
// response payloads.
//
// A snippet is a JSON-like tree. Ordinary keys deep-merge into the
// payload with the snippet taking precedence; directive keys change how
// their target field is produced:
//
//	$fixed store: null          # replace unconditionally
//	$mockjs book|10: [item]     # generate from a mock template
//	$snippet code: other-id     # merge the named snippet "other-id"
package snippet

import (
	"errors"
	"fmt"

	"github.com/erra-dev/erra/log"
	"github.com/erra-dev/erra/snippet/mock"
)

// MergeFn merges a compiled snippet into payload and returns the result.
// The payload is never modified.
type MergeFn func(payload any) any

// ResolutionError reports a "$snippet" reference that could not be
// followed. The referencing field is left unset.
type ResolutionError struct {
	ID    string
	Field string
	Cycle bool
}

func (e *ResolutionError) Error() string {
	if e.Cycle {
		return fmt.Sprintf("snippet %q referenced from field %q forms a cycle", e.ID, e.Field)
	}
	return fmt.Sprintf("snippet %q referenced from field %q not found", e.ID, e.Field)
}

type nodeKind int

const (
	scalarNode nodeKind = iota
	objectNode
	arrayNode
)

type entry struct {
	Directive
	child *node
}

type node struct {
	kind    nodeKind
	entries []entry
	items   []*node
	value   any
}

// Compiled is a parsed snippet document, safe for concurrent use.
type Compiled struct {
	root *node
}

// Compile parses doc once so it can be merged many times.
func Compile(doc any) *Compiled {
	return &Compiled{root: compile(Normalize(doc))}
}

func compile(v any) *node {
	switch t := v.(type) {
	case map[string]any:
		n := &node{kind: objectNode}
		for _, d := range ParseDirectives(t) {
			e := entry{Directive: d}
			if d.Kind == Plain {
				e.child = compile(d.Value)
			}
			n.entries = append(n.entries, e)
		}
		return n
	case []any:
		n := &node{kind: arrayNode, items: make([]*node, len(t))}
		for i, item := range t {
			n.items[i] = compile(item)
		}
		return n
	default:
		return &node{kind: scalarNode, value: t}
	}
}

// Merge merges the document into payload, resolving "$snippet"
// references against snap (which may be nil).
func (c *Compiled) Merge(payload any, snap *Snapshot) any {
	out, err := c.MergeErr(payload, snap)
	if err != nil {
		log.Debugf("snippet merge: %v", err)
	}
	return out
}

// MergeErr is Merge that also reports unresolved references. The merged
// value is complete either way.
func (c *Compiled) MergeErr(payload any, snap *Snapshot) (any, error) {
	m := &merger{snap: snap, visiting: map[string]bool{}}
	out := m.mergeRoot(c.root, payload)
	return out, errors.Join(m.errs...)
}

type merger struct {
	snap     *Snapshot
	visiting map[string]bool
	errs     []error
}

// mergeRoot is merge, except that an empty document leaves any payload,
// scalars and nil included, as it was.
func (m *merger) mergeRoot(n *node, payload any) any {
	if n.kind == objectNode && len(n.entries) == 0 {
		return Copy(payload)
	}
	return m.merge(n, payload)
}

func (m *merger) merge(n *node, payload any) any {
	switch n.kind {
	case objectNode:
		base, _ := payload.(map[string]any)
		if len(n.entries) == 0 && base == nil {
			return map[string]any{}
		}
		out, _ := Copy(base).(map[string]any)
		if out == nil {
			out = make(map[string]any, len(n.entries))
		}
		for _, e := range n.entries {
			m.apply(out, e)
		}
		return out
	case arrayNode:
		base, _ := payload.([]any)
		out, _ := Copy(base).([]any)
		if out == nil {
			out = make([]any, 0, len(n.items))
		}
		for i, item := range n.items {
			if i < len(out) {
				out[i] = m.merge(item, out[i])
			} else {
				out = append(out, m.merge(item, nil))
			}
		}
		return out
	default:
		return Copy(n.value)
	}
}

func (m *merger) apply(out map[string]any, e entry) {
	switch e.Kind {
	case Plain:
		out[e.Field] = m.merge(e.child, out[e.Field])
	case Fixed:
		out[e.Field] = Copy(e.Value)
	case Mock:
		out[e.Field] = mock.Field(e.Field, e.Rule, Copy(e.Value))
	case SnippetRef:
		id := fmt.Sprint(e.Value)
		if m.visiting[id] {
			delete(out, e.Field)
			m.errs = append(m.errs, &ResolutionError{ID: id, Field: e.Field, Cycle: true})
			return
		}
		ref, ok := m.snap.Compiled(id)
		if !ok {
			delete(out, e.Field)
			m.errs = append(m.errs, &ResolutionError{ID: id, Field: e.Field})
			return
		}
		m.visiting[id] = true
		out[e.Field] = m.merge(ref.root, out[e.Field])
		delete(m.visiting, id)
	}
}

// Parse compiles doc into a MergeFn without a registry; "$snippet"
// references in it resolve to nothing.
func Parse(doc any) MergeFn {
	c := Compile(doc)
	return func(payload any) any {
		return c.Merge(payload, nil)
	}
}

// Source provides the current registry snapshot.
type Source interface {
	Snapshot() *Snapshot
}

// Engine merges snippets, resolving references through a Source.
type Engine struct {
	src Source
}

func NewEngine(src Source) *Engine {
	return &Engine{src: src}
}

// Parse compiles doc. References are resolved against the snapshot
// current when the returned MergeFn is called.
func (e *Engine) Parse(doc any) MergeFn {
	c := Compile(doc)
	return func(payload any) any {
		return c.Merge(payload, e.src.Snapshot())
	}
}

// GetSnippet returns a MergeFn for the named snippet, looked up when it
// is called rather than now. An unknown id returns a copy of the payload.
func (e *Engine) GetSnippet(id string) MergeFn {
	return func(payload any) any {
		snap := e.src.Snapshot()
		c, ok := snap.Compiled(id)
		if !ok {
			log.Debugf("snippet %q not found", id)
			return Copy(payload)
		}
		m := &merger{snap: snap, visiting: map[string]bool{id: true}}
		out := m.mergeRoot(c.root, payload)
		if err := errors.Join(m.errs...); err != nil {
			log.Debugf("snippet %q merge: %v", id, err)
		}
		return out
	}
}
