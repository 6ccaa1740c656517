// Package rewrite merges named snippets into upstream JSON responses
// whose URL matches a configured rule.
package rewrite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/tidwall/match"
	"go.uber.org/atomic"

	"github.com/erra-dev/erra/log"
	"github.com/erra-dev/erra/proxy"
	"github.com/erra-dev/erra/snippet"
)

const metaKey = "rewrite.rule"

// Rule selects responses by method and a glob over host+path, for
// example "*example.com/api/*", and names the snippet merged into them.
type Rule struct {
	Match   string `yaml:"match"`
	Method  string `yaml:"method,omitempty"`
	Snippet string `yaml:"snippet"`
}

func (r Rule) matches(method, target string) bool {
	if r.Method != "" && r.Method != "*" && !strings.EqualFold(r.Method, method) {
		return false
	}
	return match.Match(target, r.Match)
}

// Addon binds proxy hooks to a snippet engine.
type Addon struct {
	engine *snippet.Engine
	rules  atomic.Pointer[[]Rule]

	mu     sync.Mutex
	merges map[string]snippet.MergeFn
	cancel func()
}

// New returns an addon merging snippets from registry. It follows
// registry reloads until Close.
func New(registry *snippet.Registry, rules []Rule) *Addon {
	a := &Addon{
		engine: snippet.NewEngine(registry),
		merges: make(map[string]snippet.MergeFn),
	}
	a.SetRules(rules)
	a.cancel = registry.Subscribe(a.onReload)
	return a
}

func (a *Addon) onReload(snap *snippet.Snapshot) {
	a.mu.Lock()
	a.merges = make(map[string]snippet.MergeFn)
	a.mu.Unlock()
	log.Infof("snippets reloaded: version %d, %d snippets", snap.Version(), len(snap.IDs()))
}

// SetRules replaces the rule list. The first matching rule wins.
func (a *Addon) SetRules(rules []Rule) {
	cp := append([]Rule(nil), rules...)
	a.rules.Store(&cp)
}

func (a *Addon) Rules() []Rule {
	if p := a.rules.Load(); p != nil {
		return *p
	}
	return nil
}

// Match returns the first rule for method and target, where target is
// host (without port) plus path.
func (a *Addon) Match(method, target string) (Rule, bool) {
	for _, r := range a.Rules() {
		if r.matches(method, target) {
			return r, true
		}
	}
	return Rule{}, false
}

// Install sets the addon as the proxy's hooks.
func (a *Addon) Install(h *proxy.Hooks) {
	h.SetPreForwardHook(a.PreForward)
	h.SetPostResponseHook(a.PostResponse)
}

func (a *Addon) Close() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *Addon) mergeFn(id string) snippet.MergeFn {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn, ok := a.merges[id]
	if !ok {
		fn = a.engine.GetSnippet(id)
		a.merges[id] = fn
	}
	return fn
}

// PreForward records the matching rule on the flow.
func (a *Addon) PreForward(_ context.Context, f *proxy.Flow) error {
	u := f.Request.URL
	rule, ok := a.Match(f.Request.Method, u.Hostname()+u.Path)
	if !ok {
		return nil
	}
	f.Meta[metaKey] = rule
	return nil
}

// PostResponse merges the rule's snippet into the response body. Bodies
// that are not JSON merge as a nil payload.
func (a *Addon) PostResponse(f *proxy.Flow) error {
	rule, ok := f.Meta[metaKey].(Rule)
	if !ok || f.Response == nil {
		return nil
	}
	logger := log.WithFields(log.Fields{"flow": f.Id.String(), "snippet": rule.Snippet})
	if f.Response.IsStream() {
		logger.Warn("response streamed, not rewritten")
		return nil
	}

	body, err := f.Response.DecodedBody()
	if err != nil {
		logger.Warnf("decode body: %v", err)
		return nil
	}

	payload, err := decodeJSON(body)
	if err != nil {
		logger.Debugf("body is not json: %v", err)
		payload = nil
	}

	merged := a.mergeFn(rule.Snippet)(payload)
	out, err := json.Marshal(merged)
	if err != nil {
		return err
	}

	f.Response.Header.Del("Content-Encoding")
	if !f.Response.IsJSON() {
		f.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	f.Response.SetBody(out)
	logger.Debugf("rewrote %s", f.Request.URL)
	return nil
}

// decodeJSON keeps numbers as json.Number so integers beyond 2^53 pass
// through a merge unchanged. An empty body is a nil payload.
func decodeJSON(body []byte) (any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after json value")
	}
	return v, nil
}
