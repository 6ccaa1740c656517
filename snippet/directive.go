package snippet

import (
	"sort"
	"strings"

	"github.com/erra-dev/erra/snippet/mock"
)

// Kind tags how a snippet entry is applied to its field.
type Kind int

const (
	// Plain entries are overlaid onto the payload by key.
	Plain Kind = iota
	// Mock entries ("$mockjs field|rule") generate the field from a mock template.
	Mock
	// SnippetRef entries ("$snippet field") merge another named snippet into the field.
	SnippetRef
	// Fixed entries ("$fixed field") replace the field with a literal.
	Fixed
)

var kindNames = map[Kind]string{
	Plain:      "plain",
	Mock:       "mockjs",
	SnippetRef: "snippet",
	Fixed:      "fixed",
}

func (k Kind) String() string {
	return kindNames[k]
}

var directiveKinds = map[string]Kind{
	"fixed":   Fixed,
	"mockjs":  Mock,
	"mock":    Mock,
	"snippet": SnippetRef,
}

// Directive is one parsed entry of a snippet object.
type Directive struct {
	Kind  Kind
	Key   string // the key as written
	Field string // target field in the payload
	Rule  mock.Rule
	Value any
}

// ParseKey classifies a snippet key. Keys shaped "$<directive> <field>"
// with a known directive name are directives, every other key is Plain
// and targets itself.
func ParseKey(key string) (Kind, string, mock.Rule) {
	if !strings.HasPrefix(key, "$") {
		return Plain, key, mock.Rule{}
	}
	name, field, ok := strings.Cut(key[1:], " ")
	field = strings.TrimSpace(field)
	kind, known := directiveKinds[strings.ToLower(name)]
	if !ok || !known || field == "" {
		return Plain, key, mock.Rule{}
	}
	if kind == Mock {
		field, rule := mock.SplitKey(field)
		return kind, field, rule
	}
	return kind, field, mock.Rule{}
}

// ParseDirectives turns the keys of obj into directives, ordered so
// that later entries win: plain overlays first, then mock, snippet
// references and finally fixed values. Keys of the same kind are sorted.
func ParseDirectives(obj map[string]any) []Directive {
	out := make([]Directive, 0, len(obj))
	for key, value := range obj {
		kind, field, rule := ParseKey(key)
		out = append(out, Directive{
			Kind:  kind,
			Key:   key,
			Field: field,
			Rule:  rule,
			Value: value,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Key < out[j].Key
	})
	return out
}
