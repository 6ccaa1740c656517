package mock

import (
	"math"
	"math/rand/v2"
	"strings"

	"github.com/samber/lo"
)

// Generate expands a mock template. Map keys of the form "name|rule"
// are generated according to the rule, strings have their
// @placeholders evaluated, everything else is copied.
func Generate(tpl any) any {
	g := &generator{counters: map[string]float64{}}
	return g.value("", tpl)
}

// Field generates the value of a single "name|rule" entry, as if
// Generate had been called on {name|rule: tpl}.
func Field(name string, rule Rule, tpl any) any {
	g := &generator{counters: map[string]float64{}}
	return g.field(name, rule, tpl)
}

type generator struct {
	// counters back "+step" rules, keyed by template path; array
	// elements share their parent's path so increments run across them
	counters map[string]float64
}

func (g *generator) value(path string, tpl any) any {
	switch v := tpl.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			name, rule := SplitKey(key)
			out[name] = g.field(path+"."+name, rule, child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = g.value(path+"[]", child)
		}
		return out
	case string:
		return placeholders(v)
	default:
		return tpl
	}
}

func (g *generator) field(path string, rule Rule, tpl any) any {
	if !rule.Set {
		return g.value(path, tpl)
	}

	switch v := tpl.(type) {
	case string:
		return placeholders(strings.Repeat(v, rule.Count()))
	case bool:
		return g.boolean(rule, v)
	case int:
		return g.number(path, rule, float64(v), true)
	case int64:
		return g.number(path, rule, float64(v), true)
	case float64:
		return g.number(path, rule, v, v == math.Trunc(v))
	case []any:
		return g.array(path, rule, v)
	case map[string]any:
		return g.object(path, rule, v)
	default:
		return g.value(path, tpl)
	}
}

func (g *generator) boolean(rule Rule, v bool) bool {
	if rule.Min == rule.Max {
		return rand.IntN(2) == 0
	}
	// "min-max" keeps v with probability min/(min+max)
	if rand.IntN(rule.Min+rule.Max) < rule.Min {
		return v
	}
	return !v
}

func (g *generator) number(path string, rule Rule, v float64, integral bool) any {
	if rule.Step != 0 {
		n, seen := g.counters[path]
		if !seen {
			n = v
		} else {
			n += float64(rule.Step)
		}
		g.counters[path] = n
		if integral {
			return int(n)
		}
		return n
	}

	n := rule.Count()
	if !rule.Decimal {
		return n
	}
	places := rule.decimals()
	f := float64(n) + rand.Float64()
	if f > float64(rule.Max) && rule.Max > rule.Min {
		f = float64(rule.Max)
	}
	scale := math.Pow(10, float64(places))
	return math.Trunc(f*scale) / scale
}

func (g *generator) array(path string, rule Rule, items []any) []any {
	if rule.Step != 0 {
		if len(items) == 0 {
			return []any{}
		}
		idx := int(g.counters[path])
		g.counters[path] = float64(idx + rule.Step)
		return []any{g.value(path, items[idx%len(items)])}
	}

	n := rule.Count()
	if n < 0 {
		n = 0
	}
	return lo.Times(n, func(i int) any {
		if len(items) == 0 {
			return nil
		}
		return g.value(path+"[]", items[i%len(items)])
	})
}

func (g *generator) object(path string, rule Rule, props map[string]any) map[string]any {
	keys := lo.Shuffle(lo.Keys(props))
	n := rule.Count()
	if n > len(keys) {
		n = len(keys)
	}
	if n < 0 {
		n = 0
	}
	out := make(map[string]any, n)
	for _, key := range keys[:n] {
		name, r := SplitKey(key)
		out[name] = g.field(path+"."+name, r, props[key])
	}
	return out
}
