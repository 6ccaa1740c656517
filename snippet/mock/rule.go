package mock

import (
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
)

// Rule is the part of a template key after '|', e.g. "10", "1-5",
// "+1" or "1-10.1-3".
type Rule struct {
	Set  bool
	Min  int
	Max  int
	Step int // non-zero for "+step"

	Decimal bool
	DMin    int
	DMax    int
}

// SplitKey splits "name|rule" into its name and parsed rule.
func SplitKey(key string) (string, Rule) {
	name, raw, ok := strings.Cut(key, "|")
	if !ok {
		return key, Rule{}
	}
	return name, ParseRule(raw)
}

// ParseRule parses a rule. Malformed rules are reported as unset.
func ParseRule(raw string) Rule {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Rule{}
	}

	if strings.HasPrefix(raw, "+") {
		step, err := strconv.Atoi(raw[1:])
		if err != nil {
			return Rule{}
		}
		return Rule{Set: true, Min: 1, Max: 1, Step: step}
	}

	r := Rule{Set: true}
	intPart, decPart, hasDec := strings.Cut(raw, ".")
	var ok bool
	if r.Min, r.Max, ok = parseRange(intPart); !ok {
		return Rule{}
	}
	if hasDec {
		if r.DMin, r.DMax, ok = parseRange(decPart); !ok {
			return Rule{}
		}
		r.Decimal = true
	}
	return r
}

func parseRange(s string) (int, int, bool) {
	lo, hi, isRange := strings.Cut(s, "-")
	min, err := strconv.Atoi(lo)
	if err != nil {
		return 0, 0, false
	}
	if !isRange {
		return min, min, true
	}
	max, err := strconv.Atoi(hi)
	if err != nil {
		return 0, 0, false
	}
	if max < min {
		min, max = max, min
	}
	return min, max, true
}

// Count draws a value in [Min, Max].
func (r Rule) Count() int {
	return size(r.Min, r.Max)
}

func (r Rule) decimals() int {
	return size(r.DMin, r.DMax)
}

// between draws from [min, max] with both bounds clamped to the int32
// range, so the span never overflows.
func between(min, max int) int {
	min, max = clamp32(min), clamp32(max)
	if max <= min {
		return min
	}
	return min + int(rand.Int64N(int64(max)-int64(min)+1))
}

// size is between for counts; it never goes below zero.
func size(min, max int) int {
	n := between(min, max)
	if n < 0 {
		return 0
	}
	return n
}

func clamp32(n int) int {
	switch {
	case n < math.MinInt32:
		return math.MinInt32
	case n > math.MaxInt32:
		return math.MaxInt32
	}
	return n
}
