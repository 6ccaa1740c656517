package mock

import (
	"fmt"
	"math"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	uuid "github.com/satori/go.uuid"
)

var placeholderRe = regexp.MustCompile(`@([A-Za-z_][A-Za-z0-9_]*)(?:\(([^)]*)\))?`)

type genFunc func(args []string) any

var generators map[string]genFunc

func init() {
	generators = map[string]genFunc{
		"string":    genString,
		"character": genCharacter,
		"integer":   genInteger,
		"int":       genInteger,
		"natural":   genNatural,
		"float":     genFloat,
		"boolean":   func([]string) any { return rand.IntN(2) == 0 },
		"bool":      func([]string) any { return rand.IntN(2) == 0 },
		"word":      func(a []string) any { return word(a) },
		"sentence":  genSentence,
		"paragraph": genParagraph,
		"title":     genTitle,
		"first":     func([]string) any { return lo.Sample(firstNames) },
		"last":      func([]string) any { return lo.Sample(lastNames) },
		"name":      func([]string) any { return lo.Sample(firstNames) + " " + lo.Sample(lastNames) },
		"email":     genEmail,
		"domain":    func([]string) any { return domain() },
		"url":       genURL,
		"ip":        genIP,
		"guid":      func([]string) any { return uuid.NewV4().String() },
		"uuid":      func([]string) any { return uuid.NewV4().String() },
		"id":        genID,
		"date":      func(a []string) any { return genTime(a, "2006-01-02") },
		"time":      func(a []string) any { return genTime(a, "15:04:05") },
		"datetime":  func(a []string) any { return genTime(a, "2006-01-02 15:04:05") },
		"color":     func([]string) any { return fmt.Sprintf("#%06x", rand.IntN(0x1000000)) },
		"pick":      genPick,
	}
}

// Placeholder evaluates a single placeholder by name, reporting whether
// the name is known.
func Placeholder(name string, args ...string) (any, bool) {
	fn, ok := generators[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return fn(args), true
}

// placeholders evaluates every @name(args) in s. A string that is one
// placeholder and nothing else yields the typed value.
func placeholders(s string) any {
	if !strings.Contains(s, "@") {
		return s
	}
	if m := placeholderRe.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		name := s[m[2]:m[3]]
		var args []string
		if m[4] >= 0 {
			args = splitArgs(s[m[4]:m[5]])
		}
		if v, ok := Placeholder(name, args...); ok {
			return v
		}
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		sub := placeholderRe.FindStringSubmatch(match)
		v, ok := Placeholder(sub[1], splitArgs(sub[2])...)
		if !ok {
			return match
		}
		return fmt.Sprint(v)
	})
}

func splitArgs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for i, p := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(p), `"'`)
	}
	return parts
}

func intArg(args []string, i, def int) int {
	if i >= len(args) {
		return def
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		return def
	}
	return n
}

func isNumber(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

var pools = map[string]string{
	"lower":  "abcdefghijklmnopqrstuvwxyz",
	"upper":  "ABCDEFGHIJKLMNOPQRSTUVWXYZ",
	"number": "0123456789",
	"symbol": "!@#$%^&*()[]",
	"alpha":  "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ",
}

func pool(name string) string {
	if p, ok := pools[name]; ok {
		return p
	}
	if name == "" {
		return pools["lower"] + pools["upper"] + pools["number"] + pools["symbol"]
	}
	return name
}

func randomFrom(chars string, n int) string {
	runes := []rune(chars)
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteRune(runes[rand.IntN(len(runes))])
	}
	return b.String()
}

// genString accepts (), (len), (min, max), (pool), (pool, len) and
// (pool, min, max).
func genString(args []string) any {
	chars := pool("")
	if len(args) > 0 && !isNumber(args[0]) {
		chars = pool(args[0])
		args = args[1:]
	}
	min, max := 3, 7
	switch len(args) {
	case 0:
	case 1:
		min = intArg(args, 0, 3)
		max = min
	default:
		min, max = intArg(args, 0, 3), intArg(args, 1, 7)
	}
	return randomFrom(chars, size(min, max))
}

func genCharacter(args []string) any {
	name := ""
	if len(args) > 0 {
		name = args[0]
	}
	return randomFrom(pool(name), 1)
}

func genInteger(args []string) any {
	return between(intArg(args, 0, math.MinInt32), intArg(args, 1, math.MaxInt32))
}

func genNatural(args []string) any {
	min := intArg(args, 0, 0)
	if min < 0 {
		min = 0
	}
	return between(min, intArg(args, 1, math.MaxInt32))
}

func genFloat(args []string) any {
	n := between(intArg(args, 0, math.MinInt32), intArg(args, 1, math.MaxInt32))
	places := size(intArg(args, 2, 0), intArg(args, 3, 17))
	if places > 17 {
		places = 17
	}
	scale := math.Pow(10, float64(places))
	return float64(n) + math.Trunc(rand.Float64()*scale)/scale
}

func word(args []string) string {
	min, max := intArg(args, 0, 3), intArg(args, 1, 10)
	if len(args) == 1 {
		max = min
	}
	return randomFrom(pools["lower"], size(min, max))
}

func genSentence(args []string) any {
	min, max := intArg(args, 0, 12), intArg(args, 1, 18)
	if len(args) == 1 {
		max = min
	}
	words := lo.Times(size(min, max), func(int) string { return word(nil) })
	if len(words) == 0 {
		return ""
	}
	s := strings.Join(words, " ")
	return strings.ToUpper(s[:1]) + s[1:] + "."
}

func genParagraph(args []string) any {
	min, max := intArg(args, 0, 3), intArg(args, 1, 7)
	if len(args) == 1 {
		max = min
	}
	sentences := lo.Times(size(min, max), func(int) string { return genSentence(nil).(string) })
	return strings.Join(sentences, " ")
}

func genTitle(args []string) any {
	min, max := intArg(args, 0, 3), intArg(args, 1, 7)
	if len(args) == 1 {
		max = min
	}
	words := lo.Times(size(min, max), func(int) string {
		w := word(nil)
		return strings.ToUpper(w[:1]) + w[1:]
	})
	return strings.Join(words, " ")
}

func domain() string {
	return word([]string{"3", "10"}) + "." + lo.Sample(tlds)
}

func genEmail([]string) any {
	return word([]string{"3", "8"}) + "@" + domain()
}

func genURL(args []string) any {
	scheme := lo.Sample([]string{"http", "https"})
	if len(args) > 0 && args[0] != "" {
		scheme = args[0]
	}
	return scheme + "://" + domain() + "/" + word(nil)
}

func genIP([]string) any {
	return fmt.Sprintf("%d.%d.%d.%d", rand.IntN(256), rand.IntN(256), rand.IntN(256), rand.IntN(256))
}

func genID([]string) any {
	return strconv.Itoa(1+rand.IntN(9)) + randomFrom(pools["number"], 17)
}

func genTime(args []string, layout string) any {
	if len(args) > 0 && args[0] != "" {
		layout = args[0]
	}
	// anywhere in the last ten years
	span := int64(10 * 365 * 24 * time.Hour)
	return time.Now().Add(-time.Duration(rand.Int64N(span))).Format(layout)
}

func genPick(args []string) any {
	if len(args) == 0 {
		return nil
	}
	return lo.Sample(args)
}

var firstNames = []string{
	"James", "Mary", "John", "Patricia", "Robert", "Jennifer", "Michael",
	"Linda", "William", "Elizabeth", "David", "Barbara", "Richard", "Susan",
}

var lastNames = []string{
	"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller",
	"Davis", "Rodriguez", "Martinez", "Hernandez", "Lopez", "Wilson",
}

var tlds = []string{"com", "net", "org", "io", "dev", "cn"}
