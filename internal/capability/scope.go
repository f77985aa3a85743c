package capability

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/cardrt/internal/ir"
)

// Scope categories. Event and automation effects are scoped to the stream
// or lane they write to.
const (
	ScopeStream    = "stream"
	ScopeLane      = "lane"
	ScopeContainer = "container"
	ScopeGraph     = "graph"
	ScopeMeta      = "meta"
	ScopeRegistry  = "registry"
)

var validScopeCategories = map[string]bool{
	ScopeStream: true, ScopeLane: true, ScopeContainer: true,
	ScopeGraph: true, ScopeMeta: true, ScopeRegistry: true, "*": true,
}

// Scope is category:name. The category may be *. The name is a pattern
// where * matches any run of characters, slashes included, and ? matches
// one character.
type Scope struct {
	Category string
	Name     string
}

// ParseScope parses category:name. A bare category means category:*.
func ParseScope(s string) (Scope, error) {
	cat, name, found := strings.Cut(s, ":")
	if !found {
		name = "*"
	}
	if !validScopeCategories[cat] {
		return Scope{}, fmt.Errorf("scope %q: unknown category %q", s, cat)
	}
	if name == "" {
		return Scope{}, fmt.Errorf("scope %q: empty name", s)
	}
	if strings.ContainsAny(name, `[]\`) {
		return Scope{}, fmt.Errorf("scope %q: only * and ? wildcards are supported", s)
	}
	return Scope{Category: cat, Name: name}, nil
}

// MustParseScope is ParseScope for literals.
func MustParseScope(s string) Scope {
	sc, err := ParseScope(s)
	if err != nil {
		panic(err)
	}
	return sc
}

func (s Scope) String() string {
	return s.Category + ":" + s.Name
}

// Covers reports whether the scope includes the concrete resource r.
func (s Scope) Covers(r Scope) bool {
	if s.Category != "*" && s.Category != r.Category {
		return false
	}
	return matchName(s.Name, r.Name)
}

// matchName matches name against a * and ? pattern. Stream names such as
// inst-1/out contain slashes, so * is not stopped by them.
func matchName(pattern, name string) bool {
	p, n := []rune(pattern), []rune(name)
	pi, ni := 0, 0
	star, mark := -1, 0
	for ni < len(n) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == n[ni]):
			pi++
			ni++
		case pi < len(p) && p[pi] == '*':
			star, mark = pi, ni
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			ni = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

// CoversCategory reports whether the scope includes any resource of cat.
func (s Scope) CoversCategory(cat string) bool {
	return s.Category == "*" || s.Category == cat
}

// EffectScope maps an effect category onto the scope category of the
// resources it touches.
func EffectScope(category string) string {
	switch category {
	case ir.CatEvents:
		return ScopeStream
	case ir.CatAutomation:
		return ScopeLane
	}
	return category
}

// Resource builds the concrete scope of a touched resource.
func Resource(category, name string) Scope {
	return Scope{Category: category, Name: name}
}

// ParseResource parses a resource written category:name without wildcards.
func ParseResource(s string) (Scope, error) {
	sc, err := ParseScope(s)
	if err != nil {
		return Scope{}, err
	}
	if strings.ContainsAny(sc.Name, "*?") || sc.Category == "*" {
		return Scope{}, fmt.Errorf("resource %q must not contain wildcards", s)
	}
	return sc, nil
}

func sortScopes(keys []string) {
	slices.Sort(keys)
}

// MarshalText encodes the scope as category:name.
func (s Scope) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes category:name.
func (s *Scope) UnmarshalText(b []byte) error {
	parsed, err := ParseScope(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
