// Package capability implements the capability lattice, the grant table
// that mints and revokes tokens, invocation preflight, and the per
// invocation gas meter.
//
// Tokens are host-side records. Script code only ever sees an opaque
// handle carrying the token id; every privileged action is re-authorized
// against the grant table (or a snapshot of it) at the call site.
package capability

import (
	"fmt"

	"github.com/roach88/cardrt/internal/ir"
)

// Kind is a capability kind. Kinds are totally ordered by privilege.
type Kind int

const (
	None Kind = iota
	ReadOnly
	EventWrite
	ContainerWrite
	GraphPatch
	MetaTransform
)

var kindNames = [...]string{
	None:           ir.KindNone,
	ReadOnly:       ir.KindReadOnly,
	EventWrite:     ir.KindEventWrite,
	ContainerWrite: ir.KindContainerWrite,
	GraphPatch:     ir.KindGraphPatch,
	MetaTransform:  ir.KindMetaTransform,
}

func (k Kind) String() string {
	if k < None || k > MetaTransform {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind parses a kind name as written in manifests.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return None, fmt.Errorf("unknown capability kind %q", s)
}

// MustParseKind is ParseKind for names known at build time.
func MustParseKind(s string) Kind {
	k, err := ParseKind(s)
	if err != nil {
		panic(err)
	}
	return k
}

// Join is the least upper bound.
func Join(a, b Kind) Kind { return max(a, b) }

// Meet is the greatest lower bound.
func Meet(a, b Kind) Kind { return min(a, b) }

// Dominates reports whether a grants at least the privilege of b.
func (k Kind) Dominates(b Kind) bool { return k >= b }

// MinimalKind returns the least kind that may perform e.
func MinimalKind(e ir.Effect) Kind {
	switch e.Label {
	case "reads":
		return ReadOnly
	case "creates":
		switch e.Category {
		case ir.CatRegistry:
			return ReadOnly
		case ir.CatGraph:
			return GraphPatch
		case ir.CatMeta:
			return MetaTransform
		}
		return ContainerWrite
	}
	switch e.Category {
	case ir.CatEvents, ir.CatAutomation:
		return EventWrite
	case ir.CatContainer:
		return ContainerWrite
	case ir.CatGraph:
		return GraphPatch
	case ir.CatMeta:
		return MetaTransform
	}
	return ReadOnly
}

// Grant is one scoped privilege, as found in a token set.
type Grant struct {
	Kind  Kind
	Scope Scope
}

// Compose joins two token sets per scope. The result has one grant per
// distinct scope carrying the join of the kinds granted for it.
func Compose(a, b []Grant) []Grant {
	byScope := make(map[string]Grant)
	var order []string
	for _, g := range append(append([]Grant{}, a...), b...) {
		key := g.Scope.String()
		cur, ok := byScope[key]
		if !ok {
			order = append(order, key)
			byScope[key] = g
			continue
		}
		cur.Kind = Join(cur.Kind, g.Kind)
		byScope[key] = cur
	}
	sortScopes(order)
	out := make([]Grant, len(order))
	for i, key := range order {
		out[i] = byScope[key]
	}
	return out
}

// Common meets two token sets per scope. Only scopes granted in both
// remain, carrying the meet of their kinds.
func Common(a, b []Grant) []Grant {
	right := make(map[string]Kind)
	for _, g := range Compose(b, nil) {
		right[g.Scope.String()] = g.Kind
	}
	var out []Grant
	for _, g := range Compose(a, nil) {
		k, ok := right[g.Scope.String()]
		if !ok {
			continue
		}
		if m := Meet(g.Kind, k); m > None {
			out = append(out, Grant{Kind: m, Scope: g.Scope})
		}
	}
	return out
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
