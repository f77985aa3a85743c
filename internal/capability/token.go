package capability

import (
	"slices"

	"github.com/roach88/cardrt/internal/ir"
)

// Token is a host-issued privilege bound to one card definition. Expiry is
// a logical tick; zero means the token does not expire.
type Token struct {
	ID            string `json:"id"`
	Card          string `json:"card"`
	Alias         string `json:"alias"`
	Kind          Kind   `json:"kind"`
	Scope         Scope  `json:"scope"`
	GrantedAtTick int64  `json:"granted_at_tick"`
	ExpiresAtTick int64  `json:"expires_at_tick,omitempty"`

	Revoked       bool   `json:"revoked,omitempty"`
	RevokedAtTick int64  `json:"revoked_at_tick,omitempty"`
	RevokeReason  string `json:"revoke_reason,omitempty"`
}

// Expired reports whether the token has passed its expiry at tick.
func (t Token) Expired(tick int64) bool {
	return t.ExpiresAtTick > 0 && tick >= t.ExpiresAtTick
}

// Live reports whether the token can be used at tick.
func (t Token) Live(tick int64) bool {
	return !t.Revoked && !t.Expired(tick)
}

// Grant returns the token's privilege.
func (t Token) Grant() Grant {
	return Grant{Kind: t.Kind, Scope: t.Scope}
}

// usable explains why t cannot be used by card for need at tick, or "".
func (t Token) usable(card string, need Kind, tick int64) string {
	switch {
	case t.Card != card:
		return ReasonForeign
	case t.Revoked:
		return ReasonRevoked
	case t.Expired(tick):
		return ReasonExpired
	case !t.Kind.Dominates(need):
		return ReasonInsufficient
	}
	return ""
}

// check is usable plus the scope test for resource.
func (t Token) check(card string, need Kind, resource Scope, tick int64) string {
	if reason := t.usable(card, need, tick); reason != "" {
		return reason
	}
	if !t.Scope.Covers(resource) {
		return ReasonOutOfScope
	}
	return ""
}

// Set is the token set an invocation runs against.
type Set interface {
	// Token returns the token with the given id, if the set holds it.
	Token(id string) (Token, bool)
	// Tokens returns every token in the set ordered by alias.
	Tokens() []Token
}

// Authorize checks that the token behind handle lets card perform need on
// resource at tick. The returned token is the one that authorized it.
func Authorize(set Set, card, handle string, need Kind, resource Scope, tick int64) (Token, error) {
	tok, ok := set.Token(handle)
	if !ok {
		return Token{}, &Violation{Card: card, Missing: need.String(), Resource: resource.String(), Reason: ReasonNoToken}
	}
	if reason := tok.check(card, need, resource, tick); reason != "" {
		return Token{}, &Violation{Card: card, Missing: need.String(), Resource: resource.String(), Reason: reason}
	}
	return tok, nil
}

// AuthorizeKind is Authorize without the scope test. It is used when the
// touched resources are only known after the call, as for patches; scope
// is then checked per resource at validation. resource names the first
// touched resource for the diagnostic and may be empty.
func AuthorizeKind(set Set, card, handle string, need Kind, resource string, tick int64) (Token, error) {
	tok, ok := set.Token(handle)
	if !ok {
		return Token{}, &Violation{Card: card, Missing: need.String(), Resource: resource, Reason: ReasonNoToken}
	}
	if reason := tok.usable(card, need, tick); reason != "" {
		return Token{}, &Violation{Card: card, Missing: need.String(), Resource: resource, Reason: reason}
	}
	return tok, nil
}

// Snapshot is an immutable token set, used when in-flight invocations
// keep the privileges they started with.
type Snapshot struct {
	tokens map[string]Token
}

// NewSnapshot freezes tokens.
func NewSnapshot(tokens []Token) *Snapshot {
	s := &Snapshot{tokens: make(map[string]Token, len(tokens))}
	for _, t := range tokens {
		s.tokens[t.ID] = t
	}
	return s
}

func (s *Snapshot) Token(id string) (Token, bool) {
	t, ok := s.tokens[id]
	return t, ok
}

func (s *Snapshot) Tokens() []Token {
	out := make([]Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	sortTokens(out)
	return out
}

func sortTokens(ts []Token) {
	slices.SortFunc(ts, func(a, b Token) int {
		if c := ir.CompareKeys(a.Alias, b.Alias); c != 0 {
			return c
		}
		return ir.CompareKeys(a.ID, b.ID)
	})
}

// Uncovered returns the effects of row that no grant covers. An effect is
// covered by a grant whose kind dominates the effect's minimal kind and
// whose scope includes the effect's resource category.
func Uncovered(row ir.EffectRow, grants []Grant) []ir.Effect {
	var out []ir.Effect
	for _, e := range row.Effects() {
		if !covered(e, grants) {
			out = append(out, e)
		}
	}
	return out
}

func covered(e ir.Effect, grants []Grant) bool {
	need := MinimalKind(e)
	cat := EffectScope(e.Category)
	for _, g := range grants {
		if g.Kind.Dominates(need) && g.Scope.CoversCategory(cat) {
			return true
		}
	}
	return false
}

// Preflight verifies, before the interpreter runs, that every required
// capability is held by a live token under its alias and that every
// declared effect is covered. An uncovered card never executes.
func Preflight(card string, required []ir.CapabilityDescriptor, declared ir.EffectRow, set Set, tick int64) error {
	byAlias := make(map[string]Token)
	var grants []Grant
	for _, t := range set.Tokens() {
		if t.Card == card && t.Live(tick) {
			byAlias[t.Alias] = t
			grants = append(grants, t.Grant())
		}
	}
	for _, req := range required {
		need, err := ParseKind(req.Kind)
		if err != nil {
			return err
		}
		scope, err := ParseScope(req.Scope)
		if err != nil {
			return err
		}
		v := &Violation{Card: card, Missing: need.String(), Resource: scope.String()}
		t, ok := byAlias[req.Name]
		switch {
		case !ok:
			v.Reason = ReasonNoToken
		case !t.Kind.Dominates(need):
			v.Reason = ReasonInsufficient
		case !t.Scope.Covers(scope):
			v.Reason = ReasonOutOfScope
		default:
			continue
		}
		return v
	}
	missing := Uncovered(declared, grants)
	if len(missing) == 0 {
		return nil
	}
	e := missing[0]
	return &Violation{
		Card:     card,
		Missing:  MinimalKind(e).String(),
		Resource: EffectScope(e.Category) + ":*",
		Effect:   e.String(),
		Reason:   "declared effect not covered by a live token",
	}
}
