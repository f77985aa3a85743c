package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Revocation is the audit record of a revoked token.
type Revocation struct {
	TokenID string
	Card    string
	Alias   string
	Kind    Kind
	Scope   Scope
	Tick    int64
	Reason  string
}

// Persister stores grants and revocations. The store package implements it.
type Persister interface {
	SaveToken(ctx context.Context, t Token) error
	RecordRevocation(ctx context.Context, r Revocation) error
}

// GrantRequest describes a token to mint.
type GrantRequest struct {
	Card          string
	Alias         string
	Kind          Kind
	Scope         Scope
	Tick          int64
	ExpiresAtTick int64
}

// GrantTable is the only place tokens are minted. It is safe for
// concurrent use; revocation takes effect for every later lookup.
type GrantTable struct {
	mu        sync.RWMutex
	tokens    map[string]Token
	byCard    map[string][]string
	listeners []func(Revocation)

	logger  *slog.Logger
	persist Persister
	newID   func() string
}

// GrantOption configures a GrantTable.
type GrantOption func(*GrantTable)

// WithLogger sets the audit logger.
func WithLogger(l *slog.Logger) GrantOption {
	return func(g *GrantTable) { g.logger = l }
}

// WithPersister stores every grant and revocation.
func WithPersister(p Persister) GrantOption {
	return func(g *GrantTable) { g.persist = p }
}

// WithIDGenerator replaces the token id source. Tests use fixed ids.
func WithIDGenerator(gen func() string) GrantOption {
	return func(g *GrantTable) { g.newID = gen }
}

// NewGrantTable returns an empty table. Token ids default to UUIDv7.
func NewGrantTable(opts ...GrantOption) *GrantTable {
	g := &GrantTable{
		tokens: make(map[string]Token),
		byCard: make(map[string][]string),
		logger: slog.Default(),
		newID: func() string {
			return uuid.Must(uuid.NewV7()).String()
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OnRevoke registers fn to run after every revocation. Listeners run
// synchronously, outside the table lock.
func (g *GrantTable) OnRevoke(fn func(Revocation)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// Grant mints a token. A card holds at most one live token per alias; a
// new grant for an alias replaces the previous one.
func (g *GrantTable) Grant(ctx context.Context, req GrantRequest) (Token, error) {
	if req.Card == "" || req.Alias == "" {
		return Token{}, fmt.Errorf("grant: card and alias are required")
	}
	if req.ExpiresAtTick != 0 && req.ExpiresAtTick <= req.Tick {
		return Token{}, fmt.Errorf("grant %s/%s: expiry tick %d is not after %d", req.Card, req.Alias, req.ExpiresAtTick, req.Tick)
	}
	t := Token{
		ID:            g.newID(),
		Card:          req.Card,
		Alias:         req.Alias,
		Kind:          req.Kind,
		Scope:         req.Scope,
		GrantedAtTick: req.Tick,
		ExpiresAtTick: req.ExpiresAtTick,
	}

	g.mu.Lock()
	var replaced []Token
	for _, id := range g.byCard[req.Card] {
		old := g.tokens[id]
		if old.Alias == req.Alias && !old.Revoked {
			replaced = append(replaced, old)
		}
	}
	g.tokens[t.ID] = t
	g.byCard[t.Card] = append(g.byCard[t.Card], t.ID)
	g.mu.Unlock()

	if g.persist != nil {
		if err := g.persist.SaveToken(ctx, t); err != nil {
			return Token{}, fmt.Errorf("grant %s/%s: %w", t.Card, t.Alias, err)
		}
	}
	g.logger.Info("capability granted",
		"event", "capability.grant",
		"card", t.Card,
		"alias", t.Alias,
		"token", t.ID,
		"kind", t.Kind.String(),
		"scope", t.Scope.String(),
		"expires_at_tick", t.ExpiresAtTick,
	)
	for _, old := range replaced {
		if err := g.Revoke(ctx, old.ID, req.Tick, "replaced by "+t.ID); err != nil {
			return t, err
		}
	}
	return t, nil
}

// Revoke revokes a token immediately. Revoking an already revoked token is
// a no-op.
func (g *GrantTable) Revoke(ctx context.Context, tokenID string, tick int64, reason string) error {
	g.mu.Lock()
	t, ok := g.tokens[tokenID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("revoke: unknown token %s", tokenID)
	}
	if t.Revoked {
		g.mu.Unlock()
		return nil
	}
	t.Revoked = true
	t.RevokedAtTick = tick
	t.RevokeReason = reason
	g.tokens[tokenID] = t
	listeners := append([]func(Revocation){}, g.listeners...)
	g.mu.Unlock()

	rev := Revocation{
		TokenID: t.ID,
		Card:    t.Card,
		Alias:   t.Alias,
		Kind:    t.Kind,
		Scope:   t.Scope,
		Tick:    tick,
		Reason:  reason,
	}
	g.logger.Warn("capability revoked",
		"event", "capability.revoke",
		"card", t.Card,
		"alias", t.Alias,
		"token", t.ID,
		"kind", t.Kind.String(),
		"scope", t.Scope.String(),
		"tick", tick,
		"reason", reason,
	)
	var persistErr error
	if g.persist != nil {
		persistErr = g.persist.RecordRevocation(ctx, rev)
	}
	for _, fn := range listeners {
		fn(rev)
	}
	if persistErr != nil {
		return fmt.Errorf("revoke %s: %w", tokenID, persistErr)
	}
	return nil
}

// RevokeCard revokes every live token of card and returns how many.
func (g *GrantTable) RevokeCard(ctx context.Context, card string, tick int64, reason string) (int, error) {
	n := 0
	for _, t := range g.List(card) {
		if t.Revoked {
			continue
		}
		if err := g.Revoke(ctx, t.ID, tick, reason); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Get returns a token by id.
func (g *GrantTable) Get(id string) (Token, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tokens[id]
	return t, ok
}

// List returns every token ever granted to card, revoked ones included,
// ordered by alias.
func (g *GrantTable) List(card string) []Token {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Token, 0, len(g.byCard[card]))
	for _, id := range g.byCard[card] {
		out = append(out, g.tokens[id])
	}
	sortTokens(out)
	return out
}

// LiveTokens returns card's tokens usable at tick.
func (g *GrantTable) LiveTokens(card string, tick int64) []Token {
	var out []Token
	for _, t := range g.List(card) {
		if t.Live(tick) {
			out = append(out, t)
		}
	}
	return out
}

// Grants returns card's live privileges at tick, one per scope.
func (g *GrantTable) Grants(card string, tick int64) []Grant {
	var gs []Grant
	for _, t := range g.LiveTokens(card, tick) {
		gs = append(gs, t.Grant())
	}
	return Compose(gs, nil)
}

// Snapshot freezes card's live tokens at tick.
func (g *GrantTable) Snapshot(card string, tick int64) *Snapshot {
	return NewSnapshot(g.LiveTokens(card, tick))
}

// View returns a set that consults the live table on every lookup.
func (g *GrantTable) View(card string) Set {
	return liveView{g: g, card: card}
}

// Restore loads previously persisted tokens without re-persisting them.
func (g *GrantTable) Restore(tokens []Token) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range tokens {
		if _, ok := g.tokens[t.ID]; !ok {
			g.byCard[t.Card] = append(g.byCard[t.Card], t.ID)
		}
		g.tokens[t.ID] = t
	}
}

type liveView struct {
	g    *GrantTable
	card string
}

func (v liveView) Token(id string) (Token, bool) {
	t, ok := v.g.Get(id)
	if !ok || t.Card != v.card {
		return Token{}, false
	}
	return t, true
}

func (v liveView) Tokens() []Token {
	return v.g.List(v.card)
}
