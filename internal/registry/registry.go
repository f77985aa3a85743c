package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/roach88/cardrt/internal/capability"
	"github.com/roach88/cardrt/internal/compiler"
	"github.com/roach88/cardrt/internal/interp"
	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/lang"
	"github.com/roach88/cardrt/internal/namespace"
)

// Definition is an installed card: its artifact and the interpreter that
// runs it. It never changes after installation.
type Definition struct {
	Card        string
	Version     string
	Artifact    *ir.Artifact
	Loaded      *compiler.Loaded
	Interpreter *interp.Interpreter
}

// Key identifies the definition as card@version.
func (d *Definition) Key() string { return Key(d.Card, d.Version) }

// Manifest returns the definition's manifest.
func (d *Definition) Manifest() *ir.Manifest { return &d.Artifact.Manifest }

// Key builds a definition key.
func Key(card, version string) string { return card + "@" + version }

// Info is a point-in-time view of a definition's lifecycle.
type Info struct {
	Key         string
	Card        string
	Version     string
	State       State
	Artifact    string
	Diagnostics lang.Diagnostics
}

// ArtifactStore persists installed artifacts. The store package
// implements it.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, a *ir.Artifact) error
}

type entry struct {
	key      string
	card     string
	version  string
	def      *Definition
	state    State
	diags    lang.Diagnostics
	inFlight int
}

// Registry holds card definitions by key. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	compiler *compiler.Compiler
	grants   *capability.GrantTable
	arena    *namespace.Arena
	persist  ArtifactStore
	interp   []interp.Option
	logger   *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the lifecycle logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithArtifactStore persists every installed artifact.
func WithArtifactStore(s ArtifactStore) Option {
	return func(r *Registry) { r.persist = s }
}

// WithInterpreterOptions sets the options every definition's interpreter
// is built with.
func WithInterpreterOptions(opts ...interp.Option) Option {
	return func(r *Registry) { r.interp = append(r.interp, opts...) }
}

// New returns an empty registry.
func New(c *compiler.Compiler, grants *capability.GrantTable, arena *namespace.Arena, opts ...Option) *Registry {
	r := &Registry{
		entries:  make(map[string]*entry),
		compiler: c,
		grants:   grants,
		arena:    arena,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// move applies a lifecycle edge. Callers hold r.mu.
func (r *Registry) move(e *entry, to State) error {
	if !CanTransition(e.state, to) {
		return &TransitionError{Key: e.key, From: e.state, To: to}
	}
	r.logger.Info("card lifecycle transition",
		"event", "registry.transition",
		"card", e.card,
		"version", e.version,
		"from", string(e.state),
		"to", string(to),
	)
	e.state = to
	return nil
}

// begin registers a new entry in the checking state.
func (r *Registry) begin(card, version string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Key(card, version)
	if old, ok := r.entries[key]; ok && old.state != Rejected {
		return nil, fmt.Errorf("card %s is already loaded (%s)", key, old.state)
	}
	e := &entry{key: key, card: card, version: version, state: Unloaded}
	r.entries[key] = e
	if err := r.move(e, Checking); err != nil {
		return nil, err
	}
	return e, nil
}

// Load checks and compiles manifest and source. On success the definition
// is installed; on failure it is kept as rejected with its diagnostics and
// the build error is returned.
func (r *Registry) Load(ctx context.Context, m *ir.Manifest, source string) (*Definition, error) {
	e, err := r.begin(m.ID, m.Version)
	if err != nil {
		return nil, err
	}
	a, err := r.compiler.Build(m, source)
	if err != nil {
		r.reject(e, err)
		return nil, err
	}
	return r.install(ctx, e, a)
}

// Install loads a previously built artifact, verifying its content address
// and host API compatibility.
func (r *Registry) Install(ctx context.Context, a *ir.Artifact) (*Definition, error) {
	e, err := r.begin(a.Manifest.ID, a.Manifest.Version)
	if err != nil {
		return nil, err
	}
	return r.install(ctx, e, a)
}

func (r *Registry) reject(e *entry, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.diags = compiler.Diagnostics(err)
	_ = r.move(e, Rejected)
	r.logger.Warn("card rejected",
		"event", "registry.reject",
		"card", e.card,
		"version", e.version,
		"diagnostics", len(e.diags),
		"error", err,
	)
}

func (r *Registry) install(ctx context.Context, e *entry, a *ir.Artifact) (*Definition, error) {
	loaded, err := r.compiler.Load(a)
	if err != nil {
		r.reject(e, err)
		return nil, err
	}
	opts := append([]interp.Option{interp.WithRenames(loaded.Renames), interp.WithLogger(r.logger), interp.WithStateType(a.Manifest.State)}, r.interp...)
	in, err := interp.New(loaded.Program, opts...)
	if err != nil {
		r.reject(e, err)
		return nil, err
	}
	if r.persist != nil {
		if err := r.persist.SaveArtifact(ctx, a); err != nil {
			r.reject(e, err)
			return nil, fmt.Errorf("install %s: %w", e.key, err)
		}
	}
	def := &Definition{Card: e.card, Version: e.version, Artifact: a, Loaded: loaded, Interpreter: in}

	r.mu.Lock()
	defer r.mu.Unlock()
	e.def = def
	if err := r.move(e, Installed); err != nil {
		return nil, err
	}
	return def, nil
}

func (r *Registry) lookup(key string) (*entry, error) {
	e, ok := r.entries[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return e, nil
}

// Grant describes how the host answers one required capability. A zero
// Scope grants the scope the manifest asked for.
type Grant struct {
	Alias         string
	Kind          capability.Kind
	Scope         capability.Scope
	ExpiresAtTick int64
}

// RequestCapabilities moves an installed definition to capability_pending
// and returns what it asks for.
func (r *Registry) RequestCapabilities(key string) ([]ir.CapabilityDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	if e.state != CapabilityPending {
		if err := r.move(e, CapabilityPending); err != nil {
			return nil, err
		}
	}
	return slices.Clone(e.def.Manifest().RequiredCapabilities), nil
}

// Approve mints tokens for a pending definition. With no grants given,
// every required capability is granted exactly as requested.
func (r *Registry) Approve(ctx context.Context, key string, tick int64, grants ...Grant) error {
	r.mu.RLock()
	e, err := r.lookup(key)
	if err != nil {
		r.mu.RUnlock()
		return err
	}
	state, def := e.state, e.def
	r.mu.RUnlock()
	if state != CapabilityPending {
		return &TransitionError{Key: key, From: state, To: CapabilityGranted}
	}

	if len(grants) == 0 {
		for _, d := range def.Manifest().RequiredCapabilities {
			kind, err := capability.ParseKind(d.Kind)
			if err != nil {
				return err
			}
			scope, err := capability.ParseScope(d.Scope)
			if err != nil {
				return err
			}
			grants = append(grants, Grant{Alias: d.Name, Kind: kind, Scope: scope})
		}
	}
	for _, g := range grants {
		scope := g.Scope
		if scope == (capability.Scope{}) {
			scope = requestedScope(def, g.Alias)
		}
		_, err := r.grants.Grant(ctx, capability.GrantRequest{
			Card:          def.Card,
			Alias:         g.Alias,
			Kind:          g.Kind,
			Scope:         scope,
			Tick:          tick,
			ExpiresAtTick: g.ExpiresAtTick,
		})
		if err != nil {
			return fmt.Errorf("approve %s: %w", key, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.move(e, CapabilityGranted)
}

func requestedScope(def *Definition, alias string) capability.Scope {
	for _, d := range def.Manifest().RequiredCapabilities {
		if d.Name == alias {
			if s, err := capability.ParseScope(d.Scope); err == nil {
				return s
			}
		}
	}
	return capability.Scope{Category: "*", Name: "*"}
}

// Activate makes a granted definition runnable.
func (r *Registry) Activate(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookup(key)
	if err != nil {
		return err
	}
	return r.move(e, Active)
}

// Enable runs a freshly installed definition through capability approval
// and activation, granting every required capability as requested.
func (r *Registry) Enable(ctx context.Context, key string, tick int64) error {
	if _, err := r.RequestCapabilities(key); err != nil {
		return err
	}
	if err := r.Approve(ctx, key, tick); err != nil {
		return err
	}
	return r.Activate(key)
}

// Resume reactivates an installed definition whose tokens were restored
// into the grant table from storage. It reports whether the definition is
// active; a card that requires capabilities but holds no live token stays
// installed.
func (r *Registry) Resume(key string, tick int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookup(key)
	if err != nil {
		return false, err
	}
	if e.state != Installed {
		return false, &TransitionError{Key: key, From: e.state, To: Active}
	}
	if len(e.def.Manifest().RequiredCapabilities) > 0 && len(r.grants.LiveTokens(e.card, tick)) == 0 {
		return false, nil
	}
	for _, to := range []State{CapabilityPending, CapabilityGranted, Active} {
		if err := r.move(e, to); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Begin marks the start of one invocation. The definition is invoking
// while at least one invocation is in flight.
func (r *Registry) Begin(key string) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	if !e.state.Runnable() {
		return nil, &TransitionError{Key: key, From: e.state, To: Invoking}
	}
	if e.inFlight == 0 {
		if err := r.move(e, Invoking); err != nil {
			return nil, err
		}
	}
	e.inFlight++
	return e.def, nil
}

// End marks the end of an invocation started with Begin.
func (r *Registry) End(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || e.inFlight == 0 {
		return
	}
	e.inFlight--
	if e.inFlight == 0 && e.state == Invoking {
		_ = r.move(e, Active)
	}
}

// Revoke revokes every token of the definition's card, which invalidates
// its pending patches, and leaves the definition inert.
func (r *Registry) Revoke(ctx context.Context, key string, tick int64, reason string) error {
	r.mu.Lock()
	e, err := r.lookup(key)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if err := r.move(e, Revoked); err != nil {
		r.mu.Unlock()
		return err
	}
	card := e.card
	r.mu.Unlock()

	n, err := r.grants.RevokeCard(ctx, card, tick, reason)
	if err != nil {
		return fmt.Errorf("revoke %s: %w", key, err)
	}
	r.logger.Warn("card revoked",
		"event", "registry.revoke",
		"card", card,
		"tokens", n,
		"tick", tick,
		"reason", reason,
	)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.move(e, Inert)
}

// Unload removes a definition. When no other definition of the pack
// remains, the pack's registrations leave the arena.
func (r *Registry) Unload(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookup(key)
	if err != nil {
		return err
	}
	if err := r.move(e, Unloaded); err != nil {
		return err
	}
	delete(r.entries, key)

	id, err := namespace.ParseID(e.card)
	if err != nil {
		return nil
	}
	for _, other := range r.entries {
		if oid, err := namespace.ParseID(other.card); err == nil && oid.Namespace() == id.Namespace() {
			return nil
		}
	}
	if n := r.arena.RemoveNamespace(id.Namespace()); n > 0 {
		r.logger.Info("pack registrations removed",
			"event", "registry.unload_pack",
			"namespace", id.Namespace(),
			"entries", n,
		)
	}
	return nil
}

// State returns a definition's lifecycle state, or unloaded.
func (r *Registry) State(key string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[key]; ok {
		return e.state
	}
	return Unloaded
}

// Get returns an installed definition.
func (r *Registry) Get(key string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok || e.def == nil {
		return nil, false
	}
	return e.def, true
}

// Latest returns the highest runnable version of a card.
func (r *Registry) Latest(card string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *entry
	var bestV *semver.Version
	for _, e := range r.entries {
		if e.card != card || !e.state.Runnable() {
			continue
		}
		v, err := semver.NewVersion(e.version)
		if err != nil {
			continue
		}
		if best == nil || v.GreaterThan(bestV) {
			best, bestV = e, v
		}
	}
	if best == nil {
		return nil, false
	}
	return best.def, true
}

// List returns every definition ordered by key.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		info := Info{Key: e.key, Card: e.card, Version: e.version, State: e.state, Diagnostics: e.diags}
		if e.def != nil {
			info.Artifact = e.def.Artifact.ID
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b Info) int { return ir.CompareKeys(a.Key, b.Key) })
	return out
}
