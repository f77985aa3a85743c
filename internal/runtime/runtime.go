package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/cardrt/internal/capability"
	"github.com/roach88/cardrt/internal/check"
	"github.com/roach88/cardrt/internal/host"
	"github.com/roach88/cardrt/internal/registry"
)

// RevocationMode decides what a revocation does to an invocation already
// in flight.
type RevocationMode string

const (
	// RevokeFinish lets in-flight invocations finish with the tokens they
	// started with; the revocation applies from the next invocation.
	RevokeFinish RevocationMode = "finish"
	// RevokeAbort makes every host call consult the live grant table, so
	// an in-flight invocation fails at its next call after the revocation.
	RevokeAbort RevocationMode = "abort"
)

// ParseRevocationMode parses finish or abort.
func ParseRevocationMode(s string) (RevocationMode, error) {
	switch m := RevocationMode(s); m {
	case RevokeFinish, RevokeAbort:
		return m, nil
	}
	return "", fmt.Errorf("unknown revocation mode %q (want finish or abort)", s)
}

const (
	DefaultWorkers        = 4
	DefaultFrameBudget    = 50 * time.Millisecond
	DefaultFaultThreshold = 3
	// DefaultTickSpan is the length of one tick's window in event time
	// units.
	DefaultTickSpan = 96
)

// StateStore persists instances after every tick they take part in. The
// store package implements it.
type StateStore interface {
	SaveInstance(ctx context.Context, inst Instance) error
}

// Runtime owns the card instances of one workspace and runs them tick by
// tick. Ticks are strictly sequential; invocations within a tick run in
// parallel.
type Runtime struct {
	mu        sync.Mutex
	instances map[string]*Instance

	reg    *registry.Registry
	host   *host.Host
	grants *capability.GrantTable

	clock     *Clock
	ids       IDGenerator
	logger    *slog.Logger
	states    StateStore
	workers   int
	budget    time.Duration
	threshold int
	mode      RevocationMode
	span      int64
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithWorkers bounds how many invocations run at once.
func WithWorkers(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithFrameBudget sets the wall-clock budget of one invocation.
func WithFrameBudget(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.budget = d
		}
	}
}

// WithFaultThreshold sets how many consecutive faults disable an instance.
func WithFaultThreshold(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.threshold = n
		}
	}
}

// WithRevocationMode sets what revocation does to in-flight invocations.
func WithRevocationMode(m RevocationMode) Option {
	return func(r *Runtime) { r.mode = m }
}

// WithTickSpan sets the window length of one tick.
func WithTickSpan(n int64) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.span = n
		}
	}
}

// WithClock resumes from an existing clock.
func WithClock(c *Clock) Option {
	return func(r *Runtime) { r.clock = c }
}

// WithIDGenerator replaces the instance id source. Tests use fixed ids.
func WithIDGenerator(g IDGenerator) Option {
	return func(r *Runtime) { r.ids = g }
}

// WithStateStore persists instance state.
func WithStateStore(s StateStore) Option {
	return func(r *Runtime) { r.states = s }
}

// New returns a runtime with no instances.
func New(reg *registry.Registry, h *host.Host, grants *capability.GrantTable, opts ...Option) *Runtime {
	r := &Runtime{
		instances: make(map[string]*Instance),
		reg:       reg,
		host:      h,
		grants:    grants,
		clock:     NewClock(),
		ids:       UUIDv7Generator{},
		logger:    slog.Default(),
		workers:   DefaultWorkers,
		budget:    DefaultFrameBudget,
		threshold: DefaultFaultThreshold,
		mode:      RevokeFinish,
		span:      DefaultTickSpan,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Clock returns the tick clock.
func (r *Runtime) Clock() *Clock { return r.clock }

// definition resolves card@version, or the latest runnable version of a
// bare card id.
func (r *Runtime) definition(ref string) (*registry.Definition, error) {
	if strings.Contains(ref, "@") {
		if def, ok := r.reg.Get(ref); ok {
			return def, nil
		}
	} else if def, ok := r.reg.Latest(ref); ok {
		return def, nil
	}
	return nil, fmt.Errorf("definition %s: %w", ref, registry.ErrNotFound)
}

func checkPorts(def *registry.Definition, cfg InstanceConfig) error {
	sig := def.Manifest().Signature
	for port := range cfg.Inputs {
		if _, ok := sig.Inputs[port]; !ok {
			return fmt.Errorf("%s has no input port %q", def.Key(), port)
		}
	}
	for port := range cfg.Outputs {
		if _, ok := sig.Outputs[port]; !ok {
			return fmt.Errorf("%s has no output port %q", def.Key(), port)
		}
	}
	return nil
}

// AddInstance instantiates a definition. Params are validated against the
// definition's schema with defaults applied; state starts at the zero
// value of the declared state type.
func (r *Runtime) AddInstance(ctx context.Context, cfg InstanceConfig) (Instance, error) {
	def, err := r.definition(cfg.Definition)
	if err != nil {
		return Instance{}, err
	}
	if err := checkPorts(def, cfg); err != nil {
		return Instance{}, err
	}
	resolved, err := def.Loaded.Params.Resolve(cfg.Params)
	if err != nil {
		return Instance{}, fmt.Errorf("instance of %s: %w", def.Key(), err)
	}
	state, err := check.ZeroValue(def.Manifest().State)
	if err != nil {
		return Instance{}, fmt.Errorf("instance of %s: %w", def.Key(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	inst := &Instance{
		ID:         r.ids.Generate(),
		Definition: def.Key(),
		Card:       def.Card,
		Inputs:     maps.Clone(cfg.Inputs),
		Outputs:    maps.Clone(cfg.Outputs),
		Params:     cfg.Params,
		Resolved:   resolved,
		State:      state,
		Seed:       cfg.Seed,
		Offsets:    make(map[string]int),
	}
	if _, dup := r.instances[inst.ID]; dup {
		return Instance{}, fmt.Errorf("instance id %s already in use", inst.ID)
	}
	r.instances[inst.ID] = inst
	r.save(ctx, inst)
	r.logger.Info("instance added",
		"event", "runtime.instance_add",
		"instance", inst.ID,
		"definition", inst.Definition,
	)
	return inst.clone(), nil
}

// Restore reinstates persisted instances.
func (r *Runtime) Restore(instances []Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range instances {
		cp := inst.clone()
		r.instances[cp.ID] = &cp
	}
}

// RemoveInstance drops an instance and its host-side state.
func (r *Runtime) RemoveInstance(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownInstance)
	}
	delete(r.instances, id)
	r.host.Forget(id)
	r.logger.Info("instance removed", "event", "runtime.instance_remove", "instance", id)
	return nil
}

// Instance returns a copy of an instance.
func (r *Runtime) Instance(id string) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return Instance{}, false
	}
	return inst.clone(), true
}

// Instances returns copies of every instance ordered by id.
func (r *Runtime) Instances() []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Instance, 0, len(r.instances))
	for _, id := range r.sortedIDs() {
		out = append(out, r.instances[id].clone())
	}
	return out
}

func (r *Runtime) sortedIDs() []string {
	return slices.Sorted(maps.Keys(r.instances))
}

// Enable clears a disabled instance's badge and fault count.
func (r *Runtime) Enable(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownInstance)
	}
	inst.Disabled, inst.Badge, inst.Faults = false, "", 0
	r.save(ctx, inst)
	r.logger.Info("instance enabled", "event", "runtime.enable", "instance", id)
	return nil
}

// Upgrade moves an instance to another version of its card. State is
// kept when it conforms to the new state type and reset to the type's
// zero value otherwise. Params are re-resolved against the new schema;
// if they no longer validate the upgrade is refused.
func (r *Runtime) Upgrade(ctx context.Context, id, ref string) (Instance, error) {
	def, err := r.definition(ref)
	if err != nil {
		return Instance{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return Instance{}, fmt.Errorf("%s: %w", id, ErrUnknownInstance)
	}
	if def.Card != inst.Card {
		return Instance{}, fmt.Errorf("upgrade %s: %s is not a version of %s", id, def.Key(), inst.Card)
	}
	if err := checkPorts(def, InstanceConfig{Inputs: inst.Inputs, Outputs: inst.Outputs}); err != nil {
		return Instance{}, fmt.Errorf("upgrade %s: %w", id, err)
	}
	resolved, err := def.Loaded.Params.Resolve(inst.Params)
	if err != nil {
		return Instance{}, fmt.Errorf("upgrade %s: %w", id, err)
	}
	stateType := def.Manifest().State
	if err := check.ConformsTo(inst.State, stateType); err != nil {
		zero, zerr := check.ZeroValue(stateType)
		if zerr != nil {
			return Instance{}, fmt.Errorf("upgrade %s: %w", id, zerr)
		}
		r.logger.Warn("instance state reset on upgrade",
			"event", "runtime.state_reset",
			"instance", id,
			"from", inst.Definition,
			"to", def.Key(),
			"reason", err.Error(),
		)
		inst.State = zero
	}
	from := inst.Definition
	inst.Definition = def.Key()
	inst.Resolved = resolved
	r.save(ctx, inst)
	r.logger.Info("instance upgraded",
		"event", "runtime.upgrade",
		"instance", id,
		"from", from,
		"to", inst.Definition,
	)
	return inst.clone(), nil
}

func (r *Runtime) save(ctx context.Context, inst *Instance) {
	if r.states == nil {
		return
	}
	if err := r.states.SaveInstance(ctx, inst.clone()); err != nil {
		r.logger.Error("failed to persist instance",
			"event", "runtime.persist_error",
			"instance", inst.ID,
			"error", err,
		)
	}
}

// Run advances the clock n times.
func (r *Runtime) Run(ctx context.Context, n int) ([]*TickReport, error) {
	reports := make([]*TickReport, 0, n)
	for range n {
		rep, err := r.Tick(ctx)
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}
