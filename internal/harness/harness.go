package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/cardrt/internal/app"
	"github.com/roach88/cardrt/internal/config"
	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/runtime"
	"github.com/roach88/cardrt/internal/store"
	"github.com/roach88/cardrt/internal/testutil"
)

// Harness runs one scenario against a fully assembled runtime with a
// deterministic wall clock and sequential ids.
type Harness struct {
	app    *app.App
	clock  *testutil.DeterministicClock
	result *Result

	aliases   map[string]string
	committed []string
}

type runOptions struct {
	store  *store.Store
	logger *slog.Logger
}

// Option configures Run.
type Option func(*runOptions)

// WithStore runs the scenario over st instead of a fresh in-memory
// database. State already in st is restored first.
func WithStore(st *store.Store) Option {
	return func(o *runOptions) { o.store = st }
}

// WithLogger receives the runtime's logs. They are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *runOptions) { o.logger = l }
}

// Run executes a scenario and evaluates its assertions.
//
// Setup failures (a card that does not build, an instance that cannot be
// created) are returned as errors. Step failures are recorded in the trace
// and the run continues; assertions decide whether they matter.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := &runOptions{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(o)
	}

	cfg, err := scenarioConfig(scenario)
	if err != nil {
		return nil, err
	}

	st := o.store
	if st == nil {
		if st, err = store.Open(":memory:"); err != nil {
			return nil, fmt.Errorf("failed to create in-memory store: %w", err)
		}
		defer st.Close()
	}

	clock := testutil.NewDeterministicClock()
	a, err := app.New(ctx, cfg,
		app.WithStore(st),
		app.WithLogger(o.logger),
		app.WithInstanceIDs(testutil.NewSequentialIDs("inst")),
		app.WithTokenIDs(testutil.NewSequentialIDs("tok").Func()),
		app.WithWallClock(clock.Now),
	)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		app:     a,
		clock:   clock,
		result:  NewResult(),
		aliases: map[string]string{},
	}
	if err := h.setup(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to set up scenario: %w", err)
	}
	for _, step := range scenario.Steps {
		if err := h.step(ctx, step); err != nil {
			return nil, err
		}
	}
	if err := a.Persist(ctx); err != nil {
		return nil, err
	}

	actx := &AssertionContext{App: a, Result: h.result, Ctx: ctx}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func scenarioConfig(s *Scenario) (*config.Config, error) {
	if s.Policy.Kind == 0 {
		return config.Default(), nil
	}
	data, err := yaml.Marshal(&s.Policy)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	return cfg, nil
}

func (h *Harness) setup(ctx context.Context, s *Scenario) error {
	ws := h.app.Workspace
	for _, c := range s.Workspace.Containers {
		if err := ws.PutContainer(c); err != nil {
			return err
		}
	}
	for _, n := range s.Workspace.Nodes {
		ws.PutNode(n.ID, n.Kind)
	}
	for _, name := range sortedKeys(s.Workspace.Streams) {
		ws.AppendEvents(name, s.Workspace.Streams[name])
	}
	for _, name := range sortedKeys(s.Workspace.Lanes) {
		ws.AppendPoints(name, s.Workspace.Lanes[name])
	}

	for _, c := range s.Cards {
		if _, err := h.app.LoadCard(ctx, c.Manifest, c.Source, c.granted()); err != nil {
			return fmt.Errorf("card %s: %w", c.Manifest, err)
		}
	}

	for i, spec := range s.Instances {
		params := ir.IRObject{}
		if spec.Params != nil {
			v, err := ir.FromGo(spec.Params)
			if err != nil {
				return fmt.Errorf("instance %d params: %w", i, err)
			}
			params = v.(ir.IRObject)
		}
		_, err := h.app.Runtime.AddInstance(ctx, runtime.InstanceConfig{
			Definition: spec.Definition,
			Inputs:     spec.Inputs,
			Outputs:    spec.Outputs,
			Params:     params,
			Seed:       spec.Seed,
		})
		if err != nil {
			return fmt.Errorf("instance %d: %w", i, err)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

func (h *Harness) now() int64 { return h.app.Runtime.Clock().Current() }

func (h *Harness) record(ev TraceEvent) {
	ev.Tick = h.now()
	h.result.Trace = append(h.result.Trace, ev)
}

// alias names a patch p1, p2, ... in the order it is first seen.
func (h *Harness) alias(id string) string {
	if a, ok := h.aliases[id]; ok {
		return a
	}
	a := fmt.Sprintf("p%d", len(h.aliases)+1)
	h.aliases[id] = a
	h.result.Patches[a] = id
	return a
}

func (h *Harness) aliasAll(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = h.alias(id)
	}
	return out
}

// patchID resolves an alias or a raw patch id.
func (h *Harness) patchID(ref string) string {
	if id, ok := h.result.Patches[ref]; ok {
		return id
	}
	return ref
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (h *Harness) step(ctx context.Context, s Step) error {
	switch {
	case s.Tick > 0:
		for range s.Tick {
			if err := h.tick(ctx); err != nil {
				return err
			}
		}
	case s.Append != nil:
		h.app.Workspace.AppendEvents(s.Append.Stream, s.Append.Events)
		h.record(TraceEvent{Type: TraceAppend, Target: s.Append.Stream, Count: len(s.Append.Events)})
	case s.Commit != "":
		for _, id := range h.patches(s.Commit) {
			_, err := h.app.Host.Board().Commit(ctx, id, h.now())
			if err == nil {
				h.committed = append(h.committed, id)
			}
			h.recordPatch(TraceCommit, id, err)
		}
	case s.Rollback != "":
		id := h.patchID(s.Rollback)
		if s.Rollback == "last" {
			if len(h.committed) == 0 {
				h.record(TraceEvent{Type: TraceRollback, Error: "no committed patch"})
				return nil
			}
			id = h.committed[len(h.committed)-1]
		}
		err := h.app.Host.Board().Rollback(ctx, id)
		if err == nil {
			h.forget(id)
		}
		h.recordPatch(TraceRollback, id, err)
	case s.Reject != "":
		for _, id := range h.patches(s.Reject) {
			err := h.app.Host.Board().Reject(ctx, id, "rejected by scenario")
			h.recordPatch(TraceReject, id, err)
		}
	case s.Revoke != "":
		err := h.app.Registry.Revoke(ctx, s.Revoke, h.now(), "revoked by scenario")
		h.record(TraceEvent{Type: TraceRevoke, Target: s.Revoke, Error: errText(err)})
	case s.Enable != "":
		err := h.app.Runtime.Enable(ctx, s.Enable)
		h.record(TraceEvent{Type: TraceEnable, Target: s.Enable, Error: errText(err)})
	case s.Upgrade != nil:
		inst, err := h.app.Runtime.Upgrade(ctx, s.Upgrade.Instance, s.Upgrade.Definition)
		ev := TraceEvent{Type: TraceUpgrade, Target: s.Upgrade.Instance, Error: errText(err)}
		if err == nil {
			ev.Status = inst.Definition
		}
		h.record(ev)
	}
	return nil
}

// patches resolves "all" to every staged patch in proposal order.
func (h *Harness) patches(ref string) []string {
	if ref != "all" {
		return []string{h.patchID(ref)}
	}
	var ids []string
	for _, p := range h.app.Host.Board().List(ir.PatchStaged) {
		ids = append(ids, p.ID)
	}
	return ids
}

func (h *Harness) forget(id string) {
	for i := len(h.committed) - 1; i >= 0; i-- {
		if h.committed[i] == id {
			h.committed = append(h.committed[:i], h.committed[i+1:]...)
			return
		}
	}
}

func (h *Harness) recordPatch(typ, id string, err error) {
	ev := TraceEvent{Type: typ, Target: h.alias(id), Error: errText(err)}
	if p, ok := h.app.Host.Board().Get(id); ok {
		ev.Status = string(p.Status)
	}
	h.record(ev)
}

func (h *Harness) tick(ctx context.Context) error {
	rep, err := h.app.Runtime.Tick(ctx)
	if err != nil {
		return fmt.Errorf("tick: %w", err)
	}
	h.clock.Next()

	ev := TraceEvent{Type: TraceTick, Cycles: len(rep.Cycles)}
	for _, o := range rep.Outcomes {
		ot := OutcomeTrace{
			Instance: o.Instance,
			Card:     o.Card,
			Code:     CodeOK,
			GasUsed:  o.GasUsed,
		}
		if o.Code != "" {
			ot.Code = string(o.Code)
		}
		if ap := o.Applied; ap != nil {
			ot.Events = ap.Events
			ot.Points = ap.Points
			ot.Committed = h.aliasAll(ap.Committed)
			ot.Held = h.aliasAll(ap.Held)
			ot.Rejected = h.aliasAll(ap.Rejected)
			h.committed = append(h.committed, ap.Committed...)
		}
		ev.Outcomes = append(ev.Outcomes, ot)
	}
	h.record(ev)
	return nil
}
