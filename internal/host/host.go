package host

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/cardrt/internal/capability"
	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/namespace"
)

// Host mediates every effect of every card on one workspace.
type Host struct {
	ws     *Workspace
	arena  *namespace.Arena
	grants *capability.GrantTable
	board  *Board
	logs   *logLimiter
	policy capability.GasPolicy
	logger *slog.Logger

	approve  *Policy
	persist  PatchStore
	logRate  float64
	logBurst int
	now      func() time.Time
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger for host events and card log lines.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// WithGasPolicy sets the prices of host calls and emitted events.
func WithGasPolicy(p capability.GasPolicy) Option {
	return func(h *Host) { h.policy = p }
}

// WithApproval sets the patch approval policy.
func WithApproval(p *Policy) Option {
	return func(h *Host) { h.approve = p }
}

// WithPatchStore persists patch status changes.
func WithPatchStore(s PatchStore) Option {
	return func(h *Host) { h.persist = s }
}

// WithLogRate sets the per-instance log limit.
func WithLogRate(perSecond float64, burst int) Option {
	return func(h *Host) {
		h.logRate = perSecond
		h.logBurst = burst
	}
}

// WithClock replaces the clock the log limiter reads.
func WithClock(now func() time.Time) Option {
	return func(h *Host) { h.now = now }
}

// New returns a host over ws. The board subscribes to revocations on
// grants so that pending patches are invalidated immediately.
func New(ws *Workspace, arena *namespace.Arena, grants *capability.GrantTable, opts ...Option) (*Host, error) {
	h := &Host{
		ws:       ws,
		arena:    arena,
		grants:   grants,
		policy:   capability.DefaultGasPolicy(),
		logger:   slog.Default(),
		logRate:  DefaultLogRate,
		logBurst: DefaultLogBurst,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.approve == nil {
		p, err := NewPolicy("", nil)
		if err != nil {
			return nil, err
		}
		h.approve = p
	}
	h.logs = newLogLimiter(h.logRate, h.logBurst, h.now)
	h.board = newBoard(ws, grants, h.approve, h.persist, h.logger)
	return h, nil
}

// Workspace returns the mediated workspace.
func (h *Host) Workspace() *Workspace { return h.ws }

// Board returns the patch board.
func (h *Host) Board() *Board { return h.board }

// Arena returns the identifier arena registrations land in.
func (h *Host) Arena() *namespace.Arena { return h.arena }

// Policy returns the gas policy.
func (h *Host) Policy() capability.GasPolicy { return h.policy }

// LogsDropped returns how many log lines an instance has lost.
func (h *Host) LogsDropped(instance string) int64 { return h.logs.Dropped(instance) }

// Forget releases per-instance host state.
func (h *Host) Forget(instance string) { h.logs.forget(instance) }

// Session starts serving one invocation. A nil meter starts one at the
// policy budget.
func (h *Host) Session(cfg SessionConfig) *Session {
	if cfg.Gas == nil {
		cfg.Gas = h.policy.NewMeter()
	}
	return &Session{h: h, cfg: cfg}
}

// Applied reports what Apply did with an output.
type Applied struct {
	Events      int
	Points      int
	Committed   []string
	Held        []string
	Rejected    []string
	Invalidated []string
	Registered  []string
}

// Apply publishes a validated output: emissions are appended to their
// bound streams as one batch per port, registrations enter the arena, and
// patches are staged. streams maps output ports to stream names; an
// unbound port writes to <instance>/<port>.
func (h *Host) Apply(ctx context.Context, out *Output, streams map[string]string) (*Applied, error) {
	if out == nil {
		return nil, fmt.Errorf("apply: nil output")
	}
	res := &Applied{}
	for _, port := range sortedPorts(out.Events) {
		h.ws.AppendEvents(StreamName(out.Instance, port, streams), out.Events[port])
		res.Events += len(out.Events[port])
	}
	for _, port := range sortedPorts(out.Points) {
		h.ws.AppendPoints(StreamName(out.Instance, port, streams), out.Points[port])
		res.Points += len(out.Points[port])
	}
	for _, r := range out.Registrations {
		if _, err := h.arena.Register(r.Kind, out.Card, r.ID, r.Schema); err != nil {
			h.logger.Warn("registration refused",
				"event", "host.register_refused",
				"card", out.Card,
				"kind", string(r.Kind),
				"id", r.ID,
				"code", namespace.ErrorCode(err),
				"error", err,
			)
			continue
		}
		res.Registered = append(res.Registered, r.ID)
	}
	for _, p := range out.Patches {
		switch h.board.Stage(ctx, p, out.Tick) {
		case ir.PatchCommitted:
			res.Committed = append(res.Committed, p.ID)
		case ir.PatchRejected:
			res.Rejected = append(res.Rejected, p.ID)
		case ir.PatchInvalidated:
			res.Invalidated = append(res.Invalidated, p.ID)
		default:
			res.Held = append(res.Held, p.ID)
		}
	}
	h.logger.Debug("output applied",
		"event", "host.apply",
		"card", out.Card,
		"instance", out.Instance,
		"tick", out.Tick,
		"events", res.Events,
		"points", res.Points,
		"committed", len(res.Committed),
		"held", len(res.Held),
	)
	return res, nil
}

// StreamName is the stream an output port writes to: its binding, or
// <instance>/<port> when unbound.
func StreamName(instance, port string, streams map[string]string) string {
	if s, ok := streams[port]; ok && s != "" {
		return s
	}
	return instance + "/" + port
}
