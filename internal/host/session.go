package host

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/cardrt/internal/capability"
	"github.com/roach88/cardrt/internal/check"
	"github.com/roach88/cardrt/internal/interp"
	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/namespace"
)

// SessionConfig describes the invocation a session serves.
type SessionConfig struct {
	Card     string
	Instance string
	Tick     int64
	// Tokens is a frozen snapshot or a live view of the card's tokens,
	// depending on the revocation mode.
	Tokens capability.Set
	// Gas is the invocation meter, shared with the interpreter.
	Gas *capability.Meter
	// Outputs maps the card's output ports to their declared types.
	Outputs map[string]string
}

// Registration is a buffered register_event_kind or register_port_type.
type Registration struct {
	Kind   namespace.Kind
	ID     string
	Schema ir.IRValue
}

// Output is everything an invocation produced, validated and ready to
// apply.
type Output struct {
	Card          string
	Instance      string
	Tick          int64
	State         ir.IRValue
	Events        map[string][]ir.Event // by output port
	Points        map[string][]ir.Point // by output port
	Patches       []*ir.Patch
	Registrations []Registration
	LogsDropped   int
}

// Empty reports whether the output carries no effects.
func (o *Output) Empty() bool {
	return len(o.Events) == 0 && len(o.Points) == 0 && len(o.Patches) == 0 && len(o.Registrations) == 0
}

type proposal struct {
	patch *ir.Patch
	token capability.Token
}

// Session serves the primitive calls of one invocation. It is used by a
// single interpreter and is not safe for concurrent use.
type Session struct {
	h   *Host
	cfg SessionConfig

	events    map[string][]ir.Event
	points    map[string][]ir.Point
	proposals []proposal
	regs      []Registration
	dropped   int
}

var _ interp.Host = (*Session)(nil)

// arity counts primitive arguments after the capability token.
var arity = map[string]int{
	"log":                 3,
	"read_container":      1,
	"emit_events":         2,
	"emit_automation":     2,
	"propose_patch":       1,
	"propose_graph_patch": 1,
	"propose_meta_patch":  1,
	"register_event_kind": 2,
	"register_port_type":  2,
}

// Call implements interp.Host.
func (s *Session) Call(call interp.HostCall) (ir.IRValue, error) {
	want, ok := arity[call.Primitive]
	if !ok {
		return nil, fmt.Errorf("unknown primitive %s", call.Primitive)
	}
	if len(call.Args) != want {
		return nil, fmt.Errorf("%s expects %d arguments after the token, got %d", call.Primitive, want, len(call.Args))
	}
	switch call.Primitive {
	case "log":
		return s.log(call)
	case "read_container":
		return s.readContainer(call)
	case "emit_events":
		return s.emitEvents(call)
	case "emit_automation":
		return s.emitAutomation(call)
	case "propose_patch", "propose_graph_patch", "propose_meta_patch":
		return s.propose(call)
	case "register_event_kind", "register_port_type":
		return s.register(call)
	}
	return nil, fmt.Errorf("primitive %s has no host implementation", call.Primitive)
}

func (s *Session) charge(n int64, what string) error {
	return s.cfg.Gas.Charge(n, what)
}

func (s *Session) callCost(primitive string) error {
	return s.charge(s.h.policy.CallCost(primitive), primitive)
}

func (s *Session) eventCost(n int, primitive string) error {
	if s.h.policy.EventCost <= 0 || n == 0 {
		return nil
	}
	return s.charge(s.h.policy.EventCost*int64(n), primitive)
}

func strArg(call interp.HostCall, i int) (string, error) {
	v, ok := call.Args[i].(ir.IRString)
	if !ok {
		return "", fmt.Errorf("%s argument %d must be a string", call.Primitive, i+2)
	}
	return string(v), nil
}

func (s *Session) log(call interp.HostCall) (ir.IRValue, error) {
	level, err := strArg(call, 0)
	if err != nil {
		return nil, err
	}
	msg, err := strArg(call, 1)
	if err != nil {
		return nil, err
	}
	if err := s.callCost(call.Primitive); err != nil {
		return nil, err
	}
	// The result is the same whether or not the line is kept, so the
	// limiter cannot influence the run.
	if !s.h.logs.allow(s.cfg.Instance) {
		s.dropped++
		return ir.IRBool(true), nil
	}
	data, err := ir.MarshalCanonical(call.Args[2])
	if err != nil {
		data = []byte(fmt.Sprintf("%q", err.Error()))
	}
	s.h.logger.Log(context.Background(), logLevel(level), msg,
		"event", "card.log",
		"card", s.cfg.Card,
		"instance", s.cfg.Instance,
		"tick", s.cfg.Tick,
		"seq", call.Seq,
		"data", string(data),
	)
	return ir.IRBool(true), nil
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func (s *Session) readContainer(call interp.HostCall) (ir.IRValue, error) {
	id, err := strArg(call, 0)
	if err != nil {
		return nil, err
	}
	if _, err := capability.Authorize(s.cfg.Tokens, s.cfg.Card, call.Token, capability.ReadOnly, capability.Resource(capability.ScopeContainer, id), s.cfg.Tick); err != nil {
		return nil, err
	}
	if err := s.callCost(call.Primitive); err != nil {
		return nil, err
	}
	c, ok := s.h.ws.Container(id)
	if !ok {
		return nil, fmt.Errorf("container %s does not exist", id)
	}
	if err := s.eventCost(len(c.Items), call.Primitive); err != nil {
		return nil, err
	}
	return c.ToIR(), nil
}

func (s *Session) outputPort(port string) error {
	if _, ok := s.cfg.Outputs[port]; !ok {
		return fmt.Errorf("%s has no output port %q", s.cfg.Card, port)
	}
	return nil
}

func (s *Session) emitEvents(call interp.HostCall) (ir.IRValue, error) {
	port, err := strArg(call, 0)
	if err != nil {
		return nil, err
	}
	if _, err := capability.Authorize(s.cfg.Tokens, s.cfg.Card, call.Token, capability.EventWrite, capability.Resource(capability.ScopeStream, port), s.cfg.Tick); err != nil {
		return nil, err
	}
	if err := s.outputPort(port); err != nil {
		return nil, err
	}
	events, err := ir.EventsFromIR(call.Args[1])
	if err != nil {
		return nil, fmt.Errorf("emit_events: %w", err)
	}
	if err := s.callCost(call.Primitive); err != nil {
		return nil, err
	}
	if err := s.eventCost(len(events), call.Primitive); err != nil {
		return nil, err
	}
	if s.events == nil {
		s.events = make(map[string][]ir.Event)
	}
	s.events[port] = append(s.events[port], events...)
	return ir.IRInt(len(events)), nil
}

func (s *Session) emitAutomation(call interp.HostCall) (ir.IRValue, error) {
	port, err := strArg(call, 0)
	if err != nil {
		return nil, err
	}
	if _, err := capability.Authorize(s.cfg.Tokens, s.cfg.Card, call.Token, capability.EventWrite, capability.Resource(capability.ScopeLane, port), s.cfg.Tick); err != nil {
		return nil, err
	}
	if err := s.outputPort(port); err != nil {
		return nil, err
	}
	points, err := ir.PointsFromIR(call.Args[1])
	if err != nil {
		return nil, fmt.Errorf("emit_automation: %w", err)
	}
	if err := s.callCost(call.Primitive); err != nil {
		return nil, err
	}
	if err := s.eventCost(len(points), call.Primitive); err != nil {
		return nil, err
	}
	if s.points == nil {
		s.points = make(map[string][]ir.Point)
	}
	s.points[port] = append(s.points[port], points...)
	return ir.IRInt(len(points)), nil
}

// propose records a patch. Only the token's liveness and kind are checked
// here; every touched resource is checked against its scope when the
// session finishes.
func (s *Session) propose(call interp.HostCall) (ir.IRValue, error) {
	tier := PrimitiveTier(call.Primitive)
	ops, err := ir.OpsFromIR(call.Args[0])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", call.Primitive, err)
	}
	resource := ""
	if len(ops) > 0 {
		resource = ops[0].Resource()
	}
	tok, err := capability.AuthorizeKind(s.cfg.Tokens, s.cfg.Card, call.Token, TierKind(tier), resource, s.cfg.Tick)
	if err != nil {
		return nil, err
	}
	if err := s.callCost(call.Primitive); err != nil {
		return nil, err
	}
	if err := s.eventCost(len(ops), call.Primitive); err != nil {
		return nil, err
	}
	id, err := ir.PatchID(s.cfg.Card, s.cfg.Instance, ir.OpsToIR(ops), s.cfg.Tick, int64(call.Seq))
	if err != nil {
		return nil, err
	}
	s.proposals = append(s.proposals, proposal{
		token: tok,
		patch: &ir.Patch{
			ID:   id,
			Tier: tier,
			Ops:  ops,
			Provenance: ir.Provenance{
				Card:       s.cfg.Card,
				Instance:   s.cfg.Instance,
				TokenID:    tok.ID,
				Capability: tok.Kind.String(),
				Tick:       s.cfg.Tick,
				Seq:        int64(call.Seq),
			},
		},
	})
	return ir.IRString(id), nil
}

func (s *Session) register(call interp.HostCall) (ir.IRValue, error) {
	id, err := strArg(call, 0)
	if err != nil {
		return nil, err
	}
	resource := capability.ScopeRegistry + ":" + id
	tok, err := capability.AuthorizeKind(s.cfg.Tokens, s.cfg.Card, call.Token, capability.ReadOnly, resource, s.cfg.Tick)
	if err != nil {
		return nil, err
	}
	if !tok.Scope.CoversCategory(capability.ScopeRegistry) {
		return nil, &capability.Violation{Card: s.cfg.Card, Missing: capability.ReadOnly.String(), Resource: resource, Reason: capability.ReasonOutOfScope}
	}
	if err := s.callCost(call.Primitive); err != nil {
		return nil, err
	}

	kind := namespace.KindEvent
	var schema ir.IRValue
	if call.Primitive == "register_port_type" {
		kind = namespace.KindPort
		def, err := strArg(call, 1)
		if err != nil {
			return nil, err
		}
		if _, err := check.ResolveType(def); err != nil {
			return nil, fmt.Errorf("register_port_type %s: %w", id, err)
		}
		schema = ir.IRString(def)
	} else {
		fields, ok := call.Args[1].(ir.IRArray)
		if !ok {
			return nil, fmt.Errorf("register_event_kind %s: fields must be a list of strings", id)
		}
		schema = fields
	}

	parsed, err := namespace.ParseID(id)
	if err != nil {
		return nil, &namespace.Error{Code: namespace.ErrNotNamespaced, Kind: kind, ID: id, Message: "extension identifiers must have the form <author>:<pack>/<name>"}
	}
	owner, err := namespace.ParseID(s.cfg.Card)
	if err != nil {
		return nil, err
	}
	if parsed.Namespace() != owner.Namespace() {
		return nil, &namespace.Error{Code: namespace.ErrWrongNamespace, Kind: kind, ID: id, Message: "card " + s.cfg.Card + " may only register in namespace " + owner.Namespace()}
	}
	s.regs = append(s.regs, Registration{Kind: kind, ID: id, Schema: schema})
	return ir.IRString(id), nil
}

// Finish validates what the run produced and returns the output. Any
// rejection empties the whole output; gas already spent stays spent.
func (s *Session) Finish(state ir.IRValue) (*Output, error) {
	if err := s.validate(); err != nil {
		s.h.logger.Warn("invocation output rejected",
			"event", "host.reject",
			"card", err.Card,
			"instance", err.Instance,
			"reason", err.Reason,
			"patch", err.Patch,
			"op", err.Op,
			"message", err.Message,
		)
		return nil, err
	}
	out := &Output{
		Card:          s.cfg.Card,
		Instance:      s.cfg.Instance,
		Tick:          s.cfg.Tick,
		State:         state,
		Events:        s.events,
		Points:        s.points,
		Registrations: s.regs,
		LogsDropped:   s.dropped,
	}
	for _, p := range s.proposals {
		out.Patches = append(out.Patches, p.patch)
	}
	return out, nil
}

func (s *Session) reject(reason, patch string, op int, msg string) *Rejection {
	return &Rejection{Card: s.cfg.Card, Instance: s.cfg.Instance, Reason: reason, Patch: patch, Op: op, Message: msg}
}

func (s *Session) validate() *Rejection {
	for _, port := range sortedPorts(s.events) {
		for i, e := range s.events[port] {
			if f := checkEvent(e); f != nil {
				return s.reject(f.reason, "", -1, fmt.Sprintf("stream %s event %d: %s", port, i, f.msg))
			}
		}
	}
	for _, port := range sortedPorts(s.points) {
		for i, p := range s.points[port] {
			if p.At < 0 {
				return s.reject(ReasonTypeMismatch, "", -1, fmt.Sprintf("lane %s point %d: at %d is negative", port, i, p.At))
			}
		}
	}
	if len(s.proposals) == 0 {
		return nil
	}
	d := s.h.ws.cloneDoc()
	for _, p := range s.proposals {
		if len(p.patch.Ops) == 0 {
			return s.reject(ReasonTypeMismatch, p.patch.ID, -1, "patch has no ops")
		}
		scope := p.token.Scope
		inverse, lines, f := d.applyOps(p.patch.Tier, &scope, p.patch.Ops)
		if f != nil {
			return s.reject(f.reason, p.patch.ID, f.index, f.msg)
		}
		p.patch.Inverse = inverse
		p.patch.Preview = previewText(p.patch, lines)
		p.patch.Status = ir.PatchStaged
	}
	return nil
}

func sortedPorts[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, ir.CompareKeys)
	return keys
}
