package interp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/cardrt/internal/capability"
	"github.com/roach88/cardrt/internal/check"
	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/lang"
)

// Defaults for the machine limits.
const (
	DefaultPollInterval = 1024
	DefaultMaxDepth     = 10_000
)

// HostCall is a primitive call leaving the machine. Token is the id behind
// the handle passed as the first argument; Args are the remaining
// arguments. Seq numbers host calls within one invocation from 1.
type HostCall struct {
	Primitive string
	Token     string
	Alias     string
	Args      []ir.IRValue
	Pos       lang.Pos
	Seq       int
}

// Host performs primitive calls for one invocation. It authorizes the
// token, charges the call to the invocation's meter, and performs or
// buffers the effect.
type Host interface {
	Call(call HostCall) (ir.IRValue, error)
}

// Window is the time range an invocation covers, in ticks.
type Window struct {
	Start int64
	End   int64
}

// Invocation is the immutable context of one run.
type Invocation struct {
	Card   string
	Inputs map[string]ir.IRValue
	Params ir.IRObject
	State  ir.IRValue
	Caps   map[string]string // alias -> token id
	Window Window
	Seed   int64
	Tick   int64

	Host Host
	// Gas is shared with the host so event costs and call costs land on
	// the same counter. Nil starts a fresh meter at the policy budget.
	Gas *capability.Meter
}

// Result is the outcome of a successful run.
type Result struct {
	State   ir.IRValue
	Steps   int64
	GasUsed int64
}

// Interpreter runs one checked program. It holds no per-run state and is
// safe for concurrent use.
type Interpreter struct {
	funcs    map[string]*lang.FuncDecl
	renames  map[string]string
	policy   capability.GasPolicy
	poll     int64
	maxDepth int
	logger   *slog.Logger
	stateSrc string
	state    check.Type
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithRenames maps legacy primitive names onto current ones.
func WithRenames(renames map[string]string) Option {
	return func(in *Interpreter) { in.renames = renames }
}

// WithGasPolicy sets the cost model.
func WithGasPolicy(p capability.GasPolicy) Option {
	return func(in *Interpreter) { in.policy = p }
}

// WithPollInterval sets how many steps pass between context checks.
func WithPollInterval(n int) Option {
	return func(in *Interpreter) { in.poll = int64(max(n, 1)) }
}

// WithMaxDepth bounds the continuation stack.
func WithMaxDepth(n int) Option {
	return func(in *Interpreter) { in.maxDepth = n }
}

// WithLogger sets the logger used for faults.
func WithLogger(l *slog.Logger) Option {
	return func(in *Interpreter) { in.logger = l }
}

// WithStateType narrows every returned state to the declared state type.
// The type must resolve; New reports it otherwise.
func WithStateType(ty string) Option {
	return func(in *Interpreter) { in.stateSrc = ty }
}

// New prepares prog for execution. The program must define run.
func New(prog *lang.Program, opts ...Option) (*Interpreter, error) {
	in := &Interpreter{
		funcs:    make(map[string]*lang.FuncDecl, len(prog.Funcs)),
		renames:  map[string]string{},
		policy:   capability.DefaultGasPolicy(),
		poll:     DefaultPollInterval,
		maxDepth: DefaultMaxDepth,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(in)
	}
	for _, f := range prog.Funcs {
		in.funcs[f.Name] = f
	}
	if in.funcs["run"] == nil {
		return nil, fmt.Errorf("program has no run function")
	}
	if in.stateSrc != "" {
		t, err := check.ResolveType(in.stateSrc)
		if err != nil {
			return nil, fmt.Errorf("state type: %w", err)
		}
		in.state = t
	}
	return in, nil
}

// Policy returns the cost model.
func (in *Interpreter) Policy() capability.GasPolicy { return in.policy }

// Run invokes run(ctx). It returns the new state, or a typed error:
// *capability.Violation, *capability.GasExhausted, *Timeout or
// *RuntimeFault. On error nothing the run produced is valid.
func (in *Interpreter) Run(ctx context.Context, inv Invocation) (res *Result, err error) {
	meter := inv.Gas
	if meter == nil {
		meter = in.policy.NewMeter()
	}
	m := &machine{in: in, inv: &inv, meter: meter, ctx: ctx}

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = &RuntimeFault{Card: inv.Card, Message: fmt.Sprintf("panic: %v", r)}
			in.logger.Error("interpreter panic",
				"event", "interp.panic",
				"card", inv.Card,
				"steps", m.steps,
				"panic", r,
			)
		}
	}()

	v, err := m.run(in.global("run"), []Value{in.context(inv)})
	if err != nil {
		return nil, m.boundary(err)
	}
	state, err := ToIR(v)
	if err != nil {
		return nil, &RuntimeFault{Card: inv.Card, Message: "run returned a state that is not data: " + err.Error()}
	}
	if in.state != nil {
		if state, err = check.ProjectType(state, in.state); err != nil {
			return nil, &RuntimeFault{Card: inv.Card, Message: "run returned a state of the wrong type: " + err.Error()}
		}
	}
	return &Result{State: state, Steps: m.steps, GasUsed: meter.Used()}, nil
}

func (in *Interpreter) global(name string) *Closure {
	f := in.funcs[name]
	params := make([]string, len(f.Params))
	for i, p := range f.Params {
		params[i] = p.Name
	}
	return &Closure{Name: f.Name, Params: params, Body: f.Body}
}

// context builds the ctx record passed to run.
func (in *Interpreter) context(inv Invocation) Record {
	inputs := make(Record, len(inv.Inputs))
	for port, v := range inv.Inputs {
		inputs[port] = FromIR(v)
	}
	caps := make(Record, len(inv.Caps))
	for alias, tok := range inv.Caps {
		caps[alias] = Handle{Token: tok, Alias: alias}
	}
	params := Value(Record{})
	if inv.Params != nil {
		params = FromIR(inv.Params)
	}
	state := Value(Record{})
	if inv.State != nil {
		state = FromIR(inv.State)
	}
	return Record{
		"inputs": inputs,
		"params": params,
		"state":  state,
		"caps":   caps,
		"window": Record{"start": Int(inv.Window.Start), "end": Int(inv.Window.End)},
		"seed":   Int(inv.Seed),
		"tick":   Int(inv.Tick),
	}
}
