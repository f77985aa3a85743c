package interp

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/cardrt/internal/capability"
	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/lang"
)

// machine is the state of one run: control, environment and continuation.
// When ret is set the control is val, otherwise it is expr under env.
type machine struct {
	in    *Interpreter
	inv   *Invocation
	meter *capability.Meter
	ctx   context.Context
	steps int64
	calls int

	k    []frame
	expr lang.Expr
	env  *env
	val  Value
	ret  bool
}

// frame is a pending continuation. resume receives the value the machine
// just produced.
type frame interface {
	resume(m *machine, v Value) error
}

func (m *machine) eval(e lang.Expr, env *env) {
	m.expr, m.env, m.ret = e, env, false
}

func (m *machine) give(v Value) {
	m.val, m.ret = v, true
}

func (m *machine) push(f frame) {
	m.k = append(m.k, f)
}

// run applies fn to args and reduces until the continuation is empty.
func (m *machine) run(fn Value, args []Value) (Value, error) {
	if err := m.ctx.Err(); err != nil {
		return nil, &Timeout{Card: m.inv.Card, Err: err}
	}
	if err := m.apply(fn, args, lang.Pos{}); err != nil {
		return nil, err
	}
	for {
		if m.ret {
			if len(m.k) == 0 {
				return m.val, nil
			}
			f := m.k[len(m.k)-1]
			m.k = m.k[:len(m.k)-1]
			if err := m.step(lang.Pos{}, false); err != nil {
				return nil, err
			}
			if err := f.resume(m, m.val); err != nil {
				return nil, err
			}
			continue
		}
		_, lookup := m.expr.(*lang.Ident)
		if err := m.step(m.expr.Pos(), lookup); err != nil {
			return nil, err
		}
		if err := m.reduce(m.expr, m.env); err != nil {
			return nil, err
		}
	}
}

// step accounts for one transition. Variable lookups are free.
func (m *machine) step(pos lang.Pos, free bool) error {
	m.steps++
	if m.steps%m.in.poll == 0 {
		if err := m.ctx.Err(); err != nil {
			return &Timeout{Card: m.inv.Card, Steps: m.steps, Err: err}
		}
	}
	if len(m.k) > m.in.maxDepth {
		return faultf(pos, "continuation depth exceeds %d", m.in.maxDepth)
	}
	if free {
		return nil
	}
	return m.meter.Charge(m.in.policy.StepCost, "step")
}

// charge bills n library elements.
func (m *machine) charge(n int64, what string) error {
	return m.meter.Charge(n*m.in.policy.ElementCost, what)
}

// boundary converts internal faults to RuntimeFault. Capability
// violations, gas exhaustion and timeouts pass through unchanged.
func (m *machine) boundary(err error) error {
	var f *fault
	if errors.As(err, &f) {
		m.in.logger.Warn("runtime fault",
			"event", "interp.fault",
			"card", m.inv.Card,
			"pos", f.pos.String(),
			"steps", m.steps,
			"error", f.msg,
		)
		return &RuntimeFault{Card: m.inv.Card, Pos: f.pos, Message: f.msg, Err: f.err}
	}
	return err
}

func (m *machine) reduce(e lang.Expr, env *env) error {
	switch e := e.(type) {
	case *lang.IntLit:
		m.give(Int(e.Value))
	case *lang.StrLit:
		m.give(Str(e.Value))
	case *lang.BoolLit:
		m.give(Bool(e.Value))
	case *lang.Ident:
		v, err := m.lookup(e, env)
		if err != nil {
			return err
		}
		m.give(v)
	case *lang.Let:
		m.push(&letFrame{name: e.Name, body: e.Body, env: env})
		m.eval(e.Bound, env)
	case *lang.If:
		m.push(&ifFrame{e: e, env: env})
		m.eval(e.Cond, env)
	case *lang.Unary:
		m.push(&unaryFrame{e: e})
		m.eval(e.X, env)
	case *lang.Binary:
		if e.Op == lang.AND || e.Op == lang.OR {
			m.push(&logicFrame{e: e, env: env})
		} else {
			m.push(&leftFrame{e: e, env: env})
		}
		m.eval(e.L, env)
	case *lang.ListLit:
		if len(e.Elems) == 0 {
			m.give(List{})
			return nil
		}
		m.push(&listFrame{elems: e.Elems, env: env, out: make(List, 0, len(e.Elems))})
		m.eval(e.Elems[0], env)
	case *lang.RecordLit:
		if len(e.Fields) == 0 {
			m.give(Record{})
			return nil
		}
		m.push(&recordFrame{fields: e.Fields, env: env, out: make(map[string]Value, len(e.Fields))})
		m.eval(e.Fields[0].Value, env)
	case *lang.RecordUpdate:
		m.push(&updateFrame{e: e, env: env})
		m.eval(e.Base, env)
	case *lang.FieldAccess:
		m.push(&fieldFrame{e: e})
		m.eval(e.X, env)
	case *lang.Call:
		if prim, ok := m.primitive(e.Fn, env); ok {
			if len(e.Args) == 0 {
				return m.callPrimitive(prim, e.At, nil)
			}
			m.push(&argsFrame{call: e, env: env, prim: prim, out: make([]Value, 0, len(e.Args))})
			m.eval(e.Args[0], env)
			return nil
		}
		m.push(&calleeFrame{call: e, env: env})
		m.eval(e.Fn, env)
	case *lang.Lambda:
		params := make([]string, len(e.Params))
		for i, p := range e.Params {
			params[i] = p.Name
		}
		m.give(&Closure{Params: params, Body: e.Body, Env: env})
	default:
		return faultf(e.Pos(), "cannot evaluate %T", e)
	}
	return nil
}

func (m *machine) lookup(id *lang.Ident, env *env) (Value, error) {
	if v, ok := env.lookup(id.Name); ok {
		return v, nil
	}
	if _, ok := m.in.funcs[id.Name]; ok {
		return m.in.global(id.Name), nil
	}
	if _, ok := library[id.Name]; ok {
		return Builtin{Name: id.Name}, nil
	}
	return nil, faultf(id.At, "unbound name %s", id.Name)
}

// primitive reports the primitive a call targets. Locals and top-level
// functions shadow primitives; legacy names are renamed.
func (m *machine) primitive(fn lang.Expr, env *env) (string, bool) {
	id, ok := fn.(*lang.Ident)
	if !ok {
		return "", false
	}
	if _, local := env.lookup(id.Name); local {
		return "", false
	}
	if _, top := m.in.funcs[id.Name]; top {
		return "", false
	}
	name := id.Name
	if to, ok := m.in.renames[name]; ok {
		name = to
	}
	_, prim := ir.Primitives[name]
	return name, prim
}

// apply calls a function value. Closure bodies continue under the current
// continuation, so tail calls do not grow the stack.
func (m *machine) apply(fn Value, args []Value, pos lang.Pos) error {
	switch f := fn.(type) {
	case *Closure:
		if len(args) != len(f.Params) {
			return faultf(pos, "%s expects %d arguments, got %d", closureName(f), len(f.Params), len(args))
		}
		env := f.Env
		for i, p := range f.Params {
			env = env.bind(p, args[i])
		}
		m.eval(f.Body, env)
		return nil
	case Builtin:
		return m.callLibrary(f.Name, args, pos)
	}
	return faultf(pos, "cannot call a %s", kindOf(fn))
}

func closureName(c *Closure) string {
	if c.Name != "" {
		return c.Name
	}
	return "function"
}

// callPrimitive hands a primitive call to the host.
func (m *machine) callPrimitive(name string, pos lang.Pos, args []Value) error {
	spec := ir.Primitives[name]
	call := HostCall{Primitive: name, Pos: pos}
	rest := args
	if spec.NeedsToken() {
		if len(args) == 0 {
			return faultf(pos, "%s needs a capability token", name)
		}
		h, ok := args[0].(Handle)
		if !ok {
			return faultf(pos, "%s: first argument is a %s, not a capability token", name, kindOf(args[0]))
		}
		call.Token, call.Alias = h.Token, h.Alias
		rest = args[1:]
	}
	call.Args = make([]ir.IRValue, len(rest))
	for i, a := range rest {
		v, err := ToIR(a)
		if err != nil {
			if name != "log" {
				return faultf(pos, "%s argument %d: %v", name, i+1, err)
			}
			v = ir.IRString(render(a))
		}
		call.Args[i] = v
	}
	if m.inv.Host == nil {
		return faultf(pos, "%s: no host is attached", name)
	}
	m.calls++
	call.Seq = m.calls

	out, err := m.inv.Host.Call(call)
	if err != nil {
		if capability.IsCapabilityViolation(err) || capability.IsGasExhausted(err) {
			return err
		}
		return &fault{pos: pos, msg: fmt.Sprintf("%s: %v", name, err), err: err}
	}
	if out == nil {
		return faultf(pos, "%s returned no value", name)
	}
	m.give(FromIR(out))
	return nil
}
