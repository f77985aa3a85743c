package interp

import (
	"github.com/roach88/cardrt/internal/lang"
)

type letFrame struct {
	name string
	body lang.Expr
	env  *env
}

func (f *letFrame) resume(m *machine, v Value) error {
	m.eval(f.body, f.env.bind(f.name, v))
	return nil
}

type ifFrame struct {
	e   *lang.If
	env *env
}

func (f *ifFrame) resume(m *machine, v Value) error {
	b, ok := v.(Bool)
	if !ok {
		return faultf(f.e.At, "if condition is a %s, not Bool", kindOf(v))
	}
	if b {
		m.eval(f.e.Then, f.env)
	} else {
		m.eval(f.e.Else, f.env)
	}
	return nil
}

type unaryFrame struct {
	e *lang.Unary
}

func (f *unaryFrame) resume(m *machine, v Value) error {
	switch f.e.Op {
	case lang.MINUS:
		n, ok := v.(Int)
		if !ok {
			return faultf(f.e.At, "cannot negate a %s", kindOf(v))
		}
		m.give(-n)
	case lang.NOT:
		b, ok := v.(Bool)
		if !ok {
			return faultf(f.e.At, "cannot apply ! to a %s", kindOf(v))
		}
		m.give(!b)
	default:
		return faultf(f.e.At, "unknown unary operator %s", f.e.Op)
	}
	return nil
}

// logicFrame short-circuits && and ||.
type logicFrame struct {
	e   *lang.Binary
	env *env
}

func (f *logicFrame) resume(m *machine, v Value) error {
	b, ok := v.(Bool)
	if !ok {
		return faultf(f.e.At, "%s operand is a %s, not Bool", f.e.Op, kindOf(v))
	}
	if (f.e.Op == lang.AND && !bool(b)) || (f.e.Op == lang.OR && bool(b)) {
		m.give(b)
		return nil
	}
	m.push(&boolFrame{e: f.e})
	m.eval(f.e.R, f.env)
	return nil
}

type boolFrame struct {
	e *lang.Binary
}

func (f *boolFrame) resume(m *machine, v Value) error {
	if _, ok := v.(Bool); !ok {
		return faultf(f.e.At, "%s operand is a %s, not Bool", f.e.Op, kindOf(v))
	}
	m.give(v)
	return nil
}

type leftFrame struct {
	e   *lang.Binary
	env *env
}

func (f *leftFrame) resume(m *machine, v Value) error {
	m.push(&rightFrame{e: f.e, l: v})
	m.eval(f.e.R, f.env)
	return nil
}

type rightFrame struct {
	e *lang.Binary
	l Value
}

func (f *rightFrame) resume(m *machine, r Value) error {
	v, err := binary(f.e, f.l, r)
	if err != nil {
		return err
	}
	m.give(v)
	return nil
}

func binary(e *lang.Binary, l, r Value) (Value, error) {
	if e.Op == lang.EQ || e.Op == lang.NEQ {
		eq, err := equal(l, r)
		if err != nil {
			return nil, faultf(e.At, "%v", err)
		}
		return Bool(eq == (e.Op == lang.EQ)), nil
	}
	a, aok := l.(Int)
	b, bok := r.(Int)
	if !aok || !bok {
		return nil, faultf(e.At, "%s needs Int operands, got %s and %s", e.Op, kindOf(l), kindOf(r))
	}
	switch e.Op {
	case lang.PLUS:
		return a + b, nil
	case lang.MINUS:
		return a - b, nil
	case lang.STAR:
		return a * b, nil
	case lang.SLASH:
		if b == 0 {
			return nil, faultf(e.At, "division by zero")
		}
		return a / b, nil
	case lang.PCT:
		if b == 0 {
			return nil, faultf(e.At, "division by zero")
		}
		return a % b, nil
	case lang.LT:
		return Bool(a < b), nil
	case lang.LE:
		return Bool(a <= b), nil
	case lang.GT:
		return Bool(a > b), nil
	case lang.GE:
		return Bool(a >= b), nil
	}
	return nil, faultf(e.At, "unknown operator %s", e.Op)
}

type listFrame struct {
	elems []lang.Expr
	env   *env
	out   List
}

func (f *listFrame) resume(m *machine, v Value) error {
	f.out = append(f.out, v)
	if len(f.out) == len(f.elems) {
		m.give(f.out)
		return nil
	}
	m.push(f)
	m.eval(f.elems[len(f.out)], f.env)
	return nil
}

// recordFrame evaluates fields in source order. base is set for updates.
type recordFrame struct {
	fields []lang.Field
	env    *env
	i      int
	out    map[string]Value
	base   Record
}

func (f *recordFrame) resume(m *machine, v Value) error {
	f.out[f.fields[f.i].Name] = v
	f.i++
	if f.i < len(f.fields) {
		m.push(f)
		m.eval(f.fields[f.i].Value, f.env)
		return nil
	}
	if f.base != nil {
		m.give(f.base.with(f.out))
		return nil
	}
	m.give(Record(f.out))
	return nil
}

type updateFrame struct {
	e   *lang.RecordUpdate
	env *env
}

func (f *updateFrame) resume(m *machine, v Value) error {
	base, ok := v.(Record)
	if !ok {
		return faultf(f.e.At, "cannot update a %s", kindOf(v))
	}
	for _, fld := range f.e.Fields {
		if _, ok := base[fld.Name]; !ok {
			return faultf(fld.At, "record has no field %s to update", fld.Name)
		}
	}
	if len(f.e.Fields) == 0 {
		m.give(base)
		return nil
	}
	m.push(&recordFrame{fields: f.e.Fields, env: f.env, out: make(map[string]Value, len(f.e.Fields)), base: base})
	m.eval(f.e.Fields[0].Value, f.env)
	return nil
}

type fieldFrame struct {
	e *lang.FieldAccess
}

func (f *fieldFrame) resume(m *machine, v Value) error {
	r, ok := v.(Record)
	if !ok {
		return faultf(f.e.At, "cannot read field %s of a %s", f.e.Name, kindOf(v))
	}
	x, ok := r[f.e.Name]
	if !ok {
		return faultf(f.e.At, "record has no field %s", f.e.Name)
	}
	m.give(x)
	return nil
}

// calleeFrame waits for the function value of a non-primitive call.
type calleeFrame struct {
	call *lang.Call
	env  *env
}

func (f *calleeFrame) resume(m *machine, fn Value) error {
	if len(f.call.Args) == 0 {
		return m.apply(fn, nil, f.call.At)
	}
	m.push(&argsFrame{call: f.call, env: f.env, fn: fn, out: make([]Value, 0, len(f.call.Args))})
	m.eval(f.call.Args[0], f.env)
	return nil
}

// argsFrame evaluates call arguments left to right, then applies fn or
// calls the primitive.
type argsFrame struct {
	call *lang.Call
	env  *env
	fn   Value
	prim string
	out  []Value
}

func (f *argsFrame) resume(m *machine, v Value) error {
	f.out = append(f.out, v)
	if len(f.out) < len(f.call.Args) {
		m.push(f)
		m.eval(f.call.Args[len(f.out)], f.env)
		return nil
	}
	if f.prim != "" {
		return m.callPrimitive(f.prim, f.call.At, f.out)
	}
	return m.apply(f.fn, f.out, f.call.At)
}
