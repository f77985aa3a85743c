package interp

import (
	"fmt"

	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/lang"
)

// Value is a runtime value. Data values (Int, Bool, Str, List, Record)
// convert to IR; closures, handles and generators never leave the machine.
// Values are never mutated after construction.
type Value interface {
	value()
}

type (
	Int    int64
	Bool   bool
	Str    string
	List   []Value
	Record map[string]Value

	// Closure is a lambda or a named function. Named functions close over
	// the global scope only, so Env is nil for them.
	Closure struct {
		Name   string
		Params []string
		Body   lang.Expr
		Env    *env
	}

	// Builtin is a library function used as a value, e.g. map(xs, abs).
	Builtin struct {
		Name string
	}

	// Handle is the opaque script-side view of a capability token.
	Handle struct {
		Token string
		Alias string
	}

	// Rng is a splitmix64 generator state.
	Rng struct {
		State uint64
	}
)

func (Int) value()      {}
func (Bool) value()     {}
func (Str) value()      {}
func (List) value()     {}
func (Record) value()   {}
func (*Closure) value() {}
func (Builtin) value()  {}
func (Handle) value()   {}
func (Rng) value()      {}

// FromIR converts a data value into the machine's representation.
func FromIR(v ir.IRValue) Value {
	switch x := v.(type) {
	case ir.IRInt:
		return Int(x)
	case ir.IRBool:
		return Bool(x)
	case ir.IRString:
		return Str(x)
	case ir.IRArray:
		out := make(List, len(x))
		for i, e := range x {
			out[i] = FromIR(e)
		}
		return out
	case ir.IRObject:
		out := make(Record, len(x))
		for k, e := range x {
			out[k] = FromIR(e)
		}
		return out
	}
	return Record{}
}

// ToIR converts a data value back to IR. Closures, handles and generators
// are not data and fail.
func ToIR(v Value) (ir.IRValue, error) {
	switch x := v.(type) {
	case Int:
		return ir.IRInt(x), nil
	case Bool:
		return ir.IRBool(x), nil
	case Str:
		return ir.IRString(x), nil
	case List:
		out := make(ir.IRArray, len(x))
		for i, e := range x {
			iv, err := ToIR(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = iv
		}
		return out, nil
	case Record:
		out := make(ir.IRObject, len(x))
		for k, e := range x {
			iv, err := ToIR(e)
			if err != nil {
				return nil, fmt.Errorf(".%s: %w", k, err)
			}
			out[k] = iv
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s is not data", kindOf(v))
}

func kindOf(v Value) string {
	switch v.(type) {
	case Int:
		return "Int"
	case Bool:
		return "Bool"
	case Str:
		return "Str"
	case List:
		return "list"
	case Record:
		return "record"
	case *Closure, Builtin:
		return "function"
	case Handle:
		return "Token"
	case Rng:
		return "Rng"
	}
	return fmt.Sprintf("%T", v)
}

// equal compares data values structurally. Functions and generators have
// no equality.
func equal(a, b Value) (bool, error) {
	switch x := a.(type) {
	case Int, Bool, Str:
		return a == b, nil
	case Handle:
		y, ok := b.(Handle)
		return ok && x.Token == y.Token, nil
	case List:
		y, ok := b.(List)
		if !ok || len(x) != len(y) {
			return false, nil
		}
		for i := range x {
			eq, err := equal(x[i], y[i])
			if err != nil || !eq {
				return false, err
			}
		}
		return true, nil
	case Record:
		y, ok := b.(Record)
		if !ok || len(x) != len(y) {
			return false, nil
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok {
				return false, nil
			}
			eq, err := equal(xv, yv)
			if err != nil || !eq {
				return false, err
			}
		}
		return true, nil
	}
	return false, fmt.Errorf("cannot compare %s values", kindOf(a))
}

// render formats a value for str(). Data renders as canonical JSON except
// that top-level strings render bare.
func render(v Value) string {
	switch x := v.(type) {
	case Str:
		return string(x)
	case Int:
		return fmt.Sprint(int64(x))
	case Bool:
		return fmt.Sprint(bool(x))
	case *Closure:
		if x.Name != "" {
			return "<fn " + x.Name + ">"
		}
		return "<fn>"
	case Builtin:
		return "<fn " + x.Name + ">"
	case Handle:
		return "<token " + x.Alias + ">"
	case Rng:
		return "<rng>"
	}
	iv, err := ToIR(v)
	if err != nil {
		return "<" + kindOf(v) + ">"
	}
	return string(ir.MustMarshalCanonical(iv))
}

// size counts the elements a value holds, for element-proportional costs.
func size(v Value) int64 {
	switch x := v.(type) {
	case List:
		n := int64(len(x))
		for _, e := range x {
			n += size(e)
		}
		return n
	case Record:
		n := int64(len(x))
		for _, e := range x {
			n += size(e)
		}
		return n
	}
	return 0
}

// with returns a copy of r with fields replaced.
func (r Record) with(fields map[string]Value) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}
