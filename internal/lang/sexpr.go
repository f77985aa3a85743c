package lang

import (
	"fmt"

	"github.com/roach88/cardrt/internal/ir"
)

// Lower converts a checked program into its S-expression form for storage
// in an artifact. Type annotations and type declarations are erased; call
// nodes keep their position so runtime failures can point at source.
//
//	["fn", name, [params...], body]
//	["int", n] ["str", s] ["bool", b] ["var", name]
//	["let", name, bound, body] ["if", c, t, e]
//	["un", op, x] ["bin", op, l, r]
//	["list", e...] ["rec", [name, e]...] ["upd", base, [name, e]...]
//	["get", x, name] ["call", line, col, fn, arg...] ["lam", [params...], body]
func Lower(prog *Program) ir.IRArray {
	out := make(ir.IRArray, 0, len(prog.Funcs))
	for _, f := range prog.Funcs {
		out = append(out, ir.IRArray{
			ir.IRString("fn"),
			ir.IRString(f.Name),
			lowerParams(f.Params),
			LowerExpr(f.Body),
		})
	}
	return out
}

func lowerParams(ps []Param) ir.IRArray {
	arr := make(ir.IRArray, len(ps))
	for i, p := range ps {
		arr[i] = ir.IRString(p.Name)
	}
	return arr
}

func lowerFields(fs []Field) []ir.IRValue {
	out := make([]ir.IRValue, len(fs))
	for i, f := range fs {
		out[i] = ir.IRArray{ir.IRString(f.Name), LowerExpr(f.Value)}
	}
	return out
}

func node(tag string, parts ...ir.IRValue) ir.IRArray {
	return append(ir.IRArray{ir.IRString(tag)}, parts...)
}

// LowerExpr converts one expression.
func LowerExpr(e Expr) ir.IRArray {
	switch e := e.(type) {
	case *IntLit:
		return node("int", ir.IRInt(e.Value))
	case *StrLit:
		return node("str", ir.IRString(e.Value))
	case *BoolLit:
		return node("bool", ir.IRBool(e.Value))
	case *Ident:
		return node("var", ir.IRString(e.Name))
	case *Let:
		return node("let", ir.IRString(e.Name), LowerExpr(e.Bound), LowerExpr(e.Body))
	case *If:
		return node("if", LowerExpr(e.Cond), LowerExpr(e.Then), LowerExpr(e.Else))
	case *Unary:
		return node("un", ir.IRString(e.Op.String()), LowerExpr(e.X))
	case *Binary:
		return node("bin", ir.IRString(e.Op.String()), LowerExpr(e.L), LowerExpr(e.R))
	case *ListLit:
		parts := make([]ir.IRValue, len(e.Elems))
		for i, x := range e.Elems {
			parts[i] = LowerExpr(x)
		}
		return node("list", parts...)
	case *RecordLit:
		return node("rec", lowerFields(e.Fields)...)
	case *RecordUpdate:
		return node("upd", append([]ir.IRValue{LowerExpr(e.Base)}, lowerFields(e.Fields)...)...)
	case *FieldAccess:
		return node("get", LowerExpr(e.X), ir.IRString(e.Name))
	case *Call:
		parts := []ir.IRValue{ir.IRInt(e.At.Line), ir.IRInt(e.At.Col), LowerExpr(e.Fn)}
		for _, a := range e.Args {
			parts = append(parts, LowerExpr(a))
		}
		return node("call", parts...)
	case *Lambda:
		return node("lam", lowerParams(e.Params), LowerExpr(e.Body))
	}
	panic(fmt.Sprintf("lang: cannot lower %T", e))
}

var opsByName = func() map[string]TokenKind {
	m := make(map[string]TokenKind)
	for k := PLUS; k <= NOT; k++ {
		m[k.String()] = k
	}
	return m
}()

// Raise rebuilds a program from its S-expression form. Positions other
// than call sites are lost.
func Raise(v ir.IRArray) (*Program, error) {
	prog := &Program{}
	for i, x := range v {
		fn, ok := x.(ir.IRArray)
		if !ok || len(fn) != 4 || tag(fn) != "fn" {
			return nil, fmt.Errorf("program[%d]: malformed function node", i)
		}
		name, _ := fn[1].(ir.IRString)
		params, err := raiseParams(fn[2])
		if err != nil {
			return nil, fmt.Errorf("fn %s: %w", name, err)
		}
		body, err := RaiseExpr(fn[3])
		if err != nil {
			return nil, fmt.Errorf("fn %s: %w", name, err)
		}
		prog.Funcs = append(prog.Funcs, &FuncDecl{Name: string(name), Params: params, Body: body})
	}
	return prog, nil
}

func tag(n ir.IRArray) string {
	if len(n) == 0 {
		return ""
	}
	s, _ := n[0].(ir.IRString)
	return string(s)
}

func raiseParams(v ir.IRValue) ([]Param, error) {
	arr, ok := v.(ir.IRArray)
	if !ok {
		return nil, fmt.Errorf("params: expected array, got %T", v)
	}
	ps := make([]Param, len(arr))
	for i, x := range arr {
		s, ok := x.(ir.IRString)
		if !ok {
			return nil, fmt.Errorf("params[%d]: expected string", i)
		}
		ps[i] = Param{Name: string(s)}
	}
	return ps, nil
}

func raiseFields(parts []ir.IRValue) ([]Field, error) {
	fs := make([]Field, len(parts))
	for i, x := range parts {
		pair, ok := x.(ir.IRArray)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("field[%d]: malformed", i)
		}
		name, _ := pair[0].(ir.IRString)
		val, err := RaiseExpr(pair[1])
		if err != nil {
			return nil, err
		}
		fs[i] = Field{Name: string(name), Value: val}
	}
	return fs, nil
}

func arity(n ir.IRArray, want int) error {
	if len(n) != want {
		return fmt.Errorf("%s node: want %d parts, got %d", tag(n), want, len(n))
	}
	return nil
}

// RaiseExpr rebuilds one expression.
func RaiseExpr(v ir.IRValue) (Expr, error) {
	n, ok := v.(ir.IRArray)
	if !ok || len(n) == 0 {
		return nil, fmt.Errorf("expected expression node, got %T", v)
	}
	sub := func(i int) (Expr, error) { return RaiseExpr(n[i]) }
	switch tag(n) {
	case "int":
		if err := arity(n, 2); err != nil {
			return nil, err
		}
		i, _ := n[1].(ir.IRInt)
		return &IntLit{Value: int64(i)}, nil
	case "str":
		if err := arity(n, 2); err != nil {
			return nil, err
		}
		s, _ := n[1].(ir.IRString)
		return &StrLit{Value: string(s)}, nil
	case "bool":
		if err := arity(n, 2); err != nil {
			return nil, err
		}
		b, _ := n[1].(ir.IRBool)
		return &BoolLit{Value: bool(b)}, nil
	case "var":
		if err := arity(n, 2); err != nil {
			return nil, err
		}
		s, _ := n[1].(ir.IRString)
		return &Ident{Name: string(s)}, nil
	case "let":
		if err := arity(n, 4); err != nil {
			return nil, err
		}
		name, _ := n[1].(ir.IRString)
		bound, err := sub(2)
		if err != nil {
			return nil, err
		}
		body, err := sub(3)
		if err != nil {
			return nil, err
		}
		return &Let{Name: string(name), Bound: bound, Body: body}, nil
	case "if":
		if err := arity(n, 4); err != nil {
			return nil, err
		}
		c, err := sub(1)
		if err != nil {
			return nil, err
		}
		t, err := sub(2)
		if err != nil {
			return nil, err
		}
		e, err := sub(3)
		if err != nil {
			return nil, err
		}
		return &If{Cond: c, Then: t, Else: e}, nil
	case "un":
		if err := arity(n, 3); err != nil {
			return nil, err
		}
		op, err := raiseOp(n[1])
		if err != nil {
			return nil, err
		}
		x, err := sub(2)
		if err != nil {
			return nil, err
		}
		return &Unary{Op: op, X: x}, nil
	case "bin":
		if err := arity(n, 4); err != nil {
			return nil, err
		}
		op, err := raiseOp(n[1])
		if err != nil {
			return nil, err
		}
		l, err := sub(2)
		if err != nil {
			return nil, err
		}
		r, err := sub(3)
		if err != nil {
			return nil, err
		}
		return &Binary{Op: op, L: l, R: r}, nil
	case "list":
		elems := make([]Expr, 0, len(n)-1)
		for i := 1; i < len(n); i++ {
			x, err := sub(i)
			if err != nil {
				return nil, err
			}
			elems = append(elems, x)
		}
		return &ListLit{Elems: elems}, nil
	case "rec":
		fs, err := raiseFields(n[1:])
		if err != nil {
			return nil, err
		}
		return &RecordLit{Fields: fs}, nil
	case "upd":
		if len(n) < 2 {
			return nil, fmt.Errorf("upd node: missing base")
		}
		base, err := sub(1)
		if err != nil {
			return nil, err
		}
		fs, err := raiseFields(n[2:])
		if err != nil {
			return nil, err
		}
		return &RecordUpdate{Base: base, Fields: fs}, nil
	case "get":
		if err := arity(n, 3); err != nil {
			return nil, err
		}
		x, err := sub(1)
		if err != nil {
			return nil, err
		}
		name, _ := n[2].(ir.IRString)
		return &FieldAccess{X: x, Name: string(name)}, nil
	case "call":
		if len(n) < 4 {
			return nil, fmt.Errorf("call node: want at least 4 parts, got %d", len(n))
		}
		line, _ := n[1].(ir.IRInt)
		col, _ := n[2].(ir.IRInt)
		fn, err := sub(3)
		if err != nil {
			return nil, err
		}
		args := make([]Expr, 0, len(n)-4)
		for i := 4; i < len(n); i++ {
			a, err := sub(i)
			if err != nil {
				return nil, err
			}
			args = append(args, a)
		}
		return &Call{At: Pos{Line: int(line), Col: int(col)}, Fn: fn, Args: args}, nil
	case "lam":
		if err := arity(n, 3); err != nil {
			return nil, err
		}
		params, err := raiseParams(n[1])
		if err != nil {
			return nil, err
		}
		body, err := sub(2)
		if err != nil {
			return nil, err
		}
		return &Lambda{Params: params, Body: body}, nil
	}
	return nil, fmt.Errorf("unknown node tag %q", tag(n))
}

func raiseOp(v ir.IRValue) (TokenKind, error) {
	s, _ := v.(ir.IRString)
	op, ok := opsByName[string(s)]
	if !ok {
		return 0, fmt.Errorf("unknown operator %q", s)
	}
	return op, nil
}
