package check

import (
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/cardrt/internal/graph"
	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/lang"
)

// effectSite records where a primitive call contributes an effect.
type effectSite struct {
	effect ir.Effect
	prim   string
	pos    lang.Pos
}

type funcInfo struct {
	decl        *lang.FuncDecl
	typ         Type
	generalized bool
	direct      []effectSite
	calls       map[string]bool
}

type checker struct {
	unifier
	aliases map[string]lang.TypeExpr
	funcs   map[string]*funcInfo
	prims   map[string]Type
	libs    map[string]Type
	renames map[string]string
	diags   lang.Diagnostics
	cur     *funcInfo
}

func newChecker(renames map[string]string) *checker {
	c := &checker{
		aliases: make(map[string]lang.TypeExpr, len(platformAliases)),
		funcs:   make(map[string]*funcInfo),
		prims:   make(map[string]Type, len(ir.Primitives)),
		libs:    make(map[string]Type, len(ir.Library)),
		renames: renames,
	}
	for k, v := range platformAliases {
		c.aliases[k] = v
	}
	for name, spec := range ir.Primitives {
		c.prims[name] = c.builtinScheme(spec.Signature)
	}
	for name, sig := range ir.Library {
		c.libs[name] = c.builtinScheme(sig)
	}
	return c
}

func (c *checker) addDiag(d lang.Diagnostic) {
	c.diags = append(c.diags, d)
}

// scope is a persistent linked environment of local bindings.
type scope struct {
	name   string
	typ    Type
	parent *scope
}

func (s *scope) lookup(name string) (Type, bool) {
	for ; s != nil; s = s.parent {
		if s.name == name {
			return s.typ, true
		}
	}
	return nil, false
}

func (s *scope) with(name string, t Type) *scope {
	return &scope{name: name, typ: t, parent: s}
}

func (c *checker) declareTypes(prog *lang.Program) {
	for _, td := range prog.Types {
		if _, platform := platformAliases[td.Name]; platform || slices.Contains(ir.BaseTypes, td.Name) {
			c.addDiag(lang.Diagnostic{Code: ErrReservedName, Message: fmt.Sprintf("type %s is built in", td.Name), Pos: td.At})
			continue
		}
		c.aliases[td.Name] = td.Type
	}
	// resolve each alias once so unknown names and self-reference surface
	// even when the alias is unused
	for _, td := range prog.Types {
		if _, err := c.newResolver(false).resolve(td.Type); err != nil {
			c.addDiag(asDiag(err, td.At, ErrUnknownType))
		}
	}
}

func (c *checker) declareFuncs(prog *lang.Program) bool {
	for _, f := range prog.Funcs {
		if ir.IsReserved(f.Name) {
			c.addDiag(lang.Diagnostic{Code: ErrReservedName, Message: fmt.Sprintf("function %s shadows a builtin", f.Name), Pos: f.At})
			continue
		}
		c.funcs[f.Name] = &funcInfo{decl: f, calls: make(map[string]bool)}
	}
	run := prog.Func("run")
	switch {
	case run == nil:
		c.addDiag(lang.Diagnostic{Code: ErrEntryPoint, Message: "program must declare fn run(ctx)", Pos: lang.Pos{Line: 1, Col: 1}})
	case len(run.Params) != 1:
		c.addDiag(lang.Diagnostic{Code: ErrEntryPoint, Message: fmt.Sprintf("run takes exactly one parameter, has %d", len(run.Params)), Pos: run.At})
	}
	return len(c.diags) == 0
}

// callGraph links each function to the top-level functions it names.
func (c *checker) callGraph(prog *lang.Program) graph.Graph {
	g := make(graph.Graph, len(prog.Funcs))
	for _, f := range prog.Funcs {
		bound := make(map[string]int)
		for _, p := range f.Params {
			bound[p.Name]++
		}
		refs := make(map[string]bool)
		c.collectRefs(f.Body, bound, refs)
		g[f.Name] = []string{}
		for name := range refs {
			g[f.Name] = append(g[f.Name], name)
		}
	}
	return g
}

func (c *checker) collectRefs(e lang.Expr, bound map[string]int, refs map[string]bool) {
	walk := func(x lang.Expr) { c.collectRefs(x, bound, refs) }
	switch e := e.(type) {
	case *lang.Ident:
		if bound[e.Name] == 0 && c.funcs[e.Name] != nil {
			refs[e.Name] = true
		}
	case *lang.Let:
		walk(e.Bound)
		bound[e.Name]++
		walk(e.Body)
		bound[e.Name]--
	case *lang.If:
		walk(e.Cond)
		walk(e.Then)
		walk(e.Else)
	case *lang.Unary:
		walk(e.X)
	case *lang.Binary:
		walk(e.L)
		walk(e.R)
	case *lang.ListLit:
		for _, x := range e.Elems {
			walk(x)
		}
	case *lang.RecordLit:
		for _, f := range e.Fields {
			walk(f.Value)
		}
	case *lang.RecordUpdate:
		walk(e.Base)
		for _, f := range e.Fields {
			walk(f.Value)
		}
	case *lang.FieldAccess:
		walk(e.X)
	case *lang.Call:
		walk(e.Fn)
		for _, a := range e.Args {
			walk(a)
		}
	case *lang.Lambda:
		for _, p := range e.Params {
			bound[p.Name]++
		}
		walk(e.Body)
		for _, p := range e.Params {
			bound[p.Name]--
		}
	}
}

// inferGroup checks one strongly connected group of functions. Members are
// monomorphic to each other and generalized together afterwards.
func (c *checker) inferGroup(names []string, ctxType, state Type) {
	c.level++
	var members []*funcInfo
	for _, name := range names {
		f, ok := c.funcs[name]
		if !ok {
			continue
		}
		if err := c.declareSignature(f, ctxType, state); err != nil {
			c.addDiag(asDiag(err, f.decl.At, ErrTypeMismatch))
			continue
		}
		members = append(members, f)
	}
	for _, f := range members {
		c.cur = f
		if err := c.inferBody(f, state); err != nil {
			c.addDiag(asDiag(err, f.decl.At, ErrTypeMismatch))
		}
	}
	c.cur = nil
	c.level--
	for _, f := range members {
		c.generalize(f.typ)
		f.generalized = true
	}
}

func (c *checker) declareSignature(f *funcInfo, ctxType, state Type) error {
	r := c.newResolver(false)
	params := make([]Type, len(f.decl.Params))
	for i, p := range f.decl.Params {
		if p.Type == nil {
			params[i] = c.fresh()
			continue
		}
		t, err := r.resolve(p.Type)
		if err != nil {
			return err
		}
		params[i] = t
	}
	var result Type = c.fresh()
	if f.decl.Result != nil {
		t, err := r.resolve(f.decl.Result)
		if err != nil {
			return err
		}
		result = t
	}
	if f.decl.Name == "run" {
		// ctx may carry more than the annotation asks for
		if err := c.subsume(ctxType, params[0]); err != nil {
			return lang.Diagnostic{Code: err.code, Message: "run parameter: " + err.msg, Pos: f.decl.Params[0].At}
		}
		if err := c.unify(result, state); err != nil {
			return lang.Diagnostic{Code: err.code, Message: "run result must be the state type: " + err.msg, Pos: f.decl.At}
		}
	}
	f.typ = &TFunc{Params: params, Result: result}
	return nil
}

func (c *checker) inferBody(f *funcInfo, state Type) error {
	ft := f.typ.(*TFunc)
	var env *scope
	for i, p := range f.decl.Params {
		env = env.with(p.Name, ft.Params[i])
	}
	body, err := c.infer(f.decl.Body, env)
	if err != nil {
		return err
	}
	if f.decl.Name == "run" {
		if err := c.unify(body, state); err != nil {
			return lang.Diagnostic{Code: err.code, Message: "run must return the new state: " + err.msg, Pos: f.decl.Body.Pos()}
		}
		return nil
	}
	if f.decl.Result != nil {
		if err := c.subsume(body, ft.Result); err != nil {
			return lang.Diagnostic{Code: err.code, Message: err.msg, Pos: f.decl.Body.Pos()}
		}
		return nil
	}
	if err := c.unify(ft.Result, body); err != nil {
		return lang.Diagnostic{Code: err.code, Message: err.msg, Pos: f.decl.Body.Pos()}
	}
	return nil
}

func asDiag(err error, pos lang.Pos, code string) lang.Diagnostic {
	var d lang.Diagnostic
	if errors.As(err, &d) {
		if !d.Pos.IsValid() {
			d.Pos = pos
		}
		return d
	}
	var ds lang.Diagnostics
	if errors.As(err, &ds) && len(ds) > 0 {
		return ds[0]
	}
	return lang.Diagnostic{Code: code, Message: err.Error(), Pos: pos}
}

func at(pos lang.Pos, err *typeError) error {
	return lang.Diagnostic{Code: err.code, Message: err.msg, Pos: pos}
}

func (c *checker) canonicalName(name string) string {
	if to, ok := c.renames[name]; ok {
		return to
	}
	return name
}

// primitiveCallee returns the primitive a call targets, if any. Locals and
// top-level functions shadow primitives.
func (c *checker) primitiveCallee(fn lang.Expr, env *scope) (string, bool) {
	id, ok := fn.(*lang.Ident)
	if !ok {
		return "", false
	}
	if _, local := env.lookup(id.Name); local {
		return "", false
	}
	if _, top := c.funcs[id.Name]; top {
		return "", false
	}
	name := c.canonicalName(id.Name)
	_, prim := ir.Primitives[name]
	return name, prim
}

func (c *checker) infer(e lang.Expr, env *scope) (Type, error) {
	switch e := e.(type) {
	case *lang.IntLit:
		return tInt, nil
	case *lang.StrLit:
		return tStr, nil
	case *lang.BoolLit:
		return tBool, nil
	case *lang.Ident:
		return c.inferIdent(e, env)
	case *lang.Let:
		c.level++
		bound, err := c.infer(e.Bound, env)
		if err == nil && e.Type != nil {
			var annot Type
			annot, err = c.newResolver(false).resolve(e.Type)
			if err == nil {
				if terr := c.subsume(bound, annot); terr != nil {
					err = at(e.Bound.Pos(), terr)
				}
				bound = annot
			}
		}
		c.level--
		if err != nil {
			return nil, err
		}
		c.generalize(bound)
		return c.infer(e.Body, env.with(e.Name, bound))
	case *lang.If:
		cond, err := c.infer(e.Cond, env)
		if err != nil {
			return nil, err
		}
		if terr := c.unify(cond, tBool); terr != nil {
			return nil, at(e.Cond.Pos(), terr)
		}
		then, err := c.infer(e.Then, env)
		if err != nil {
			return nil, err
		}
		els, err := c.infer(e.Else, env)
		if err != nil {
			return nil, err
		}
		if terr := c.unify(then, els); terr != nil {
			return nil, at(e.Else.Pos(), terr)
		}
		return then, nil
	case *lang.Unary:
		x, err := c.infer(e.X, env)
		if err != nil {
			return nil, err
		}
		want := tInt
		if e.Op == lang.NOT {
			want = tBool
		}
		if terr := c.unify(x, want); terr != nil {
			return nil, at(e.X.Pos(), terr)
		}
		return want, nil
	case *lang.Binary:
		return c.inferBinary(e, env)
	case *lang.ListLit:
		elem := Type(c.fresh())
		for _, x := range e.Elems {
			t, err := c.infer(x, env)
			if err != nil {
				return nil, err
			}
			if terr := c.unify(elem, t); terr != nil {
				return nil, at(x.Pos(), terr)
			}
		}
		return &TList{Elem: elem}, nil
	case *lang.RecordLit:
		fields := make(map[string]Type, len(e.Fields))
		for _, f := range e.Fields {
			t, err := c.infer(f.Value, env)
			if err != nil {
				return nil, err
			}
			fields[f.Name] = t
		}
		return &TRecord{Fields: fields}, nil
	case *lang.RecordUpdate:
		base, err := c.infer(e.Base, env)
		if err != nil {
			return nil, err
		}
		for _, f := range e.Fields {
			t, err := c.infer(f.Value, env)
			if err != nil {
				return nil, err
			}
			want := &TRecord{Fields: map[string]Type{f.Name: t}, Tail: c.fresh()}
			if terr := c.unify(base, want); terr != nil {
				if terr.code == ErrMissingField {
					terr.msg = fmt.Sprintf("record update can only replace existing fields: %s", terr.msg)
				}
				return nil, at(f.At, terr)
			}
		}
		return base, nil
	case *lang.FieldAccess:
		x, err := c.infer(e.X, env)
		if err != nil {
			return nil, err
		}
		field := c.fresh()
		want := &TRecord{Fields: map[string]Type{e.Name: field}, Tail: c.fresh()}
		if terr := c.unify(x, want); terr != nil {
			return nil, at(e.At, terr)
		}
		return field, nil
	case *lang.Call:
		return c.inferCall(e, env)
	case *lang.Lambda:
		r := c.newResolver(false)
		params := make([]Type, len(e.Params))
		inner := env
		for i, p := range e.Params {
			if p.Type != nil {
				t, err := r.resolve(p.Type)
				if err != nil {
					return nil, err
				}
				params[i] = t
			} else {
				params[i] = c.fresh()
			}
			inner = inner.with(p.Name, params[i])
		}
		body, err := c.infer(e.Body, inner)
		if err != nil {
			return nil, err
		}
		return &TFunc{Params: params, Result: body}, nil
	}
	return nil, fmt.Errorf("check: unknown expression %T", e)
}

func (c *checker) inferIdent(e *lang.Ident, env *scope) (Type, error) {
	if t, ok := env.lookup(e.Name); ok {
		return c.instantiate(t), nil
	}
	if f, ok := c.funcs[e.Name]; ok {
		if c.cur != nil {
			c.cur.calls[e.Name] = true
		}
		if f.generalized {
			return c.instantiate(f.typ), nil
		}
		return f.typ, nil
	}
	name := c.canonicalName(e.Name)
	if _, ok := c.prims[name]; ok {
		return nil, lang.Diagnostic{
			Code:    ErrPrimitiveValue,
			Message: fmt.Sprintf("host primitive %s can only be called directly", e.Name),
			Pos:     e.At,
		}
	}
	if t, ok := c.libs[e.Name]; ok {
		return c.instantiate(t), nil
	}
	return nil, lang.Diagnostic{Code: ErrUnknownIdent, Message: fmt.Sprintf("undefined: %s", e.Name), Pos: e.At}
}

func (c *checker) inferBinary(e *lang.Binary, env *scope) (Type, error) {
	l, err := c.infer(e.L, env)
	if err != nil {
		return nil, err
	}
	r, err := c.infer(e.R, env)
	if err != nil {
		return nil, err
	}
	var operand, result Type
	switch e.Op {
	case lang.PLUS, lang.MINUS, lang.STAR, lang.SLASH, lang.PCT:
		operand, result = tInt, tInt
	case lang.LT, lang.LE, lang.GT, lang.GE:
		operand, result = tInt, tBool
	case lang.AND, lang.OR:
		operand, result = tBool, tBool
	case lang.EQ, lang.NEQ:
		if terr := c.unify(l, r); terr != nil {
			return nil, at(e.R.Pos(), terr)
		}
		return tBool, nil
	default:
		return nil, fmt.Errorf("check: unknown operator %s", e.Op)
	}
	if terr := c.unify(l, operand); terr != nil {
		return nil, at(e.L.Pos(), terr)
	}
	if terr := c.unify(r, operand); terr != nil {
		return nil, at(e.R.Pos(), terr)
	}
	return result, nil
}

func (c *checker) inferCall(e *lang.Call, env *scope) (Type, error) {
	var fnType Type
	if name, ok := c.primitiveCallee(e.Fn, env); ok {
		spec := ir.Primitives[name]
		for _, eff := range spec.Effects {
			c.cur.direct = append(c.cur.direct, effectSite{effect: eff, prim: name, pos: e.At})
		}
		fnType = c.instantiate(c.prims[name])
	} else {
		t, err := c.infer(e.Fn, env)
		if err != nil {
			return nil, err
		}
		fnType = t
	}

	args := make([]Type, len(e.Args))
	for i, a := range e.Args {
		t, err := c.infer(a, env)
		if err != nil {
			return nil, err
		}
		args[i] = t
	}

	ft, ok := prune(fnType).(*TFunc)
	if !ok {
		result := c.fresh()
		if terr := c.unify(fnType, &TFunc{Params: args, Result: result}); terr != nil {
			return nil, at(e.At, terr)
		}
		return result, nil
	}
	if len(ft.Params) != len(args) {
		return nil, lang.Diagnostic{
			Code:    ErrArity,
			Message: fmt.Sprintf("call expects %d arguments, got %d", len(ft.Params), len(args)),
			Pos:     e.At,
		}
	}
	for i, a := range args {
		if terr := c.subsume(a, ft.Params[i]); terr != nil {
			return nil, lang.Diagnostic{Code: terr.code, Message: fmt.Sprintf("argument %d: %s", i+1, terr.msg), Pos: e.Args[i].Pos()}
		}
	}
	return ft.Result, nil
}
