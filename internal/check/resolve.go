package check

import (
	"fmt"
	"slices"
	"unicode"

	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/lang"
)

// platformAliases are parsed once; a parse failure is a programming error.
var platformAliases = func() map[string]lang.TypeExpr {
	out := make(map[string]lang.TypeExpr, len(ir.Aliases))
	for name, src := range ir.Aliases {
		t, err := lang.ParseType(src)
		if err != nil {
			panic(fmt.Sprintf("check: platform alias %s: %v", name, err))
		}
		out[name] = t
	}
	return out
}()

// resolver converts written types to checker types.
type resolver struct {
	u       *unifier
	aliases map[string]lang.TypeExpr
	// generic mode is used for builtin signatures: lowercase names are
	// quantified variables and rows may be named.
	generic   bool
	vars      map[string]*TVar
	expanding map[string]bool
}

func (c *checker) newResolver(generic bool) *resolver {
	return &resolver{
		u:         &c.unifier,
		aliases:   c.aliases,
		generic:   generic,
		vars:      make(map[string]*TVar),
		expanding: make(map[string]bool),
	}
}

func (r *resolver) newVar() *TVar {
	if r.generic {
		return r.u.freshAt(genericLevel)
	}
	return r.u.fresh()
}

func (r *resolver) namedVar(name string) *TVar {
	if v, ok := r.vars[name]; ok {
		return v
	}
	v := r.newVar()
	r.vars[name] = v
	return v
}

func (r *resolver) resolve(t lang.TypeExpr) (Type, error) {
	switch t := t.(type) {
	case *lang.NamedType:
		if slices.Contains(ir.BaseTypes, t.Name) {
			return TCon{t.Name}, nil
		}
		if alias, ok := r.aliases[t.Name]; ok {
			if r.expanding[t.Name] {
				return nil, lang.Diagnostic{Code: ErrUnknownType, Message: fmt.Sprintf("type alias %s refers to itself", t.Name), Pos: t.At}
			}
			r.expanding[t.Name] = true
			defer delete(r.expanding, t.Name)
			return r.resolve(alias)
		}
		if r.generic && unicode.IsLower([]rune(t.Name)[0]) {
			return r.namedVar(t.Name), nil
		}
		return nil, lang.Diagnostic{Code: ErrUnknownType, Message: fmt.Sprintf("unknown type %s", t.Name), Pos: t.At}
	case *lang.ListType:
		elem, err := r.resolve(t.Elem)
		if err != nil {
			return nil, err
		}
		return &TList{Elem: elem}, nil
	case *lang.RecordType:
		fields := make(map[string]Type, len(t.Fields))
		for _, f := range t.Fields {
			ft, err := r.resolve(f.Type)
			if err != nil {
				return nil, err
			}
			fields[f.Name] = ft
		}
		rec := &TRecord{Fields: fields}
		if t.Open {
			if t.RowVar != "" && r.generic {
				rec.Tail = r.namedVar(".." + t.RowVar)
			} else {
				rec.Tail = r.newVar()
			}
		}
		return rec, nil
	case *lang.FuncType:
		params := make([]Type, len(t.Params))
		for i, p := range t.Params {
			pt, err := r.resolve(p)
			if err != nil {
				return nil, err
			}
			params[i] = pt
		}
		res, err := r.resolve(t.Result)
		if err != nil {
			return nil, err
		}
		return &TFunc{Params: params, Result: res}, nil
	}
	return nil, fmt.Errorf("check: unknown type node %T", t)
}

// resolveString parses and resolves a type written in a manifest.
func (r *resolver) resolveString(src string) (Type, error) {
	te, err := lang.ParseType(src)
	if err != nil {
		return nil, err
	}
	return r.resolve(te)
}

// builtinScheme resolves a builtin signature into a generic type.
func (c *checker) builtinScheme(sig string) Type {
	t, err := c.newResolver(true).resolveString(sig)
	if err != nil {
		panic(fmt.Sprintf("check: builtin signature %q: %v", sig, err))
	}
	return t
}
