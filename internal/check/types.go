package check

import (
	"fmt"
	"slices"
	"strings"
)

// Type is a checker type. Composite types are pointers so that interface
// comparison is identity.
type Type interface {
	isType()
}

// TCon is a nominal base type such as Int or Token.
type TCon struct {
	Name string
}

// TList is a homogeneous immutable list.
type TList struct {
	Elem Type
}

// TFunc is a function type. Effects are tracked per named function, not
// in the type.
type TFunc struct {
	Params []Type
	Result Type
}

// TRecord is a record. Tail is nil for a closed record; otherwise it is a
// row variable, possibly already bound to a further TRecord.
type TRecord struct {
	Fields map[string]Type
	Tail   Type
}

// TVar is a unification variable, used both for types and for rows.
// Level supports let-generalization; generic variables have genericLevel.
type TVar struct {
	ID    int
	Ref   Type
	Level int
}

func (TCon) isType()     {}
func (*TList) isType()   {}
func (*TFunc) isType()   {}
func (*TRecord) isType() {}
func (*TVar) isType()    {}

const genericLevel = 1 << 30

var (
	tInt         = TCon{"Int"}
	tBool        = TCon{"Bool"}
	tStr         = TCon{"Str"}
	tToken       = TCon{"Token"}
	tContainerOp = TCon{"ContainerOp"}
	tGraphOp     = TCon{"GraphOp"}
	tMetaOp      = TCon{"MetaOp"}
)

// prune follows bound variables to the representative type.
func prune(t Type) Type {
	for {
		v, ok := t.(*TVar)
		if !ok || v.Ref == nil {
			return t
		}
		t = v.Ref
	}
}

// flatten collects the fields of a record and its bound extensions. The
// returned tail is nil for a closed record or an unbound row variable.
func flatten(r *TRecord) (map[string]Type, *TVar) {
	fields := make(map[string]Type, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	tail := r.Tail
	for tail != nil {
		switch t := prune(tail).(type) {
		case *TVar:
			return fields, t
		case *TRecord:
			for k, v := range t.Fields {
				fields[k] = v
			}
			tail = t.Tail
		default:
			return fields, nil
		}
	}
	return fields, nil
}

func sortedFieldNames(fields map[string]Type) []string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// printer renders types with stable variable names (a, b, ...) within one
// message, so several types in a diagnostic share names.
type printer struct {
	names map[*TVar]string
}

func newPrinter() *printer {
	return &printer{names: make(map[*TVar]string)}
}

func (p *printer) varName(v *TVar) string {
	if n, ok := p.names[v]; ok {
		return n
	}
	i := len(p.names)
	n := string(rune('a' + i%26))
	if i >= 26 {
		n = fmt.Sprintf("%s%d", n, i/26)
	}
	p.names[v] = n
	return n
}

func (p *printer) String(t Type) string {
	switch t := prune(t).(type) {
	case TCon:
		return t.Name
	case *TVar:
		return p.varName(t)
	case *TList:
		return "[" + p.String(t.Elem) + "]"
	case *TFunc:
		parts := make([]string, len(t.Params))
		for i, x := range t.Params {
			parts[i] = p.String(x)
		}
		return "(" + strings.Join(parts, ", ") + ") -> " + p.String(t.Result)
	case *TRecord:
		fields, tail := flatten(t)
		parts := make([]string, 0, len(fields)+1)
		for _, name := range sortedFieldNames(fields) {
			parts = append(parts, name+": "+p.String(fields[name]))
		}
		if tail != nil {
			parts = append(parts, "..")
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return "?"
}

// TypeString renders a type for display.
func TypeString(t Type) string {
	return newPrinter().String(t)
}

// IsData reports whether values of t can be persisted as canonical IR:
// no functions, tokens, generators or unresolved variables.
func IsData(t Type) bool {
	switch t := prune(t).(type) {
	case TCon:
		switch t.Name {
		case "Int", "Bool", "Str", "ContainerOp", "GraphOp", "MetaOp":
			return true
		}
		return false
	case *TList:
		return IsData(t.Elem)
	case *TRecord:
		fields, tail := flatten(t)
		if tail != nil {
			return false
		}
		for _, f := range fields {
			if !IsData(f) {
				return false
			}
		}
		return true
	}
	return false
}
