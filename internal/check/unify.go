package check

import (
	"fmt"
	"strings"
)

// typeError is a unification failure; the caller attaches a position.
type typeError struct {
	code string
	msg  string
}

func (e *typeError) Error() string { return e.msg }

func mismatch(a, b Type) *typeError {
	p := newPrinter()
	return &typeError{code: ErrTypeMismatch, msg: fmt.Sprintf("cannot unify %s with %s", p.String(a), p.String(b))}
}

// unifier owns variable creation and the current let level.
type unifier struct {
	nextID int
	level  int
}

func (u *unifier) fresh() *TVar {
	u.nextID++
	return &TVar{ID: u.nextID, Level: u.level}
}

func (u *unifier) freshAt(level int) *TVar {
	u.nextID++
	return &TVar{ID: u.nextID, Level: level}
}

// bind sets v := t after the occurs check, lowering levels in t so that
// nothing escapes its let scope through v.
func (u *unifier) bind(v *TVar, t Type) *typeError {
	if tv, ok := t.(*TVar); ok && tv == v {
		return nil
	}
	if u.occursAdjust(v, t) {
		return &typeError{code: ErrInfiniteType, msg: fmt.Sprintf("infinite type: %s occurs in %s", TypeString(v), TypeString(t))}
	}
	v.Ref = t
	return nil
}

func (u *unifier) occursAdjust(v *TVar, t Type) bool {
	switch t := prune(t).(type) {
	case *TVar:
		if t == v {
			return true
		}
		if t.Level > v.Level {
			t.Level = v.Level
		}
	case *TList:
		return u.occursAdjust(v, t.Elem)
	case *TFunc:
		for _, p := range t.Params {
			if u.occursAdjust(v, p) {
				return true
			}
		}
		return u.occursAdjust(v, t.Result)
	case *TRecord:
		for _, f := range t.Fields {
			if u.occursAdjust(v, f) {
				return true
			}
		}
		if t.Tail != nil {
			return u.occursAdjust(v, t.Tail)
		}
	}
	return false
}

// unify makes a and b equal or reports why they cannot be.
func (u *unifier) unify(a, b Type) *typeError {
	a, b = prune(a), prune(b)
	if av, ok := a.(*TVar); ok {
		return u.bind(av, b)
	}
	if bv, ok := b.(*TVar); ok {
		return u.bind(bv, a)
	}
	switch at := a.(type) {
	case TCon:
		if bt, ok := b.(TCon); ok && bt.Name == at.Name {
			return nil
		}
	case *TList:
		if bt, ok := b.(*TList); ok {
			return u.unify(at.Elem, bt.Elem)
		}
	case *TFunc:
		if bt, ok := b.(*TFunc); ok {
			if len(at.Params) != len(bt.Params) {
				return &typeError{code: ErrArity, msg: fmt.Sprintf("function takes %d arguments, used with %d", len(at.Params), len(bt.Params))}
			}
			for i := range at.Params {
				if err := u.unify(at.Params[i], bt.Params[i]); err != nil {
					return err
				}
			}
			return u.unify(at.Result, bt.Result)
		}
	case *TRecord:
		if bt, ok := b.(*TRecord); ok {
			return u.unifyRecords(at, bt)
		}
	}
	return mismatch(a, b)
}

func (u *unifier) unifyRecords(a, b *TRecord) *typeError {
	af, atail := flatten(a)
	bf, btail := flatten(b)

	onlyA := make(map[string]Type)
	onlyB := make(map[string]Type)
	for _, name := range sortedFieldNames(af) {
		if bt, ok := bf[name]; ok {
			if err := u.unify(af[name], bt); err != nil {
				return fieldContext(name, err)
			}
		} else {
			onlyA[name] = af[name]
		}
	}
	for name, t := range bf {
		if _, ok := af[name]; !ok {
			onlyB[name] = t
		}
	}

	if atail == nil && len(onlyB) > 0 {
		return missingFields(a, onlyB)
	}
	if btail == nil && len(onlyA) > 0 {
		return missingFields(b, onlyA)
	}

	switch {
	case atail == nil && btail == nil:
		return nil
	case atail == nil:
		return u.bind(btail, &TRecord{Fields: onlyA})
	case btail == nil:
		return u.bind(atail, &TRecord{Fields: onlyB})
	case atail == btail:
		if len(onlyA) > 0 || len(onlyB) > 0 {
			return mismatch(a, b)
		}
		return nil
	}
	rest := u.freshAt(min(atail.Level, btail.Level))
	if err := u.bind(atail, &TRecord{Fields: onlyB, Tail: rest}); err != nil {
		return err
	}
	return u.bind(btail, &TRecord{Fields: onlyA, Tail: rest})
}

func missingFields(r *TRecord, want map[string]Type) *typeError {
	return &typeError{
		code: ErrMissingField,
		msg:  fmt.Sprintf("record %s has no field %s", TypeString(r), strings.Join(sortedFieldNames(want), ", ")),
	}
}

func fieldContext(name string, err *typeError) *typeError {
	return &typeError{code: err.code, msg: fmt.Sprintf("field %s: %s", name, err.msg)}
}

// subsume checks that a value of type actual may be used where expected is
// required. Closed records accept wider records (width subtyping), lists
// are covariant and function parameters contravariant. Everything else
// falls back to unification.
func (u *unifier) subsume(actual, expected Type) *typeError {
	a, e := prune(actual), prune(expected)
	switch et := e.(type) {
	case *TRecord:
		at, ok := a.(*TRecord)
		if !ok {
			break
		}
		ef, etail := flatten(et)
		if etail != nil {
			// open expectations are handled by row polymorphism
			return u.unify(a, e)
		}
		af, atail := flatten(at)
		missing := make(map[string]Type)
		for _, name := range sortedFieldNames(ef) {
			ft, ok := af[name]
			if !ok {
				missing[name] = ef[name]
				continue
			}
			if err := u.subsume(ft, ef[name]); err != nil {
				return fieldContext(name, err)
			}
		}
		if len(missing) == 0 {
			return nil
		}
		if atail == nil {
			return missingFields(at, missing)
		}
		return u.bind(atail, &TRecord{Fields: missing, Tail: u.freshAt(atail.Level)})
	case *TList:
		if at, ok := a.(*TList); ok {
			return u.subsume(at.Elem, et.Elem)
		}
	case *TFunc:
		if at, ok := a.(*TFunc); ok && len(at.Params) == len(et.Params) {
			for i := range at.Params {
				if err := u.subsume(et.Params[i], at.Params[i]); err != nil {
					return err
				}
			}
			return u.subsume(at.Result, et.Result)
		}
	}
	return u.unify(a, e)
}

// generalize marks every unbound variable above the current level generic.
func (u *unifier) generalize(t Type) {
	switch t := prune(t).(type) {
	case *TVar:
		if t.Level > u.level && t.Level != genericLevel {
			t.Level = genericLevel
		}
	case *TList:
		u.generalize(t.Elem)
	case *TFunc:
		for _, p := range t.Params {
			u.generalize(p)
		}
		u.generalize(t.Result)
	case *TRecord:
		for _, f := range t.Fields {
			u.generalize(f)
		}
		if t.Tail != nil {
			u.generalize(t.Tail)
		}
	}
}

// instantiate copies t replacing generic variables with fresh ones.
func (u *unifier) instantiate(t Type) Type {
	return u.inst(t, make(map[*TVar]*TVar))
}

func (u *unifier) inst(t Type, subst map[*TVar]*TVar) Type {
	switch t := prune(t).(type) {
	case *TVar:
		if t.Level != genericLevel {
			return t
		}
		if nv, ok := subst[t]; ok {
			return nv
		}
		nv := u.fresh()
		subst[t] = nv
		return nv
	case *TList:
		return &TList{Elem: u.inst(t.Elem, subst)}
	case *TFunc:
		params := make([]Type, len(t.Params))
		for i, p := range t.Params {
			params[i] = u.inst(p, subst)
		}
		return &TFunc{Params: params, Result: u.inst(t.Result, subst)}
	case *TRecord:
		fields := make(map[string]Type, len(t.Fields))
		for k, f := range t.Fields {
			fields[k] = u.inst(f, subst)
		}
		var tail Type
		if t.Tail != nil {
			tail = u.inst(t.Tail, subst)
		}
		return &TRecord{Fields: fields, Tail: tail}
	default:
		return t
	}
}
