package check

import (
	"fmt"

	"github.com/roach88/cardrt/internal/ir"
)

// ConformsTo reports whether v is a value of the data type written as ty.
// Records must carry exactly the declared fields.
func ConformsTo(v ir.IRValue, ty string) error {
	t, err := ResolveType(ty)
	if err != nil {
		return err
	}
	return conforms(v, t, "value")
}

func conforms(v ir.IRValue, t Type, path string) error {
	switch t := prune(t).(type) {
	case TCon:
		ok := false
		switch t.Name {
		case "Int":
			_, ok = v.(ir.IRInt)
		case "Bool":
			_, ok = v.(ir.IRBool)
		case "Str":
			_, ok = v.(ir.IRString)
		case "ContainerOp", "GraphOp", "MetaOp":
			ok = isOpOfTier(v, t.Name)
		}
		if !ok {
			return fmt.Errorf("%s: expected %s, got %s", path, t.Name, describe(v))
		}
		return nil
	case *TList:
		arr, ok := v.(ir.IRArray)
		if !ok {
			return fmt.Errorf("%s: expected list, got %s", path, describe(v))
		}
		for i, x := range arr {
			if err := conforms(x, t.Elem, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	case *TRecord:
		obj, ok := v.(ir.IRObject)
		if !ok {
			return fmt.Errorf("%s: expected record, got %s", path, describe(v))
		}
		fields, tail := flatten(t)
		for _, name := range sortedFieldNames(fields) {
			x, ok := obj[name]
			if !ok {
				return fmt.Errorf("%s: missing field %s", path, name)
			}
			if err := conforms(x, fields[name], path+"."+name); err != nil {
				return err
			}
		}
		if tail == nil {
			for _, k := range obj.SortedKeys() {
				if _, ok := fields[k]; !ok {
					return fmt.Errorf("%s: unexpected field %s", path, k)
				}
			}
		}
		return nil
	}
	return fmt.Errorf("%s: type %s has no data values", path, TypeString(t))
}

// Project narrows v to the data type written as ty. Closed records lose
// the fields the type does not declare; width subtyping lets a wider
// record reach a position typed with fewer fields, and stored values must
// carry exactly the declared ones. The result conforms to ty.
func Project(v ir.IRValue, ty string) (ir.IRValue, error) {
	t, err := ResolveType(ty)
	if err != nil {
		return nil, err
	}
	return ProjectType(v, t)
}

// ProjectType is Project over an already resolved type.
func ProjectType(v ir.IRValue, t Type) (ir.IRValue, error) {
	return project(v, t, "value")
}

func project(v ir.IRValue, t Type, path string) (ir.IRValue, error) {
	switch t := prune(t).(type) {
	case *TList:
		arr, ok := v.(ir.IRArray)
		if !ok {
			return nil, fmt.Errorf("%s: expected list, got %s", path, describe(v))
		}
		out := make(ir.IRArray, len(arr))
		for i, x := range arr {
			px, err := project(x, t.Elem, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = px
		}
		return out, nil
	case *TRecord:
		obj, ok := v.(ir.IRObject)
		if !ok {
			return nil, fmt.Errorf("%s: expected record, got %s", path, describe(v))
		}
		fields, tail := flatten(t)
		out := make(ir.IRObject, len(fields))
		if tail != nil {
			for k, x := range obj {
				out[k] = x
			}
		}
		for _, name := range sortedFieldNames(fields) {
			x, ok := obj[name]
			if !ok {
				return nil, fmt.Errorf("%s: missing field %s", path, name)
			}
			px, err := project(x, fields[name], path+"."+name)
			if err != nil {
				return nil, err
			}
			out[name] = px
		}
		return out, nil
	}
	if err := conforms(v, t, path); err != nil {
		return nil, err
	}
	return v, nil
}

func isOpOfTier(v ir.IRValue, typeName string) bool {
	obj, ok := v.(ir.IRObject)
	if !ok {
		return false
	}
	op, err := ir.PatchOpFromIR(obj)
	if err != nil {
		return false
	}
	want := map[string]string{
		"ContainerOp": ir.TierContainer,
		"GraphOp":     ir.TierGraph,
		"MetaOp":      ir.TierMeta,
	}[typeName]
	return ir.OpTier(op.Op) == want
}

func describe(v ir.IRValue) string {
	switch v.(type) {
	case ir.IRInt:
		return "Int"
	case ir.IRBool:
		return "Bool"
	case ir.IRString:
		return "Str"
	case ir.IRArray:
		return "list"
	case ir.IRObject:
		return "record"
	case nil:
		return "nothing"
	}
	return fmt.Sprintf("%T", v)
}

// ZeroValue returns the empty value of a data type: 0, false, "", [] and
// records of zero fields. Op types have no zero value.
func ZeroValue(ty string) (ir.IRValue, error) {
	t, err := ResolveType(ty)
	if err != nil {
		return nil, err
	}
	return zero(t)
}

func zero(t Type) (ir.IRValue, error) {
	switch t := prune(t).(type) {
	case TCon:
		switch t.Name {
		case "Int":
			return ir.IRInt(0), nil
		case "Bool":
			return ir.IRBool(false), nil
		case "Str":
			return ir.IRString(""), nil
		}
	case *TList:
		return ir.IRArray{}, nil
	case *TRecord:
		fields, tail := flatten(t)
		if tail != nil {
			break
		}
		obj := make(ir.IRObject, len(fields))
		for name, ft := range fields {
			z, err := zero(ft)
			if err != nil {
				return nil, err
			}
			obj[name] = z
		}
		return obj, nil
	}
	return nil, fmt.Errorf("type %s has no zero value", TypeString(t))
}
