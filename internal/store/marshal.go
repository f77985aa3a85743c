package store

import (
	"fmt"

	"github.com/roach88/cardrt/internal/ir"
)

// marshalValue converts an IRValue to canonical JSON TEXT for storage.
func marshalValue(v ir.IRValue) (string, error) {
	if v == nil {
		v = ir.IRObject{}
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	return string(data), nil
}

// unmarshalValue parses canonical JSON TEXT. Integers are decoded through
// json.Number so values above 2^53 survive.
func unmarshalValue(data string) (ir.IRValue, error) {
	v, err := ir.UnmarshalIRValue([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return v, nil
}

func unmarshalObject(data string) (ir.IRObject, error) {
	if data == "" || data == "{}" {
		return ir.IRObject{}, nil
	}
	v, err := unmarshalValue(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return nil, fmt.Errorf("unmarshal value: expected object, got %T", v)
	}
	return obj, nil
}

func marshalOps(ops []ir.PatchOp) (string, error) {
	if ops == nil {
		ops = []ir.PatchOp{}
	}
	return marshalValue(ir.OpsToIR(ops))
}

func unmarshalOps(data string) ([]ir.PatchOp, error) {
	v, err := unmarshalValue(data)
	if err != nil {
		return nil, err
	}
	ops, err := ir.OpsFromIR(v)
	if err != nil {
		return nil, fmt.Errorf("unmarshal ops: %w", err)
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return ops, nil
}

func marshalBindings(m map[string]string) (string, error) {
	obj := make(ir.IRObject, len(m))
	for k, v := range m {
		obj[k] = ir.IRString(v)
	}
	return marshalValue(obj)
}

func unmarshalBindings(data string) (map[string]string, error) {
	obj, err := unmarshalObject(data)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		s, ok := v.(ir.IRString)
		if !ok {
			return nil, fmt.Errorf("binding %q: expected string, got %T", k, v)
		}
		out[k] = string(s)
	}
	return out, nil
}

func marshalOffsets(m map[string]int) (string, error) {
	obj := make(ir.IRObject, len(m))
	for k, v := range m {
		obj[k] = ir.IRInt(v)
	}
	return marshalValue(obj)
}

func unmarshalOffsets(data string) (map[string]int, error) {
	obj, err := unmarshalObject(data)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(obj))
	for k, v := range obj {
		n, ok := v.(ir.IRInt)
		if !ok {
			return nil, fmt.Errorf("offset %q: expected integer, got %T", k, v)
		}
		out[k] = int(n)
	}
	return out, nil
}
