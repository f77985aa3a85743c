package compiler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/roach88/cardrt/internal/check"
	"github.com/roach88/cardrt/internal/ir"
)

// typeHint lets a schema name the script type of a property directly,
// e.g. {"x-card-type": "[Event]"}.
const typeHint = "x-card-type"

// ParamsType derives the script type of ctx.params from a JSON Schema.
// Every property appears in the type; ParamsSchema.Resolve fills defaults so the
// value always has them all.
func ParamsType(schema ir.IRObject) (string, error) {
	if len(schema) == 0 {
		return "{}", nil
	}
	return schemaType(schema, "params")
}

func schemaType(s ir.IRObject, path string) (string, error) {
	if hint := s.String(typeHint); hint != "" {
		if _, err := check.ResolveType(hint); err != nil {
			return "", fmt.Errorf("%s: %s: %w", path, typeHint, err)
		}
		return hint, nil
	}
	switch t := s.String("type"); t {
	case "integer":
		return "Int", nil
	case "boolean":
		return "Bool", nil
	case "string":
		return "Str", nil
	case "number":
		return "", fmt.Errorf("%s: type number is not allowed, use integer", path)
	case "array":
		items, ok := s["items"].(ir.IRObject)
		if !ok {
			return "", fmt.Errorf("%s: array schema needs an items object", path)
		}
		elem, err := schemaType(items, path+".items")
		if err != nil {
			return "", err
		}
		return "[" + elem + "]", nil
	case "object", "":
		props, _ := s["properties"].(ir.IRObject)
		if t == "" && props == nil {
			return "", fmt.Errorf("%s: schema needs a type", path)
		}
		fields := make([]string, 0, len(props))
		for _, name := range props.SortedKeys() {
			p, ok := props[name].(ir.IRObject)
			if !ok {
				return "", fmt.Errorf("%s.%s: property schema must be an object", path, name)
			}
			ft, err := schemaType(p, path+"."+name)
			if err != nil {
				return "", err
			}
			fields = append(fields, name+": "+ft)
		}
		return "{" + strings.Join(fields, ", ") + "}", nil
	default:
		return "", fmt.Errorf("%s: unsupported schema type %q", path, t)
	}
}

// ParamsSchema is a compiled params schema.
type ParamsSchema struct {
	raw      ir.IRObject
	compiled *jsonschema.Schema
	typ      string
}

// CompileParams compiles a params JSON Schema.
func CompileParams(card string, schema ir.IRObject) (*ParamsSchema, error) {
	if len(schema) == 0 {
		schema = ir.IRObject{"type": ir.IRString("object")}
	}
	typ, err := ParamsType(schema)
	if err != nil {
		return nil, err
	}
	data, err := ir.MarshalCanonical(schema)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://cardrt.local/params/%s.schema.json", strings.NewReplacer(":", "/", " ", "_").Replace(card))
	if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("params schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("params schema compile failed: %w", err)
	}
	return &ParamsSchema{raw: schema, compiled: compiled, typ: typ}, nil
}

// Type returns the script type of the params value.
func (p *ParamsSchema) Type() string { return p.typ }

// Resolve applies top-level defaults, validates the result against the
// schema, and checks it has the derived type.
func (p *ParamsSchema) Resolve(given ir.IRObject) (ir.IRObject, error) {
	out := make(ir.IRObject, len(given))
	for k, v := range given {
		out[k] = v
	}
	if props, ok := p.raw["properties"].(ir.IRObject); ok {
		for name, ps := range props {
			if _, set := out[name]; set {
				continue
			}
			po, _ := ps.(ir.IRObject)
			if def, ok := po["default"]; ok {
				out[name] = def
			}
		}
	}
	if err := p.compiled.Validate(schemaValue(out)); err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	if err := check.ConformsTo(out, p.typ); err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	return out, nil
}

// schemaValue converts IR to the shapes the validator decodes JSON into,
// with integers as json.Number.
func schemaValue(v ir.IRValue) any {
	switch val := v.(type) {
	case ir.IRInt:
		return json.Number(strconv.FormatInt(int64(val), 10))
	case ir.IRArray:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = schemaValue(x)
		}
		return out
	case ir.IRObject:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = schemaValue(x)
		}
		return out
	}
	return ir.ToGo(v)
}
