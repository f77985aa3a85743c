package compiler

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/lang"
)

// LoadManifest reads and compiles a manifest.cue file.
func LoadManifest(path string) (*ir.Manifest, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(path, src)
}

// ParseManifest compiles CUE source whose top-level card field holds the
// manifest.
func ParseManifest(filename string, src []byte) (*ir.Manifest, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	card := v.LookupPath(cue.ParsePath("card"))
	if !card.Exists() {
		return nil, &CompileError{Field: "card", Message: "manifest must define a card field", Pos: v.Pos()}
	}
	return CompileManifest(card)
}

// CompileManifest decodes a CUE card value into a Manifest.
// Uses the CUE SDK's Go API directly.
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`card: { id: "acme:drums/humanize", ... }`)
//	m, err := CompileManifest(v.LookupPath(cue.ParsePath("card")))
func CompileManifest(v cue.Value) (*ir.Manifest, error) {
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	m := &ir.Manifest{}
	var err error
	if m.ID, err = requiredString(v, "id"); err != nil {
		return nil, err
	}
	if m.Version, err = requiredString(v, "version"); err != nil {
		return nil, err
	}
	if m.HostAPIVersion, err = requiredString(v, "host_api_version"); err != nil {
		return nil, err
	}
	if m.State, err = optionalString(v, "state"); err != nil {
		return nil, err
	}

	if m.Signature.Inputs, err = stringMap(v, "signature.inputs"); err != nil {
		return nil, err
	}
	if m.Signature.Outputs, err = stringMap(v, "signature.outputs"); err != nil {
		return nil, err
	}

	if m.Params, err = paramsSchema(v); err != nil {
		return nil, err
	}

	effects := v.LookupPath(cue.ParsePath("declared_effects"))
	if effects.Exists() {
		var row ir.EffectRow
		for label, dst := range map[string]*[]string{"reads": &row.Reads, "writes": &row.Writes, "creates": &row.Creates} {
			if *dst, err = stringList(effects, label); err != nil {
				return nil, err
			}
		}
		m.DeclaredEffects = row.Normalize()
	} else {
		m.DeclaredEffects = ir.EffectRow{}.Normalize()
	}

	caps := v.LookupPath(cue.ParsePath("required_capabilities"))
	if caps.Exists() {
		iter, err := caps.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			c := iter.Value()
			var d ir.CapabilityDescriptor
			if d.Name, err = requiredString(c, "name"); err != nil {
				return nil, err
			}
			if d.Kind, err = requiredString(c, "kind"); err != nil {
				return nil, err
			}
			if d.Scope, err = requiredString(c, "scope"); err != nil {
				return nil, err
			}
			m.RequiredCapabilities = append(m.RequiredCapabilities, d)
		}
	}
	return m, nil
}

func requiredString(v cue.Value, path string) (string, error) {
	f := v.LookupPath(cue.ParsePath(path))
	if !f.Exists() {
		return "", &CompileError{Field: path, Message: path + " is required", Pos: v.Pos()}
	}
	s, err := f.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalString(v cue.Value, path string) (string, error) {
	f := v.LookupPath(cue.ParsePath(path))
	if !f.Exists() {
		return "", nil
	}
	s, err := f.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func stringMap(v cue.Value, path string) (map[string]string, error) {
	out := map[string]string{}
	f := v.LookupPath(cue.ParsePath(path))
	if !f.Exists() {
		return out, nil
	}
	iter, err := f.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, &CompileError{
				Field:   path + "." + iter.Label(),
				Message: "port type must be a string such as \"[Event]\"",
				Pos:     iter.Value().Pos(),
			}
		}
		out[iter.Label()] = s
	}
	return out, nil
}

func stringList(v cue.Value, path string) ([]string, error) {
	f := v.LookupPath(cue.ParsePath(path))
	if !f.Exists() {
		return nil, nil
	}
	iter, err := f.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// paramsSchema converts the params JSON Schema to IR. Floats are rejected
// here because IR has none; fractional schema keywords are meaningless for
// integer-only params.
func paramsSchema(v cue.Value) (ir.IRObject, error) {
	f := v.LookupPath(cue.ParsePath("params"))
	if !f.Exists() {
		return ir.IRObject{}, nil
	}
	data, err := f.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	val, err := ir.UnmarshalIRValue(data)
	if err != nil {
		return nil, &CompileError{Field: "params", Message: fmt.Sprintf("params schema: %v", err), Pos: f.Pos(), Code: ErrParamsSchema}
	}
	obj, ok := val.(ir.IRObject)
	if !ok {
		return nil, &CompileError{Field: "params", Message: "params must be a JSON Schema object", Pos: f.Pos(), Code: ErrParamsSchema}
	}
	return obj, nil
}

// CompileError represents a manifest error with CUE source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
	Code    string // defaults to ErrManifestCUE
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Diagnostic converts the error to the shared diagnostic form.
func (e *CompileError) Diagnostic() lang.Diagnostic {
	code := e.Code
	if code == "" {
		code = ErrManifestCUE
	}
	d := lang.Diagnostic{Code: code, Message: e.Message, Field: e.Field}
	if e.Pos.IsValid() {
		d.Pos = lang.Pos{Line: e.Pos.Line(), Col: e.Pos.Column()}
	}
	return d
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return &CompileError{Field: "cue", Message: err.Error()}
}
