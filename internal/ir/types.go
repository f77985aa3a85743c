package ir

import (
	"fmt"
	"slices"
)

// Manifest is the declared contract of a card: who it is, what it consumes
// and produces, and which privileges it needs.
type Manifest struct {
	ID                   string                 `json:"id"`
	Version              string                 `json:"version"`
	HostAPIVersion       string                 `json:"host_api_version"`
	Signature            Signature              `json:"signature"`
	Params               IRObject               `json:"params"` // JSON Schema
	State                string                 `json:"state"`  // script type expression
	DeclaredEffects      EffectRow              `json:"declared_effects"`
	RequiredCapabilities []CapabilityDescriptor `json:"required_capabilities"`
}

// Signature maps port names to script type expressions, e.g. "[Event]".
type Signature struct {
	Inputs  map[string]string `json:"inputs"`
	Outputs map[string]string `json:"outputs"`
}

// CapabilityDescriptor names a capability the card asks for. Name is the
// alias under which the granted token appears in ctx.caps.
type CapabilityDescriptor struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Scope string `json:"scope"`
}

// InputPorts returns input port names in canonical order.
func (s Signature) InputPorts() []string {
	return sortedMapKeys(s.Inputs)
}

// OutputPorts returns output port names in canonical order.
func (s Signature) OutputPorts() []string {
	return sortedMapKeys(s.Outputs)
}

func sortedMapKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, CompareKeys)
	return keys
}

// ToIR encodes the manifest for hashing and persistence.
func (m Manifest) ToIR() IRObject {
	caps := make(IRArray, len(m.RequiredCapabilities))
	for i, c := range m.RequiredCapabilities {
		caps[i] = IRObject{
			"name":  IRString(c.Name),
			"kind":  IRString(c.Kind),
			"scope": IRString(c.Scope),
		}
	}
	params := m.Params
	if params == nil {
		params = IRObject{}
	}
	return IRObject{
		"id":               IRString(m.ID),
		"version":          IRString(m.Version),
		"host_api_version": IRString(m.HostAPIVersion),
		"signature": IRObject{
			"inputs":  stringMapToIR(m.Signature.Inputs),
			"outputs": stringMapToIR(m.Signature.Outputs),
		},
		"params":                params,
		"state":                 IRString(m.State),
		"declared_effects":      m.DeclaredEffects.ToIR(),
		"required_capabilities": caps,
	}
}

// ManifestFromIR decodes a manifest produced by ToIR.
func ManifestFromIR(v IRValue) (Manifest, error) {
	obj, ok := v.(IRObject)
	if !ok {
		return Manifest{}, fmt.Errorf("manifest: expected object, got %T", v)
	}
	m := Manifest{
		ID:             obj.String("id"),
		Version:        obj.String("version"),
		HostAPIVersion: obj.String("host_api_version"),
		State:          obj.String("state"),
	}
	if p, ok := obj["params"].(IRObject); ok {
		m.Params = p
	}
	sig, _ := obj["signature"].(IRObject)
	var err error
	if m.Signature.Inputs, err = stringMapFromIR(sig["inputs"]); err != nil {
		return Manifest{}, fmt.Errorf("manifest signature.inputs: %w", err)
	}
	if m.Signature.Outputs, err = stringMapFromIR(sig["outputs"]); err != nil {
		return Manifest{}, fmt.Errorf("manifest signature.outputs: %w", err)
	}
	if de, ok := obj["declared_effects"]; ok {
		if m.DeclaredEffects, err = EffectRowFromIR(de); err != nil {
			return Manifest{}, fmt.Errorf("manifest: %w", err)
		}
	}
	caps, _ := obj["required_capabilities"].(IRArray)
	for i, c := range caps {
		co, ok := c.(IRObject)
		if !ok {
			return Manifest{}, fmt.Errorf("manifest required_capabilities[%d]: expected object", i)
		}
		m.RequiredCapabilities = append(m.RequiredCapabilities, CapabilityDescriptor{
			Name:  co.String("name"),
			Kind:  co.String("kind"),
			Scope: co.String("scope"),
		})
	}
	return m, nil
}

func stringMapToIR(m map[string]string) IRObject {
	obj := make(IRObject, len(m))
	for k, v := range m {
		obj[k] = IRString(v)
	}
	return obj
}

func stringMapFromIR(v IRValue) (map[string]string, error) {
	out := map[string]string{}
	if v == nil {
		return out, nil
	}
	obj, ok := v.(IRObject)
	if !ok {
		return nil, fmt.Errorf("expected object, got %T", v)
	}
	for k, x := range obj {
		s, ok := x.(IRString)
		if !ok {
			return nil, fmt.Errorf("%s: expected string, got %T", k, x)
		}
		out[k] = string(s)
	}
	return out, nil
}

// Artifact is a checked, compiled card ready for installation. Program is
// the checked AST lowered to S-expression form; it carries no types since
// checking already happened.
type Artifact struct {
	FormatVersion   string               `json:"format_version"`
	ID              string               `json:"id"`
	Manifest        Manifest             `json:"manifest"`
	Source          string               `json:"source"`
	Program         IRArray              `json:"program"`
	Effects         EffectRow            `json:"effects"`
	FunctionEffects map[string]EffectRow `json:"function_effects"`
	IRVersion       string               `json:"ir_version"`
	EngineVersion   string               `json:"engine_version"`
}

// Body returns the hashed content of the artifact (everything but the id).
func (a *Artifact) Body() IRObject {
	fx := make(IRObject, len(a.FunctionEffects))
	for name, row := range a.FunctionEffects {
		fx[name] = row.ToIR()
	}
	program := a.Program
	if program == nil {
		program = IRArray{}
	}
	return IRObject{
		"format_version":   IRString(a.FormatVersion),
		"manifest":         a.Manifest.ToIR(),
		"source":           IRString(a.Source),
		"program":          program,
		"effects":          a.Effects.ToIR(),
		"function_effects": fx,
		"ir_version":       IRString(a.IRVersion),
		"engine_version":   IRString(a.EngineVersion),
	}
}

// ToIR encodes the full artifact including its id.
func (a *Artifact) ToIR() IRObject {
	body := a.Body()
	body["id"] = IRString(a.ID)
	return body
}

// Seal computes and sets the content-addressed id.
func (a *Artifact) Seal() error {
	id, err := ArtifactID(a.Body())
	if err != nil {
		return fmt.Errorf("seal artifact: %w", err)
	}
	a.ID = id
	return nil
}

// Verify recomputes the content address and compares it to ID.
func (a *Artifact) Verify() error {
	id, err := ArtifactID(a.Body())
	if err != nil {
		return err
	}
	if id != a.ID {
		return fmt.Errorf("artifact id mismatch: stored %s, computed %s", a.ID, id)
	}
	return nil
}

// MarshalArtifact encodes an artifact as canonical JSON.
func MarshalArtifact(a *Artifact) ([]byte, error) {
	return MarshalCanonical(a.ToIR())
}

// UnmarshalArtifact decodes canonical JSON produced by MarshalArtifact and
// verifies its content address.
func UnmarshalArtifact(data []byte) (*Artifact, error) {
	v, err := UnmarshalIRValue(data)
	if err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	obj, ok := v.(IRObject)
	if !ok {
		return nil, fmt.Errorf("decode artifact: expected object, got %T", v)
	}
	a := &Artifact{
		FormatVersion: obj.String("format_version"),
		ID:            obj.String("id"),
		Source:        obj.String("source"),
		IRVersion:     obj.String("ir_version"),
		EngineVersion: obj.String("engine_version"),
	}
	if a.Manifest, err = ManifestFromIR(obj["manifest"]); err != nil {
		return nil, err
	}
	if p, ok := obj["program"].(IRArray); ok {
		a.Program = p
	}
	if a.Effects, err = EffectRowFromIR(obj["effects"]); err != nil {
		return nil, err
	}
	a.FunctionEffects = map[string]EffectRow{}
	if fx, ok := obj["function_effects"].(IRObject); ok {
		for name, row := range fx {
			r, err := EffectRowFromIR(row)
			if err != nil {
				return nil, fmt.Errorf("function_effects[%s]: %w", name, err)
			}
			a.FunctionEffects[name] = r
		}
	}
	if err := a.Verify(); err != nil {
		return nil, err
	}
	return a, nil
}
