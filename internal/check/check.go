package check

import (
	"fmt"
	"slices"

	"github.com/roach88/cardrt/internal/graph"
	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/lang"
)

// Entry describes the context run is checked against. All types are
// written in script type syntax.
type Entry struct {
	Inputs map[string]string // port -> type
	Params string            // derived from the params JSON Schema; "" means {}
	State  string            // "" means {}
	Caps   []string          // capability aliases visible in ctx.caps

	// Renames maps legacy primitive names to current ones for artifacts
	// built against an older host API major.
	Renames map[string]string
}

// Result is the outcome of a successful check.
type Result struct {
	Effects         ir.EffectRow
	FunctionEffects map[string]ir.EffectRow
	Signatures      map[string]string
}

// Check type-checks prog against entry and verifies its effect row is a
// subset of declared. It reports every function's first error rather than
// stopping at the first function.
func Check(prog *lang.Program, entry Entry, declared ir.EffectRow) (*Result, lang.Diagnostics) {
	c := newChecker(entry.Renames)
	c.declareTypes(prog)
	if len(c.diags) > 0 {
		return nil, c.diags
	}

	ctxType, state, ok := c.entryTypes(entry)
	if !ok {
		return nil, c.diags
	}
	if !c.declareFuncs(prog) {
		return nil, c.diags
	}

	for _, scc := range graph.SCC(c.callGraph(prog)) {
		c.inferGroup(scc, ctxType, state)
	}
	if len(c.diags) > 0 {
		return nil, c.diags
	}

	rows := c.effectRows()
	c.checkEscape(rows, declared)
	if len(c.diags) > 0 {
		return nil, c.diags
	}

	res := &Result{
		Effects:         rows["run"],
		FunctionEffects: rows,
		Signatures:      make(map[string]string, len(c.funcs)),
	}
	for name, f := range c.funcs {
		res.Signatures[name] = TypeString(f.typ)
	}
	return res, nil
}

// entryTypes builds the ctx record type and the state type.
func (c *checker) entryTypes(entry Entry) (Type, Type, bool) {
	r := c.newResolver(false)
	inputs := make(map[string]Type, len(entry.Inputs))
	ports := make([]string, 0, len(entry.Inputs))
	for p := range entry.Inputs {
		ports = append(ports, p)
	}
	slices.Sort(ports)
	for _, port := range ports {
		t, err := r.resolveString(entry.Inputs[port])
		if err != nil {
			c.addDiag(lang.Diagnostic{Code: ErrPortType, Field: "signature.inputs." + port, Message: err.Error()})
			continue
		}
		inputs[port] = t
	}

	params, err := r.resolveString(orEmpty(entry.Params))
	if err != nil {
		c.addDiag(lang.Diagnostic{Code: ErrParamType, Field: "params", Message: err.Error()})
	}
	state, err := r.resolveString(orEmpty(entry.State))
	if err != nil {
		c.addDiag(lang.Diagnostic{Code: ErrStateType, Field: "state", Message: err.Error()})
	} else if !IsData(state) {
		c.addDiag(lang.Diagnostic{Code: ErrStateType, Field: "state", Message: fmt.Sprintf("state type %s cannot be persisted", TypeString(state))})
	}
	if len(c.diags) > 0 {
		return nil, nil, false
	}

	caps := make(map[string]Type, len(entry.Caps))
	for _, alias := range entry.Caps {
		caps[alias] = tToken
	}
	ctx := &TRecord{Fields: map[string]Type{
		"inputs": &TRecord{Fields: inputs},
		"params": params,
		"state":  state,
		"caps":   &TRecord{Fields: caps},
		"window": &TRecord{Fields: map[string]Type{"start": tInt, "end": tInt}},
		"seed":   tInt,
		"tick":   tInt,
	}}
	return ctx, state, true
}

func orEmpty(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

// ResolveType parses a type expression with the platform aliases.
func ResolveType(src string) (Type, error) {
	c := newChecker(nil)
	return c.newResolver(false).resolveString(orEmpty(src))
}
