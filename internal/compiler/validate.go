package compiler

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/roach88/cardrt/internal/capability"
	"github.com/roach88/cardrt/internal/check"
	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/lang"
	"github.com/roach88/cardrt/internal/namespace"
)

// ValidateManifest checks a manifest against the host's rules.
// Returns all errors found (does not fail-fast). Input port, params and
// state types are checked together with the program by check.Check.
func ValidateManifest(m *ir.Manifest, compat *Compat) lang.Diagnostics {
	var diags lang.Diagnostics
	add := func(code, field, format string, args ...any) {
		diags = append(diags, lang.Diagnostic{Code: code, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// E101: id must be namespaced
	if _, err := namespace.ParseID(m.ID); err != nil {
		add(ErrCardID, "id", "%q: %v", m.ID, err)
	}

	// E102: version is semver
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		add(ErrVersion, "version", "%q is not a semantic version", m.Version)
	}

	// E103: host api supported
	if compat != nil {
		if _, err := compat.Check(m.HostAPIVersion); err != nil {
			add(ErrHostAPI, "host_api_version", "%v", err)
		}
	}

	// E104: params schema derives a script type
	if _, err := ParamsType(m.Params); err != nil {
		add(ErrParamsSchema, "params", "%v", err)
	} else if _, err := CompileParams(m.ID, m.Params); err != nil {
		add(ErrParamsSchema, "params", "%v", err)
	}

	// E105: output port types resolve
	for _, port := range m.Signature.OutputPorts() {
		if _, err := check.ResolveType(m.Signature.Outputs[port]); err != nil {
			add(check.ErrPortType, "signature.outputs."+port, "%v", err)
		}
	}

	// E106: effect categories are known
	for _, e := range m.DeclaredEffects.Effects() {
		if !ir.ValidCategories[e.Category] {
			add(ErrEffectCategory, "declared_effects."+e.Label, "unknown resource category %q", e.Category)
		}
	}

	// E107-E109: capability descriptors
	var grants []capability.Grant
	seen := map[string]bool{}
	for i, d := range m.RequiredCapabilities {
		field := fmt.Sprintf("required_capabilities[%d]", i)
		switch {
		case strings.TrimSpace(d.Name) == "":
			add(ErrCapabilityAlias, field+".name", "capability alias is required")
		case seen[d.Name]:
			add(ErrCapabilityAlias, field+".name", "capability alias %q is declared twice", d.Name)
		}
		seen[d.Name] = true

		kind, kerr := capability.ParseKind(d.Kind)
		if kerr != nil {
			add(ErrCapabilityKind, field+".kind", "%v", kerr)
		}
		scope, serr := capability.ParseScope(d.Scope)
		if serr != nil {
			add(ErrCapabilityScope, field+".scope", "%v", serr)
		}
		if kerr == nil && serr == nil {
			grants = append(grants, capability.Grant{Kind: kind, Scope: scope})
		}
	}

	// E402: every declared effect is coverable by the requested capabilities
	if len(diags) == 0 {
		for _, e := range capability.Uncovered(m.DeclaredEffects, grants) {
			add(ErrUncoveredEffect, "declared_effects."+e.Label,
				"%s needs a %s capability on %s, none is requested",
				e, capability.MinimalKind(e), capability.EffectScope(e.Category))
		}
	}
	return diags
}
