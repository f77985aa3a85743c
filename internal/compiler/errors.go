package compiler

import (
	"errors"
	"fmt"

	"github.com/roach88/cardrt/internal/lang"
)

// Manifest diagnostic codes (E100-E199). E105, E110 and E111 are owned by
// the checker because they come from resolving type expressions.
const (
	ErrManifestCUE     = "E100" // CUE parse or evaluation failure
	ErrCardID          = "E101" // id is not <author>:<pack>/<name>
	ErrVersion         = "E102" // version is not semver
	ErrHostAPI         = "E103" // host_api_version unsupported or deprecated
	ErrParamsSchema    = "E104" // params is not a usable integer-only JSON Schema
	ErrEffectCategory  = "E106" // declared effect names an unknown category
	ErrCapabilityKind  = "E107" // required capability has an unknown kind
	ErrCapabilityScope = "E108" // required capability has a malformed scope
	ErrCapabilityAlias = "E109" // capability alias empty or repeated

	// ErrUncoveredEffect reports a declared effect that no required
	// capability could ever cover.
	ErrUncoveredEffect = "E402"
)

// BuildError carries every diagnostic that blocked a build.
type BuildError struct {
	Card        string
	Diagnostics lang.Diagnostics
}

func (e *BuildError) Error() string {
	if len(e.Diagnostics) == 1 {
		return fmt.Sprintf("build %s: %s", e.Card, e.Diagnostics[0].Error())
	}
	return fmt.Sprintf("build %s: %d diagnostics:\n%s", e.Card, len(e.Diagnostics), e.Diagnostics.Error())
}

// IsBuildError reports whether err is or wraps a BuildError.
func IsBuildError(err error) bool {
	var be *BuildError
	return errors.As(err, &be)
}

// Diagnostics extracts diagnostics from a build or manifest error.
func Diagnostics(err error) lang.Diagnostics {
	var be *BuildError
	if errors.As(err, &be) {
		return be.Diagnostics
	}
	var ce *CompileError
	if errors.As(err, &ce) {
		return lang.Diagnostics{ce.Diagnostic()}
	}
	var ds lang.Diagnostics
	if errors.As(err, &ds) {
		return ds
	}
	var d lang.Diagnostic
	if errors.As(err, &d) {
		return lang.Diagnostics{d}
	}
	return nil
}
