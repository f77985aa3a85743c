package capability

import (
	"errors"
	"fmt"
)

// Violation is a denied privileged action. It terminates the invocation
// and is reported to the host as a structured diagnostic.
type Violation struct {
	Card     string `json:"card_id"`
	Missing  string `json:"missing_capability"` // kind name
	Resource string `json:"resource,omitempty"` // category:name
	Effect   string `json:"effect,omitempty"`   // label:category
	Reason   string `json:"reason"`
}

func (v *Violation) Error() string {
	var b []byte
	b = fmt.Appendf(b, "capability violation: card %s needs %s", v.Card, v.Missing)
	if v.Resource != "" {
		b = fmt.Appendf(b, " on %s", v.Resource)
	}
	if v.Effect != "" {
		b = fmt.Appendf(b, " for %s", v.Effect)
	}
	if v.Reason != "" {
		b = fmt.Appendf(b, ": %s", v.Reason)
	}
	return string(b)
}

// Violation reasons.
const (
	ReasonNoToken      = "no token"
	ReasonInsufficient = "token kind too low"
	ReasonOutOfScope   = "resource outside token scope"
	ReasonRevoked      = "token revoked"
	ReasonExpired      = "token expired"
	ReasonForeign      = "token belongs to another card"
)

// IsCapabilityViolation reports whether err is or wraps a Violation.
func IsCapabilityViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}

// AsViolation extracts a Violation from err.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	ok := errors.As(err, &v)
	return v, ok
}

// GasExhausted is returned when a charge would take the counter negative.
type GasExhausted struct {
	Budget int64
	Used   int64
	Need   int64
	What   string
}

func (e *GasExhausted) Error() string {
	return fmt.Sprintf("gas exhausted: %s needs %d, %d of %d left", e.What, e.Need, e.Budget-e.Used, e.Budget)
}

// IsGasExhausted reports whether err is or wraps GasExhausted.
func IsGasExhausted(err error) bool {
	var g *GasExhausted
	return errors.As(err, &g)
}
