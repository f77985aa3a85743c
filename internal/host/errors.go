package host

import (
	"errors"
	"fmt"
)

// Rejection reasons.
const (
	ReasonTypeMismatch    = "type_mismatch"
	ReasonIDCollision     = "id_collision"
	ReasonMissingTarget   = "missing_target"
	ReasonCapabilityScope = "capability_scope"
)

// Rejection is a validation failure of an invocation's output. The whole
// output of that invocation is treated as empty.
type Rejection struct {
	Card     string
	Instance string
	Reason   string
	Patch    string // patch id; empty when an emission was refused
	Op       int    // index of the offending op, -1 if none
	Message  string
}

func (e *Rejection) Error() string {
	where := ""
	if e.Patch != "" {
		where = fmt.Sprintf(" patch %s", shortID(e.Patch))
		if e.Op >= 0 {
			where += fmt.Sprintf(" op %d", e.Op)
		}
	}
	return fmt.Sprintf("output of %s rejected (%s)%s: %s", e.Card, e.Reason, where, e.Message)
}

// IsRejection reports whether err is or wraps a Rejection.
func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}

// AsRejection extracts a Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	ok := errors.As(err, &r)
	return r, ok
}

// ErrUnknownPatch is returned for patch ids the board has never seen.
var ErrUnknownPatch = errors.New("unknown patch")

// StateError is returned when a patch cannot move to the requested status.
type StateError struct {
	Patch  string
	Status string
	Action string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s patch %s: it is %s", e.Action, shortID(e.Patch), e.Status)
}

// ConflictError is returned when a staged patch or an inverse no longer
// applies to the current workspace.
type ConflictError struct {
	Patch     string
	Rejection *Rejection
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("patch %s conflicts with the current workspace: %s (%s)", shortID(e.Patch), e.Rejection.Message, e.Rejection.Reason)
}

func (e *ConflictError) Unwrap() error { return e.Rejection }

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
