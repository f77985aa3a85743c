// Package registry owns card definitions and their lifecycle:
//
//	unloaded -> checking -> rejected | installed
//	installed -> capability_pending -> capability_granted -> active
//	active -> invoking -> active
//	active -> revoked -> inert -> unloaded
//
// A definition is immutable once installed; a new version of a card loads
// as a new definition next to the old one.
package registry

import (
	"errors"
	"fmt"
	"slices"
)

// State is a position in the definition lifecycle.
type State string

const (
	Unloaded          State = "unloaded"
	Checking          State = "checking"
	Rejected          State = "rejected"
	Installed         State = "installed"
	CapabilityPending State = "capability_pending"
	CapabilityGranted State = "capability_granted"
	Active            State = "active"
	Invoking          State = "invoking"
	Revoked           State = "revoked"
	Inert             State = "inert"
)

var transitions = map[State][]State{
	Unloaded:          {Checking},
	Checking:          {Rejected, Installed},
	Rejected:          {Unloaded},
	Installed:         {CapabilityPending, Unloaded},
	CapabilityPending: {CapabilityGranted, Unloaded},
	CapabilityGranted: {Active, Revoked},
	Active:            {Invoking, Revoked},
	Invoking:          {Active, Revoked},
	Revoked:           {Inert},
	Inert:             {Unloaded},
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Runnable reports whether instances of a definition in s may be invoked.
func (s State) Runnable() bool {
	return s == Active || s == Invoking
}

// TransitionError is an attempt to move a definition along an edge the
// lifecycle does not have.
type TransitionError struct {
	Key  string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("card %s: cannot move from %s to %s", e.Key, e.From, e.To)
}

// IsTransitionError reports whether err is or wraps a TransitionError.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

// ErrNotFound is returned for definitions the registry does not hold.
var ErrNotFound = errors.New("card definition not found")
