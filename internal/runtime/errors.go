package runtime

import (
	"errors"
	"fmt"

	"github.com/roach88/cardrt/internal/capability"
	"github.com/roach88/cardrt/internal/host"
	"github.com/roach88/cardrt/internal/interp"
)

// ErrorCode categorizes why an invocation produced no output.
type ErrorCode string

const (
	// ErrCodeCapability is a missing, insufficient, out-of-scope or
	// revoked capability, found at preflight or at a host call.
	ErrCodeCapability ErrorCode = "CAPABILITY_VIOLATION"

	// ErrCodeGasExhausted is an invocation that ran out of gas.
	ErrCodeGasExhausted ErrorCode = "GAS_EXHAUSTED"

	// ErrCodeFault is a runtime fault inside the interpreter.
	ErrCodeFault ErrorCode = "RUNTIME_FAULT"

	// ErrCodeTimeout is an invocation that overran its frame budget.
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeRejected is an output the host refused to publish.
	ErrCodeRejected ErrorCode = "REJECTED"

	// ErrCodeUnavailable is an instance whose definition cannot run.
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"
)

// InvocationError attributes a failed invocation to its card and instance.
type InvocationError struct {
	Code     ErrorCode
	Card     string
	Instance string
	Tick     int64
	Err      error
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s: %s (card=%s, instance=%s, tick=%d)", e.Code, e.Err, e.Card, e.Instance, e.Tick)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// countsAsFault reports whether the failure moves the instance towards
// auto-disable.
func (e *InvocationError) countsAsFault() bool {
	return e.Code == ErrCodeFault || e.Code == ErrCodeTimeout
}

// Classify maps an invocation failure to its code. Violations are checked
// before faults because host errors reach the runtime wrapped in a fault.
func Classify(err error) ErrorCode {
	switch {
	case capability.IsCapabilityViolation(err):
		return ErrCodeCapability
	case capability.IsGasExhausted(err):
		return ErrCodeGasExhausted
	case interp.IsTimeout(err):
		return ErrCodeTimeout
	case host.IsRejection(err):
		return ErrCodeRejected
	case interp.IsRuntimeFault(err):
		return ErrCodeFault
	default:
		return ErrCodeUnavailable
	}
}

// AsInvocationError unwraps err to an InvocationError.
func AsInvocationError(err error) (*InvocationError, bool) {
	var ie *InvocationError
	ok := errors.As(err, &ie)
	return ie, ok
}

// IsFault returns true if err is a runtime fault or timeout of an
// invocation.
func IsFault(err error) bool {
	ie, ok := AsInvocationError(err)
	return ok && ie.countsAsFault()
}

// ErrUnknownInstance is returned for an instance id the runtime does not
// hold.
var ErrUnknownInstance = errors.New("unknown instance")
