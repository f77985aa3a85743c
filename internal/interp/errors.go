package interp

import (
	"errors"
	"fmt"

	"github.com/roach88/cardrt/internal/lang"
)

// RuntimeFault is a failure inside the machine: division by zero, a value
// of the wrong shape, a panic. The invocation's output is discarded.
type RuntimeFault struct {
	Card    string
	Pos     lang.Pos
	Message string
	Err     error // underlying host error, if any
}

func (e *RuntimeFault) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("runtime fault in %s at %s: %s", e.Card, e.Pos, e.Message)
	}
	return fmt.Sprintf("runtime fault in %s: %s", e.Card, e.Message)
}

func (e *RuntimeFault) Unwrap() error { return e.Err }

// IsRuntimeFault returns true if the error is a RuntimeFault.
// Uses errors.As to handle wrapped errors.
func IsRuntimeFault(err error) bool {
	var rf *RuntimeFault
	return errors.As(err, &rf)
}

// Timeout reports that the wall-clock frame budget expired mid-run.
type Timeout struct {
	Card  string
	Steps int64
	Err   error
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("%s timed out after %d steps: %v", e.Card, e.Steps, e.Err)
}

func (e *Timeout) Unwrap() error { return e.Err }

// IsTimeout returns true if the error is a Timeout.
func IsTimeout(err error) bool {
	var te *Timeout
	return errors.As(err, &te)
}

// fault is raised inside the machine and converted to a RuntimeFault with
// the card id at the boundary.
type fault struct {
	pos lang.Pos
	msg string
	err error
}

func (f *fault) Error() string { return f.msg }

func faultf(pos lang.Pos, format string, args ...any) error {
	return &fault{pos: pos, msg: fmt.Sprintf(format, args...)}
}
