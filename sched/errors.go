package sched

import (
	"errors"
	"fmt"
)

// FatalError reports a failure of the harness environment itself: a world
// that never appeared, a control file that cannot be written, a snapshot
// missing structure the scheduler always provides. It is disjoint from a
// verification finding: a fatal error aborts the run, a finding is
// collected and reported. See verify.Finding for the latter.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatalf builds a FatalError for the given operation.
func Fatalf(op, format string, args ...interface{}) error {
	return &FatalError{Op: op, Err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err is, or wraps, a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
