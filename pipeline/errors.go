// Package pipeline orchestrates market data acquisition: strategy routing,
// polling, network monitoring, cache fallback, and the service lifecycle
// that ties them together.
package pipeline

import (
	"errors"
	"fmt"
)

// State is the service lifecycle phase. Transitions are strictly forward:
// uninitialized -> ready -> running -> stopped -> disposed, with Close
// accepted from any phase.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateReady         State = "ready"
	StateRunning       State = "running"
	StateStopped       State = "stopped"
	StateDisposed      State = "disposed"
)

func (s State) String() string { return string(s) }

// StateError reports an operation attempted in a lifecycle phase that does
// not permit it.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: service is %s", e.Op, e.State)
}

// IsStateError reports whether err is (or wraps) a lifecycle violation.
func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}
