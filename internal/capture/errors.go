package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionActive is returned by Start and SetMode while a session is
	// running.
	ErrSessionActive = errors.New("a capture session is already active")
	// ErrStopped is returned by Start when Stop interrupted it.
	ErrStopped = errors.New("capture stopped before streaming began")
	// ErrInvalidMode is returned by SetMode for an unknown stream mode.
	ErrInvalidMode = errors.New("invalid stream mode")
)

// InternalError reports a fault inside the chunk pump. The session keeps
// streaming; the fault is counted and kept as the last error.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error during %s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }
