package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when sending on a connection that is not open.
	ErrClosed = errors.New("connection is not open")
	// ErrNotStarted is returned for an audio-chunk sent before audio-start.
	ErrNotStarted = errors.New("audio-start has not been sent")
)

// ConnectionError reports a failure to open the connection or to send on it.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports an unexpected message from the backend. It is
// informational: nothing in this package fails because of one.
type ProtocolError struct {
	Expected []string
	Got      string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected acknowledgement %q (expected one of %v)", e.Got, e.Expected)
}
