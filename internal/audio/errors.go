package audio

import (
	"errors"
	"fmt"
)

// Acquisition failure kinds. Primary acquisition fails with the first three,
// secondary acquisition with the last three.
var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrInsecureContext   = errors.New("insecure context")
	ErrUserCancelled     = errors.New("cancelled by user")
	ErrNoAudioTrack      = errors.New("no audio track")
	ErrUnsupported       = errors.New("system audio capture not supported")
)

// AcquisitionError reports a failed device acquisition.
type AcquisitionError struct {
	Source Tag
	Kind   error
	Err    error
}

func (e *AcquisitionError) Error() string {
	if e.Err == nil || e.Err == e.Kind {
		return fmt.Sprintf("acquire %s audio: %v", e.Source, e.Kind)
	}
	return fmt.Sprintf("acquire %s audio: %v: %v", e.Source, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *AcquisitionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func acquisitionError(src Tag, kind, err error) error {
	return &AcquisitionError{Source: src, Kind: kind, Err: err}
}
