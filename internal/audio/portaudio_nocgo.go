//go:build !cgo

package audio

import "context"

// PortAudioAcquirer is unavailable without cgo; every acquisition fails.
type PortAudioAcquirer struct{}

// NewPortAudio returns an acquirer whose acquisitions report the device as
// unavailable, since PortAudio needs cgo.
func NewPortAudio(loopbackDevice string) (*PortAudioAcquirer, error) {
	return &PortAudioAcquirer{}, nil
}

func (a *PortAudioAcquirer) Close() error { return nil }

func (a *PortAudioAcquirer) SupportsSecondary() bool { return false }

func (a *PortAudioAcquirer) AcquirePrimary(ctx context.Context, c Constraints) (Source, error) {
	return nil, acquisitionError(TagPrimary, ErrDeviceUnavailable, errNoCgo)
}

func (a *PortAudioAcquirer) AcquireSecondary(ctx context.Context, c Constraints) (Source, error) {
	return nil, acquisitionError(TagSecondary, ErrUnsupported, errNoCgo)
}

func (a *PortAudioAcquirer) ListDevices() ([]Device, error) {
	return nil, errNoCgo
}
