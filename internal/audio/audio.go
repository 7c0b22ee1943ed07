// Package audio acquires live audio sources: the primary microphone and, in
// dual-source mode, a secondary system-audio (loopback) source.
package audio

import "context"

// Tag identifies where a chunk of samples came from.
type Tag string

const (
	TagPrimary   Tag = "primary"
	TagSecondary Tag = "secondary"
	TagMixed     Tag = "mixed"
)

// Chunk is one fixed-size buffer of mono float samples in [-1, 1].
type Chunk struct {
	Samples []float32
	Source  Tag
}

// Callback receives every captured buffer in capture order. It runs on the
// audio backend's thread and must not block.
type Callback func(Chunk)

// Constraints describe the capture format requested from a device.
type Constraints struct {
	SampleRate       int
	ChannelCount     int
	BufferSize       int
	DeviceName       string
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// MicConstraints returns the fixed microphone request: 16 kHz mono with
// echo cancellation, noise suppression and automatic gain.
func MicConstraints(bufferSize int, device string) Constraints {
	return Constraints{
		SampleRate:       16000,
		ChannelCount:     1,
		BufferSize:       bufferSize,
		DeviceName:       device,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Source is an acquired device handle. Close releases the device and is
// safe to call more than once.
type Source interface {
	Tag() Tag
	// Start begins delivering buffers to cb. It may be called once.
	Start(cb Callback) error
	Close() error
}

// Acquirer obtains device handles.
type Acquirer interface {
	// SupportsSecondary reports whether system-audio capture is available.
	// When false, dual-source mode must not be selected.
	SupportsSecondary() bool
	AcquirePrimary(ctx context.Context, c Constraints) (Source, error)
	AcquireSecondary(ctx context.Context, c Constraints) (Source, error)
}

// Device describes an input device for listing.
type Device struct {
	ID       string  `json:"id" yaml:"id"`
	Name     string  `json:"name" yaml:"name"`
	Channels int     `json:"channels" yaml:"channels"`
	Rate     float64 `json:"rate" yaml:"rate"`
	Default  bool    `json:"default" yaml:"default"`
	Loopback bool    `json:"loopback" yaml:"loopback"`
}
