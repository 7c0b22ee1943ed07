//go:build cgo

package audio

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/breeze-rmm/capture-agent/internal/logging"
)

var log = logging.L("audio")

// PortAudioAcquirer opens capture streams through PortAudio. The secondary
// source is a loopback input device.
type PortAudioAcquirer struct {
	loopbackDevice string
	closeOnce      sync.Once
}

// NewPortAudio initializes PortAudio. Close must be called to terminate it.
// loopbackDevice names the system-audio input; empty means auto-detect.
func NewPortAudio(loopbackDevice string) (*PortAudioAcquirer, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &PortAudioAcquirer{loopbackDevice: loopbackDevice}, nil
}

// Close terminates PortAudio.
func (a *PortAudioAcquirer) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = portaudio.Terminate()
	})
	return err
}

func (a *PortAudioAcquirer) SupportsSecondary() bool {
	devices, err := portaudio.Devices()
	if err != nil {
		return false
	}
	_, ok := pickLoopback(deviceNames(devices), a.loopbackDevice)
	return ok
}

func (a *PortAudioAcquirer) AcquirePrimary(ctx context.Context, c Constraints) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, acquisitionError(TagPrimary, ErrDeviceUnavailable, err)
	}
	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		log.Debug("input processing requested; PortAudio delivers the device signal as-is",
			"echoCancellation", c.EchoCancellation,
			"noiseSuppression", c.NoiseSuppression,
			"autoGain", c.AutoGainControl)
	}

	device, err := findInput(c.DeviceName)
	if err != nil {
		return nil, acquisitionError(TagPrimary, classify(err), err)
	}
	if device.MaxInputChannels < 1 {
		return nil, acquisitionError(TagPrimary, ErrDeviceUnavailable, fmt.Errorf("device %q has no input channels", device.Name))
	}

	src, err := openSource(TagPrimary, device, c)
	if err != nil {
		return nil, acquisitionError(TagPrimary, classify(err), err)
	}
	log.Info("microphone acquired", "device", device.Name, "rate", c.SampleRate, "bufferSize", c.BufferSize)
	return src, nil
}

func (a *PortAudioAcquirer) AcquireSecondary(ctx context.Context, c Constraints) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, acquisitionError(TagSecondary, ErrUserCancelled, err)
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, acquisitionError(TagSecondary, ErrUnsupported, err)
	}
	idx, ok := pickLoopback(deviceNames(devices), a.loopbackDevice)
	if !ok {
		return nil, acquisitionError(TagSecondary, ErrUnsupported, nil)
	}
	device := devices[idx]
	if device.MaxInputChannels < 1 {
		return nil, acquisitionError(TagSecondary, ErrNoAudioTrack, fmt.Errorf("device %q exposes no input channels", device.Name))
	}

	src, err := openSource(TagSecondary, device, c)
	if err != nil {
		return nil, acquisitionError(TagSecondary, ErrNoAudioTrack, err)
	}

	// Opening can take a while on some hosts; honour a cancel that arrived
	// in the meantime.
	if err := ctx.Err(); err != nil {
		src.Close()
		return nil, acquisitionError(TagSecondary, ErrUserCancelled, err)
	}
	log.Info("system audio acquired", "device", device.Name)
	return src, nil
}

// ListDevices returns every device with input channels.
func (a *PortAudioAcquirer) ListDevices() ([]Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	def, _ := portaudio.DefaultInputDevice()

	result := make([]Device, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels < 1 {
			continue
		}
		result = append(result, Device{
			ID:       d.Name,
			Name:     d.Name,
			Channels: d.MaxInputChannels,
			Rate:     d.DefaultSampleRate,
			Default:  d == def,
			Loopback: IsLoopbackName(d.Name),
		})
	}
	return result, nil
}

// deviceNames keeps output-only devices so a matching loopback without
// inputs is reported as having no audio track rather than unsupported.
func deviceNames(devices []*portaudio.DeviceInfo) []string {
	names := make([]string, len(devices))
	for i, d := range devices {
		names[i] = d.Name
	}
	return names
}

func findInput(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		return portaudio.DefaultInputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("input device %q not found", name)
}

// classify maps PortAudio failures onto acquisition kinds. Host APIs report
// a denied microphone as an unanticipated host error, so the text is all
// there is to go on.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"permission", "not authorized", "access denied"} {
		if strings.Contains(msg, hint) {
			return ErrPermissionDenied
		}
	}
	return ErrDeviceUnavailable
}

type paSource struct {
	tag    Tag
	stream *portaudio.Stream
	device string

	mu       sync.Mutex
	cb       Callback
	started  bool
	closed   bool
	closeErr error
}

func openSource(tag Tag, device *portaudio.DeviceInfo, c Constraints) (*paSource, error) {
	s := &paSource{tag: tag, device: device.Name}
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: 1,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(c.SampleRate),
		FramesPerBuffer: c.BufferSize,
	}, s.process)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio stream on %q: %w", device.Name, err)
	}
	s.stream = stream
	return s, nil
}

func (s *paSource) Tag() Tag { return s.tag }

func (s *paSource) Start(cb Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%s source is closed", s.tag)
	}
	if s.started {
		return fmt.Errorf("%s source already started", s.tag)
	}
	s.cb = cb
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("failed to start audio stream: %w", err)
	}
	s.started = true
	return nil
}

// process is the PortAudio callback. The input slice is reused by PortAudio
// after return, so it is copied before being handed on.
func (s *paSource) process(in []float32) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("audio callback panicked", logging.KeySource, s.tag, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	cb := s.cb
	if cb == nil {
		return
	}
	samples := make([]float32, len(in))
	copy(samples, in)
	cb(Chunk{Samples: samples, Source: s.tag})
}

func (s *paSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.closeErr
	}
	s.closed = true

	if s.started {
		if err := s.stream.Stop(); err != nil {
			log.Warn("failed to stop audio stream", "device", s.device, "error", err)
		}
	}
	s.closeErr = s.stream.Close()
	log.Info("audio device released", logging.KeySource, s.tag, "device", s.device)
	return s.closeErr
}
