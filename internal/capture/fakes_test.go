package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/capture-agent/internal/audio"
	"github.com/breeze-rmm/capture-agent/internal/protocol"
)

// journal is the release order shared by every fake of one test.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(ev string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.events = append(j.events, ev)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

var errSourceReleased = errors.New("source was released")

type fakeSource struct {
	tag      audio.Tag
	startErr error
	journal  *journal

	mu       sync.Mutex
	cb       audio.Callback
	released bool
	closed   atomic.Int32
}

func (s *fakeSource) Tag() audio.Tag { return s.tag }

// acquire hands the source out again after an earlier Close.
func (s *fakeSource) acquire() *fakeSource {
	s.mu.Lock()
	s.released = false
	s.mu.Unlock()
	return s
}

func (s *fakeSource) Start(cb audio.Callback) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return errSourceReleased
	}
	s.cb = cb
	return nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
	s.closed.Add(1)
	s.journal.add("release:" + string(s.tag))
	return nil
}

func (s *fakeSource) isClosed() bool { return s.closed.Load() > 0 }

// emit delivers one buffer of n samples at value v, even after Close, the
// way a late device callback would.
func (s *fakeSource) emit(n int, v float32) {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb == nil {
		return
	}
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = v
	}
	cb(audio.Chunk{Samples: samples, Source: s.tag})
}

// pace emits bufferSize-frame chunks at real-time cadence until ctx ends.
func (s *fakeSource) pace(ctx context.Context, bufferSize, rate int) {
	interval := time.Duration(bufferSize) * time.Second / time.Duration(rate)
	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			if s.isClosed() {
				return
			}
			s.emit(bufferSize, 0.1)
		}
	}
}

type fakeAcquirer struct {
	secondarySupported bool
	primary            *fakeSource
	secondary          *fakeSource
	primaryErr         error
	secondaryErr       error
	// blockPrimary makes AcquirePrimary wait for ctx, like a pending
	// permission prompt.
	blockPrimary bool

	journal *journal

	primaryCalls   atomic.Int32
	secondaryCalls atomic.Int32
}

func newFakeAcquirer() *fakeAcquirer {
	j := &journal{}
	return &fakeAcquirer{
		secondarySupported: true,
		primary:            &fakeSource{tag: audio.TagPrimary, journal: j},
		secondary:          &fakeSource{tag: audio.TagSecondary, journal: j},
		journal:            j,
	}
}

func (a *fakeAcquirer) SupportsSecondary() bool { return a.secondarySupported }

func (a *fakeAcquirer) AcquirePrimary(ctx context.Context, c audio.Constraints) (audio.Source, error) {
	a.primaryCalls.Add(1)
	if a.blockPrimary {
		<-ctx.Done()
		return nil, &audio.AcquisitionError{Source: audio.TagPrimary, Kind: audio.ErrDeviceUnavailable, Err: ctx.Err()}
	}
	if a.primaryErr != nil {
		return nil, a.primaryErr
	}
	return a.primary.acquire(), nil
}

func (a *fakeAcquirer) AcquireSecondary(ctx context.Context, c audio.Constraints) (audio.Source, error) {
	a.secondaryCalls.Add(1)
	if a.secondaryErr != nil {
		return nil, a.secondaryErr
	}
	return a.secondary.acquire(), nil
}

type fakeAdapter struct {
	kind    protocol.Kind
	opts    protocol.Options
	openErr error
	// ackErr is reported through OnProtocolError during Open.
	ackErr  error
	journal *journal
	// panicOnChunk makes the next SendAudioChunk panic.
	panicOnChunk atomic.Bool

	mu     sync.Mutex
	events []string
	open   bool
	chunks [][]byte
}

func (a *fakeAdapter) record(ev string) {
	a.mu.Lock()
	a.events = append(a.events, ev)
	a.mu.Unlock()
}

func (a *fakeAdapter) Kind() protocol.Kind { return a.kind }

func (a *fakeAdapter) Open(ctx context.Context) error {
	a.record("open")
	if a.openErr != nil {
		return a.openErr
	}
	a.mu.Lock()
	a.open = true
	a.mu.Unlock()
	if a.ackErr != nil && a.opts.OnProtocolError != nil {
		a.opts.OnProtocolError(a.ackErr)
	}
	return nil
}

func (a *fakeAdapter) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

func (a *fakeAdapter) SendAudioStart(mode string) error {
	a.record("start:" + mode)
	return nil
}

func (a *fakeAdapter) SendAudioChunk(payload []byte) error {
	if a.panicOnChunk.CompareAndSwap(true, false) {
		panic("encoder exploded")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return &protocol.ConnectionError{Op: "send audio-chunk", Err: protocol.ErrClosed}
	}
	a.events = append(a.events, fmt.Sprintf("chunk:%d", len(payload)))
	a.chunks = append(a.chunks, append([]byte(nil), payload...))
	return nil
}

func (a *fakeAdapter) SendAudioStop() error {
	a.record("stop")
	a.journal.add("stop")
	return nil
}

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open {
		a.events = append(a.events, "close")
		a.journal.add("close")
	}
	a.open = false
	return nil
}

func (a *fakeAdapter) Stats() protocol.Stats { return protocol.Stats{} }

func (a *fakeAdapter) Events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

func (a *fakeAdapter) count(prefix string) int {
	n := 0
	for _, ev := range a.Events() {
		if len(ev) >= len(prefix) && ev[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// adapterFactory hands out fakeAdapters and remembers them.
type adapterFactory struct {
	openErr error
	ackErr  error
	journal *journal

	mu       sync.Mutex
	adapters []*fakeAdapter
}

func (f *adapterFactory) New(kind protocol.Kind, opts protocol.Options) (protocol.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := &fakeAdapter{kind: kind, opts: opts, openErr: f.openErr, ackErr: f.ackErr, journal: f.journal}
	f.adapters = append(f.adapters, a)
	return a, nil
}

func (f *adapterFactory) last() *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.adapters) == 0 {
		return nil
	}
	return f.adapters[len(f.adapters)-1]
}

func (f *adapterFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adapters)
}

var errBoom = errors.New("boom")
