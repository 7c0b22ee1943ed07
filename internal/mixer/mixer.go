// Package mixer sums the primary and secondary capture streams into one mono
// stream and exposes a level tap per source.
//
// The mix is a plain sum clipped to [-1, 1]. There is no loudness
// normalization, so two loud sources clip; this is a known limitation.
package mixer

import (
	"sync"

	"github.com/breeze-rmm/capture-agent/internal/audio"
	"github.com/breeze-rmm/capture-agent/internal/logging"
)

var log = logging.L("mixer")

// Mixer combines two live sources. The primary source drives the output
// cadence: each primary buffer produces exactly one mixed buffer, summed
// with the most recent secondary buffer not yet consumed (or silence).
type Mixer struct {
	bufferSize int
	emit       audio.Callback

	mu        sync.Mutex
	pending   []float32
	closed    bool
	dropped   uint64
	analysers map[audio.Tag]*Analyser
}

// New returns a mixer emitting bufferSize-frame mixed chunks to emit.
func New(bufferSize int, emit audio.Callback) *Mixer {
	return &Mixer{
		bufferSize: bufferSize,
		emit:       emit,
		analysers: map[audio.Tag]*Analyser{
			audio.TagPrimary:   NewAnalyser(),
			audio.TagSecondary: NewAnalyser(),
			audio.TagMixed:     NewAnalyser(),
		},
	}
}

// Analyser returns the tap for a source tag, or nil.
func (m *Mixer) Analyser(tag audio.Tag) *Analyser {
	return m.analysers[tag]
}

// Analysers returns every tap keyed by source tag.
func (m *Mixer) Analysers() map[audio.Tag]*Analyser {
	out := make(map[audio.Tag]*Analyser, len(m.analysers))
	for k, v := range m.analysers {
		out[k] = v
	}
	return out
}

// Feed accepts a chunk from either source. It is the audio callback for
// both devices and never blocks on anything but the mixer's own lock.
func (m *Mixer) Feed(c audio.Chunk) {
	switch c.Source {
	case audio.TagSecondary:
		m.feedSecondary(c.Samples)
	case audio.TagPrimary:
		m.feedPrimary(c.Samples)
	default:
		log.Warn("ignoring chunk with unexpected source", logging.KeySource, c.Source)
	}
}

func (m *Mixer) feedSecondary(samples []float32) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.pending != nil {
		m.dropped++
	}
	m.pending = samples
	m.mu.Unlock()

	m.analysers[audio.TagSecondary].Observe(samples)
}

func (m *Mixer) feedPrimary(samples []float32) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	secondary := m.pending
	m.pending = nil
	m.mu.Unlock()

	m.analysers[audio.TagPrimary].Observe(samples)
	mixed := Sum(samples, secondary)
	m.analysers[audio.TagMixed].Observe(mixed)
	m.emit(audio.Chunk{Samples: mixed, Source: audio.TagMixed})
}

// Dropped returns how many secondary buffers were replaced before the
// primary stream consumed them.
func (m *Mixer) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Close tears the graph down. Later Feed calls are ignored.
func (m *Mixer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.pending = nil
	log.Debug("mixer closed", "droppedSecondary", m.dropped)
}

// Sum adds b onto a sample by sample and clips the result to [-1, 1]. The
// output has len(a) samples; missing b samples count as silence.
func Sum(a, b []float32) []float32 {
	out := make([]float32, len(a))
	for i, s := range a {
		if i < len(b) {
			s += b[i]
		}
		out[i] = clip(s)
	}
	return out
}

func clip(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// BufferSize returns the frames per mixed chunk.
func (m *Mixer) BufferSize() int {
	return m.bufferSize
}
