package mixer

import (
	"sync"
	"time"

	"github.com/breeze-rmm/capture-agent/internal/pcm"
)

// DefaultPeakHold is how long a peak is held before it may fall.
const DefaultPeakHold = 1500 * time.Millisecond

// Analyser is a read-only tap on one signal, for callers that visualize
// levels or waveforms. It is safe for concurrent use.
type Analyser struct {
	mu       sync.RWMutex
	latest   []float32
	levels   pcm.Levels
	heldPeak float64
	heldAt   time.Time
	hold     time.Duration
	updated  time.Time
}

// NewAnalyser returns an analyser reporting silence until the first update.
func NewAnalyser() *Analyser {
	return &Analyser{
		levels:   pcm.Levels{RMS: pcm.MinDB, Peak: pcm.MinDB},
		heldPeak: pcm.MinDB,
		hold:     DefaultPeakHold,
	}
}

// Observe records a buffer. The samples are copied.
func (a *Analyser) Observe(samples []float32) {
	levels := pcm.Measure(samples)
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	if cap(a.latest) < len(samples) {
		a.latest = make([]float32, len(samples))
	}
	a.latest = a.latest[:len(samples)]
	copy(a.latest, samples)

	a.levels = levels
	if levels.Peak >= a.heldPeak || now.Sub(a.heldAt) > a.hold {
		a.heldPeak = levels.Peak
		a.heldAt = now
	}
	a.updated = now
}

// Levels returns the levels of the most recent buffer.
func (a *Analyser) Levels() pcm.Levels {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.levels
}

// PeakHold returns the held peak in dBFS.
func (a *Analyser) PeakHold() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.heldPeak
}

// TimeDomain copies the most recent buffer into dst and returns the number
// of samples copied.
func (a *Analyser) TimeDomain(dst []float32) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copy(dst, a.latest)
}

// LastUpdate returns when the analyser last saw samples.
func (a *Analyser) LastUpdate() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.updated
}

// Reset returns the analyser to silence.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latest = a.latest[:0]
	a.levels = pcm.Levels{RMS: pcm.MinDB, Peak: pcm.MinDB}
	a.heldPeak = pcm.MinDB
	a.heldAt = time.Time{}
	a.updated = time.Time{}
}
