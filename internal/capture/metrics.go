package capture

import (
	"sync"
	"time"
)

// Metrics tracks per-session streaming counters.
type Metrics struct {
	mu sync.RWMutex

	ChunksCaptured     uint64
	ChunksSent         uint64
	BytesSent          uint64
	SendErrors         uint64
	InternalErrors     uint64
	DroppedCallbacks   uint64
	MessagesReceived   uint64
	ConnectionAttempts uint64

	LastEncodeTime time.Duration
	LastChunkSize  int
	startTime      time.Time
}

func newMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) RecordCapture() {
	m.mu.Lock()
	m.ChunksCaptured++
	m.mu.Unlock()
}

func (m *Metrics) RecordEncode(d time.Duration, size int) {
	m.mu.Lock()
	m.LastEncodeTime = d
	m.LastChunkSize = size
	m.mu.Unlock()
}

func (m *Metrics) RecordSend(size int) {
	m.mu.Lock()
	m.ChunksSent++
	m.BytesSent += uint64(size)
	m.mu.Unlock()
}

// RecordSendError returns the number of send errors so far.
func (m *Metrics) RecordSendError() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SendErrors++
	return m.SendErrors
}

func (m *Metrics) RecordInternalError() {
	m.mu.Lock()
	m.InternalErrors++
	m.mu.Unlock()
}

func (m *Metrics) RecordDroppedCallback() {
	m.mu.Lock()
	m.DroppedCallbacks++
	m.mu.Unlock()
}

func (m *Metrics) RecordMessage() {
	m.mu.Lock()
	m.MessagesReceived++
	m.mu.Unlock()
}

func (m *Metrics) RecordConnectionAttempt() {
	m.mu.Lock()
	m.ConnectionAttempts++
	m.mu.Unlock()
}

// Counters is a point-in-time copy of Metrics.
type Counters struct {
	ChunksCaptured     uint64
	ChunksSent         uint64
	BytesSent          uint64
	SendErrors         uint64
	InternalErrors     uint64
	DroppedCallbacks   uint64
	MessagesReceived   uint64
	ConnectionAttempts uint64
	DroppedSecondary   uint64
	PingsSent          uint64
	EncodeMs           float64
	LastChunkSize      int
	BandwidthKBps      float64
}

func (m *Metrics) Snapshot() Counters {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bw := float64(0)
	if uptime := time.Since(m.startTime).Seconds(); uptime > 0 {
		bw = float64(m.BytesSent) / uptime / 1024.0
	}
	return Counters{
		ChunksCaptured:     m.ChunksCaptured,
		ChunksSent:         m.ChunksSent,
		BytesSent:          m.BytesSent,
		SendErrors:         m.SendErrors,
		InternalErrors:     m.InternalErrors,
		DroppedCallbacks:   m.DroppedCallbacks,
		MessagesReceived:   m.MessagesReceived,
		ConnectionAttempts: m.ConnectionAttempts,
		EncodeMs:           float64(m.LastEncodeTime.Microseconds()) / 1000.0,
		LastChunkSize:      m.LastChunkSize,
		BandwidthKBps:      bw,
	}
}
