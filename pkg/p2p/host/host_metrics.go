package host

import (
	"sync"
	"time"
)

// Metrics tracks worker stream activity
type Metrics struct {
	StreamsOpened int64
	StreamsFailed int64
	BytesReceived int64
	AvgLatency    time.Duration
	LastUpdated   time.Time
	mu            sync.RWMutex
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		LastUpdated: time.Now(),
	}
}

// RecordExchange records a completed request/response exchange
func (m *Metrics) RecordExchange(bytes int, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alpha := 0.1
	m.StreamsOpened++
	m.BytesReceived += int64(bytes)
	m.AvgLatency = time.Duration(float64(m.AvgLatency)*(1-alpha) + float64(duration)*alpha)
	m.LastUpdated = time.Now()
}

// IncrementFailed counts a stream that could not complete
func (m *Metrics) IncrementFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StreamsFailed++
	m.LastUpdated = time.Now()
}

// GetMetrics returns a snapshot of the current metrics
func (m *Metrics) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		StreamsOpened: m.StreamsOpened,
		StreamsFailed: m.StreamsFailed,
		BytesReceived: m.BytesReceived,
		AvgLatency:    m.AvgLatency,
		LastUpdated:   m.LastUpdated,
	}
}
