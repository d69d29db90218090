/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// DefaultLatencyWindowSize is the default number of latency samples kept by the Monitor.
const DefaultLatencyWindowSize = 1000

// Stats is a read-only snapshot of the monitor's derived values.
type Stats struct {
	// Pressure is a normalized load indicator in [0, 1] derived from the
	// latency distribution: mean latency over p95 latency. It is 0 when
	// there are no samples.
	Pressure float64

	// BlockRate is the share of blocked requests in the current tuning
	// cycle. It is 0 when no requests were observed.
	BlockRate float64

	TotalRequests   int64
	BlockedRequests int64
}

// Monitor is a bounded-memory aggregator of decision outcomes: a fixed-size
// ring of recent latencies plus per-cycle request counters. Observing a
// sample is O(1); deriving Stats sorts a copy of the ring and is intended
// for the tuner cadence and metrics scraping, not the per-request path.
type Monitor struct {
	total   atomic.Int64
	blocked atomic.Int64

	mu      sync.Mutex
	samples []time.Duration
	next    int
	count   int
}

// NewMonitor creates a monitor keeping up to windowSize latency samples.
func NewMonitor(windowSize int) (*Monitor, error) {
	if windowSize <= 0 {
		return nil, fmt.Errorf("latency window size should be positive, got %d", windowSize)
	}
	return &Monitor{samples: make([]time.Duration, windowSize)}, nil
}

// Observe records one completed decision.
func (m *Monitor) Observe(latency time.Duration, blocked bool) {
	m.total.Inc()
	if blocked {
		m.blocked.Inc()
	}

	m.mu.Lock()
	m.samples[m.next] = latency
	m.next = (m.next + 1) % len(m.samples)
	if m.count < len(m.samples) {
		m.count++
	}
	m.mu.Unlock()
}

// Stats derives the current pressure and block rate.
func (m *Monitor) Stats() Stats {
	total := m.total.Load()
	blocked := m.blocked.Load()
	if blocked > total {
		// A ResetCounters call racing between the two loads can zero total
		// while blocked still holds the previous cycle's value.
		blocked = total
	}

	s := Stats{TotalRequests: total, BlockedRequests: blocked}
	if total > 0 {
		s.BlockRate = float64(blocked) / float64(total)
	}
	s.Pressure = m.pressure()
	return s
}

// ResetCounters resets the per-cycle request counters. The rolling latency
// window is preserved across tuning cycles.
func (m *Monitor) ResetCounters() {
	m.total.Store(0)
	m.blocked.Store(0)
}

func (m *Monitor) pressure() float64 {
	m.mu.Lock()
	sorted := make([]time.Duration, m.count)
	copy(sorted, m.samples[:m.count])
	m.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean := float64(sum) / float64(len(sorted))
	p95 := float64(sorted[len(sorted)*95/100])
	if p95 <= 0 {
		return 0
	}
	p := mean / p95
	if p > 1 {
		p = 1
	}
	if p < 0 {
		p = 0
	}
	return p
}
