package goSession

import (
	"sync/atomic"
	"time"
)

// MetricID identifies a Client counter or latency histogram.
type MetricID uint16

const (
	// MetricRequests counts logical requests passed to Do, Execute and Download.
	MetricRequests MetricID = iota
	MetricRequestSuccess
	MetricRequestRejected
	MetricNetworkFailure
	// MetricAuthFailure counts 401 responses absorbed by the refresh path.
	MetricAuthFailure
	// MetricAuthRetry counts requests replayed after a refresh.
	MetricAuthRetry
	// MetricRetryUnauthorized counts replays that were rejected with 401 again.
	MetricRetryUnauthorized
	MetricRefreshStarted
	MetricRefreshJoined
	MetricRefreshReused
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricSessionExpired
	MetricLoginSuccess
	MetricLoginFailure
	MetricRegisterSuccess
	MetricRegisterFailure
	MetricLogout
	MetricRestoreSuccess
	MetricRestoreFailure
	MetricRequestLatency
	MetricRefreshLatency
	metricIDCount
)

// latencyBounds are the inclusive upper bounds of every histogram bucket except the
// last, which takes everything slower.
var latencyBounds = [...]time.Duration{
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
}

const latencyBucketCount = len(latencyBounds) + 1

// latencyMetrics are the IDs that carry histograms instead of counters.
var latencyMetrics = [...]MetricID{MetricRequestLatency, MetricRefreshLatency}

// counterSlot keeps each counter on its own cache line; request and refresh counters
// are bumped from many goroutines at once.
type counterSlot struct {
	n atomic.Uint64
	_ [56]byte
}

// Metrics holds lock-free counters. A nil or disabled Metrics ignores every call.
type Metrics struct {
	enabled bool
	latency bool
	slots   [metricIDCount]counterSlot
	hist    [len(latencyMetrics)][latencyBucketCount]atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of all counters and histograms.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled: cfg.Enabled,
		latency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool { return m != nil && m.enabled }

func (m *Metrics) LatencyEnabled() bool { return m != nil && m.latency }

func (m *Metrics) Inc(id MetricID) {
	if !m.Enabled() || id >= metricIDCount || latencySlot(id) >= 0 {
		return
	}
	m.slots[id].n.Add(1)
}

// Observe records d in the histogram for id. Only latency IDs carry histograms.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if !m.LatencyEnabled() {
		return
	}
	if slot := latencySlot(id); slot >= 0 {
		m.hist[slot][latencyBucket(d)].Add(1)
	}
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return m.slots[id].n.Load()
}

// Snapshot copies every counter, and both histograms when latency tracking is on. A
// disabled Metrics yields empty, non-nil maps.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Counters:   map[MetricID]uint64{},
		Histograms: map[MetricID][]uint64{},
	}
	if !m.Enabled() {
		return snap
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		if latencySlot(id) < 0 {
			snap.Counters[id] = m.slots[id].n.Load()
		}
	}
	if !m.latency {
		return snap
	}
	for slot, id := range latencyMetrics {
		counts := make([]uint64, latencyBucketCount)
		for b := range counts {
			counts[b] = m.hist[slot][b].Load()
		}
		snap.Histograms[id] = counts
	}
	return snap
}

func latencySlot(id MetricID) int {
	for i, l := range latencyMetrics {
		if l == id {
			return i
		}
	}
	return -1
}

func latencyBucket(d time.Duration) int {
	// Bounds are compared at millisecond resolution, so 5.9ms still lands in the 5ms bucket.
	d = d.Truncate(time.Millisecond)
	for i, bound := range latencyBounds {
		if d <= bound {
			return i
		}
	}
	return len(latencyBounds)
}

func (c *Client) metricInc(id MetricID) {
	if c == nil {
		return
	}
	c.metrics.Inc(id)
}

func (c *Client) metricObserve(id MetricID, start time.Time) {
	if c == nil || !c.metrics.LatencyEnabled() {
		return
	}
	c.metrics.Observe(id, time.Since(start))
}

// MetricsSnapshot returns a copy of the Client's counters and histograms. Exporters under
// metrics/export read through it.
func (c *Client) MetricsSnapshot() MetricsSnapshot {
	if c == nil {
		return NewMetrics(MetricsConfig{}).Snapshot()
	}
	return c.metrics.Snapshot()
}

// AuditDropped reports audit events discarded because the dispatcher buffer was full.
func (c *Client) AuditDropped() uint64 {
	if c == nil {
		return 0
	}
	return c.audit.Dropped()
}
