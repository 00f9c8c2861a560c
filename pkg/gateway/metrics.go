package gateway

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats are the gateway's plain counters, served on /stats.
type Stats struct {
	total        atomic.Uint64
	allowed      atomic.Uint64
	denied       atomic.Uint64
	authFailures atomic.Uint64
	replayBlocks atomic.Uint64
	degraded     atomic.Uint64
}

// StatsSnapshot is the JSON shape of /stats.
type StatsSnapshot struct {
	TotalRequests   uint64      `json:"total_requests"`
	Allowed         uint64      `json:"allowed"`
	Denied          uint64      `json:"denied"`
	AuthFailures    uint64      `json:"auth_failures"`
	ReplayBlocks    uint64      `json:"replay_blocks"`
	DegradedServed  uint64      `json:"degraded_served"`
	Cache           CacheStats  `json:"cache"`
	Replay          ReplayStats `json:"replay_defense"`
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		TotalRequests:  s.total.Load(),
		Allowed:        s.allowed.Load(),
		Denied:         s.denied.Load(),
		AuthFailures:   s.authFailures.Load(),
		ReplayBlocks:   s.replayBlocks.Load(),
		DegradedServed: s.degraded.Load(),
	}
}

// Metrics are the Prometheus-facing counterparts of Stats, registered
// only when the operator installs a registry.
type Metrics struct {
	requests     *prometheus.CounterVec
	authFailures prometheus.Counter
	replayBlocks prometheus.Counter
	upstream     prometheus.Histogram
}

// NewMetrics registers the gateway collectors on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caracal_gateway_requests_total",
			Help: "Proxied requests by outcome.",
		}, []string{"outcome"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caracal_gateway_auth_failures_total",
			Help: "Requests rejected during authentication.",
		}),
		replayBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caracal_gateway_replay_blocks_total",
			Help: "Requests rejected by replay defense.",
		}),
		upstream: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "caracal_gateway_upstream_seconds",
			Help:    "Upstream round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.requests, m.authFailures, m.replayBlocks, m.upstream)
	return m
}

func (m *Metrics) countOutcome(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) countAuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

func (m *Metrics) countReplayBlock() {
	if m == nil {
		return
	}
	m.replayBlocks.Inc()
}

func (m *Metrics) observeUpstream(seconds float64) {
	if m == nil {
		return
	}
	m.upstream.Observe(seconds)
}
