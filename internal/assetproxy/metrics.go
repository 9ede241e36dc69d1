package assetproxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolution outcomes, one per terminal state of a resolve step.
const (
	outcomeInvalidURL       = "invalid_url"
	outcomeDepthExceeded    = "depth_exceeded"
	outcomeIgnored          = "ignored"
	outcomeCacheHit         = "cache_hit"
	outcomeCacheReadFailed  = "cache_read_failed"
	outcomeRedirect         = "redirect"
	outcomeRedirectNoTarget = "redirect_without_location"
	outcomeMemoHit          = "memo_hit"
	outcomeStored           = "stored"
	outcomeFetchFailed      = "fetch_failed"
	outcomeUnknownError     = "unknown_error"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	outcomes      *prometheus.CounterVec
	fetchAttempts *prometheus.CounterVec
	storedBytes   prometheus.Counter
	duration      prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assetproxy",
			Name:      "resolve_outcomes_total",
			Help:      "Resolve steps by terminal outcome",
		}, []string{"outcome"}),
		fetchAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assetproxy",
			Name:      "fetch_attempts_total",
			Help:      "Origin fetch attempts by chain client and HTTP status",
		}, []string{"client", "code"}),
		storedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "assetproxy",
			Name:      "stored_bytes_total",
			Help:      "Bytes uploaded to the blob store",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "assetproxy",
			Name:      "resolve_duration_seconds",
			Help:      "Wall time of top-level resolve calls",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) outcome(name string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(name).Inc()
}

func (m *Metrics) fetchAttempt(client, code string) {
	if m == nil {
		return
	}
	m.fetchAttempts.WithLabelValues(client, code).Inc()
}

func (m *Metrics) stored(n int) {
	if m == nil {
		return
	}
	m.storedBytes.Add(float64(n))
}

func (m *Metrics) observeDuration(seconds float64) {
	if m == nil {
		return
	}
	m.duration.Observe(seconds)
}
