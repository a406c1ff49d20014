// Package metrics exports cache and coordinator events to Prometheus.
//
// A *Metrics satisfies both cache.Metrics and window.Metrics. All methods
// are safe on a nil receiver, so callers may pass a nil *Metrics when
// metrics are disabled.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meigma/streamcache/cache"
	"github.com/meigma/streamcache/window"
)

const namespace = "streamcache"

// Outcome label values.
const (
	OutcomeOK            = "ok"
	OutcomeTimeout       = "timeout"
	OutcomeNotStreamable = "not_streamable"
	OutcomeMissing       = "missing"
	OutcomeSuperseded    = "superseded"
	OutcomeClosed        = "closed"
	OutcomeError         = "error"
)

// Metrics holds the Prometheus collectors.
type Metrics struct {
	CacheReads     *prometheus.CounterVec
	CacheReadBytes prometheus.Counter
	CacheEvictions prometheus.Counter
	ResidentChunks prometheus.Gauge
	WindowRequests prometheus.Counter
	IngestedBytes  prometheus.Counter
	Readiness      *prometheus.HistogramVec
	SeekWait       *prometheus.HistogramVec
}

// latencyBuckets covers a fast local hit up to the default 30s timeout.
var latencyBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheReads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_reads_total",
			Help:      "Ring buffer reads by result.",
		}, []string{"result"}), // "hit", "miss"
		CacheReadBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_read_bytes_total",
			Help:      "Bytes served from the ring buffer.",
		}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Chunks evicted from the ring buffer.",
		}),
		ResidentChunks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_resident_chunks",
			Help:      "Chunks currently resident in the ring buffer.",
		}),
		WindowRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "window_requests_total",
			Help:      "Download windows sent to the backend.",
		}),
		IngestedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_bytes_total",
			Help:      "Bytes copied from the backend into the ring buffer.",
		}),
		Readiness: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "readiness_seconds",
			Help:      "Time until a file was ready for playback, by outcome.",
			Buckets:   latencyBuckets,
		}, []string{"outcome"}),
		SeekWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "seek_wait_seconds",
			Help:      "Time spent waiting for a download window, by outcome.",
			Buckets:   latencyBuckets,
		}, []string{"outcome"}),
	}
}

// ObserveRead implements cache.Metrics.
func (m *Metrics) ObserveRead(n int, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheReads.WithLabelValues(result).Inc()
	m.CacheReadBytes.Add(float64(n))
}

// ObserveEviction implements cache.Metrics.
func (m *Metrics) ObserveEviction() {
	if m == nil {
		return
	}
	m.CacheEvictions.Inc()
}

// RecordResidentChunks implements cache.Metrics.
func (m *Metrics) RecordResidentChunks(n int) {
	if m == nil {
		return
	}
	m.ResidentChunks.Set(float64(n))
}

// ObserveReadiness implements window.Metrics.
func (m *Metrics) ObserveReadiness(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.Readiness.WithLabelValues(Outcome(err)).Observe(d.Seconds())
}

// ObserveWindowRequest implements window.Metrics.
func (m *Metrics) ObserveWindowRequest() {
	if m == nil {
		return
	}
	m.WindowRequests.Inc()
}

// ObserveSeekWait implements window.Metrics.
func (m *Metrics) ObserveSeekWait(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.SeekWait.WithLabelValues(Outcome(err)).Observe(d.Seconds())
}

// ObserveIngest implements window.Metrics.
func (m *Metrics) ObserveIngest(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.IngestedBytes.Add(float64(n))
}

// Outcome maps an error to its outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, window.ErrReadinessTimeout):
		return OutcomeTimeout
	case errors.Is(err, window.ErrContainerNotStreamable):
		return OutcomeNotStreamable
	case errors.Is(err, window.ErrBackendFileMissing):
		return OutcomeMissing
	case errors.Is(err, window.ErrWindowSuperseded):
		return OutcomeSuperseded
	case errors.Is(err, window.ErrClosed):
		return OutcomeClosed
	default:
		return OutcomeError
	}
}

var (
	_ cache.Metrics  = (*Metrics)(nil)
	_ window.Metrics = (*Metrics)(nil)
)
