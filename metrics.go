package hotpatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type SyncMetrics struct {
	SessionsTotal       *prometheus.CounterVec
	DownloadsTotal      prometheus.Counter
	DownloadErrors      prometheus.Counter
	RetriesTotal        prometheus.Counter
	ResumedTotal        prometheus.Counter
	DownloadBytes       prometheus.Counter
	DownloadLatency     prometheus.Histogram
	InFlight            prometheus.Gauge
	VerifyFailuresTotal prometheus.Counter
}

func (m *SyncMetrics) incCounter(counter prometheus.Counter) {
	if m == nil || counter == nil {
		return
	}
	counter.Inc()
}

func (m *SyncMetrics) addCounter(counter prometheus.Counter, value float64) {
	if m == nil || counter == nil || value == 0 {
		return
	}
	counter.Add(value)
}

func (m *SyncMetrics) observeHistogram(histogram prometheus.Histogram, value float64) {
	if m == nil || histogram == nil {
		return
	}
	histogram.Observe(value)
}

// ObserveSession records a finished session by outcome label.
func (m *SyncMetrics) ObserveSession(outcome string) {
	if m == nil || m.SessionsTotal == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(outcome).Inc()
}

func (m *SyncMetrics) ObserveDownload(sizeBytes int, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.observeHistogram(m.DownloadLatency, d.Seconds())
	if err != nil {
		m.incCounter(m.DownloadErrors)
		return
	}
	m.incCounter(m.DownloadsTotal)
	m.addCounter(m.DownloadBytes, float64(sizeBytes))
}

func (m *SyncMetrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.incCounter(m.RetriesTotal)
}

func (m *SyncMetrics) ObserveResumed(n int) {
	if m == nil {
		return
	}
	m.addCounter(m.ResumedTotal, float64(n))
}

func (m *SyncMetrics) ObserveVerifyFailure() {
	if m == nil {
		return
	}
	m.incCounter(m.VerifyFailuresTotal)
}

func (m *SyncMetrics) SetInFlight(n int) {
	if m == nil || m.InFlight == nil {
		return
	}
	m.InFlight.Set(float64(n))
}

func DefaultSyncMetrics(constLabels prometheus.Labels) *SyncMetrics {
	return &SyncMetrics{
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "hotpatch",
			Subsystem:   "sync",
			Name:        "sessions_total",
			Help:        "Finished hotfix sessions by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		DownloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hotpatch",
			Subsystem:   "sync",
			Name:        "downloads_total",
			Help:        "Total number of units downloaded and recorded.",
			ConstLabels: constLabels,
		}),
		DownloadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hotpatch",
			Subsystem:   "sync",
			Name:        "download_errors_total",
			Help:        "Total number of failed unit downloads.",
			ConstLabels: constLabels,
		}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hotpatch",
			Subsystem:   "sync",
			Name:        "retries_total",
			Help:        "Total number of units requeued after a failure.",
			ConstLabels: constLabels,
		}),
		ResumedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hotpatch",
			Subsystem:   "sync",
			Name:        "resumed_total",
			Help:        "Units skipped because the ledger recorded them.",
			ConstLabels: constLabels,
		}),
		DownloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hotpatch",
			Subsystem:   "sync",
			Name:        "download_bytes_total",
			Help:        "Total bytes of downloaded units.",
			ConstLabels: constLabels,
		}),
		DownloadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "hotpatch",
			Subsystem:   "sync",
			Name:        "download_latency_seconds",
			Help:        "Histogram of unit fetch latency in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.005, 2, 14),
			ConstLabels: constLabels,
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hotpatch",
			Subsystem:   "sync",
			Name:        "in_flight",
			Help:        "Unit fetches currently in flight.",
			ConstLabels: constLabels,
		}),
		VerifyFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hotpatch",
			Subsystem:   "sync",
			Name:        "verify_failures_total",
			Help:        "Units rejected by hash or write verification.",
			ConstLabels: constLabels,
		}),
	}
}

func (m *SyncMetrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{
		m.SessionsTotal,
		m.DownloadsTotal,
		m.DownloadErrors,
		m.RetriesTotal,
		m.ResumedTotal,
		m.DownloadBytes,
		m.DownloadLatency,
		m.InFlight,
		m.VerifyFailuresTotal,
	}
}
