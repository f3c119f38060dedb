package bundle

import "github.com/prometheus/client_golang/prometheus"

type CacheMetrics struct {
	HitsTotal       prometheus.Counter
	MissesTotal     prometheus.Counter
	OpensTotal      prometheus.Counter
	OpenErrorsTotal prometheus.Counter
	UnloadsTotal    prometheus.Counter
	Resident        prometheus.Gauge
}

func (m *CacheMetrics) incCounter(counter prometheus.Counter) {
	if m == nil || counter == nil {
		return
	}
	counter.Inc()
}

func (m *CacheMetrics) ObserveHit() {
	if m == nil {
		return
	}
	m.incCounter(m.HitsTotal)
}

func (m *CacheMetrics) ObserveMiss() {
	if m == nil {
		return
	}
	m.incCounter(m.MissesTotal)
}

func (m *CacheMetrics) ObserveOpen(err error) {
	if m == nil {
		return
	}
	m.incCounter(m.OpensTotal)
	if err != nil {
		m.incCounter(m.OpenErrorsTotal)
	}
}

func (m *CacheMetrics) ObserveUnload() {
	if m == nil {
		return
	}
	m.incCounter(m.UnloadsTotal)
}

func (m *CacheMetrics) SetResident(n int) {
	if m == nil || m.Resident == nil {
		return
	}
	m.Resident.Set(float64(n))
}

func DefaultCacheMetrics(constLabels prometheus.Labels) *CacheMetrics {
	return &CacheMetrics{
		HitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hotpatch",
			Subsystem:   "bundle_cache",
			Name:        "hits_total",
			Help:        "Loads served by an already resident bundle.",
			ConstLabels: constLabels,
		}),
		MissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hotpatch",
			Subsystem:   "bundle_cache",
			Name:        "misses_total",
			Help:        "Loads that had to open a bundle from local storage.",
			ConstLabels: constLabels,
		}),
		OpensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hotpatch",
			Subsystem:   "bundle_cache",
			Name:        "opens_total",
			Help:        "Bundle open attempts.",
			ConstLabels: constLabels,
		}),
		OpenErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hotpatch",
			Subsystem:   "bundle_cache",
			Name:        "open_errors_total",
			Help:        "Bundle opens that failed on a missing or corrupt file.",
			ConstLabels: constLabels,
		}),
		UnloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hotpatch",
			Subsystem:   "bundle_cache",
			Name:        "unloads_total",
			Help:        "Bundles released after their reference count reached zero.",
			ConstLabels: constLabels,
		}),
		Resident: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hotpatch",
			Subsystem:   "bundle_cache",
			Name:        "resident",
			Help:        "Bundles currently resident.",
			ConstLabels: constLabels,
		}),
	}
}

// Collectors returns all non-nil collectors for registration.
func (m *CacheMetrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	var out []prometheus.Collector
	for _, c := range []prometheus.Collector{
		m.HitsTotal, m.MissesTotal, m.OpensTotal, m.OpenErrorsTotal, m.UnloadsTotal, m.Resident,
	} {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}
