package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes cache tier counters to Prometheus. One instance is
// shared by the memory and disk tiers; the tier label distinguishes
// them.
type Metrics struct {
	Hits          *prometheus.CounterVec
	Misses        *prometheus.CounterVec
	Evictions     *prometheus.CounterVec
	ResidentBytes *prometheus.GaugeVec
}

// NewMetrics creates and registers the cache collectors. A nil
// registerer leaves them unregistered (tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stratafs",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache hits per tier.",
		}, []string{"tier"}),
		Misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stratafs",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache misses per tier.",
		}, []string{"tier"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stratafs",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Evictions per tier.",
		}, []string{"tier"}),
		ResidentBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stratafs",
			Subsystem: "cache",
			Name:      "resident_bytes",
			Help:      "Bytes currently resident per tier.",
		}, []string{"tier"}),
	}
	if reg != nil {
		reg.MustRegister(m.Hits, m.Misses, m.Evictions, m.ResidentBytes)
	}
	return m
}

// ObserveHit records a hit on a tier.
func (m *Metrics) ObserveHit(tier string) {
	if m != nil {
		m.Hits.WithLabelValues(tier).Inc()
	}
}

// ObserveMiss records a miss on a tier.
func (m *Metrics) ObserveMiss(tier string) {
	if m != nil {
		m.Misses.WithLabelValues(tier).Inc()
	}
}

// ObserveEviction records an eviction on a tier.
func (m *Metrics) ObserveEviction(tier string) {
	if m != nil {
		m.Evictions.WithLabelValues(tier).Inc()
	}
}

// SetResidentBytes updates the resident gauge for a tier.
func (m *Metrics) SetResidentBytes(tier string, bytes int64) {
	if m != nil {
		m.ResidentBytes.WithLabelValues(tier).Set(float64(bytes))
	}
}
