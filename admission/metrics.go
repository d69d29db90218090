/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsLabelCategory   = "category"
	metricsLabelDryRun     = "dry_run"
	metricsLabelBacklogged = "backlogged"
)

const (
	metricsValYes = "yes"
	metricsValNo  = "no"
)

// MetricsCollector is an interface for collecting admission control metrics.
type MetricsCollector interface {
	// IncRejects increments the counter of rejected events.
	IncRejects(category Category, dryRun, backlogged bool)

	// ObserveSnapshot records the current tunable parameters and
	// load observations.
	ObserveSnapshot(s Snapshot)

	// SetStoreSize sets the current number of tracked identities.
	SetStoreSize(size int)

	// AddStoreEvictions increments the counter of evicted identities.
	AddStoreEvictions(count int)
}

// PrometheusMetrics represents collector of metrics for admission control.
type PrometheusMetrics struct {
	RejectsTotal        *prometheus.CounterVec
	RPS                 prometheus.Gauge
	BurstFactor         prometheus.Gauge
	BurstCapacity       prometheus.Gauge
	Pressure            prometheus.Gauge
	BlockRate           prometheus.Gauge
	StoreOccupancy      prometheus.Gauge
	StoreSize           prometheus.Gauge
	StoreEvictionsTotal prometheus.Counter
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	rejectsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_rejects_total",
		Help:      "Number of events rejected by admission control.",
	}, []string{metricsLabelCategory, metricsLabelDryRun, metricsLabelBacklogged})

	newGauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}

	return &PrometheusMetrics{
		RejectsTotal:   rejectsTotal,
		RPS:            newGauge("admission_rate_limit_rps", "Currently effective sustained rate in events per second."),
		BurstFactor:    newGauge("admission_burst_factor", "Currently effective burst factor."),
		BurstCapacity:  newGauge("admission_burst_capacity", "Currently effective burst capacity in events."),
		Pressure:       newGauge("admission_pressure", "Latency pressure in [0, 1] observed over the last tuning cycle."),
		BlockRate:      newGauge("admission_block_rate", "Share of rejected events observed over the last tuning cycle."),
		StoreOccupancy: newGauge("admission_identity_store_occupancy", "Identity store fill ratio in [0, 1]."),
		StoreSize:      newGauge("admission_identity_store_size", "Number of currently tracked identities."),
		StoreEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_identity_store_evictions_total",
			Help:      "Number of identities evicted from the store.",
		}),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.collectors()...)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	for _, c := range pm.collectors() {
		prometheus.Unregister(c)
	}
}

func (pm *PrometheusMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		pm.RejectsTotal,
		pm.RPS,
		pm.BurstFactor,
		pm.BurstCapacity,
		pm.Pressure,
		pm.BlockRate,
		pm.StoreOccupancy,
		pm.StoreSize,
		pm.StoreEvictionsTotal,
	}
}

// IncRejects increments the counter of rejected events.
func (pm *PrometheusMetrics) IncRejects(category Category, dryRun, backlogged bool) {
	pm.RejectsTotal.With(prometheus.Labels{
		metricsLabelCategory:   category.String(),
		metricsLabelDryRun:     metricsBoolVal(dryRun),
		metricsLabelBacklogged: metricsBoolVal(backlogged),
	}).Inc()
}

// ObserveSnapshot records the current tunable parameters and load observations.
func (pm *PrometheusMetrics) ObserveSnapshot(s Snapshot) {
	pm.RPS.Set(s.RPS)
	pm.BurstFactor.Set(s.BurstFactor)
	pm.BurstCapacity.Set(s.BurstCapacity)
	pm.Pressure.Set(s.Pressure)
	pm.BlockRate.Set(s.BlockRate)
	pm.StoreOccupancy.Set(s.StoreOccupancy)
}

// SetStoreSize sets the current number of tracked identities.
func (pm *PrometheusMetrics) SetStoreSize(size int) {
	pm.StoreSize.Set(float64(size))
}

// AddStoreEvictions increments the counter of evicted identities.
func (pm *PrometheusMetrics) AddStoreEvictions(count int) {
	pm.StoreEvictionsTotal.Add(float64(count))
}

func metricsBoolVal(b bool) string {
	if b {
		return metricsValYes
	}
	return metricsValNo
}

type disabledMetrics struct{}

func (disabledMetrics) IncRejects(Category, bool, bool) {}
func (disabledMetrics) ObserveSnapshot(Snapshot)        {}
func (disabledMetrics) SetStoreSize(int)                {}
func (disabledMetrics) AddStoreEvictions(int)           {}
