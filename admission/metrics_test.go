/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-admission/testutil"
)

func TestPrometheusMetricsIncRejects(t *testing.T) {
	pm := NewPrometheusMetrics("test")
	pm.MustRegister()
	defer pm.Unregister()

	pm.IncRejects(CategoryMessage, false, false)
	pm.IncRejects(CategoryMessage, false, false)
	pm.IncRejects(CategoryCommand, true, true)

	labels := prometheus.Labels{"category": "message", "dry_run": "no", "backlogged": "no"}
	testutil.RequireSamplesCountInCounter(t, pm.RejectsTotal.With(labels), 2)

	labels = prometheus.Labels{"category": "command", "dry_run": "yes", "backlogged": "yes"}
	testutil.RequireSamplesCountInCounter(t, pm.RejectsTotal.With(labels), 1)
}

func TestPrometheusMetricsObserveSnapshot(t *testing.T) {
	pm := NewPrometheusMetrics("")

	pm.ObserveSnapshot(Snapshot{
		RPS:            12.5,
		BurstFactor:    2.0,
		BurstCapacity:  25.0,
		Pressure:       0.4,
		BlockRate:      0.05,
		StoreOccupancy: 0.1,
	})
	pm.SetStoreSize(2500)
	pm.AddStoreEvictions(3)

	testutil.RequireGaugeValue(t, pm.RPS, 12.5)
	testutil.RequireGaugeValue(t, pm.BurstFactor, 2.0)
	testutil.RequireGaugeValue(t, pm.BurstCapacity, 25.0)
	testutil.RequireGaugeValue(t, pm.Pressure, 0.4)
	testutil.RequireGaugeValue(t, pm.BlockRate, 0.05)
	testutil.RequireGaugeValue(t, pm.StoreOccupancy, 0.1)
	testutil.RequireGaugeValue(t, pm.StoreSize, 2500)
	testutil.RequireSamplesCountInCounter(t, pm.StoreEvictionsTotal, 3)
}
