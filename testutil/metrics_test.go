/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestAssertSamplesCountInCounter(t *testing.T) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total"})
	counter.Inc()
	counter.Inc()
	RequireSamplesCountInCounter(t, counter, 2)
}

func TestAssertGaugeValue(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge"})
	gauge.Set(0.75)
	RequireGaugeValue(t, gauge, 0.75)
}
