/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/atomic"

	"github.com/acronis/go-admission/log"
)

// Default tuning parameters.
const (
	DefaultTuningCooldown  = 5 * time.Second
	DefaultTargetPressure  = 0.7
	DefaultTargetBlockRate = 0.1
	DefaultMaxRateStep     = 0.1
	DefaultHighBlockRate   = 0.2
	DefaultLowBlockRate    = 0.05
	DefaultOverloadGuard   = 0.3
	DefaultBurstDecrease   = 0.05
	DefaultBurstIncrease   = 0.02
)

// Control law gains.
const (
	pressureGain  = 0.5  // weight of the pressure error term
	blockRateGain = 0.01 // weight of the block rate error term
	dampingGain   = 0.1  // damping proportional to the absolute pressure
)

// TunerOpts contains configurable parameters of the feedback controller.
// A zero value for any field selects the corresponding default.
type TunerOpts struct {
	// Cooldown is the minimum interval between two tuning computations.
	Cooldown time.Duration

	// TargetPressure is the pressure level the controller steers towards.
	TargetPressure float64

	// TargetBlockRate is the block rate the controller steers towards.
	TargetBlockRate float64

	// MaxRateStep caps the relative rate change per cycle (0.1 means ±10%).
	MaxRateStep float64

	// HighBlockRate is the block rate above which the burst factor is decreased.
	HighBlockRate float64

	// LowBlockRate is the block rate below which the burst factor is increased.
	LowBlockRate float64

	// OverloadGuardBlockRate is the block rate above which the rate is
	// never increased, whatever the control law suggests.
	OverloadGuardBlockRate float64

	// OnTune, if set, is called with every published snapshot.
	OnTune func(limits Limits, stats Stats)
}

func (o TunerOpts) withDefaults() TunerOpts {
	if o.Cooldown == 0 {
		o.Cooldown = DefaultTuningCooldown
	}
	if o.TargetPressure == 0 {
		o.TargetPressure = DefaultTargetPressure
	}
	if o.TargetBlockRate == 0 {
		o.TargetBlockRate = DefaultTargetBlockRate
	}
	if o.MaxRateStep == 0 {
		o.MaxRateStep = DefaultMaxRateStep
	}
	if o.HighBlockRate == 0 {
		o.HighBlockRate = DefaultHighBlockRate
	}
	if o.LowBlockRate == 0 {
		o.LowBlockRate = DefaultLowBlockRate
	}
	if o.OverloadGuardBlockRate == 0 {
		o.OverloadGuardBlockRate = DefaultOverloadGuard
	}
	return o
}

func (o TunerOpts) validate() error {
	if o.Cooldown < 0 {
		return fmt.Errorf("cooldown should not be negative, got %v", o.Cooldown)
	}
	if o.TargetPressure < 0 || o.TargetPressure > 1 {
		return fmt.Errorf("target pressure should be in [0, 1], got %v", o.TargetPressure)
	}
	if o.TargetBlockRate < 0 || o.TargetBlockRate > 1 {
		return fmt.Errorf("target block rate should be in [0, 1], got %v", o.TargetBlockRate)
	}
	if o.MaxRateStep <= 0 || o.MaxRateStep >= 1 {
		return fmt.Errorf("max rate step should be in (0, 1), got %v", o.MaxRateStep)
	}
	return nil
}

// Tuner is the feedback controller that periodically adjusts the global
// rate parameters from the monitor's observations. It is self-throttled:
// however often MaybeTune is called, at most one tuning computation runs
// per cooldown interval.
type Tuner struct {
	monitor *Monitor
	limits  *LimitsHolder
	opts    TunerOpts
	logger  log.FieldLogger
	lastRun atomic.Int64 // unix nanoseconds of the last tuning run
}

// NewTuner creates a new tuner publishing through the given holder.
func NewTuner(monitor *Monitor, limits *LimitsHolder, opts TunerOpts, logger log.FieldLogger) (*Tuner, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return &Tuner{monitor: monitor, limits: limits, opts: opts, logger: logger}, nil
}

// MaybeTune runs one tuning computation if the cooldown interval has passed
// since the previous one. It returns true if a new snapshot was published.
// Concurrent callers race on a single CAS, so the computation itself never
// runs twice for one cycle.
func (t *Tuner) MaybeTune(now time.Time) bool {
	last := t.lastRun.Load()
	if last == 0 {
		// First call only starts the clock, the first real tuning
		// computation happens one full cooldown later.
		t.lastRun.CompareAndSwap(0, now.UnixNano())
		return false
	}
	if now.UnixNano()-last < int64(t.opts.Cooldown) {
		return false
	}
	if !t.lastRun.CompareAndSwap(last, now.UnixNano()) {
		return false
	}

	stats := t.monitor.Stats()
	cur := t.limits.Load()

	pressureErr := t.opts.TargetPressure - stats.Pressure
	blockRateErr := t.opts.TargetBlockRate - stats.BlockRate
	adjustment := pressureGain*pressureErr + blockRateGain*blockRateErr - dampingGain*stats.Pressure
	rateDelta := math.Tanh(adjustment) * t.opts.MaxRateStep
	if stats.BlockRate > t.opts.OverloadGuardBlockRate && rateDelta > 0 {
		// Sustained rejections mean the system is overloaded; never raise
		// the rate in that state even if the pressure term asks for it.
		rateDelta = 0
	}

	next := cur
	next.RPS = clamp(cur.RPS*(1+rateDelta), cur.MinRPS, cur.MaxRPS)

	switch {
	case stats.BlockRate > t.opts.HighBlockRate:
		next.BurstFactor = cur.BurstFactor * (1 - DefaultBurstDecrease)
	case stats.BlockRate < t.opts.LowBlockRate:
		next.BurstFactor = cur.BurstFactor * (1 + DefaultBurstIncrease)
	}
	next.BurstFactor = clamp(next.BurstFactor, cur.MinBurstFactor, cur.MaxBurstFactor)

	t.limits.publish(next)
	t.monitor.ResetCounters()

	t.logger.Debug("rate parameters tuned",
		log.Float64("rps", next.RPS),
		log.Float64("burst_factor", next.BurstFactor),
		log.Float64("pressure", stats.Pressure),
		log.Float64("block_rate", stats.BlockRate),
		log.Int64("total_requests", stats.TotalRequests),
		log.Int64("blocked_requests", stats.BlockedRequests),
	)
	if t.opts.OnTune != nil {
		t.opts.OnTune(next, stats)
	}
	return true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
