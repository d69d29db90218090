/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/vasayxtx/go-glob"
	"golang.org/x/time/rate"

	"github.com/acronis/go-admission/internal/ratelimit"
	"github.com/acronis/go-admission/log"
)

// Snapshot is a point-in-time view of the currently effective rate
// parameters and load observations, suitable for monitoring.
type Snapshot struct {
	// RPS is the tuned sustained rate in events per second.
	RPS float64

	// BurstFactor is the tuned burst factor.
	BurstFactor float64

	// BurstCapacity is the effective burst capacity of the default tier.
	BurstCapacity float64

	// Pressure is the latency pressure in [0, 1] observed since the last
	// tuning cycle.
	Pressure float64

	// BlockRate is the share of rejected events observed since the last
	// tuning cycle.
	BlockRate float64

	// StoreOccupancy is the identity store fill ratio in [0, 1].
	StoreOccupancy float64
}

// RejectInfo describes a single rejection decision.
type RejectInfo struct {
	// DecisionID uniquely identifies the decision for log correlation.
	DecisionID string

	// RetryAfter is an estimate of how long the sender should wait before
	// retrying.
	RetryAfter time.Duration

	// Backlogged reports whether the event waited in the backlog before
	// being rejected.
	Backlogged bool
}

// RejectFunc is called for every rejected event and produces the outcome
// returned to the caller.
type RejectFunc func(ctx context.Context, event Event, info RejectInfo) (Outcome, error)

// Opts represents options for creating a Controller.
type Opts struct {
	// Logger is used for logging decisions and tuning activity.
	// Logging is disabled by default.
	Logger log.FieldLogger

	// KeyFunc extracts the accounting identity and category from events.
	// DefaultKeyFunc is used by default.
	KeyFunc KeyFunc

	// OnReject, if set, overrides the default rejection outcome.
	OnReject RejectFunc

	// Metrics collects admission control metrics. Disabled by default.
	Metrics MetricsCollector

	// TimeNow is the clock used for decisions, time.Now by default.
	TimeNow func() time.Time
}

// Controller applies admission control to events. It admits or rejects each
// event based on the configured per-identity rate limiting strategy, observes
// downstream latency and, when tuning is enabled, continuously adjusts the
// global rate parameters.
//
// A Controller is safe for concurrent use and never blocks on I/O when
// making decisions.
type Controller struct {
	limiter   ratelimit.Limiter
	monitor   *ratelimit.Monitor
	limits    *ratelimit.LimitsHolder
	processor *ratelimit.RequestProcessor

	keyFunc  KeyFunc
	onReject RejectFunc
	metrics  MetricsCollector
	logger   log.FieldLogger

	// Rejection logs are sampled so a rejection storm cannot flood the log.
	rejectLog rate.Sometimes

	matchIdentity func(string) bool
	excludeMode   bool

	dryRun        bool
	maxIdentities int
	timeNow       func() time.Time
}

// New creates a new Controller with default options.
func New(cfg *Config) (*Controller, error) {
	return NewWithOpts(cfg, Opts{})
}

// NewWithOpts creates a new Controller.
// If cfg is nil, the default configuration is used.
func NewWithOpts(cfg *Config, opts Opts) (*Controller, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = disabledMetrics{}
	}
	keyFunc := opts.KeyFunc
	if keyFunc == nil {
		keyFunc = DefaultKeyFunc
	}

	limits, err := ratelimit.NewLimitsHolder(cfg.initialLimits())
	if err != nil {
		return nil, err
	}

	limiter, err := newLimiter(cfg, limits, storeMetrics{metrics}, logger)
	if err != nil {
		return nil, err
	}

	latencyWindow := cfg.Tuning.LatencyWindowSize
	if latencyWindow == 0 {
		latencyWindow = ratelimit.DefaultLatencyWindowSize
	}
	monitor, err := ratelimit.NewMonitor(latencyWindow)
	if err != nil {
		return nil, err
	}

	var tuner *ratelimit.Tuner
	if cfg.Tuning.Enabled {
		tunerOpts := ratelimit.TunerOpts{
			Cooldown:        time.Duration(cfg.Tuning.Cooldown),
			TargetPressure:  cfg.Tuning.TargetPressure,
			TargetBlockRate: cfg.Tuning.TargetBlockRate,
			MaxRateStep:     cfg.Tuning.MaxRateStep,
			OnTune: func(l ratelimit.Limits, stats ratelimit.Stats) {
				_, capacity := limiter.Effective(ratelimit.CategoryDefault)
				metrics.ObserveSnapshot(Snapshot{
					RPS:            l.RPS,
					BurstFactor:    l.BurstFactor,
					BurstCapacity:  capacity,
					Pressure:       stats.Pressure,
					BlockRate:      stats.BlockRate,
					StoreOccupancy: limiter.Occupancy(),
				})
			},
		}
		if tuner, err = ratelimit.NewTuner(monitor, limits, tunerOpts, logger); err != nil {
			return nil, err
		}
	}

	processor, err := ratelimit.NewRequestProcessor(limiter, monitor, ratelimit.ProcessorOpts{
		Tuner: tuner,
		Backlog: ratelimit.BacklogParams{
			MaxKeys: cfg.MaxIdentities,
			Limit:   cfg.Backlog.Limit,
			Timeout: time.Duration(cfg.Backlog.Timeout),
		},
		TimeNow: opts.TimeNow,
	})
	if err != nil {
		return nil, err
	}

	timeNow := opts.TimeNow
	if timeNow == nil {
		timeNow = time.Now
	}

	c := &Controller{
		limiter:       limiter,
		monitor:       monitor,
		limits:        limits,
		processor:     processor,
		keyFunc:       keyFunc,
		onReject:      opts.OnReject,
		metrics:       metrics,
		logger:        logger,
		rejectLog:     rate.Sometimes{First: 5, Interval: time.Second},
		dryRun:        cfg.DryRun,
		maxIdentities: cfg.MaxIdentities,
		timeNow:       timeNow,
	}

	switch {
	case len(cfg.ExcludedIdentities) != 0:
		c.matchIdentity = compileGlobs(cfg.ExcludedIdentities)
		c.excludeMode = true
	case len(cfg.IncludedIdentities) != 0:
		c.matchIdentity = compileGlobs(cfg.IncludedIdentities)
	}

	return c, nil
}

func newLimiter(
	cfg *Config, limits *ratelimit.LimitsHolder, mc ratelimit.StoreMetricsCollector, logger log.FieldLogger,
) (ratelimit.Limiter, error) {
	tiers := cfg.tiers()
	switch cfg.Strategy {
	case StrategySlidingWindow:
		return ratelimit.NewSlidingWindowLimiter(
			tiers, limits, time.Duration(cfg.Window), cfg.MaxIdentities, time.Duration(cfg.IdleTTL), mc, logger)
	default:
		return ratelimit.NewTokenBucketLimiter(
			tiers, limits, cfg.MaxIdentities, time.Duration(cfg.IdleTTL), mc, logger)
	}
}

func compileGlobs(patterns []string) func(string) bool {
	compiled := make([]func(s string) bool, 0, len(patterns))
	for _, pattern := range patterns {
		compiled = append(compiled, glob.Compile(pattern))
	}
	return func(s string) bool {
		for i := range compiled {
			if compiled[i](s) {
				return true
			}
		}
		return false
	}
}

// Wrap returns a handler that applies admission control before delegating
// to next.
func (c *Controller) Wrap(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, event Event) (Outcome, error) {
		return c.Handle(ctx, event, next)
	})
}

// Handle applies admission control to a single event. Admitted events are
// passed to next; rejected events produce an Outcome with Rejected set
// (or the OnReject callback's outcome) and a nil error. Errors returned by
// next are propagated unchanged.
func (c *Controller) Handle(ctx context.Context, event Event, next Handler) (Outcome, error) {
	rh := &requestHandler{ctrl: c, ctx: ctx, event: event, next: next}
	if err := c.processor.ProcessRequest(rh); err != nil {
		return rh.outcome, err
	}
	return rh.outcome, nil
}

// Snapshot returns the currently effective rate parameters and load
// observations.
func (c *Controller) Snapshot() Snapshot {
	l := c.limits.Load()
	stats := c.monitor.Stats()
	_, capacity := c.limiter.Effective(CategoryDefault)
	return Snapshot{
		RPS:            l.RPS,
		BurstFactor:    l.BurstFactor,
		BurstCapacity:  capacity,
		Pressure:       stats.Pressure,
		BlockRate:      stats.BlockRate,
		StoreOccupancy: c.limiter.Occupancy(),
	}
}

// RunPeriodicCleanup evicts idle identities with the given interval and
// refreshes the snapshot metrics on each sweep, which keeps the gauges
// current when tuning is disabled. By default idle entries are evicted
// opportunistically on the event path; deployments with bursty traffic may
// prefer timer-driven sweeps in a separate goroutine. Blocks until ctx is
// done.
func (c *Controller) RunPeriodicCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.limiter.EvictIdle(c.timeNow(), c.maxIdentities)
			c.metrics.ObserveSnapshot(c.Snapshot())
		}
	}
}

// storeMetrics bridges identity store accounting to the MetricsCollector.
type storeMetrics struct {
	mc MetricsCollector
}

func (sm storeMetrics) SetAmount(amount int)   { sm.mc.SetStoreSize(amount) }
func (sm storeMetrics) AddEvictions(count int) { sm.mc.AddStoreEvictions(count) }

// requestHandler adapts one event to the engine's request flow.
type requestHandler struct {
	ctrl    *Controller
	ctx     context.Context
	event   Event
	next    Handler
	outcome Outcome
}

func (h *requestHandler) GetContext() context.Context {
	return h.ctx
}

func (h *requestHandler) GetKey() (ratelimit.Key, bool, error) {
	identity, category, bypass, err := h.ctrl.keyFunc(h.event)
	if err != nil {
		return ratelimit.Key{}, false, err
	}
	if !bypass && h.ctrl.matchIdentity != nil {
		matched := h.ctrl.matchIdentity(identity)
		if h.ctrl.excludeMode {
			bypass = matched
		} else {
			bypass = !matched
		}
	}
	return ratelimit.Key{Identity: identity, Category: category}, bypass, nil
}

func (h *requestHandler) Execute() error {
	outcome, err := h.next.Handle(h.ctx, h.event)
	if err != nil {
		return err
	}
	h.outcome = outcome
	return nil
}

func (h *requestHandler) OnReject(params ratelimit.Params) error {
	c := h.ctrl
	decisionID := xid.New().String()

	c.metrics.IncRejects(params.Key.Category, c.dryRun, params.RequestBacklogged)
	c.rejectLog.Do(func() {
		c.logger.Debug("event rejected by admission control",
			log.String("decision_id", decisionID),
			log.String("identity", params.Key.Identity),
			log.String("category", params.Key.Category.String()),
			log.Float64("rate", params.CurrentRate),
			log.Float64("burst_capacity", params.CurrentBurst),
			log.Duration("retry_after", params.EstimatedRetryAfter),
			log.Bool("backlogged", params.RequestBacklogged),
			log.Bool("dry_run", c.dryRun),
		)
	})

	if c.dryRun {
		return h.Execute()
	}

	info := RejectInfo{
		DecisionID: decisionID,
		RetryAfter: params.EstimatedRetryAfter,
		Backlogged: params.RequestBacklogged,
	}
	if c.onReject != nil {
		outcome, err := c.onReject(h.ctx, h.event, info)
		if err != nil {
			return err
		}
		h.outcome = outcome
		return nil
	}
	h.outcome = Outcome{Rejected: true, RetryAfter: info.RetryAfter}
	return nil
}

func (h *requestHandler) OnError(params ratelimit.Params, err error) error {
	h.ctrl.logger.Error("admission control error",
		log.String("identity", params.Key.Identity),
		log.Error(err),
	)
	return err
}
