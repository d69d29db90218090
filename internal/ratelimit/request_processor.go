/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// DefaultBacklogTimeout determines the default timeout for backlog processing.
const DefaultBacklogTimeout = time.Second * 5

// DefaultEvictionBatchSize is the default bound on idle evictions per request.
const DefaultEvictionBatchSize = 32

// backlogSlotsProvider provides backlog slots for rejected requests.
type backlogSlotsProvider func(key Key) chan struct{}

// Params contains data that relates to a rejected request and is passed to
// the rejection and error callbacks.
type Params struct {
	Key                 Key
	CurrentRate         float64
	CurrentBurst        float64
	RequestBacklogged   bool
	EstimatedRetryAfter time.Duration
}

// RequestHandler abstracts one request flowing through the processor.
type RequestHandler interface {
	// GetContext returns the request context.
	GetContext() context.Context

	// GetKey extracts the accounting key from the request.
	// Returns key, bypass (whether to skip admission control), and error.
	GetKey() (Key, bool, error)

	// Execute invokes the downstream handler.
	Execute() error

	// OnReject handles request rejection when the limit is exceeded.
	OnReject(params Params) error

	// OnError handles errors that occur during admission control.
	OnError(params Params, err error) error
}

// RequestProcessor drives the full per-request admission flow: key
// extraction, decision, downstream execution with latency measurement, and
// opportunistic maintenance (tuning and eviction of idle identities).
// The downstream handler runs outside the limiter's critical section.
type RequestProcessor struct {
	limiter         Limiter
	monitor         *Monitor
	tuner           *Tuner
	getBacklogSlots backlogSlotsProvider
	backlogTimeout  time.Duration
	evictBatch      int
	now             func() time.Time
}

// BacklogParams defines parameters for backlog processing.
type BacklogParams struct {
	MaxKeys int
	Limit   int
	Timeout time.Duration
}

// ProcessorOpts represents options for the RequestProcessor.
type ProcessorOpts struct {
	// Tuner enables auto-tuning when non-nil.
	Tuner *Tuner

	// Backlog enables backlog queuing when Backlog.Limit > 0.
	Backlog BacklogParams

	// EvictionBatchSize bounds idle evictions performed per request.
	EvictionBatchSize int

	// TimeNow is the clock used for decisions, time.Now by default.
	TimeNow func() time.Time
}

// NewRequestProcessor creates a new processor over the given limiter and monitor.
func NewRequestProcessor(limiter Limiter, monitor *Monitor, opts ProcessorOpts) (*RequestProcessor, error) {
	if limiter == nil {
		return nil, fmt.Errorf("limiter is required")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor is required")
	}
	if opts.Backlog.Limit < 0 {
		return nil, fmt.Errorf("backlog limit should not be negative, got %d", opts.Backlog.Limit)
	}
	if opts.Backlog.MaxKeys < 0 {
		return nil, fmt.Errorf("max keys for backlog should not be negative, got %d", opts.Backlog.MaxKeys)
	}

	var getBacklogSlots backlogSlotsProvider
	if opts.Backlog.Limit > 0 {
		var err error
		if getBacklogSlots, err = newBacklogSlotsProvider(opts.Backlog.Limit, opts.Backlog.MaxKeys); err != nil {
			return nil, err
		}
	}
	backlogTimeout := opts.Backlog.Timeout
	if backlogTimeout == 0 {
		backlogTimeout = DefaultBacklogTimeout
	}
	evictBatch := opts.EvictionBatchSize
	if evictBatch == 0 {
		evictBatch = DefaultEvictionBatchSize
	}
	timeNow := opts.TimeNow
	if timeNow == nil {
		timeNow = time.Now
	}

	return &RequestProcessor{
		limiter:         limiter,
		monitor:         monitor,
		tuner:           opts.Tuner,
		getBacklogSlots: getBacklogSlots,
		backlogTimeout:  backlogTimeout,
		evictBatch:      evictBatch,
		now:             timeNow,
	}, nil
}

// ProcessRequest contains the shared admission control logic.
func (p *RequestProcessor) ProcessRequest(rh RequestHandler) error {
	ctx := rh.GetContext()

	key, bypass, err := rh.GetKey()
	if err != nil {
		return rh.OnError(Params{Key: key}, fmt.Errorf("get key for admission control: %w", err))
	}
	if bypass { // No identity or an excluded one: pass through, no accounting.
		return rh.Execute()
	}

	defer p.maintain()

	start := p.now()
	allow, retryAfter, err := p.limiter.Allow(ctx, key, start)
	if err != nil {
		return rh.OnError(Params{Key: key}, fmt.Errorf("admission control: %w", err))
	}

	if allow {
		return p.execute(rh, start)
	}

	// The token is already spent on the decision: the rejection itself is
	// accounted with its (tiny) decision latency.
	p.monitor.Observe(p.now().Sub(start), true)

	if p.getBacklogSlots == nil { // Backlogging is disabled.
		return rh.OnReject(p.rejectParams(key, false, retryAfter))
	}
	return p.processBacklog(rh, key, retryAfter)
}

// execute runs the downstream handler, measures its latency and records the
// admitted outcome. The handler's error is propagated unchanged; the token
// is not refunded on failure.
func (p *RequestProcessor) execute(rh RequestHandler, start time.Time) error {
	err := rh.Execute()
	p.monitor.Observe(p.now().Sub(start), false)
	return err
}

func (p *RequestProcessor) rejectParams(key Key, backlogged bool, retryAfter time.Duration) Params {
	rate, burst := p.limiter.Effective(key.Category)
	return Params{
		Key:                 key,
		CurrentRate:         rate,
		CurrentBurst:        burst,
		RequestBacklogged:   backlogged,
		EstimatedRetryAfter: retryAfter,
	}
}

// maintain performs the opportunistic per-request maintenance. Both steps
// are bounded in cost: tuning is cooldown-gated and eviction is batched.
func (p *RequestProcessor) maintain() {
	now := p.now()
	if p.tuner != nil {
		p.tuner.MaybeTune(now)
	}
	p.limiter.EvictIdle(now, p.evictBatch)
}

// processBacklog parks a rejected request in the backlog and periodically
// retries the decision until it is admitted, the backlog timeout fires, or
// the request context is done.
func (p *RequestProcessor) processBacklog(rh RequestHandler, key Key, retryAfter time.Duration) error {
	ctx := rh.GetContext()

	backlogSlots := p.getBacklogSlots(key)
	backlogged := false
	select {
	case backlogSlots <- struct{}{}:
		backlogged = true
	default:
		// No free slots in the backlog, reject immediately.
		return rh.OnReject(p.rejectParams(key, backlogged, retryAfter))
	}

	freeBacklogSlotIfNeeded := func() {
		if backlogged {
			select {
			case <-backlogSlots:
				backlogged = false
			default:
			}
		}
	}
	defer freeBacklogSlotIfNeeded()

	backlogTimeoutTimer := time.NewTimer(p.backlogTimeout)
	defer backlogTimeoutTimer.Stop()

	if retryAfter <= 0 {
		retryAfter = time.Millisecond
	}
	retryTimer := time.NewTimer(retryAfter)
	defer retryTimer.Stop()

	for {
		select {
		case <-retryTimer.C:
			// Will do another admission check below.
		case <-backlogTimeoutTimer.C:
			freeBacklogSlotIfNeeded()
			return rh.OnReject(p.rejectParams(key, true, retryAfter))
		case <-ctx.Done():
			freeBacklogSlotIfNeeded()
			return rh.OnError(p.rejectParams(key, true, retryAfter), ctx.Err())
		}

		start := p.now()
		allow, nextRetryAfter, err := p.limiter.Allow(ctx, key, start)
		if err != nil {
			freeBacklogSlotIfNeeded()
			return rh.OnError(p.rejectParams(key, true, retryAfter), fmt.Errorf("admission control: %w", err))
		}
		if allow {
			freeBacklogSlotIfNeeded()
			return p.execute(rh, start)
		}

		retryAfter = nextRetryAfter
		if retryAfter <= 0 {
			retryAfter = time.Millisecond
		}
		if !retryTimer.Stop() {
			select {
			case <-retryTimer.C:
			default:
			}
		}
		retryTimer.Reset(retryAfter)
	}
}

// newBacklogSlotsProvider creates a provider of per-identity backlog slots.
func newBacklogSlotsProvider(backlogLimit, maxKeys int) (backlogSlotsProvider, error) {
	if maxKeys == 0 {
		backlogSlots := make(chan struct{}, backlogLimit)
		return func(_ Key) chan struct{} {
			return backlogSlots
		}, nil
	}
	keysZone, err := NewStore[chan struct{}](maxKeys, 0, nil)
	if err != nil {
		return nil, err
	}
	return func(key Key) chan struct{} {
		return keysZone.GetOrCreate(key, time.Now(), func() chan struct{} {
			return make(chan struct{}, backlogLimit)
		})
	}, nil
}
