/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testRequestHandler struct {
	ctx        context.Context
	key        Key
	bypass     bool
	keyErr     error
	executeErr error

	executed     int
	rejected     int
	errored      int
	rejectParams Params
	lastErr      error
}

func newTestRequestHandler(identity string) *testRequestHandler {
	return &testRequestHandler{ctx: context.Background(), key: Key{Identity: identity}}
}

func (h *testRequestHandler) GetContext() context.Context {
	return h.ctx
}

func (h *testRequestHandler) GetKey() (Key, bool, error) {
	return h.key, h.bypass, h.keyErr
}

func (h *testRequestHandler) Execute() error {
	h.executed++
	return h.executeErr
}

func (h *testRequestHandler) OnReject(params Params) error {
	h.rejected++
	h.rejectParams = params
	return nil
}

func (h *testRequestHandler) OnError(_ Params, err error) error {
	h.errored++
	h.lastErr = err
	return err
}

func newTestProcessor(t *testing.T, capacity float64, opts ProcessorOpts) (*RequestProcessor, *Monitor) {
	t.Helper()
	limits := newFixedLimits(t, 5, 1)
	limiter, err := NewTokenBucketLimiter(
		Tiers{Default: Tier{Rate: 5, Capacity: capacity}}, limits, 100, time.Hour, nil, nil)
	require.NoError(t, err)
	monitor, err := NewMonitor(100)
	require.NoError(t, err)
	processor, err := NewRequestProcessor(limiter, monitor, opts)
	require.NoError(t, err)
	return processor, monitor
}

func TestProcessorAdmits(t *testing.T) {
	now := time.Unix(1700000000, 0)
	processor, monitor := newTestProcessor(t, 2, ProcessorOpts{TimeNow: func() time.Time { return now }})

	rh := newTestRequestHandler("user-1")
	require.NoError(t, processor.ProcessRequest(rh))
	require.Equal(t, 1, rh.executed)
	require.Equal(t, 0, rh.rejected)
	require.Equal(t, int64(1), monitor.Stats().TotalRequests)
}

func TestProcessorRejects(t *testing.T) {
	now := time.Unix(1700000000, 0)
	processor, monitor := newTestProcessor(t, 1, ProcessorOpts{TimeNow: func() time.Time { return now }})

	rh := newTestRequestHandler("user-1")
	require.NoError(t, processor.ProcessRequest(rh))
	require.NoError(t, processor.ProcessRequest(rh))

	require.Equal(t, 1, rh.executed)
	require.Equal(t, 1, rh.rejected)
	require.Equal(t, 200*time.Millisecond, rh.rejectParams.EstimatedRetryAfter)
	require.Equal(t, 5.0, rh.rejectParams.CurrentRate)
	require.Equal(t, 1.0, rh.rejectParams.CurrentBurst)
	require.False(t, rh.rejectParams.RequestBacklogged)

	stats := monitor.Stats()
	require.Equal(t, int64(2), stats.TotalRequests)
	require.Equal(t, int64(1), stats.BlockedRequests)
}

func TestProcessorBypass(t *testing.T) {
	now := time.Unix(1700000000, 0)
	processor, monitor := newTestProcessor(t, 1, ProcessorOpts{TimeNow: func() time.Time { return now }})

	rh := newTestRequestHandler("")
	rh.bypass = true
	for i := 0; i < 10; i++ {
		require.NoError(t, processor.ProcessRequest(rh))
	}

	// Bypassed requests are executed without accounting of any kind.
	require.Equal(t, 10, rh.executed)
	require.Equal(t, int64(0), monitor.Stats().TotalRequests)
}

func TestProcessorKeyError(t *testing.T) {
	now := time.Unix(1700000000, 0)
	processor, _ := newTestProcessor(t, 1, ProcessorOpts{TimeNow: func() time.Time { return now }})

	rh := newTestRequestHandler("user-1")
	rh.keyErr = errors.New("malformed request")

	err := processor.ProcessRequest(rh)
	require.Error(t, err)
	require.Equal(t, 1, rh.errored)
	require.Equal(t, 0, rh.executed)
	require.Contains(t, err.Error(), "get key for admission control")
	require.ErrorIs(t, err, rh.keyErr)
}

func TestProcessorDownstreamErrorPropagates(t *testing.T) {
	now := time.Unix(1700000000, 0)
	processor, monitor := newTestProcessor(t, 2, ProcessorOpts{TimeNow: func() time.Time { return now }})

	sentinel := errors.New("downstream failure")
	rh := newTestRequestHandler("user-1")
	rh.executeErr = sentinel

	err := processor.ProcessRequest(rh)
	require.Same(t, sentinel, err, "handler errors are propagated unchanged")
	require.Equal(t, int64(1), monitor.Stats().TotalRequests, "failed requests still count as admitted")
}

func TestProcessorTunesOnRequestPath(t *testing.T) {
	limits := newTunableLimits(t)
	limiter, err := NewTokenBucketLimiter(
		Tiers{Default: Tier{Rate: 10, Capacity: 10}}, limits, 100, time.Hour, nil, nil)
	require.NoError(t, err)
	monitor, err := NewMonitor(100)
	require.NoError(t, err)
	tuner, err := NewTuner(monitor, limits, TunerOpts{Cooldown: time.Second}, nil)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	processor, err := NewRequestProcessor(limiter, monitor, ProcessorOpts{
		Tuner:   tuner,
		TimeNow: func() time.Time { return now },
	})
	require.NoError(t, err)

	before := limits.Load().RPS
	require.NoError(t, processor.ProcessRequest(newTestRequestHandler("user-1")))
	require.Equal(t, before, limits.Load().RPS, "first request only primes the tuner clock")

	now = now.Add(2 * time.Second)
	require.NoError(t, processor.ProcessRequest(newTestRequestHandler("user-1")))
	require.NotEqual(t, before, limits.Load().RPS, "cooldown elapsed, the tuner ran")
}

func TestProcessorEvictsIdleOnRequestPath(t *testing.T) {
	limits := newFixedLimits(t, 5, 1)
	limiter, err := NewTokenBucketLimiter(
		Tiers{Default: Tier{Rate: 5, Capacity: 5}}, limits, 100, time.Minute, nil, nil)
	require.NoError(t, err)
	monitor, err := NewMonitor(100)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	processor, err := NewRequestProcessor(limiter, monitor, ProcessorOpts{
		TimeNow: func() time.Time { return now },
	})
	require.NoError(t, err)

	for _, identity := range []string{"a", "b", "c"} {
		rh := newTestRequestHandler(identity)
		require.NoError(t, processor.ProcessRequest(rh))
	}
	require.InDelta(t, 0.03, limiter.Occupancy(), 1e-9)

	// Identities idle beyond the TTL are dropped by the next request.
	now = now.Add(2 * time.Minute)
	require.NoError(t, processor.ProcessRequest(newTestRequestHandler("d")))
	require.InDelta(t, 0.01, limiter.Occupancy(), 1e-9)
}

func TestProcessorBacklogAdmitsOnFreedCapacity(t *testing.T) {
	limits := newFixedLimits(t, 10, 1)
	limiter, err := NewTokenBucketLimiter(
		Tiers{Default: Tier{Rate: 10, Capacity: 1}}, limits, 100, time.Hour, nil, nil)
	require.NoError(t, err)
	monitor, err := NewMonitor(100)
	require.NoError(t, err)

	processor, err := NewRequestProcessor(limiter, monitor, ProcessorOpts{
		Backlog: BacklogParams{MaxKeys: 10, Limit: 1, Timeout: time.Second},
	})
	require.NoError(t, err)

	rh := newTestRequestHandler("user-1")
	require.NoError(t, processor.ProcessRequest(rh))
	require.Equal(t, 1, rh.executed)

	// The second request exceeds the burst and waits in the backlog until
	// a token is replenished (100ms at 10 rps).
	start := time.Now()
	require.NoError(t, processor.ProcessRequest(rh))
	require.Equal(t, 2, rh.executed)
	require.Equal(t, 0, rh.rejected)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestProcessorBacklogTimeout(t *testing.T) {
	limits := newFixedLimits(t, 0.1, 1)
	limiter, err := NewTokenBucketLimiter(
		Tiers{Default: Tier{Rate: 0.1, Capacity: 1}}, limits, 100, time.Hour, nil, nil)
	require.NoError(t, err)
	monitor, err := NewMonitor(100)
	require.NoError(t, err)

	processor, err := NewRequestProcessor(limiter, monitor, ProcessorOpts{
		Backlog: BacklogParams{MaxKeys: 10, Limit: 1, Timeout: 50 * time.Millisecond},
	})
	require.NoError(t, err)

	rh := newTestRequestHandler("user-1")
	require.NoError(t, processor.ProcessRequest(rh))

	// At 0.1 rps the next token is 10s away, far beyond the backlog timeout.
	require.NoError(t, processor.ProcessRequest(rh))
	require.Equal(t, 1, rh.executed)
	require.Equal(t, 1, rh.rejected)
	require.True(t, rh.rejectParams.RequestBacklogged)
}

func TestProcessorBacklogOverflowRejectsImmediately(t *testing.T) {
	limits := newFixedLimits(t, 0.1, 1)
	limiter, err := NewTokenBucketLimiter(
		Tiers{Default: Tier{Rate: 0.1, Capacity: 1}}, limits, 100, time.Hour, nil, nil)
	require.NoError(t, err)
	monitor, err := NewMonitor(100)
	require.NoError(t, err)

	processor, err := NewRequestProcessor(limiter, monitor, ProcessorOpts{
		Backlog: BacklogParams{MaxKeys: 10, Limit: 1, Timeout: 300 * time.Millisecond},
	})
	require.NoError(t, err)

	rh := newTestRequestHandler("user-1")
	require.NoError(t, processor.ProcessRequest(rh))

	occupied := make(chan struct{})
	go func() {
		other := newTestRequestHandler("user-1")
		close(occupied)
		_ = processor.ProcessRequest(other)
	}()
	<-occupied
	time.Sleep(20 * time.Millisecond) // let the goroutine take the backlog slot

	start := time.Now()
	require.NoError(t, processor.ProcessRequest(rh))
	require.Equal(t, 1, rh.rejected)
	require.False(t, rh.rejectParams.RequestBacklogged, "no free slot, rejected without waiting")
	require.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestProcessorContextCanceledInBacklog(t *testing.T) {
	limits := newFixedLimits(t, 0.1, 1)
	limiter, err := NewTokenBucketLimiter(
		Tiers{Default: Tier{Rate: 0.1, Capacity: 1}}, limits, 100, time.Hour, nil, nil)
	require.NoError(t, err)
	monitor, err := NewMonitor(100)
	require.NoError(t, err)

	processor, err := NewRequestProcessor(limiter, monitor, ProcessorOpts{
		Backlog: BacklogParams{MaxKeys: 10, Limit: 1, Timeout: 10 * time.Second},
	})
	require.NoError(t, err)

	rh := newTestRequestHandler("user-1")
	require.NoError(t, processor.ProcessRequest(rh))

	ctx, cancel := context.WithCancel(context.Background())
	rh.ctx = ctx
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err = processor.ProcessRequest(rh)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, rh.errored)
}

func TestNewRequestProcessorValidation(t *testing.T) {
	limits := newFixedLimits(t, 5, 1)
	limiter, err := NewTokenBucketLimiter(
		Tiers{Default: Tier{Rate: 5, Capacity: 5}}, limits, 100, time.Hour, nil, nil)
	require.NoError(t, err)
	monitor, err := NewMonitor(100)
	require.NoError(t, err)

	_, err = NewRequestProcessor(nil, monitor, ProcessorOpts{})
	require.Error(t, err)
	_, err = NewRequestProcessor(limiter, nil, ProcessorOpts{})
	require.Error(t, err)
	_, err = NewRequestProcessor(limiter, monitor, ProcessorOpts{Backlog: BacklogParams{Limit: -1}})
	require.Error(t, err)
}
