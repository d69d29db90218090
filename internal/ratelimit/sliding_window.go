/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/acronis/go-admission/log"
)

type window struct {
	// Timestamps of admitted events, oldest first. Rejected requests are
	// not appended. Expired timestamps are pruned lazily on each decision.
	stamps []time.Time
}

func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// SlidingWindowLimiter implements the sliding-window strategy: a request is
// admitted iff the number of admitted events within the trailing window is
// below the effective limit for its category.
type SlidingWindowLimiter struct {
	tiers      Tiers
	limits     *LimitsHolder
	store      *Store[*window]
	windowSize time.Duration
	logger     log.FieldLogger
	anomalyLog rate.Sometimes
}

// NewSlidingWindowLimiter creates a new sliding window limiter.
func NewSlidingWindowLimiter(
	tiers Tiers, limits *LimitsHolder, windowSize time.Duration, maxIdentities int,
	idleTTL time.Duration, mc StoreMetricsCollector, logger log.FieldLogger,
) (*SlidingWindowLimiter, error) {
	if windowSize <= 0 {
		return nil, fmt.Errorf("window size should be positive, got %v", windowSize)
	}
	store, err := NewStore[*window](maxIdentities, idleTTL, mc)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return &SlidingWindowLimiter{
		tiers:      tiers,
		limits:     limits,
		store:      store,
		windowSize: windowSize,
		logger:     logger,
		anomalyLog: rate.Sometimes{First: 1, Interval: time.Minute},
	}, nil
}

// Allow checks if the request should be allowed based on the rate limit.
func (l *SlidingWindowLimiter) Allow(_ context.Context, key Key, now time.Time) (bool, time.Duration, error) {
	key = l.tiers.AccountingKey(key)
	_, capacity := l.limits.Effective(l.tiers.Resolve(key.Category))
	limit := int(math.Round(capacity))
	if limit < 1 {
		limit = 1
	}

	var allow bool
	var retryAfter time.Duration
	l.store.Update(key, now,
		func() *window { return &window{} },
		func(w *window) *window {
			if n := len(w.stamps); n > 0 && now.Before(w.stamps[n-1]) {
				// Keep the stored timestamps monotone on clock regression.
				l.reportClockAnomaly(key, w.stamps[n-1], now)
				now = w.stamps[n-1]
			}
			w.prune(now.Add(-l.windowSize))
			if len(w.stamps) < limit {
				w.stamps = append(w.stamps, now)
				allow = true
			} else if len(w.stamps) > 0 {
				retryAfter = w.stamps[0].Add(l.windowSize).Sub(now)
			}
			return w
		})
	return allow, retryAfter, nil
}

// Effective returns the currently effective rate and capacity for the category.
func (l *SlidingWindowLimiter) Effective(c Category) (float64, float64) {
	return l.limits.Effective(l.tiers.Resolve(c))
}

// EvictIdle removes up to max idle entries from the identity store.
func (l *SlidingWindowLimiter) EvictIdle(now time.Time, max int) int {
	return l.store.EvictIdle(now, max)
}

// Occupancy returns the identity store fill ratio.
func (l *SlidingWindowLimiter) Occupancy() float64 {
	return l.store.Occupancy()
}

func (l *SlidingWindowLimiter) reportClockAnomaly(key Key, lastStamp, now time.Time) {
	l.anomalyLog.Do(func() {
		l.logger.Warn("clock regression detected, decision time clamped",
			log.String("identity", key.Identity),
			log.String("category", key.Category.String()),
			log.Time("last_event", lastStamp),
			log.Time("now", now),
		)
	})
}
