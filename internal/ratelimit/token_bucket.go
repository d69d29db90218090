/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/acronis/go-admission/log"
)

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// TokenBucketLimiter implements the token-bucket strategy. Each accounting
// unit holds a token count capped by the effective capacity and replenished
// at the effective rate; one token is consumed per admitted request.
type TokenBucketLimiter struct {
	tiers  Tiers
	limits *LimitsHolder
	store  *Store[bucket]
	logger log.FieldLogger

	// Clock regressions are clamped, not fatal; warnings about them are
	// sampled so a misbehaving clock cannot flood the log.
	anomalyLog rate.Sometimes
}

// NewTokenBucketLimiter creates a new token bucket limiter.
func NewTokenBucketLimiter(
	tiers Tiers, limits *LimitsHolder, maxIdentities int, idleTTL time.Duration,
	mc StoreMetricsCollector, logger log.FieldLogger,
) (*TokenBucketLimiter, error) {
	store, err := NewStore[bucket](maxIdentities, idleTTL, mc)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return &TokenBucketLimiter{
		tiers:      tiers,
		limits:     limits,
		store:      store,
		logger:     logger,
		anomalyLog: rate.Sometimes{First: 1, Interval: time.Minute},
	}, nil
}

// Allow checks if the request should be allowed based on the rate limit.
func (l *TokenBucketLimiter) Allow(_ context.Context, key Key, now time.Time) (bool, time.Duration, error) {
	key = l.tiers.AccountingKey(key)
	rps, capacity := l.limits.Effective(l.tiers.Resolve(key.Category))

	var allow bool
	var retryAfter time.Duration
	l.store.Update(key, now,
		func() bucket {
			// Cold start: a new identity begins with the full burst available.
			return bucket{tokens: capacity, lastUpdate: now}
		},
		func(b bucket) bucket {
			elapsed := now.Sub(b.lastUpdate).Seconds()
			if elapsed < 0 {
				l.reportClockAnomaly(key, b.lastUpdate, now)
				elapsed = 0
			}
			tokens := math.Min(capacity, b.tokens+elapsed*rps)
			if tokens >= 1 {
				allow = true
				return bucket{tokens: tokens - 1, lastUpdate: now}
			}
			if rps > 0 {
				retryAfter = time.Duration((1 - tokens) / rps * float64(time.Second))
			}
			// A rejected request still advances the bucket's timestamp;
			// the accrued tokens are stored along with it, so nothing is lost.
			return bucket{tokens: tokens, lastUpdate: now}
		})
	return allow, retryAfter, nil
}

// Effective returns the currently effective rate and capacity for the category.
func (l *TokenBucketLimiter) Effective(c Category) (float64, float64) {
	return l.limits.Effective(l.tiers.Resolve(c))
}

// EvictIdle removes up to max idle entries from the identity store.
func (l *TokenBucketLimiter) EvictIdle(now time.Time, max int) int {
	return l.store.EvictIdle(now, max)
}

// Occupancy returns the identity store fill ratio.
func (l *TokenBucketLimiter) Occupancy() float64 {
	return l.store.Occupancy()
}

func (l *TokenBucketLimiter) reportClockAnomaly(key Key, lastUpdate, now time.Time) {
	l.anomalyLog.Do(func() {
		l.logger.Warn("clock regression detected, elapsed time clamped to zero",
			log.String("identity", key.Identity),
			log.String("category", key.Category.String()),
			log.Time("last_update", lastUpdate),
			log.Time("now", now),
		)
	})
}
