/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-admission/log/logtest"
)

func newFixedLimits(t *testing.T, rps, burstFactor float64) *LimitsHolder {
	t.Helper()
	holder, err := NewLimitsHolder(Limits{
		RPS:            rps,
		BurstFactor:    burstFactor,
		MinRPS:         rps,
		MaxRPS:         rps,
		MinBurstFactor: burstFactor,
		MaxBurstFactor: burstFactor,
	})
	require.NoError(t, err)
	return holder
}

func drain(t *testing.T, l Limiter, key Key, now time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		allow, _, err := l.Allow(context.Background(), key, now)
		require.NoError(t, err)
		require.True(t, allow, "request %d should be admitted", i+1)
	}
}

func TestTokenBucketColdStartBurst(t *testing.T) {
	limits := newFixedLimits(t, 5, 1)
	limiter, err := NewTokenBucketLimiter(
		Tiers{Default: Tier{Rate: 5, Capacity: 10}}, limits, 100, time.Hour, nil, nil)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	key := Key{Identity: "user-1"}

	// A new identity starts with the full burst capacity.
	drain(t, limiter, key, now, 10)

	allow, retryAfter, err := limiter.Allow(context.Background(), key, now)
	require.NoError(t, err)
	require.False(t, allow)
	require.Equal(t, 200*time.Millisecond, retryAfter, "one token at 5 rps takes 200ms")
}

func TestTokenBucketReplenish(t *testing.T) {
	limits := newFixedLimits(t, 5, 1)
	limiter, err := NewTokenBucketLimiter(
		Tiers{Default: Tier{Rate: 5, Capacity: 10}}, limits, 100, time.Hour, nil, nil)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	key := Key{Identity: "user-1"}
	drain(t, limiter, key, now, 10)

	allow, _, err := limiter.Allow(context.Background(), key, now)
	require.NoError(t, err)
	require.False(t, allow)

	// 200ms at 5 rps accrues exactly one token.
	allow, _, err = limiter.Allow(context.Background(), key, now.Add(200*time.Millisecond))
	require.NoError(t, err)
	require.True(t, allow)
}

func TestTokenBucketRejectionConservesTokens(t *testing.T) {
	limits := newFixedLimits(t, 5, 1)
	limiter, err := NewTokenBucketLimiter(
		Tiers{Default: Tier{Rate: 5, Capacity: 10}}, limits, 100, time.Hour, nil, nil)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	key := Key{Identity: "user-1"}
	drain(t, limiter, key, now, 10)

	// A rejected probe halfway through replenishment advances the bucket's
	// timestamp but keeps the half-accrued token.
	allow, _, err := limiter.Allow(context.Background(), key, now.Add(100*time.Millisecond))
	require.NoError(t, err)
	require.False(t, allow)

	allow, _, err = limiter.Allow(context.Background(), key, now.Add(200*time.Millisecond))
	require.NoError(t, err)
	require.True(t, allow)
}

func TestTokenBucketCapacityCap(t *testing.T) {
	limits := newFixedLimits(t, 5, 1)
	limiter, err := NewTokenBucketLimiter(
		Tiers{Default: Tier{Rate: 5, Capacity: 10}}, limits, 100, time.Hour, nil, nil)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	key := Key{Identity: "user-1"}
	drain(t, limiter, key, now, 1)

	// A long idle period never accrues more than the capacity.
	drain(t, limiter, key, now.Add(time.Hour), 10)
	allow, _, err := limiter.Allow(context.Background(), key, now.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, allow)
}

func TestTokenBucketIdentityIsolation(t *testing.T) {
	limits := newFixedLimits(t, 5, 1)
	limiter, err := NewTokenBucketLimiter(
		Tiers{Default: Tier{Rate: 5, Capacity: 2}}, limits, 100, time.Hour, nil, nil)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	drain(t, limiter, Key{Identity: "user-1"}, now, 2)

	allow, _, err := limiter.Allow(context.Background(), Key{Identity: "user-1"}, now)
	require.NoError(t, err)
	require.False(t, allow)

	drain(t, limiter, Key{Identity: "user-2"}, now, 2)
}

func TestTokenBucketSharedBucketWithoutTierOverrides(t *testing.T) {
	limits := newFixedLimits(t, 5, 1)
	limiter, err := NewTokenBucketLimiter(
		Tiers{Default: Tier{Rate: 5, Capacity: 2}}, limits, 100, time.Hour, nil, nil)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	drain(t, limiter, Key{Identity: "user-1", Category: CategoryMessage}, now, 2)

	// Without tier overrides all categories share one bucket per identity.
	allow, _, err := limiter.Allow(context.Background(), Key{Identity: "user-1", Category: CategoryCommand}, now)
	require.NoError(t, err)
	require.False(t, allow)
}

func TestTokenBucketPerCategoryTiers(t *testing.T) {
	tiers := Tiers{
		Default: Tier{Rate: 5, Capacity: 10},
		Overrides: map[Category]Tier{
			CategoryCommand: {Rate: 1, Capacity: 2},
		},
	}
	limits := newFixedLimits(t, 5, 1)
	limiter, err := NewTokenBucketLimiter(tiers, limits, 100, time.Hour, nil, nil)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	key := Key{Identity: "user-1", Category: CategoryCommand}
	drain(t, limiter, key, now, 2)

	allow, _, err := limiter.Allow(context.Background(), key, now)
	require.NoError(t, err)
	require.False(t, allow)

	// The message tier of the same identity is accounted separately.
	drain(t, limiter, Key{Identity: "user-1", Category: CategoryMessage}, now, 10)
}

func TestTokenBucketClockRegression(t *testing.T) {
	logger := logtest.NewRecorder()
	limits := newFixedLimits(t, 5, 1)
	limiter, err := NewTokenBucketLimiter(
		Tiers{Default: Tier{Rate: 5, Capacity: 2}}, limits, 100, time.Hour, nil, logger)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	key := Key{Identity: "user-1"}
	drain(t, limiter, key, now, 2)

	// The clock jumping backwards must not mint tokens or fail the decision.
	allow, _, err := limiter.Allow(context.Background(), key, now.Add(-time.Hour))
	require.NoError(t, err)
	require.False(t, allow)

	_, found := logger.FindEntry("clock regression detected, elapsed time clamped to zero")
	require.True(t, found)
}

func TestTokenBucketBoundedIdentities(t *testing.T) {
	limits := newFixedLimits(t, 5, 1)
	limiter, err := NewTokenBucketLimiter(
		Tiers{Default: Tier{Rate: 5, Capacity: 1}}, limits, 2, time.Hour, nil, nil)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	drain(t, limiter, Key{Identity: "a"}, now, 1)
	drain(t, limiter, Key{Identity: "b"}, now.Add(time.Second), 1)
	drain(t, limiter, Key{Identity: "c"}, now.Add(2*time.Second), 1)

	// "a" was evicted to keep the bound, so it starts cold again.
	drain(t, limiter, Key{Identity: "a"}, now.Add(3*time.Second), 1)
	require.Equal(t, 1.0, limiter.Occupancy())
}

func TestTokenBucketEffective(t *testing.T) {
	limits := newFixedLimits(t, 5, 2)
	limiter, err := NewTokenBucketLimiter(
		Tiers{Default: Tier{Rate: 5, Capacity: 10}}, limits, 100, time.Hour, nil, nil)
	require.NoError(t, err)

	rate, capacity := limiter.Effective(CategoryDefault)
	require.Equal(t, 5.0, rate)
	require.Equal(t, 20.0, capacity, "capacity is scaled by the burst factor")
}
