/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// Category classifies a request and selects a limit tier.
type Category int

// Supported request categories.
const (
	CategoryDefault Category = iota
	CategoryCommand
	CategoryMessage
	CategoryCallback
	CategoryOther
)

var categoryNames = map[Category]string{
	CategoryDefault:  "default",
	CategoryCommand:  "command",
	CategoryMessage:  "message",
	CategoryCallback: "callback",
	CategoryOther:    "other",
}

// String returns the category name.
func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "default"
}

// ParseCategory parses a category name. Unknown names produce an error.
func ParseCategory(s string) (Category, error) {
	for cat, name := range categoryNames {
		if name == s {
			return cat, nil
		}
	}
	return CategoryDefault, fmt.Errorf("unknown category %q", s)
}

// Key identifies an accounting unit in the identity store.
type Key struct {
	Identity string
	Category Category
}

// Tier defines limit parameters for one category at burst factor 1.0.
type Tier struct {
	// Rate is the token replenishment rate, tokens per second.
	Rate float64

	// Capacity is the maximum burst size.
	Capacity float64
}

// Tiers maps categories to limit tiers with a default fallback.
type Tiers struct {
	Default   Tier
	Overrides map[Category]Tier
}

// Resolve returns the tier for the category, falling back to the default tier.
func (t Tiers) Resolve(c Category) Tier {
	if tier, ok := t.Overrides[c]; ok {
		return tier
	}
	return t.Default
}

// PerCategory reports whether accounting is split by category.
// Without tier overrides all categories of an identity share one budget.
func (t Tiers) PerCategory() bool {
	return len(t.Overrides) > 0
}

// AccountingKey normalizes the key for the identity store.
func (t Tiers) AccountingKey(key Key) Key {
	if !t.PerCategory() {
		key.Category = CategoryDefault
	}
	return key
}

// Limits is an immutable snapshot of the globally tunable rate parameters.
// It is replaced atomically as a whole, so readers never observe a rate
// from one tuning cycle combined with a burst factor from another.
type Limits struct {
	RPS            float64
	BurstFactor    float64
	MinRPS         float64
	MaxRPS         float64
	MinBurstFactor float64
	MaxBurstFactor float64
}

// Validate checks the snapshot invariants. It is called once at construction;
// the tuner keeps every published snapshot inside the same bounds.
func (l Limits) Validate() error {
	if l.RPS <= 0 {
		return fmt.Errorf("rps should be positive, got %v", l.RPS)
	}
	if l.MinRPS <= 0 || l.MinRPS > l.MaxRPS {
		return fmt.Errorf("invalid rps bounds [%v, %v]", l.MinRPS, l.MaxRPS)
	}
	if l.RPS < l.MinRPS || l.RPS > l.MaxRPS {
		return fmt.Errorf("rps %v is out of bounds [%v, %v]", l.RPS, l.MinRPS, l.MaxRPS)
	}
	if l.MinBurstFactor <= 0 || l.MinBurstFactor > l.MaxBurstFactor {
		return fmt.Errorf("invalid burst factor bounds [%v, %v]", l.MinBurstFactor, l.MaxBurstFactor)
	}
	if l.BurstFactor < l.MinBurstFactor || l.BurstFactor > l.MaxBurstFactor {
		return fmt.Errorf("burst factor %v is out of bounds [%v, %v]", l.BurstFactor, l.MinBurstFactor, l.MaxBurstFactor)
	}
	return nil
}

// LimitsHolder publishes Limits snapshots atomically.
// The initial RPS is kept as the baseline for scaling tier rates.
type LimitsHolder struct {
	baseRPS float64
	current atomic.Pointer[Limits]
}

// NewLimitsHolder creates a holder with the initial snapshot.
func NewLimitsHolder(initial Limits) (*LimitsHolder, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	h := &LimitsHolder{baseRPS: initial.RPS}
	h.current.Store(&initial)
	return h, nil
}

// Load returns the current snapshot.
func (h *LimitsHolder) Load() Limits {
	return *h.current.Load()
}

// publish atomically replaces the snapshot. Only the tuner calls it.
func (h *LimitsHolder) publish(l Limits) {
	h.current.Store(&l)
}

// Effective applies the current tuning snapshot to a tier: the rate is
// scaled proportionally to the tuned RPS, the capacity is scaled by the
// tuned burst factor.
func (h *LimitsHolder) Effective(tier Tier) (rate, capacity float64) {
	l := h.Load()
	scale := 1.0
	if h.baseRPS > 0 {
		scale = l.RPS / h.baseRPS
	}
	return tier.Rate * scale, tier.Capacity * l.BurstFactor
}

// Limiter is the decision interface shared by all strategies.
type Limiter interface {
	// Allow decides whether a request identified by key may pass at the
	// given time. The decision never blocks on I/O.
	Allow(ctx context.Context, key Key, now time.Time) (allow bool, retryAfter time.Duration, err error)

	// Effective returns the currently effective rate and capacity for the category.
	Effective(c Category) (rate, capacity float64)

	// EvictIdle removes up to max entries that have been idle beyond the
	// store's TTL and returns the number of evicted entries.
	EvictIdle(now time.Time, max int) int

	// Occupancy returns the identity store fill ratio in [0, 1].
	Occupancy() float64
}
