/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package admission provides adaptive admission control for message-processing
// services. Requests are admitted or rejected per identity by a configurable
// rate limiting strategy, and the global rate parameters are continuously
// adjusted by a feedback controller that observes downstream latency and the
// share of rejected requests.
package admission

import (
	"context"
	"strings"
	"time"

	"github.com/acronis/go-admission/internal/ratelimit"
)

// Category classifies events for accounting purposes.
type Category = ratelimit.Category

// Supported event categories.
const (
	CategoryDefault  = ratelimit.CategoryDefault
	CategoryCommand  = ratelimit.CategoryCommand
	CategoryMessage  = ratelimit.CategoryMessage
	CategoryCallback = ratelimit.CategoryCallback
	CategoryOther    = ratelimit.CategoryOther
)

// ParseCategory parses a category from its string representation.
func ParseCategory(s string) (Category, error) {
	return ratelimit.ParseCategory(s)
}

// ClassifyText returns the category of a textual event payload:
// text starting with "/" is a command, any other non-empty text is a message.
func ClassifyText(text string) Category {
	if text == "" {
		return CategoryOther
	}
	if strings.HasPrefix(text, "/") {
		return CategoryCommand
	}
	return CategoryMessage
}

// Event is a single unit of work subject to admission control.
type Event struct {
	// Identity is the accounting identity the event is attributed to
	// (user id, tenant id, client address). An empty identity bypasses
	// admission control.
	Identity string

	// Category is the event category used for tier resolution.
	Category Category

	// Payload is an opaque value passed through to the downstream handler.
	Payload interface{}
}

// Outcome is the result of handling an event.
type Outcome struct {
	// Value is the downstream handler's result. It is only meaningful
	// when the event was executed.
	Value interface{}

	// Rejected reports whether the event was rejected by admission control.
	// Rejection is not an error.
	Rejected bool

	// RetryAfter is an estimate of how long the sender should wait before
	// retrying a rejected event.
	RetryAfter time.Duration
}

// Handler processes events.
type Handler interface {
	Handle(ctx context.Context, event Event) (Outcome, error)
}

// HandlerFunc is an adapter to allow the use of ordinary functions as handlers.
type HandlerFunc func(ctx context.Context, event Event) (Outcome, error)

// Handle calls f(ctx, event).
func (f HandlerFunc) Handle(ctx context.Context, event Event) (Outcome, error) {
	return f(ctx, event)
}

// KeyFunc extracts the accounting identity and category from an event.
// Returns identity, category, bypass (whether to skip admission control)
// and error.
type KeyFunc func(event Event) (identity string, category Category, bypass bool, err error)

// DefaultKeyFunc reads the identity and category directly from the event.
// Events without an identity bypass admission control.
func DefaultKeyFunc(event Event) (string, Category, bool, error) {
	return event.Identity, event.Category, event.Identity == "", nil
}
