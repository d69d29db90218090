/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit implements the adaptive admission-control engine:
// per-identity rate-limiting state with bounded memory, interchangeable
// token-bucket and sliding-window decision strategies, a bounded-memory
// pressure monitor, and a feedback-driven tuner that adjusts the global
// rate parameters from the observed load.
//
// The package implements a generic RequestProcessor that drives the full
// per-request flow (key extraction, decision, downstream execution,
// latency observation) for any request type via the RequestHandler
// interface. Maintenance work (parameter tuning, eviction of idle
// identities) is triggered opportunistically on the request path and is
// bounded in cost, so no dedicated timers are required.
//
// Key features:
//   - Token bucket and sliding window rate limiting algorithms
//   - Per-category limit tiers with a default fallback
//   - Bounded identity store with least-recently-updated eviction and idle TTL
//   - Closed-loop auto-tuning of rate and burst parameters
//   - Optional backlog queuing with timeout
package ratelimit
