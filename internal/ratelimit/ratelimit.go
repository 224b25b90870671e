// Package ratelimit provides a pluggable per-principal rate limiting
// interface for the HTTP API.
//
// The in-process implementation (MemoryLimiter) enforces two sliding windows
// per key, a short per-minute budget and a longer per-hour one. The Limiter
// interface is the contract; a shared-store implementation can substitute it
// for multi-instance deployments.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool

	// Limit and Remaining describe the tighter of the two windows, which is
	// what the response headers advertise.
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow records and admits (or rejects) one request for key. The key is
	// opaque — callers construct it from the request principal. An error
	// signals a limiter malfunction; callers should fail open.
	Allow(ctx context.Context, key string) (Decision, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always admits.
func (NoopLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true, Limit: -1, Remaining: -1}, nil
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
