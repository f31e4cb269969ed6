// Package ratelimit throttles credential-bearing endpoints per client key.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter admits or rejects one request under the given key. Implementations
// must fail open on backend errors: availability of the login path outranks
// throttling precision.
type Limiter interface {
	CheckAndRecord(ctx context.Context, key string) (Decision, error)
}
