// Package retry wraps venue REST calls whose failures are usually transient:
// rate-limit rejections, gateway timeouts, connection resets.
package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Policy bounds one retried call.
type Policy struct {
	Attempts   int // total tries including the first
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// DefaultPolicy suits order placement and cancellation: fail fast enough
// that the engine's own recovery takes over.
var DefaultPolicy = Policy{
	Attempts:   3,
	MinBackoff: 100 * time.Millisecond,
	MaxBackoff: 2 * time.Second,
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// policy, or ctx ends. Waits between tries grow exponentially with jitter.
// The zero T is returned alongside any terminal error.
func Do[T any](ctx context.Context, policy Policy, retryable func(error) bool, fn func() (T, error)) (T, error) {
	wait := &backoff.Backoff{
		Min:    policy.MinBackoff,
		Max:    policy.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	var zero T
	var err error
	for attempt := 0; attempt < policy.Attempts; attempt++ {
		var out T
		out, err = fn()
		if err == nil {
			return out, nil
		}
		if !retryable(err) || attempt == policy.Attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait.Duration()):
		}
	}
	return zero, err
}
