package resilience

import (
	"context"
	"math"
	"math/rand"
	"sync/atomic"
	"time"
)

// BackoffConfig describes an exponential backoff schedule with jitter.
type BackoffConfig struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int
}

// DefaultBackoffConfig matches the reconnect policy used by streaming
// clients: base 2s, cap 30s, up to 5 attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:       2 * time.Second,
		Cap:        30 * time.Second,
		MaxRetries: 5,
	}
}

// Delay returns the jittered delay for the given attempt (1-indexed).
// Uses full jitter: a uniform random value in [0, computed] so that many
// concurrent reconnecting clients don't thunder the same vendor endpoint.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(c.Base) * math.Pow(2, float64(attempt-1))
	if raw > float64(c.Cap) {
		raw = float64(c.Cap)
	}
	if raw <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(raw) + 1))
}

// Retry runs fn up to c.MaxRetries times, sleeping according to Delay
// between attempts. It stops early if ctx is cancelled or fn succeeds.
func (c BackoffConfig) Retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= c.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == c.MaxRetries {
			break
		}
		select {
		case <-time.After(c.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// Gate is a single-permit re-entrancy guard: at most one holder at a time,
// and a caller that cannot acquire returns immediately instead of blocking.
// Used to ensure connection-lost triggers the reconnect path exactly once
// concurrently per streaming client.
type Gate struct {
	held atomic.Bool
}

// TryAcquire attempts to take the single permit. Returns false immediately
// if it is already held (mirrors a semaphore's tryAcquire(0)).
func (g *Gate) TryAcquire() bool {
	return g.held.CompareAndSwap(false, true)
}

// Release frees the permit.
func (g *Gate) Release() {
	g.held.Store(false)
}
