// Package ratelimit implements the per-vendor rate-limit governor (C2):
// a sliding window of admission timestamps plus a cooldown mechanism that
// short-circuits admission after a vendor signals a 429.
//
// Grounded on the bucket-per-key, cleanup-goroutine shape of the
// teacher's HTTP client-IP rate limiter, adapted from a fixed-window
// per-minute/per-hour counter pair to a true sliding window of request
// timestamps per the governor's explicit admission algorithm.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"providerplane/libs/marketdata"
	"providerplane/libs/observability"
)

// Config is one vendor's admission envelope.
type Config struct {
	MaxRequests   int
	Window        time.Duration
	MinInterDelay time.Duration
}

// FromProfile builds a Config from a marketdata.RateLimitProfile.
func FromProfile(p marketdata.RateLimitProfile) Config {
	return Config{
		MaxRequests:   p.MaxRequests,
		Window:        p.Window,
		MinInterDelay: p.MinInterDelay,
	}
}

type vendorState struct {
	mu            sync.Mutex
	config        Config
	timestamps    []time.Time // sliding window, bounded at MaxRequests+1
	lastAdmission time.Time
	cooldownUntil time.Time
}

// Governor tracks admission state per vendor. One token-bucket-equivalent
// sliding window exists per vendor, locked only for that vendor so
// concurrent callers for different vendors never contend.
type Governor struct {
	mu      sync.RWMutex
	vendors map[string]*vendorState
	clock   func() time.Time
}

// New creates an empty Governor. clock defaults to time.Now when nil,
// overridable in tests for deterministic window boundaries.
func New(clock func() time.Time) *Governor {
	if clock == nil {
		clock = time.Now
	}
	return &Governor{vendors: make(map[string]*vendorState), clock: clock}
}

// Configure registers or updates a vendor's admission envelope.
func (g *Governor) Configure(vendor string, cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.vendors[vendor]
	if !ok {
		state = &vendorState{}
		g.vendors[vendor] = state
	}
	state.mu.Lock()
	state.config = cfg
	state.mu.Unlock()
}

func (g *Governor) state(vendor string) *vendorState {
	g.mu.RLock()
	state, ok := g.vendors[vendor]
	g.mu.RUnlock()
	if ok {
		return state
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if state, ok = g.vendors[vendor]; ok {
		return state
	}
	state = &vendorState{}
	g.vendors[vendor] = state
	return state
}

// WaitForSlot suspends the caller until admission is possible, or returns
// a cancellation error without consuming a slot if ctx is cancelled
// first.
func (g *Governor) WaitForSlot(ctx context.Context, vendor string) error {
	state := g.state(vendor)

	for {
		wait, admitted := g.tryAdmit(state)
		if admitted {
			observability.LogRateLimitEvent(ctx, vendor, "admitted", 0)
			return nil
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		observability.RecordRateLimitHit(ctx, vendor)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return marketdata.ErrCancelled
		}
	}
}

// tryAdmit attempts a single non-blocking admission check. It returns the
// duration the caller should wait before retrying if not admitted.
func (g *Governor) tryAdmit(state *vendorState) (time.Duration, bool) {
	state.mu.Lock()
	defer state.mu.Unlock()

	now := g.clock()

	if now.Before(state.cooldownUntil) {
		return state.cooldownUntil.Sub(now), false
	}

	if state.config.MinInterDelay > 0 && !state.lastAdmission.IsZero() {
		if elapsed := now.Sub(state.lastAdmission); elapsed < state.config.MinInterDelay {
			return state.config.MinInterDelay - elapsed, false
		}
	}

	windowStart := now.Add(-state.config.Window)
	kept := state.timestamps[:0]
	for _, ts := range state.timestamps {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	state.timestamps = kept

	max := state.config.MaxRequests
	if max <= 0 {
		max = 1
	}
	if len(state.timestamps) >= max {
		oldest := state.timestamps[0]
		return oldest.Add(state.config.Window).Sub(now), false
	}

	state.timestamps = append(state.timestamps, now)
	state.lastAdmission = now
	return 0, true
}

// IsRateLimited reports whether vendor is currently under an active
// cooldown or has no remaining slots in the current window.
func (g *Governor) IsRateLimited(vendor string) bool {
	state := g.state(vendor)
	state.mu.Lock()
	defer state.mu.Unlock()

	now := g.clock()
	if now.Before(state.cooldownUntil) {
		return true
	}
	max := state.config.MaxRequests
	if max <= 0 {
		return false
	}
	windowStart := now.Add(-state.config.Window)
	count := 0
	for _, ts := range state.timestamps {
		if ts.After(windowStart) {
			count++
		}
	}
	return count >= max
}

// IsApproachingLimit reports whether vendor's current window usage meets
// or exceeds fractionThreshold of its max (e.g. 0.95 for "95% full").
func (g *Governor) IsApproachingLimit(vendor string, fractionThreshold float64) bool {
	state := g.state(vendor)
	state.mu.Lock()
	defer state.mu.Unlock()

	max := state.config.MaxRequests
	if max <= 0 {
		return false
	}
	now := g.clock()
	windowStart := now.Add(-state.config.Window)
	count := 0
	for _, ts := range state.timestamps {
		if ts.After(windowStart) {
			count++
		}
	}
	return float64(count) >= fractionThreshold*float64(max)
}

// RecordRateLimitHit installs a cooldown for vendor, defaulting to 60s if
// cooldown is zero.
func (g *Governor) RecordRateLimitHit(vendor string, cooldown time.Duration) {
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	state := g.state(vendor)
	state.mu.Lock()
	defer state.mu.Unlock()
	until := g.clock().Add(cooldown)
	if until.After(state.cooldownUntil) {
		state.cooldownUntil = until
	}
}
