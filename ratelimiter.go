package webguard

import (
	"context"
	"time"
)

func rateWindowKey(source string) string { return "rate|" + source }

// SlidingWindowRateLimiter admits up to MaxRequests per source within a
// rolling window. Every request records its timestamp; entries age out by
// comparison against now-window, so a backward clock jump undercounts
// rather than overcounts.
type SlidingWindowRateLimiter struct {
	store  StateStore
	window time.Duration
	max    int
}

// NewSlidingWindowRateLimiter builds a limiter over the shared store so the
// window survives across processes when the store does.
func NewSlidingWindowRateLimiter(store StateStore, cfg RateLimitConfig) *SlidingWindowRateLimiter {
	return &SlidingWindowRateLimiter{
		store:  store,
		window: time.Duration(cfg.WindowSeconds) * time.Second,
		max:    cfg.MaxRequests,
	}
}

// Allow records the request at the given instant and checks it against the
// window. The request is counted even when denied: a flooding source keeps
// its window full.
func (rl *SlidingWindowRateLimiter) Allow(ctx context.Context, source string, at time.Time) (bool, int, time.Time, error) {
	count, err := rl.store.AppendWindow(ctx, rateWindowKey(source), at, rl.window)
	if err != nil {
		return true, 0, time.Time{}, err // fail open, caller flags degraded
	}
	_ = rl.store.Expire(ctx, rateWindowKey(source), rl.window)

	remaining := rl.max - count
	if remaining < 0 {
		remaining = 0
	}
	reset := at.Add(rl.window)
	return count <= rl.max, remaining, reset, nil
}
