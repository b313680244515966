package access

import (
	"math"
	"sync"
	"time"
)

const window = 60 * time.Second

// bucketState tracks one source IP's sliding-window usage.
type bucketState struct {
	count       int
	windowStart time.Time
}

// RateLimiter is a per-source sliding-window limiter. The zero value is
// not usable; use NewRateLimiter. A zero limit disables rate limiting
// entirely.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	buckets map[string]*bucketState
	now     func() time.Time
}

// NewRateLimiter creates a limiter allowing up to limit requests per
// 60-second sliding window per source IP. limit <= 0 disables limiting.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		buckets: make(map[string]*bucketState),
		now:     time.Now,
	}
}

// Result reports the outcome of a Check call.
type Result struct {
	Allowed          bool
	RetryAfterSeconds int
}

// Check records one request from ip and reports whether it is allowed.
// Entries whose window has elapsed are lazily evicted/reset on every call.
func (r *RateLimiter) Check(ip string) Result {
	if r.limit <= 0 {
		return Result{Allowed: true}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.buckets[ip]
	if !ok || now.Sub(b.windowStart) >= window {
		b = &bucketState{count: 0, windowStart: now}
		r.buckets[ip] = b
	}

	if b.count >= r.limit {
		remaining := b.windowStart.Add(window).Sub(now)
		retryAfter := int(math.Ceil(remaining.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Result{Allowed: false, RetryAfterSeconds: retryAfter}
	}

	b.count++
	return Result{Allowed: true}
}
