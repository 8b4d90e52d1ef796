package ingress

import (
	"sync"
	"time"
)

// RateLimiter is a fixed-window limiter keyed by sender. Each sender has an
// independent counter that resets after the window.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	buckets map[string]*windowBucket
}

type windowBucket struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter allows limit events per key per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*windowBucket),
	}
}

// Allow reports whether key is within its limit and counts the event.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.buckets[key]
	if !ok || now.After(b.resetAt) {
		r.buckets[key] = &windowBucket{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if b.count >= r.limit {
		return false
	}
	b.count++
	return true
}

// Forget drops buckets whose window has ended and returns how many were
// dropped.
func (r *RateLimiter) Forget() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for key, b := range r.buckets {
		if now.After(b.resetAt) {
			delete(r.buckets, key)
			n++
		}
	}
	return n
}
