// Package ratelimit implements the token-bucket-plus-in-flight-cap
// limiter Ena uses to stay under the board API's rate limits. One
// Limiter instance is shared process-wide per request class (media,
// thread, thread_list); boards never get their own bucket.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Config describes one request class's limits.
type Config struct {
	// Interval is the window, in seconds, over which MaxPerInterval
	// permits regenerate.
	Interval float64
	// MaxPerInterval is the bucket's capacity and refill amount per
	// Interval seconds.
	MaxPerInterval int
	// MaxConcurrent bounds simultaneously in-flight requests,
	// independent of the token bucket.
	MaxConcurrent int
}

// Limiter is a single request class's rate limiter: a token bucket for
// throughput plus a semaphore for concurrency. Acquire blocks (FIFO,
// inherited from the underlying primitives) until both are satisfied,
// or returns early if ctx is cancelled. A cancelled wait on the bucket
// gives its reservation back, but a token already taken before a
// cancelled wait for an in-flight slot stays spent.
type Limiter struct {
	bucket *rate.Limiter
	slots  chan struct{}
}

// New builds a Limiter for one request class from cfg.
func New(cfg Config) *Limiter {
	perSecond := float64(cfg.MaxPerInterval) / cfg.Interval
	l := &Limiter{
		bucket: rate.NewLimiter(rate.Limit(perSecond), cfg.MaxPerInterval),
	}
	if cfg.MaxConcurrent > 0 {
		l.slots = make(chan struct{}, cfg.MaxConcurrent)
	}
	return l
}

// Acquire blocks until a token bucket permit and an in-flight slot are
// both available, or ctx is done. On success the caller must call the
// returned release func exactly once when the request completes, which
// frees the in-flight slot (the token itself is never returned — it
// was spent on send).
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	if err := l.bucket.Wait(ctx); err != nil {
		return nil, err
	}
	if l.slots == nil {
		return func() {}, nil
	}
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return func() { <-l.slots }, nil
}

// Classes bundles the three named limiter classes Ena's config surface
// exposes: media, thread, and thread_list.
type Classes struct {
	Media      *Limiter
	Thread     *Limiter
	ThreadList *Limiter
}

// NewClasses builds all three classes from their configs.
func NewClasses(media, thread, threadList Config) *Classes {
	return &Classes{
		Media:      New(media),
		Thread:     New(thread),
		ThreadList: New(threadList),
	}
}
