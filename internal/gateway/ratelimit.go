package gateway

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/lattice/internal/wire"
)

// AnonymousKey is the rate-limit key for requests without a principal. One
// shared key, rather than one per actor id, so anonymity cannot be used to
// dodge the limit.
const AnonymousKey = "anonymous:global"

// Decision is a rate limiter's verdict for one request.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Remaining is the budget left after this request.
	Remaining int

	// ResetAt is when the budget is whole again.
	ResetAt time.Time

	// RetryAfter, on denial, is how long until the request would fit.
	RetryAfter fn.Option[time.Duration]
}

// RateLimiter is the pluggable limiting algorithm.
type RateLimiter interface {
	// CheckLimit consumes cost from the key's budget if it fits.
	CheckLimit(key string, cost int) Decision

	// Reset clears all state for a key.
	Reset(key string)
}

// RateLimitError is a rejection by the rate limiting middleware.
type RateLimitError struct {
	Key        string
	RetryAfter fn.Option[time.Duration]
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	retry := ""
	e.RetryAfter.WhenSome(func(d time.Duration) {
		retry = fmt.Sprintf(", retry after %v", d)
	})

	return fmt.Sprintf("too many requests for %s%s", e.Key, retry)
}

// defaultIdleEviction is how long an untouched bucket or window survives
// before the sweep drops it.
const defaultIdleEviction = 10 * time.Minute

// tokenBucket is one key's bucket.
type tokenBucket struct {
	tokens   float64
	lastFill time.Time
	lastUse  time.Time
}

// TokenBucketLimiter implements RateLimiter with continuously refilling
// token buckets: capacity tokens at most, refilled at refillRate tokens per
// second.
type TokenBucketLimiter struct {
	capacity   float64
	refillRate float64
	idleAfter  time.Duration
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// LimiterOption customizes either limiter implementation.
type LimiterOption func(*limiterOpts)

type limiterOpts struct {
	now       func() time.Time
	idleAfter time.Duration
}

// WithClock injects the time source, for deterministic tests.
func WithClock(now func() time.Time) LimiterOption {
	return func(o *limiterOpts) {
		o.now = now
	}
}

// WithIdleEviction overrides how long idle per-key state is retained.
func WithIdleEviction(d time.Duration) LimiterOption {
	return func(o *limiterOpts) {
		o.idleAfter = d
	}
}

func applyLimiterOpts(opts []LimiterOption) limiterOpts {
	o := limiterOpts{
		now:       time.Now,
		idleAfter: defaultIdleEviction,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// NewTokenBucketLimiter creates a token bucket limiter.
func NewTokenBucketLimiter(capacity int, refillRate float64,
	opts ...LimiterOption) *TokenBucketLimiter {

	o := applyLimiterOpts(opts)

	return &TokenBucketLimiter{
		capacity:   float64(capacity),
		refillRate: refillRate,
		idleAfter:  o.idleAfter,
		now:        o.now,
		buckets:    make(map[string]*tokenBucket),
	}
}

// CheckLimit implements RateLimiter.
func (l *TokenBucketLimiter) CheckLimit(key string, cost int) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.evictIdle(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: l.capacity, lastFill: now}
		l.buckets[key] = b
	}

	// Accumulate tokens since the last fill, up to capacity.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens = math.Min(l.capacity, b.tokens+elapsed*l.refillRate)
	b.lastFill = now
	b.lastUse = now

	resetAt := now
	if b.tokens < l.capacity && l.refillRate > 0 {
		deficit := l.capacity - b.tokens
		resetAt = now.Add(time.Duration(
			deficit / l.refillRate * float64(time.Second),
		))
	}

	if float64(cost) > b.tokens {
		var retry fn.Option[time.Duration]
		if l.refillRate > 0 {
			need := float64(cost) - b.tokens
			retry = fn.Some(time.Duration(
				need / l.refillRate * float64(time.Second),
			))
		}

		return Decision{
			Allowed:    false,
			Remaining:  int(b.tokens),
			ResetAt:    resetAt,
			RetryAfter: retry,
		}
	}

	b.tokens -= float64(cost)

	return Decision{
		Allowed:   true,
		Remaining: int(b.tokens),
		ResetAt:   resetAt,
	}
}

// Reset implements RateLimiter.
func (l *TokenBucketLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.buckets, key)
}

func (l *TokenBucketLimiter) evictIdle(now time.Time) {
	for key, b := range l.buckets {
		if !b.lastUse.IsZero() && now.Sub(b.lastUse) > l.idleAfter {
			delete(l.buckets, key)
		}
	}
}

// slidingWindow is one key's timestamped request log.
type slidingWindow struct {
	entries []windowEntry
	lastUse time.Time
}

type windowEntry struct {
	at   time.Time
	cost int
}

// SlidingWindowLimiter implements RateLimiter by counting the cost of
// requests whose timestamps fall within the trailing window.
type SlidingWindowLimiter struct {
	max       int
	window    time.Duration
	idleAfter time.Duration
	now       func() time.Time

	mu      sync.Mutex
	windows map[string]*slidingWindow
}

// NewSlidingWindowLimiter creates a sliding window limiter allowing max cost
// per window.
func NewSlidingWindowLimiter(max int, window time.Duration,
	opts ...LimiterOption) *SlidingWindowLimiter {

	o := applyLimiterOpts(opts)

	return &SlidingWindowLimiter{
		max:       max,
		window:    window,
		idleAfter: o.idleAfter,
		now:       o.now,
		windows:   make(map[string]*slidingWindow),
	}
}

// CheckLimit implements RateLimiter.
func (l *SlidingWindowLimiter) CheckLimit(key string, cost int) Decision {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.evictIdle(now)

	w, ok := l.windows[key]
	if !ok {
		w = &slidingWindow{}
		l.windows[key] = w
	}
	w.lastUse = now

	// Drop entries that slid out of the window.
	kept := w.entries[:0]
	for _, e := range w.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	w.entries = kept

	used := 0
	for _, e := range w.entries {
		used += e.cost
	}

	resetAt := now
	if len(w.entries) > 0 {
		resetAt = w.entries[0].at.Add(l.window)
	}

	if used+cost > l.max {
		var retry fn.Option[time.Duration]
		if len(w.entries) > 0 {
			retry = fn.Some(w.entries[0].at.Add(l.window).Sub(now))
		}

		return Decision{
			Allowed:    false,
			Remaining:  l.max - used,
			ResetAt:    resetAt,
			RetryAfter: retry,
		}
	}

	w.entries = append(w.entries, windowEntry{at: now, cost: cost})

	return Decision{
		Allowed:   true,
		Remaining: l.max - used - cost,
		ResetAt:   resetAt,
	}
}

// Reset implements RateLimiter.
func (l *SlidingWindowLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.windows, key)
}

func (l *SlidingWindowLimiter) evictIdle(now time.Time) {
	for key, w := range l.windows {
		if !w.lastUse.IsZero() && now.Sub(w.lastUse) > l.idleAfter {
			delete(l.windows, key)
		}
	}
}

// KeyFunc derives the rate-limit key for a request.
type KeyFunc func(gctx *Context, inv wire.Invocation) string

// CostFunc derives the cost of a request.
type CostFunc func(gctx *Context, inv wire.Invocation) int

// RateLimitConfig tunes the rate limiting middleware.
type RateLimitConfig struct {
	// Limiter is the algorithm.
	Limiter RateLimiter

	// Key overrides the default principal-or-anonymous key derivation.
	Key KeyFunc

	// Cost overrides the default cost of 1.
	Cost CostFunc
}

// RateLimitMiddleware applies a RateLimiter to every invocation.
type RateLimitMiddleware struct {
	cfg RateLimitConfig
}

// NewRateLimitMiddleware creates the middleware.
func NewRateLimitMiddleware(cfg RateLimitConfig) *RateLimitMiddleware {
	if cfg.Key == nil {
		cfg.Key = func(gctx *Context, _ wire.Invocation) string {
			if gctx.Principal != nil {
				return gctx.Principal.ID
			}

			return AnonymousKey
		}
	}
	if cfg.Cost == nil {
		cfg.Cost = func(*Context, wire.Invocation) int { return 1 }
	}

	return &RateLimitMiddleware{cfg: cfg}
}

// Process implements Middleware.
func (m *RateLimitMiddleware) Process(ctx context.Context, gctx *Context,
	inv wire.Invocation, next Handler) ([]byte, error) {

	key := m.cfg.Key(gctx, inv)
	decision := m.cfg.Limiter.CheckLimit(key, m.cfg.Cost(gctx, inv))

	if !decision.Allowed {
		return nil, &RateLimitError{
			Key:        key,
			RetryAfter: decision.RetryAfter,
		}
	}

	return next(ctx, gctx, inv)
}
