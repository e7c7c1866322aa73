package upstream

import (
	"context"
	"sync"
	"time"
)

// clock abstracts time for bucket tests.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// bucket is a token bucket expressed in requests per minute: capacity tokens,
// refilled continuously at capacity/60000 tokens per millisecond.
type bucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per millisecond
	tokens     float64
	lastRefill time.Time
}

func newBucket(requestsPerMinute int, clk clock) *bucket {
	capacity := float64(requestsPerMinute)
	return &bucket{
		capacity:   capacity,
		refillRate: capacity / 60000.0,
		tokens:     capacity,
		lastRefill: clk.Now(),
	}
}

// reserve refills the bucket and either consumes a token immediately (zero
// wait) or commits the caller to waiting until one accrues. The bucket is
// drained to zero in the waiting case so concurrent callers queue up behind
// each other. The lock is never held while sleeping.
func (b *bucket) reserve(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsedMS := float64(now.Sub(b.lastRefill)) / float64(time.Millisecond)
	if elapsedMS > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsedMS*b.refillRate)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return 0
	}
	waitMS := (1 - b.tokens) / b.refillRate
	b.tokens = 0
	return time.Duration(waitMS * float64(time.Millisecond))
}

// limiter selects between the global bucket and per-operation overrides.
type limiter struct {
	clk          clock
	global       *bucket
	perOperation map[string]*bucket

	// onThrottle is invoked once per delayed request. Optional.
	onThrottle func()
}

func newLimiter(cfg *RateLimitConfig) *limiter {
	clk := realClock{}
	l := &limiter{
		clk:          clk,
		global:       newBucket(cfg.RequestsPerMinute, clk),
		perOperation: make(map[string]*bucket, len(cfg.PerOperation)),
	}
	for opID, rpm := range cfg.PerOperation {
		l.perOperation[opID] = newBucket(rpm, clk)
	}
	return l
}

func (l *limiter) bucketFor(operationID string) *bucket {
	if b, ok := l.perOperation[operationID]; ok {
		return b
	}
	return l.global
}

// wait blocks until the selected bucket grants a token or the context ends.
func (l *limiter) wait(ctx context.Context, operationID string) error {
	delay := l.bucketFor(operationID).reserve(l.clk.Now())
	if delay <= 0 {
		return nil
	}
	if l.onThrottle != nil {
		l.onThrottle()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// rateLimitInterceptor delays requests according to the token bucket for
// their operation.
func rateLimitInterceptor(l *limiter) Interceptor {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			if err := l.wait(ctx, req.OperationID); err != nil {
				return nil, err
			}
			return next(ctx, req)
		}
	}
}
