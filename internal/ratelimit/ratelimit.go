package ratelimit

import (
	"context"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/edgeguard/internal/log"
	"github.com/keithlinneman/edgeguard/internal/xerrors"
)

const (
	DefaultWindow        = time.Minute
	DefaultMaxRequests   = 100
	DefaultCleanupChance = 0.01
)

// Decision is the outcome of one Check.
type Decision struct {
	Limited bool
	// Count is the number of requests in the window, this one included.
	Count int
	// RetryAfter is when the oldest request in the window slides out. Only
	// meaningful when Limited.
	RetryAfter time.Duration
}

// Limiter decides whether a key is over its budget.
type Limiter struct {
	store         Store
	window        time.Duration
	max           int
	cleanupChance float64

	now     func() time.Time
	rand    func() float64
	logger  log.Logger
	denyLog rate.Sometimes

	// OnDenied is called on every rejected request, used for incrementing prometheus counter
	OnDenied func(key string)
}

type Option func(*Limiter)

// WithLimit sets the window and the number of requests admitted within it.
func WithLimit(window time.Duration, max int) Option {
	return func(l *Limiter) {
		if window > 0 {
			l.window = window
		}
		if max > 0 {
			l.max = max
		}
	}
}

// WithCleanupChance sets the probability in [0,1] that a call also sweeps
// stale buckets.
func WithCleanupChance(p float64) Option {
	return func(l *Limiter) { l.cleanupChance = p }
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithRand replaces the cleanup dice. fn must return values in [0,1).
func WithRand(fn func() float64) Option {
	return func(l *Limiter) { l.rand = fn }
}

func WithLogger(lg log.Logger) Option {
	return func(l *Limiter) { l.logger = lg }
}

// WithOnDenied sets a callback for every denied request. used for incrementing prometheus counters
func WithOnDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.OnDenied = fn }
}

// New creates a Limiter over store.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:         store,
		window:        DefaultWindow,
		max:           DefaultMaxRequests,
		cleanupChance: DefaultCleanupChance,
		now:           time.Now,
		rand:          rand.Float64,
		logger:        log.Nop(),
		denyLog:       rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Window is the sliding window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Max is the number of requests admitted per window.
func (l *Limiter) Max() int { return l.max }

// Check records a request for key and reports whether it is over the limit.
func (l *Limiter) Check(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	count, oldest, err := l.store.Hit(ctx, key, now, l.window)
	if err != nil {
		return Decision{}, xerrors.Wrap(err, "rate limit hit")
	}

	if l.cleanupChance > 0 && l.rand() < l.cleanupChance {
		l.sweep(ctx, now)
	}

	d := Decision{Count: count, Limited: count > l.max}
	if d.Limited {
		d.RetryAfter = oldest.Add(l.window).Sub(now)
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Millisecond
		}
		if l.OnDenied != nil {
			l.OnDenied(key)
		}
		l.denyLog.Do(func() {
			l.logger.Warn(ctx, "rate limit exceeded", "key", key, "count", d.Count, "max", l.max, "retry_after", d.RetryAfter)
		})
	}
	return d, nil
}

// IsRateLimited is Check reduced to the verdict.
func (l *Limiter) IsRateLimited(ctx context.Context, key string) (bool, error) {
	d, err := l.Check(ctx, key)
	return d.Limited, err
}

func (l *Limiter) sweep(ctx context.Context, now time.Time) {
	n, err := l.store.Sweep(ctx, now, l.window)
	if err != nil {
		// sweep failure only delays reclaiming memory
		l.logger.Warn(ctx, "rate limit sweep failed", "err", err)
		return
	}
	if n > 0 {
		l.logger.Debug(ctx, "rate limit sweep", "removed", n)
	}
}
