// Package nonce issues the per-response CSP nonces and answers whether a
// nonce seen later is one we issued and is still within its lifetime.
//
// Only the SHA-256 of a nonce is stored. Nonces are not single-use: the same
// value stays valid for its whole lifetime.
package nonce

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/keithlinneman/edgeguard/internal/cryptoutil"
	"github.com/keithlinneman/edgeguard/internal/log"
	"github.com/keithlinneman/edgeguard/internal/xerrors"
)

const (
	// nonceBytes of entropy before encoding
	nonceBytes = 16

	DefaultLifetime      = time.Hour
	DefaultSweepInterval = 5 * time.Minute

	maxIssueAttempts = 3
)

// Registry issues and validates nonces against a Store.
type Registry struct {
	store      Store
	lifetime   time.Duration
	sweepEvery time.Duration
	now        func() time.Time
	logger     log.Logger

	onIssue    func()
	onValidate func(valid bool)
}

type Option func(*Registry)

func WithLifetime(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.lifetime = d
		}
	}
}

// WithSweepInterval sets how often the background sweep runs. Zero disables
// the sweep goroutine.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepEvery = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(l log.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithOnIssue is called after every successful Issue. used for metrics
func WithOnIssue(fn func()) Option {
	return func(r *Registry) { r.onIssue = fn }
}

// WithOnValidate is called with the outcome of every Validate.
func WithOnValidate(fn func(valid bool)) Option {
	return func(r *Registry) { r.onValidate = fn }
}

// New creates a Registry and, unless disabled, starts the sweep goroutine
// which stops when ctx is cancelled.
func New(ctx context.Context, store Store, opts ...Option) *Registry {
	r := &Registry{
		store:      store,
		lifetime:   DefaultLifetime,
		sweepEvery: DefaultSweepInterval,
		now:        time.Now,
		logger:     log.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.sweepEvery > 0 {
		go r.sweepLoop(ctx)
	}
	return r
}

// Lifetime is how long an issued nonce stays valid.
func (r *Registry) Lifetime() time.Duration { return r.lifetime }

// Issue creates, records and returns a fresh nonce.
func (r *Registry) Issue(ctx context.Context) (string, error) {
	for range maxIssueAttempts {
		raw, err := cryptoutil.RandomBytes(nonceBytes)
		if err != nil {
			return "", err
		}
		n := base64.StdEncoding.EncodeToString(raw)
		now := r.now()
		err = r.store.Put(ctx, cryptoutil.SHA256Hex([]byte(n)), Record{IssuedAt: now, ExpiresAt: now.Add(r.lifetime)})
		if errors.Is(err, ErrExists) {
			continue
		}
		if err != nil {
			return "", xerrors.Wrap(err, "store nonce")
		}
		if r.onIssue != nil {
			r.onIssue()
		}
		return n, nil
	}
	return "", xerrors.New("nonce collision on every attempt")
}

// Validate reports whether n was issued by this registry and has not expired.
// Store failures are logged and treated as invalid.
func (r *Registry) Validate(ctx context.Context, n string) bool {
	ok := r.validate(ctx, n)
	if r.onValidate != nil {
		r.onValidate(ok)
	}
	return ok
}

func (r *Registry) validate(ctx context.Context, n string) bool {
	if n == "" {
		return false
	}
	rec, found, err := r.store.Get(ctx, cryptoutil.SHA256Hex([]byte(n)))
	if err != nil {
		r.logger.Error(ctx, err, "nonce lookup failed")
		return false
	}
	return found && !r.now().After(rec.ExpiresAt)
}

// Sweep removes expired records now.
func (r *Registry) Sweep(ctx context.Context) {
	n, err := r.store.Sweep(ctx, r.now())
	if err != nil {
		r.logger.Error(ctx, err, "nonce sweep failed")
		return
	}
	if n > 0 {
		r.logger.Debug(ctx, "nonce sweep", "removed", n)
	}
}

func (r *Registry) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}
