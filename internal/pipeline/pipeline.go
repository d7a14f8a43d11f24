package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/edgeguard/internal/apierr"
	"github.com/keithlinneman/edgeguard/internal/csrf"
	"github.com/keithlinneman/edgeguard/internal/httpmw"
	"github.com/keithlinneman/edgeguard/internal/log"
	"github.com/keithlinneman/edgeguard/internal/nonce"
	"github.com/keithlinneman/edgeguard/internal/pathutil"
	"github.com/keithlinneman/edgeguard/internal/ratelimit"
	"github.com/keithlinneman/edgeguard/internal/sanitize"
	"github.com/keithlinneman/edgeguard/internal/secheaders"
	"github.com/keithlinneman/edgeguard/internal/xerrors"
)

// Stage names, used as metric and span labels.
const (
	StageSanitize  = "sanitize"
	StageRateLimit = "ratelimit"
	StageCSRF      = "csrf"
	StageNonce     = "nonce"
	StageHandler   = "handler"
)

const (
	DefaultStageTimeout = 250 * time.Millisecond
	NonceHeader         = "X-Nonce"
)

// Recorder receives pipeline measurements. *metrics.ServerMetrics satisfies it.
type Recorder interface {
	ObserveStage(stage string, d time.Duration)
	IncRejection(stage, code string)
	IncCSRFIssued()
	IncStoreError(stage string)
	IncHttpPanic()
}

type nopRecorder struct{}

func (nopRecorder) ObserveStage(string, time.Duration) {}
func (nopRecorder) IncRejection(string, string)        {}
func (nopRecorder) IncCSRFIssued()                     {}
func (nopRecorder) IncStoreError(string)               {}
func (nopRecorder) IncHttpPanic()                      {}

// Components are the stage implementations. A nil component disables its
// stage.
type Components struct {
	Sanitizer *sanitize.Sanitizer
	Limiter   *ratelimit.Limiter
	CSRF      *csrf.Manager
	Nonces    *nonce.Registry
	Headers   *secheaders.Enforcer
}

// Orchestrator is the pipeline. It holds component references and settings
// only; all per-request state lives on the stack.
type Orchestrator struct {
	c            Components
	excluded     *pathutil.Matcher
	stageTimeout time.Duration
	logger       log.Logger
	rec          Recorder
	tracer       trace.Tracer
}

type Option func(*Orchestrator)

// WithExcludedPaths lists paths that never receive a CSRF or rate limit
// rejection. Their requests are still counted by the limiter.
func WithExcludedPaths(patterns []string) Option {
	return func(o *Orchestrator) { o.excluded = pathutil.NewMatcher(patterns) }
}

// WithStageTimeout bounds each store-backed stage. Non-positive keeps the default.
func WithStageTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stageTimeout = d
		}
	}
}

func WithLogger(l log.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.rec = r
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		if tp != nil {
			o.tracer = tp.Tracer("edgeguard/pipeline")
		}
	}
}

func New(c Components, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		c:            c,
		excluded:     pathutil.NewMatcher(nil),
		stageTimeout: DefaultStageTimeout,
		logger:       log.Nop(),
		rec:          nopRecorder{},
		tracer:       otel.Tracer("edgeguard/pipeline"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Middleware returns the pipeline in front of next.
func (o *Orchestrator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.serve(w, r, next)
	})
}

func (o *Orchestrator) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	ctx := r.Context()

	var hw *secheaders.ResponseWriter
	out := w
	if o.c.Headers != nil {
		hw = o.c.Headers.Wrap(ctx, w)
		out = hw
	}

	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if e, ok := rec.(error); ok && errors.Is(e, http.ErrAbortHandler) {
			panic(rec)
		}
		o.rec.IncHttpPanic()
		err, ok := rec.(error)
		if !ok {
			err = fmt.Errorf("%v", rec)
		}
		o.logger.Error(ctx, xerrors.Wrap(err, "pipeline panic"), "pipeline panic recovered",
			"url.path", r.URL.Path)
		if hw != nil && hw.Committed() {
			return
		}
		o.reject(ctx, out, "panic", apierr.Internal)
	}()

	// client supplied nonces are never forwarded
	r.Header.Del(NonceHeader)

	excluded := o.excluded.Match(r.URL.Path)

	if s := o.c.Sanitizer; s != nil && s.Applies(r.URL.Path) {
		start := time.Now()
		clean, err := s.Request(r)
		o.rec.ObserveStage(StageSanitize, time.Since(start))
		if err != nil {
			code := apierr.InvalidInput
			var se *sanitize.Error
			if errors.As(err, &se) {
				code = se.Code
			}
			o.logger.Warn(ctx, "request rejected by sanitizer", "code", code, "err", err)
			o.reject(ctx, out, StageSanitize, code)
			return
		}
		r = clean
	}

	if o.c.Limiter != nil {
		if !o.rateLimit(ctx, out, r, excluded) {
			return
		}
	}

	if o.c.CSRF != nil && !excluded {
		if !o.checkCSRF(ctx, out, r) {
			return
		}
	}

	if o.c.Nonces != nil {
		n, ok := o.issueNonce(ctx, out)
		if !ok {
			return
		}
		r.Header.Set(NonceHeader, n)
		ctx = withNonce(ctx, n)
		if hw != nil {
			hw.SetNonce(n)
		}
	}

	start := time.Now()
	next.ServeHTTP(out, r.WithContext(ctx))
	o.rec.ObserveStage(StageHandler, time.Since(start))

	// a handler that wrote nothing still gets its headers
	if hw != nil && !hw.Committed() {
		hw.WriteHeader(http.StatusOK)
	}
}

// rateLimit reports whether the request may continue.
func (o *Orchestrator) rateLimit(ctx context.Context, w http.ResponseWriter, r *http.Request, excluded bool) bool {
	key := clientKey(r)
	sctx, end := o.stage(ctx, StageRateLimit)
	d, err := o.c.Limiter.Check(sctx, key)
	end(err)

	if err != nil {
		if excluded {
			o.rec.IncStoreError(StageRateLimit)
			o.logger.Error(ctx, err, "rate limit check failed on excluded path")
			return true
		}
		o.storeFailure(ctx, w, StageRateLimit, err)
		return false
	}
	if !d.Limited || excluded {
		return true
	}
	o.rec.IncRejection(StageRateLimit, string(apierr.RateLimited))
	httpmw.AnnotateAccessLog(ctx, "rejected_by", StageRateLimit, "rejection_code", string(apierr.RateLimited))
	apierr.WriteRetry(w, d.RetryAfter)
	return false
}

func (o *Orchestrator) checkCSRF(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	start := time.Now()
	defer func() { o.rec.ObserveStage(StageCSRF, time.Since(start)) }()

	if csrf.IsSafeMethod(r.Method) {
		_, issued, err := o.c.CSRF.Ensure(w, r)
		if err != nil {
			o.logger.Error(ctx, err, "csrf token issue failed")
			o.reject(ctx, w, StageCSRF, apierr.Internal)
			return false
		}
		if issued {
			o.rec.IncCSRFIssued()
		}
		return true
	}

	if err := o.c.CSRF.Verify(r); err != nil {
		code := csrf.Code(err)
		o.logger.Warn(ctx, "csrf validation failed", "code", code, "reason", err.Error())
		o.reject(ctx, w, StageCSRF, code)
		return false
	}
	return true
}

func (o *Orchestrator) issueNonce(ctx context.Context, w http.ResponseWriter) (string, bool) {
	sctx, end := o.stage(ctx, StageNonce)
	n, err := o.c.Nonces.Issue(sctx)
	end(err)
	if err != nil {
		o.storeFailure(ctx, w, StageNonce, err)
		return "", false
	}
	return n, true
}

// stage starts the span and deadline for a store-backed stage. end records
// the outcome and releases the deadline.
func (o *Orchestrator) stage(ctx context.Context, name string) (context.Context, func(error)) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	ctx, span := o.tracer.Start(ctx, "pipeline."+name,
		trace.WithAttributes(attribute.String("edgeguard.stage", name)))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		cancel()
		o.rec.ObserveStage(name, time.Since(start))
	}
}

// storeFailure answers 503 when the stage ran out of time and 500 otherwise.
func (o *Orchestrator) storeFailure(ctx context.Context, w http.ResponseWriter, stage string, err error) {
	o.rec.IncStoreError(stage)
	code := apierr.Internal
	if isTimeout(err) {
		code = apierr.ServiceUnavailable
	}
	o.logger.Error(ctx, err, "pipeline stage failed", "stage", stage, "code", code)
	o.reject(ctx, w, stage, code)
}

func (o *Orchestrator) reject(ctx context.Context, w http.ResponseWriter, stage string, code apierr.Code) {
	o.rec.IncRejection(stage, string(code))
	httpmw.AnnotateAccessLog(ctx, "rejected_by", stage, "rejection_code", string(code))
	apierr.Write(w, code, "")
}

// isTimeout covers both the context deadline and the socket deadline a Redis
// client derives from it.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// clientKey is the rate limit key: the resolved client address, or the peer
// host when ClientIP did not run.
func clientKey(r *http.Request) string {
	if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
