package secheaders

import (
	"bufio"
	"context"
	"net"
	"net/http"

	"github.com/keithlinneman/edgeguard/internal/xerrors"
)

// Enforcer pairs a Composer with a Validator.
type Enforcer struct {
	composer  *Composer
	validator *Validator
}

func NewEnforcer(c *Composer, v *Validator) *Enforcer {
	return &Enforcer{composer: c, validator: v}
}

// ResponseWriter composes and validates the security headers at the first
// WriteHeader, Write or Flush, so they cover every response including ones
// written by rejecting stages.
type ResponseWriter struct {
	http.ResponseWriter
	ctx   context.Context
	e     *Enforcer
	nonce string
	done  bool

	violations []Violation
}

// Wrap returns w wrapped for one request.
func (e *Enforcer) Wrap(ctx context.Context, w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, ctx: ctx, e: e}
}

// SetNonce records the nonce issued for this response. Ignored once headers
// are out.
func (w *ResponseWriter) SetNonce(n string) {
	if !w.done {
		w.nonce = n
	}
}

// Violations found when the headers were written.
func (w *ResponseWriter) Violations() []Violation { return w.violations }

// Committed reports whether headers have been sent.
func (w *ResponseWriter) Committed() bool { return w.done }

func (w *ResponseWriter) prepare() {
	if w.done {
		return
	}
	w.done = true
	h := w.ResponseWriter.Header()
	w.e.composer.Apply(h, w.nonce)
	if w.e.validator != nil {
		w.violations = w.e.validator.Validate(w.ctx, h)
	}
}

func (w *ResponseWriter) WriteHeader(code int) {
	// 1xx responses carry their own header set
	if code >= 100 && code < 200 {
		w.ResponseWriter.WriteHeader(code)
		return
	}
	w.prepare()
	w.ResponseWriter.WriteHeader(code)
}

func (w *ResponseWriter) Write(b []byte) (int, error) {
	w.prepare()
	return w.ResponseWriter.Write(b)
}

func (w *ResponseWriter) Flush() {
	w.prepare()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// support Hijack (websockets, etc).
func (w *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, xerrors.New("underlying ResponseWriter does not implement http.Hijacker")
	}
	w.done = true
	return h.Hijack()
}

func (w *ResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
