package secheaders

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeNonces struct {
	mu    sync.Mutex
	valid map[string]bool
	calls int
}

func (f *fakeNonces) Validate(_ context.Context, n string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.valid[n]
}

const testNonce = "AAAAAAAAAAAAAAAAAAAAAA=="

func composed(t *testing.T, production bool, nonce string) http.Header {
	t.Helper()
	h := http.Header{}
	mustComposer(t, production, Overrides{}).Apply(h, nonce)
	return h
}

func reasons(vs []Violation) map[string]string {
	m := make(map[string]string, len(vs))
	for _, v := range vs {
		m[v.Header] = v.Reason
	}
	return m
}

func TestValidate_ComposedHeadersPass(t *testing.T) {
	for _, production := range []bool{true, false} {
		nonces := &fakeNonces{valid: map[string]bool{testNonce: true}}
		v := NewValidator(production, WithNonceChecker(nonces))
		if vs := v.Validate(context.Background(), composed(t, production, testNonce)); len(vs) != 0 {
			t.Errorf("production=%v: unexpected violations %+v", production, vs)
		}
		if vs := v.Validate(context.Background(), composed(t, production, "")); len(vs) != 0 {
			t.Errorf("production=%v without nonce: unexpected violations %+v", production, vs)
		}
	}
}

func TestValidate_RuleFailures(t *testing.T) {
	v := NewValidator(true)
	h := composed(t, true, "")
	h.Del(HeaderHSTS)
	h.Set(HeaderFrameOptions, "ALLOW-FROM https://x")
	h.Set(HeaderCOOP, "whatever")

	got := reasons(v.Validate(context.Background(), h))
	if got[HeaderHSTS] != "missing" {
		t.Errorf("HSTS: %q", got[HeaderHSTS])
	}
	if got[HeaderFrameOptions] != "value not allowed" {
		t.Errorf("X-Frame-Options: %q", got[HeaderFrameOptions])
	}
	if got[HeaderCOOP] != "value not allowed" {
		t.Errorf("COOP: %q", got[HeaderCOOP])
	}
}

func TestValidate_DevelopmentDoesNotRequireProductionHeaders(t *testing.T) {
	v := NewValidator(false)
	h := composed(t, false, "")
	if vs := v.Validate(context.Background(), h); len(vs) != 0 {
		t.Fatalf("violations = %+v", vs)
	}
}

func TestValidate_CSPShape(t *testing.T) {
	v := NewValidator(false)
	tests := []struct {
		csp  string
		want string
	}{
		{"default-src 'self'; script-src 'self'; frame-ancestors 'none'", "missing directive object-src"},
		{"default-src 'self'; script-src 'self'; object-src *; frame-ancestors 'none'", "object-src must be 'none'"},
		{"default-src 'self'; script-src 'unsafe-inline'; object-src 'none'; frame-ancestors 'none'", "script-src allows unsafe-inline"},
	}
	for _, tt := range tests {
		h := composed(t, false, "")
		h.Set(HeaderCSP, tt.csp)
		if got := reasons(v.Validate(context.Background(), h))[HeaderCSP]; got != tt.want {
			t.Errorf("CSP %q: reason %q, want %q", tt.csp, got, tt.want)
		}
	}
}

type deadlineNonces struct{ left time.Duration }

func (d *deadlineNonces) Validate(ctx context.Context, _ string) bool {
	if dl, ok := ctx.Deadline(); ok {
		d.left = time.Until(dl)
	}
	return true
}

func TestValidate_NonceLookupIsBounded(t *testing.T) {
	for _, tt := range []struct {
		name string
		opts []ValidatorOption
		max  time.Duration
	}{
		{name: "default", max: DefaultNonceTimeout},
		{name: "configured", opts: []ValidatorOption{WithNonceTimeout(50 * time.Millisecond)}, max: 50 * time.Millisecond},
		{name: "non-positive keeps default", opts: []ValidatorOption{WithNonceTimeout(0)}, max: DefaultNonceTimeout},
	} {
		t.Run(tt.name, func(t *testing.T) {
			nonces := &deadlineNonces{}
			v := NewValidator(false, append([]ValidatorOption{WithNonceChecker(nonces)}, tt.opts...)...)
			v.Validate(context.Background(), composed(t, false, testNonce))
			if nonces.left <= 0 || nonces.left > tt.max {
				t.Fatalf("time left for lookup = %v, want (0, %v]", nonces.left, tt.max)
			}
		})
	}
}

func TestValidate_NonceChecks(t *testing.T) {
	nonces := &fakeNonces{valid: map[string]bool{}}
	v := NewValidator(false, WithNonceChecker(nonces))

	// unknown nonce
	h := composed(t, false, testNonce)
	if got := reasons(v.Validate(context.Background(), h))[HeaderCSP]; got != "nonce not issued or expired" {
		t.Errorf("unknown nonce: %q", got)
	}

	// header disagrees with CSP
	nonces.valid[testNonce] = true
	h = composed(t, false, testNonce)
	h.Set(HeaderNonce, "BBBBBBBBBBBBBBBBBBBBBB==")
	if got := reasons(v.Validate(context.Background(), h))[HeaderNonce]; got != "nonce header does not match csp" {
		t.Errorf("mismatch: %q", got)
	}

	// malformed X-Nonce
	h = composed(t, false, "")
	h.Set(HeaderNonce, "not base64!")
	if got := reasons(v.Validate(context.Background(), h))[HeaderNonce]; got == "" {
		t.Error("malformed X-Nonce should be a violation")
	}
}

func TestValidate_StripsReservedHeaders(t *testing.T) {
	var stripped []string
	v := NewValidator(false,
		WithRecognized([]string{"x-internal-request-id"}),
		WithOnStripped(func(h string) { stripped = append(stripped, h) }),
	)
	h := composed(t, false, "")
	h.Set("X-Internal-Request-Id", "keep")
	h.Set("X-Internal-Db-Host", "10.0.0.5")
	h.Set("X-Debug-Trace", "stack")

	v.Validate(context.Background(), h)

	if h.Get("X-Internal-Request-Id") != "keep" {
		t.Error("recognized internal header was removed")
	}
	if h.Get("X-Internal-Db-Host") != "" || h.Get("X-Debug-Trace") != "" {
		t.Errorf("reserved headers leaked: %v", h)
	}
	if len(stripped) != 2 {
		t.Errorf("stripped = %v", stripped)
	}
}

func TestValidate_CachesByValue(t *testing.T) {
	var violations int
	v := NewValidator(false, WithCacheSize(8), WithOnViolation(func(string, string) { violations++ }))
	for range 3 {
		h := composed(t, false, "")
		h.Set(HeaderFrameOptions, "nope")
		v.Validate(context.Background(), h)
	}
	if violations != 3 {
		t.Fatalf("violations = %d, want one per call", violations)
	}
	if _, ok := v.cache.Get(HeaderFrameOptions + "\x00nope"); !ok {
		t.Fatal("result should be cached")
	}
}

func TestWriter_AppliesBeforeStatus(t *testing.T) {
	c := mustComposer(t, true, Overrides{})
	nonces := &fakeNonces{valid: map[string]bool{testNonce: true}}
	e := NewEnforcer(c, NewValidator(true, WithNonceChecker(nonces)))

	rec := httptest.NewRecorder()
	w := e.Wrap(context.Background(), rec)
	w.SetNonce(testNonce)
	w.Header().Set("X-Debug-Sql", "select 1")
	w.WriteHeader(http.StatusTeapot)
	w.SetNonce("ignored")
	_, _ = w.Write([]byte("hi"))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get(HeaderNonce); got != testNonce {
		t.Fatalf("X-Nonce = %q", got)
	}
	if rec.Header().Get("X-Debug-Sql") != "" {
		t.Fatal("debug header leaked")
	}
	if !w.Committed() || len(w.Violations()) != 0 {
		t.Fatalf("committed=%v violations=%+v", w.Committed(), w.Violations())
	}
	if nonces.calls != 1 {
		t.Fatalf("nonce validated %d times, want 1", nonces.calls)
	}
}

func TestWriter_ImplicitWrite(t *testing.T) {
	e := NewEnforcer(mustComposer(t, false, Overrides{}), nil)
	rec := httptest.NewRecorder()
	w := e.Wrap(context.Background(), rec)
	_, _ = w.Write([]byte("body"))

	if rec.Header().Get(HeaderCSP) == "" {
		t.Fatal("CSP missing on implicit 200")
	}
	if rec.Header().Get(HeaderNonce) != "" {
		t.Fatal("no nonce was set")
	}
}
