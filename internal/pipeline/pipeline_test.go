package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/edgeguard/internal/apierr"
	"github.com/keithlinneman/edgeguard/internal/csrf"
	"github.com/keithlinneman/edgeguard/internal/nonce"
	"github.com/keithlinneman/edgeguard/internal/ratelimit"
	"github.com/keithlinneman/edgeguard/internal/sanitize"
	"github.com/keithlinneman/edgeguard/internal/secheaders"
)

type spyRecorder struct {
	mu          sync.Mutex
	stages      map[string]int
	rejections  map[string]int
	csrfIssued  int
	storeErrors map[string]int
	panics      int
}

func newSpyRecorder() *spyRecorder {
	return &spyRecorder{stages: map[string]int{}, rejections: map[string]int{}, storeErrors: map[string]int{}}
}

func (s *spyRecorder) ObserveStage(stage string, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[stage]++
}

func (s *spyRecorder) IncRejection(stage, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejections[stage+"/"+code]++
}

func (s *spyRecorder) IncCSRFIssued() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csrfIssued++
}

func (s *spyRecorder) IncStoreError(stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeErrors[stage]++
}

func (s *spyRecorder) IncHttpPanic() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panics++
}

type fixture struct {
	orch    *Orchestrator
	rec     *spyRecorder
	nonces  *nonce.Registry
	csrf    *csrf.Manager
	limiter *ratelimit.Limiter
}

type fixtureOpts struct {
	max        int
	store      ratelimit.Store
	nonceStore nonce.Store
	excluded   []string
	timeout    time.Duration
}

func newFixture(t *testing.T, fo fixtureOpts) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if fo.max == 0 {
		fo.max = 100
	}
	if fo.store == nil {
		fo.store = ratelimit.NewMemoryStore()
	}
	if fo.nonceStore == nil {
		fo.nonceStore = nonce.NewMemoryStore()
	}
	registry := nonce.New(ctx, fo.nonceStore, nonce.WithSweepInterval(0))
	mgr, err := csrf.NewManager([]byte(strings.Repeat("k", csrf.MinKeyBytes)), csrf.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	composer, err := secheaders.NewComposer(false, secheaders.Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	limiter := ratelimit.New(fo.store, ratelimit.WithLimit(time.Minute, fo.max), ratelimit.WithCleanupChance(0))

	rec := newSpyRecorder()
	orch := New(Components{
		Sanitizer: sanitize.New(),
		Limiter:   limiter,
		CSRF:      mgr,
		Nonces:    registry,
		Headers:   secheaders.NewEnforcer(composer, secheaders.NewValidator(false, secheaders.WithNonceChecker(registry))),
	}, WithRecorder(rec), WithExcludedPaths(fo.excluded), WithStageTimeout(fo.timeout))

	return &fixture{orch: orch, rec: rec, nonces: registry, csrf: mgr, limiter: limiter}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apierr.Body {
	t.Helper()
	var b apierr.Body
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return b
}

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if called != nil {
			*called = true
		}
		_, _ = io.WriteString(w, "ok")
	})
}

func TestPipeline_SafeRequestPassesAndIssuesNonceAndToken(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	var seenQuery, seenNonce, ctxNonce string
	h := f.orch.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenQuery = r.URL.Query().Get("q")
		seenNonce = r.Header.Get(NonceHeader)
		ctxNonce = NonceFromContext(r.Context())
		_, _ = io.WriteString(w, "ok")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/search?q=%3Cscript%3Ealert(1)%3C%2Fscript%3Ehello", http.NoBody)
	req.Header.Set(NonceHeader, "forged")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if seenQuery != "hello" {
		t.Errorf("handler saw q = %q", seenQuery)
	}
	if seenNonce == "" || seenNonce == "forged" || seenNonce != ctxNonce {
		t.Errorf("request nonce = %q ctx = %q", seenNonce, ctxNonce)
	}
	if got := rec.Header().Get("X-Nonce"); got != seenNonce {
		t.Errorf("response X-Nonce = %q, want %q", got, seenNonce)
	}
	if csp := rec.Header().Get("Content-Security-Policy"); !strings.Contains(csp, "'nonce-"+seenNonce+"'") {
		t.Errorf("csp = %q", csp)
	}
	if !f.nonces.Validate(context.Background(), seenNonce) {
		t.Error("issued nonce does not validate")
	}
	if rec.Header().Get(csrf.DefaultHeaderName) == "" || len(rec.Result().Cookies()) != 1 {
		t.Error("csrf token not issued")
	}
	if f.rec.csrfIssued != 1 {
		t.Errorf("csrf issued = %d", f.rec.csrfIssued)
	}
	for _, st := range []string{StageSanitize, StageRateLimit, StageCSRF, StageNonce, StageHandler} {
		if f.rec.stages[st] != 1 {
			t.Errorf("stage %s observed %d times", st, f.rec.stages[st])
		}
	}
}

func TestPipeline_CSRFRoundTrip(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	h := f.orch.Middleware(okHandler(nil))

	get := httptest.NewRecorder()
	h.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/account", http.NoBody))
	cookies := get.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %v", cookies)
	}
	token := cookies[0].Value

	tests := []struct {
		name     string
		cookie   string
		header   string
		wantCode apierr.Code
	}{
		{name: "valid", cookie: token, header: token},
		{name: "missing header", cookie: token, wantCode: apierr.InvalidCSRFToken},
		{name: "one char off", cookie: token, header: token[:len(token)-1] + flip(token[len(token)-1]), wantCode: apierr.InvalidCSRFToken},
		{name: "garbage", cookie: "abc", header: "abc", wantCode: apierr.InvalidTokenFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := f.orch.Middleware(okHandler(&called))
			req := httptest.NewRequest(http.MethodPost, "/account", strings.NewReader("x=1"))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.AddCookie(&http.Cookie{Name: csrf.DefaultCookieName, Value: tt.cookie})
			if tt.header != "" {
				req.Header.Set(csrf.DefaultHeaderName, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if tt.wantCode == "" {
				if rec.Code != http.StatusOK || !called {
					t.Fatalf("status = %d called = %v", rec.Code, called)
				}
				return
			}
			if called {
				t.Fatal("handler ran on rejected request")
			}
			if rec.Code != http.StatusForbidden {
				t.Fatalf("status = %d", rec.Code)
			}
			if b := decodeError(t, rec); b.Code != tt.wantCode {
				t.Fatalf("code = %s, want %s", b.Code, tt.wantCode)
			}
			// rejections carry security headers but no nonce
			if rec.Header().Get("Content-Security-Policy") == "" || rec.Header().Get("X-Content-Type-Options") != "nosniff" {
				t.Fatalf("security headers missing on rejection: %v", rec.Header())
			}
			if rec.Header().Get("X-Nonce") != "" {
				t.Fatal("rejection carried a nonce")
			}
		})
	}
}

func flip(c byte) string {
	if c == 'A' {
		return "B"
	}
	return "A"
}

func TestPipeline_RateLimit(t *testing.T) {
	f := newFixture(t, fixtureOpts{max: 2})
	h := f.orch.Middleware(okHandler(nil))

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.RemoteAddr = "203.0.113.5:1000"
		h.ServeHTTP(last, req)
		if i < 2 && last.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, last.Code)
		}
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", last.Code)
	}
	if last.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", last.Header().Get("Retry-After"))
	}
	if b := decodeError(t, last); b.Code != apierr.RateLimited || b.Status != 429 {
		t.Errorf("body = %+v", b)
	}
	if f.rec.rejections[StageRateLimit+"/RATE_LIMIT_ERROR"] != 1 {
		t.Errorf("rejections = %v", f.rec.rejections)
	}

	other := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "198.51.100.9:1000"
	h.ServeHTTP(other, req)
	if other.Code != http.StatusOK {
		t.Fatalf("independent key limited: %d", other.Code)
	}
}

func TestPipeline_ExcludedPathsNeverRejectedByCSRFOrRateLimit(t *testing.T) {
	f := newFixture(t, fixtureOpts{max: 1, excluded: []string{"/healthz", "/docs/"}})
	h := f.orch.Middleware(okHandler(nil))

	for i := 0; i < 5; i++ {
		for _, p := range []string{"/healthz", "/docs/intro"} {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodDelete, p, http.NoBody)
			req.RemoteAddr = "203.0.113.5:1000"
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("%s attempt %d: status %d", p, i, rec.Code)
			}
		}
	}
	// excluded traffic still counts toward the client's budget
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "203.0.113.5:1000"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestPipeline_SanitizerRejections(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	tests := []struct {
		name     string
		body     string
		query    string
		wantCode apierr.Code
		status   int
	}{
		{name: "invalid json", body: `{"name": "x"`, wantCode: apierr.InvalidInput, status: 400},
		{name: "malformed query", query: "a=%zz", wantCode: apierr.InvalidRequest, status: 400},
		{name: "oversized body", body: `{"v":"` + strings.Repeat("a", sanitize.DefaultMaxBodyBytes) + `"}`, wantCode: apierr.RequestTooLarge, status: 413},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := f.orch.Middleware(okHandler(&called))
			target := "/api/items"
			if tt.query != "" {
				target += "?" + tt.query
			}
			var body io.Reader = http.NoBody
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req := httptest.NewRequest(http.MethodGet, target, body)
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if called {
				t.Fatal("handler ran")
			}
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if b := decodeError(t, rec); b.Code != tt.wantCode {
				t.Fatalf("code = %s", b.Code)
			}
		})
	}
}

func TestPipeline_JSONBodySanitizedForHandler(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	var got map[string]any
	h := f.orch.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/profile", strings.NewReader(`{"bio":"<b>hi</b><script>x()</script>"}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got["bio"] != "hi" {
		t.Fatalf("bio = %v", got["bio"])
	}
}

type blockingStore struct{ ratelimit.Store }

func (blockingStore) Hit(ctx context.Context, _ string, _ time.Time, _ time.Duration) (int, time.Time, error) {
	<-ctx.Done()
	return 0, time.Time{}, ctx.Err()
}

type failingStore struct{ ratelimit.Store }

func (failingStore) Hit(context.Context, string, time.Time, time.Duration) (int, time.Time, error) {
	return 0, time.Time{}, errors.New("connection refused")
}

type blockingNonceStore struct{ nonce.Store }

func (blockingNonceStore) Put(ctx context.Context, _ string, _ nonce.Record) error {
	<-ctx.Done()
	return ctx.Err()
}

type failingNonceStore struct{ nonce.Store }

func (failingNonceStore) Put(context.Context, string, nonce.Record) error {
	return errors.New("connection refused")
}

func TestPipeline_StoreFailures(t *testing.T) {
	tests := []struct {
		name       string
		store      ratelimit.Store
		nonceStore nonce.Store
		stage      string
		wantCode   apierr.Code
		status     int
	}{
		{"rate limit deadline", blockingStore{}, nil, StageRateLimit, apierr.ServiceUnavailable, 503},
		{"rate limit error", failingStore{}, nil, StageRateLimit, apierr.Internal, 500},
		{"nonce deadline", nil, blockingNonceStore{}, StageNonce, apierr.ServiceUnavailable, 503},
		{"nonce error", nil, failingNonceStore{}, StageNonce, apierr.Internal, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixtureOpts{store: tt.store, nonceStore: tt.nonceStore, timeout: 20 * time.Millisecond})
			called := false
			rec := httptest.NewRecorder()
			f.orch.Middleware(okHandler(&called)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

			if called {
				t.Fatal("request passed through on store failure")
			}
			if rec.Code != tt.status {
				t.Fatalf("status = %d", rec.Code)
			}
			if b := decodeError(t, rec); b.Code != tt.wantCode {
				t.Fatalf("code = %s", b.Code)
			}
			if f.rec.storeErrors[tt.stage] != 1 || len(f.rec.storeErrors) != 1 {
				t.Fatalf("store errors = %v", f.rec.storeErrors)
			}
			if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
				t.Fatal("security headers missing on store failure")
			}
			if rec.Header().Get(NonceHeader) != "" {
				t.Fatal("nonce header on a response without an issued nonce")
			}
		})
	}
}

func TestPipeline_PanicBecomesInternalError(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	h := f.orch.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("upstream exploded")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	b := decodeError(t, rec)
	if b.Code != apierr.Internal || strings.Contains(rec.Body.String(), "exploded") {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatal("security headers missing on panic response")
	}
	if f.rec.panics != 1 {
		t.Fatalf("panics = %d", f.rec.panics)
	}
}

func TestPipeline_EmptyHandlerStillGetsHeaders(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	rec := httptest.NewRecorder()
	f.orch.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusOK || rec.Header().Get("Content-Security-Policy") == "" {
		t.Fatalf("status = %d headers = %v", rec.Code, rec.Header())
	}
}

func TestPipeline_NilComponentsPassThrough(t *testing.T) {
	called := false
	req := httptest.NewRequest(http.MethodPost, "/api/x", strings.NewReader("{bad"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(NonceHeader, "forged")
	rec := httptest.NewRecorder()
	New(Components{}).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.Header.Get(NonceHeader) != "" {
			t.Error("client nonce forwarded")
		}
	})).ServeHTTP(rec, req)

	if !called || rec.Code != http.StatusOK {
		t.Fatalf("called = %v status = %d", called, rec.Code)
	}
}
