package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlers(t *testing.T) {
	tests := []struct {
		name     string
		h        http.HandlerFunc
		wantCode int
		wantBody string
	}{
		{"healthz ok", HealthzHandler(Fixed(true, "")), 200, "ok"},
		{"healthz nil probe", HealthzHandler(nil), 200, "ok"},
		{"healthz failing", HealthzHandler(Fixed(false, "redis: connection refused")), 503, "redis: connection refused"},
		{"readyz ok", ReadyzHandler(Fixed(true, "")), 200, "ready"},
		{"readyz draining", ReadyzHandler(Fixed(false, "draining")), 503, "draining"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", http.NoBody))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("body = %q", rec.Body.String())
			}
			if rec.Header().Get("Cache-Control") != "no-store" {
				t.Fatal("probe responses must not be cached")
			}
		})
	}
}

func TestHandler_PassesRequestContext(t *testing.T) {
	type key struct{}
	var got any
	h := ReadyzHandler(CheckFunc(func(ctx context.Context) error {
		got = ctx.Value(key{})
		return nil
	}))
	ctx := context.WithValue(context.Background(), key{}, "v")
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody).WithContext(ctx))
	if got != "v" {
		t.Fatal("request context not passed to probe")
	}
}
