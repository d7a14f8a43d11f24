package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/edgeguard/internal/version"
)

// helpers

// gatherMetric collects metrics from the registry and finds one by name.
func gatherMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

// labeledCounter returns the counter whose labels include all of want.
func labeledCounter(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil {
		t.Fatalf("metric %q not found", name)
	}
	for _, m := range f.GetMetric() {
		got := make(map[string]string)
		for _, lp := range m.GetLabel() {
			got[lp.GetName()] = lp.GetValue()
		}
		match := true
		for k, v := range want {
			if got[k] != v {
				match = false
				break
			}
		}
		if match {
			return m.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %q has no sample with labels %v", name, want)
	return 0
}

// histogramCount returns the sample count of the first metric in a histogram family.
func histogramCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil || len(f.GetMetric()) == 0 {
		t.Fatalf("metric %q not found", name)
	}
	return f.GetMetric()[0].GetHistogram().GetSampleCount()
}

func TestNew_RegistryPopulated(t *testing.T) {
	m := New()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	// Non-Vec metrics (gauge, counter) appear immediately
	for _, name := range []string{
		"http_inflight_requests",
		"http_panic_total",
		"http_requests_rate_limited_total",
		"edgeguard_csrf_tokens_issued_total",
		"edgeguard_nonces_issued_total",
		"edgeguard_upstream_errors_total",
		"profiling_active",
		"go_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metric %q not found in /metrics output", name)
		}
	}
}

func TestNew_IsolatedRegistries(t *testing.T) {
	a, b := New(), New()
	a.IncHttpPanic()

	if f := gatherMetric(t, b.reg, "http_panic_total"); f.GetMetric()[0].GetCounter().GetValue() != 0 {
		t.Fatal("registries should not share state")
	}
	if a.Registry() == b.Registry() {
		t.Fatal("each ServerMetrics needs its own registry")
	}
}

func TestSetBuildInfoFromVersion(t *testing.T) {
	m := New()
	dirty := true
	m.SetBuildInfoFromVersion("edgeguard", "server", version.Info{
		Version:   "1.2.3",
		Commit:    "abc123",
		BuildId:   "build-42",
		GoVersion: "go1.24.0",
		VCSDirty:  &dirty,
	})

	f := gatherMetric(t, m.reg, "build_info")
	if f == nil || len(f.GetMetric()) != 1 {
		t.Fatal("build_info missing")
	}
	labels := make(map[string]string)
	for _, lp := range f.GetMetric()[0].GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	for k, want := range map[string]string{
		"app":       "edgeguard",
		"component": "server",
		"version":   "1.2.3",
		"commit":    "abc123",
		"vcs_dirty": "true",
	} {
		if labels[k] != want {
			t.Errorf("build_info label %q = %q, want %q", k, labels[k], want)
		}
	}
}

func TestSetBuildInfoFromVersion_NilVCSDirty(t *testing.T) {
	m := New()
	m.SetBuildInfoFromVersion("a", "b", version.Info{Version: "v"})
	if got := buildInfoLabel(t, m, "vcs_dirty"); got != "unknown" {
		t.Fatalf("vcs_dirty = %q, want unknown", got)
	}
}

func buildInfoLabel(t *testing.T, m *ServerMetrics, label string) string {
	t.Helper()
	f := gatherMetric(t, m.reg, "build_info")
	for _, lp := range f.GetMetric()[0].GetLabel() {
		if lp.GetName() == label {
			return lp.GetValue()
		}
	}
	return ""
}

func TestPipelineCounters(t *testing.T) {
	m := New()

	m.IncRejection("csrf", "EXPIRED_CSRF_TOKEN")
	m.IncRejection("csrf", "EXPIRED_CSRF_TOKEN")
	m.IncRejection("ratelimit", "RATE_LIMIT_ERROR")
	m.IncNonceValidation(true)
	m.IncNonceValidation(false)
	m.IncNonceValidation(false)
	m.IncHeaderViolation("Strict-Transport-Security")
	m.IncHeaderStripped("X-Debug-Sql")
	m.IncStoreError("ratelimit")
	m.IncRateLimitDenied()
	m.IncCSRFIssued()
	m.IncNonceIssued()
	m.IncUpstreamError()

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"edgeguard_rejections_total", map[string]string{"stage": "csrf", "code": "EXPIRED_CSRF_TOKEN"}, 2},
		{"edgeguard_rejections_total", map[string]string{"stage": "ratelimit"}, 1},
		{"edgeguard_nonce_validations_total", map[string]string{"result": "valid"}, 1},
		{"edgeguard_nonce_validations_total", map[string]string{"result": "invalid"}, 2},
		{"edgeguard_header_violations_total", map[string]string{"header": "Strict-Transport-Security"}, 1},
		{"edgeguard_headers_stripped_total", map[string]string{"header": "X-Debug-Sql"}, 1},
		{"edgeguard_store_errors_total", map[string]string{"stage": "ratelimit"}, 1},
		{"http_requests_rate_limited_total", nil, 1},
		{"edgeguard_csrf_tokens_issued_total", nil, 1},
		{"edgeguard_nonces_issued_total", nil, 1},
		{"edgeguard_upstream_errors_total", nil, 1},
	}
	for _, c := range checks {
		if got := labeledCounter(t, m.reg, c.name, c.labels); got != c.want {
			t.Errorf("%s%v = %v, want %v", c.name, c.labels, got, c.want)
		}
	}
}

func TestObserveStage(t *testing.T) {
	m := New()
	m.ObserveStage("sanitize", 2*time.Millisecond)
	m.ObserveStage("sanitize", 3*time.Millisecond)
	if got := histogramCount(t, m.reg, "edgeguard_stage_duration_seconds"); got != 2 {
		t.Fatalf("stage duration count = %d, want 2", got)
	}
}

func TestSetProfilingActive(t *testing.T) {
	m := New()
	m.SetProfilingActive(true)
	if v := gatherMetric(t, m.reg, "profiling_active").GetMetric()[0].GetGauge().GetValue(); v != 1 {
		t.Fatalf("profiling_active = %v, want 1", v)
	}
	m.SetProfilingActive(false)
	if v := gatherMetric(t, m.reg, "profiling_active").GetMetric()[0].GetGauge().GetValue(); v != 0 {
		t.Fatalf("profiling_active = %v, want 0", v)
	}
}
