package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/edgeguard/internal/version"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	profilingActive prometheus.Gauge

	// pipeline metrics
	stageDur           *prometheus.HistogramVec
	rejectionsTotal    *prometheus.CounterVec
	rateLimitedTotal   prometheus.Counter
	csrfIssuedTotal    prometheus.Counter
	noncesIssuedTotal  prometheus.Counter
	nonceChecksTotal   *prometheus.CounterVec
	headerViolations   *prometheus.CounterVec
	headersStripped    *prometheus.CounterVec
	storeErrorsTotal   *prometheus.CounterVec
	upstreamErrorTotal prometheus.Counter
}

// New returns a fresh registry + standard collectors + HTTP and pipeline metrics
// safe labels only (method, route, code, stage) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		stageDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgeguard_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}, []string{"stage"}),
		rejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeguard_rejections_total",
			Help: "Requests short-circuited by a pipeline stage, by stage and error code",
		}, []string{"stage", "code"}),
		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		csrfIssuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgeguard_csrf_tokens_issued_total",
			Help: "CSRF tokens issued to clients without a valid one",
		}),
		noncesIssuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgeguard_nonces_issued_total",
			Help: "CSP nonces issued",
		}),
		nonceChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeguard_nonce_validations_total",
			Help: "CSP nonce validations by result",
		}, []string{"result"}),
		headerViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeguard_header_violations_total",
			Help: "Security header validation failures by header (never blocking)",
		}, []string{"header"}),
		headersStripped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeguard_headers_stripped_total",
			Help: "Reserved response headers removed before sending",
		}, []string{"header"}),
		storeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeguard_store_errors_total",
			Help: "Store failures by pipeline stage, timeouts included",
		}, []string{"stage"}),
		upstreamErrorTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgeguard_upstream_errors_total",
			Help: "Upstream round trips that failed and were answered with 502",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.stageDur,
		m.rejectionsTotal,
		m.rateLimitedTotal,
		m.csrfIssuedTotal,
		m.noncesIssuedTotal,
		m.nonceChecksTotal,
		m.headerViolations,
		m.headersStripped,
		m.storeErrorsTotal,
		m.upstreamErrorTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

// Registry exposes the registry for collectors owned elsewhere (redis pool stats).
func (m *ServerMetrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) ObserveStage(stage string, d time.Duration) {
	m.stageDur.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *ServerMetrics) IncRejection(stage, code string) {
	m.rejectionsTotal.WithLabelValues(stage, code).Inc()
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.rateLimitedTotal.Inc()
}

func (m *ServerMetrics) IncCSRFIssued() {
	m.csrfIssuedTotal.Inc()
}

func (m *ServerMetrics) IncNonceIssued() {
	m.noncesIssuedTotal.Inc()
}

func (m *ServerMetrics) IncNonceValidation(valid bool) {
	if valid {
		m.nonceChecksTotal.WithLabelValues("valid").Inc()
	} else {
		m.nonceChecksTotal.WithLabelValues("invalid").Inc()
	}
}

func (m *ServerMetrics) IncHeaderViolation(header string) {
	m.headerViolations.WithLabelValues(header).Inc()
}

func (m *ServerMetrics) IncHeaderStripped(header string) {
	m.headersStripped.WithLabelValues(header).Inc()
}

func (m *ServerMetrics) IncStoreError(stage string) {
	m.storeErrorsTotal.WithLabelValues(stage).Inc()
}

func (m *ServerMetrics) IncUpstreamError() {
	m.upstreamErrorTotal.Inc()
}
