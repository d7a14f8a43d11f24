package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/edgeguard/internal/csrf"
	"github.com/keithlinneman/edgeguard/internal/log"
	"github.com/keithlinneman/edgeguard/internal/nonce"
	"github.com/keithlinneman/edgeguard/internal/pathutil"
	"github.com/keithlinneman/edgeguard/internal/pipeline"
	"github.com/keithlinneman/edgeguard/internal/policysrc"
	"github.com/keithlinneman/edgeguard/internal/ratelimit"
	"github.com/keithlinneman/edgeguard/internal/sanitize"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnableTracing     bool
	OTLPEndpoint      string
	TraceSample       float64
	EnablePyroscope   bool
	PyroServer        string
	PyroTenantID      string

	AppEnv               string
	UpstreamURL          string
	TrustedHops          int
	MaxBodyBytes         int64
	StageTimeoutMS       int
	ExcludedPaths        string
	SanitizePathPrefixes string

	CSRFTokenExpiry         int
	CSRFHTTPOnly            bool
	CSRFSecure              bool
	CSRFSameSite            string
	CSRFCookieName          string
	CSRFHeaderName          string
	CSRFSecret              string
	CSRFSecretSSMParam      string
	CSRFSecretKMSCiphertext string

	RateLimitWindowMS      int
	RateLimitMaxRequests   int
	RateLimitCleanupChance float64
	NonceLifetimeMS        int
	NonceSweepIntervalMS   int

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	SessionCookieName     string
	SessionJWTSecret      string
	ProtectedPathPrefixes string
	SignInURL             string

	HeaderPolicySource string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "public listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (admin port, non-public peers only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.StringVar(&c.AppEnv, "app-env", EnvDevelopment, "development|production")
	fs.StringVar(&c.UpstreamURL, "upstream-url", "", "absolute http(s) URL of the protected application")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "reverse proxies in front of this server (X-Forwarded-For depth)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", sanitize.DefaultMaxBodyBytes, "request body limit in bytes (0 = unlimited)")
	fs.IntVar(&c.StageTimeoutMS, "stage-timeout-ms", int(pipeline.DefaultStageTimeout/time.Millisecond), "deadline for each store-backed pipeline stage")
	fs.StringVar(&c.ExcludedPaths, "excluded-paths", "", "comma separated paths exempt from CSRF and rate limit rejection (trailing / or /* = prefix)")
	fs.StringVar(&c.SanitizePathPrefixes, "sanitize-path-prefixes", "/api/", "comma separated paths whose input is sanitized (empty = all)")

	fs.IntVar(&c.CSRFTokenExpiry, "csrf-token-expiry", int(csrf.DefaultExpiry/time.Second), "CSRF token lifetime in seconds")
	fs.BoolVar(&c.CSRFHTTPOnly, "csrf-http-only", true, "HttpOnly flag on the CSRF cookie")
	fs.BoolVar(&c.CSRFSecure, "csrf-secure", true, "Secure flag on the CSRF cookie")
	fs.StringVar(&c.CSRFSameSite, "csrf-same-site", "strict", "strict|lax|none")
	fs.StringVar(&c.CSRFCookieName, "csrf-cookie-name", csrf.DefaultCookieName, "CSRF cookie name")
	fs.StringVar(&c.CSRFHeaderName, "csrf-header-name", csrf.DefaultHeaderName, "CSRF request/response header name")
	fs.StringVar(&c.CSRFSecret, "csrf-secret", "", "CSRF HMAC key (prefer the ssm or kms sources)")
	fs.StringVar(&c.CSRFSecretSSMParam, "csrf-secret-ssm-param", "", "SSM SecureString parameter holding the CSRF HMAC key")
	fs.StringVar(&c.CSRFSecretKMSCiphertext, "csrf-secret-kms-ciphertext", "", "base64 KMS ciphertext of the CSRF HMAC key")

	fs.IntVar(&c.RateLimitWindowMS, "rate-limit-window-ms", int(ratelimit.DefaultWindow/time.Millisecond), "sliding window length")
	fs.IntVar(&c.RateLimitMaxRequests, "rate-limit-max-requests", ratelimit.DefaultMaxRequests, "requests admitted per window per client")
	fs.Float64Var(&c.RateLimitCleanupChance, "rate-limit-cleanup-chance", ratelimit.DefaultCleanupChance, "per-request probability of a full bucket sweep (0..1)")
	fs.IntVar(&c.NonceLifetimeMS, "nonce-lifetime-ms", int(nonce.DefaultLifetime/time.Millisecond), "CSP nonce validity")
	fs.IntVar(&c.NonceSweepIntervalMS, "nonce-sweep-interval-ms", int(nonce.DefaultSweepInterval/time.Millisecond), "in-memory nonce sweep interval (0 = off)")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "host:port of the shared store (empty = in-memory)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis AUTH password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&c.RedisKeyPrefix, "redis-key-prefix", "edgeguard:", "prefix for every redis key")

	fs.StringVar(&c.SessionCookieName, "session-cookie-name", "session", "cookie carrying the HS256 session JWT")
	fs.StringVar(&c.SessionJWTSecret, "session-jwt-secret", "", "HS256 key for session JWTs (empty = identity disabled)")
	fs.StringVar(&c.ProtectedPathPrefixes, "protected-path-prefixes", "", "comma separated paths that require a session")
	fs.StringVar(&c.SignInURL, "sign-in-url", "", "redirect target for protected paths without a session")

	fs.StringVar(&c.HeaderPolicySource, "header-policy-source", "", "file path or s3://bucket/key of a header policy override document")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value overrides env %s", f.Name, key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				// values may be secrets; never echo them
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

func (c App) Production() bool { return c.AppEnv == EnvProduction }

func (c App) CSRFExpiry() time.Duration { return time.Duration(c.CSRFTokenExpiry) * time.Second }

func (c App) StageTimeout() time.Duration { return ms(c.StageTimeoutMS) }

func (c App) RateLimitWindow() time.Duration { return ms(c.RateLimitWindowMS) }

func (c App) NonceLifetime() time.Duration { return ms(c.NonceLifetimeMS) }

func (c App) NonceSweepInterval() time.Duration { return ms(c.NonceSweepIntervalMS) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// HasCSRFSecretSource reports whether any CSRF key source is configured.
func (c App) HasCSRFSecretSource() bool {
	return c.CSRFSecret != "" || c.CSRFSecretSSMParam != "" || c.CSRFSecretKMSCiphertext != ""
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, errors.New("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, errors.New("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, errors.New("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	if c.AppEnv != EnvDevelopment && c.AppEnv != EnvProduction {
		errs = append(errs, fmt.Errorf("APP_ENV must be development or production (got %q)", c.AppEnv))
	}
	if c.UpstreamURL == "" {
		errs = append(errs, errors.New("UPSTREAM_URL is required"))
	} else if u, err := url.Parse(c.UpstreamURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("UPSTREAM_URL must be an absolute http(s) URL (got %q)", c.UpstreamURL))
	}
	if c.TrustedHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be >= 0 (got %d)", c.TrustedHops))
	}
	if c.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be >= 0 (got %d)", c.MaxBodyBytes))
	}
	if c.StageTimeoutMS < 1 {
		errs = append(errs, fmt.Errorf("STAGE_TIMEOUT_MS must be > 0 (got %d)", c.StageTimeoutMS))
	}

	errs = append(errs, validateCSRF(c)...)

	if c.RateLimitWindowMS < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW_MS must be > 0 (got %d)", c.RateLimitWindowMS))
	}
	if c.RateLimitMaxRequests < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_MAX_REQUESTS must be > 0 (got %d)", c.RateLimitMaxRequests))
	}
	if c.RateLimitCleanupChance < 0 || c.RateLimitCleanupChance > 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_CLEANUP_CHANCE must be 0..1 (got %v)", c.RateLimitCleanupChance))
	}
	if c.NonceLifetimeMS < 1 {
		errs = append(errs, fmt.Errorf("NONCE_LIFETIME_MS must be > 0 (got %d)", c.NonceLifetimeMS))
	}
	if c.NonceSweepIntervalMS < 0 {
		errs = append(errs, fmt.Errorf("NONCE_SWEEP_INTERVAL_MS must be >= 0 (got %d)", c.NonceSweepIntervalMS))
	}

	if c.RedisAddr != "" {
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err))
		}
	}
	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("REDIS_DB must be >= 0 (got %d)", c.RedisDB))
	}

	if c.SessionJWTSecret != "" && len(c.SessionJWTSecret) < 32 {
		errs = append(errs, errors.New("SESSION_JWT_SECRET must be at least 32 bytes"))
	}
	if c.ProtectedPathPrefixes != "" {
		if c.SessionJWTSecret == "" {
			errs = append(errs, errors.New("SESSION_JWT_SECRET required when PROTECTED_PATH_PREFIXES is set"))
		}
		if c.SignInURL == "" {
			errs = append(errs, errors.New("SIGN_IN_URL required when PROTECTED_PATH_PREFIXES is set"))
		}
	}
	for _, p := range pathutil.SplitList(c.ExcludedPaths + "," + c.ProtectedPathPrefixes + "," + c.SanitizePathPrefixes) {
		if pathutil.HasDotSegments(p) {
			errs = append(errs, fmt.Errorf("path pattern %q contains dot segments", p))
		}
	}

	if src := c.HeaderPolicySource; policysrc.IsS3(src) && strings.Count(strings.TrimPrefix(src, "s3://"), "/") < 1 {
		errs = append(errs, fmt.Errorf("HEADER_POLICY_SOURCE must be s3://bucket/key (got %q)", src))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateCSRF(c App) []error {
	var errs []error
	if c.CSRFTokenExpiry < 1 {
		errs = append(errs, fmt.Errorf("CSRF_TOKEN_EXPIRY must be > 0 seconds (got %d)", c.CSRFTokenExpiry))
	}
	ss, err := csrf.ParseSameSite(c.CSRFSameSite)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid CSRF_SAME_SITE: %w", err))
	}
	// browsers drop SameSite=None cookies that are not Secure
	if err == nil && ss == http.SameSiteNoneMode && !c.CSRFSecure {
		errs = append(errs, errors.New("CSRF_SAME_SITE=none requires CSRF_SECURE=true"))
	}
	if c.CSRFCookieName == "" || c.CSRFHeaderName == "" {
		errs = append(errs, errors.New("CSRF_COOKIE_NAME and CSRF_HEADER_NAME must be set"))
	}
	if c.CSRFSecret != "" && len(c.CSRFSecret) < csrf.MinKeyBytes {
		errs = append(errs, fmt.Errorf("CSRF_SECRET must be at least %d bytes", csrf.MinKeyBytes))
	}
	if c.Production() {
		if !c.HasCSRFSecretSource() {
			errs = append(errs, errors.New("production requires CSRF_SECRET, CSRF_SECRET_SSM_PARAM or CSRF_SECRET_KMS_CIPHERTEXT"))
		}
		if !c.CSRFSecure {
			errs = append(errs, errors.New("production requires CSRF_SECURE=true"))
		}
	}
	return errs
}
