package cfg

import (
	"flag"
	"fmt"
	"strings"
	"testing"
	"time"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet, parses the given args,
// and returns the resulting App. This isolates each test from flag.CommandLine.
func newTestConfig(t *testing.T, args []string) App {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c
}

// minimal valid config needs only an upstream
var validArgs = []string{"-upstream-url=http://127.0.0.1:3000"}

func TestRegister_Defaults(t *testing.T) {
	c := newTestConfig(t, nil)

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"LogJSON", c.LogJSON, true},
		{"LogLevel", c.LogLevel, "info"},
		{"HTTPPort", c.HTTPPort, 8080},
		{"AdminPort", c.AdminPort, 9000},
		{"AppEnv", c.AppEnv, EnvDevelopment},
		{"CSRFExpiry", c.CSRFExpiry(), time.Hour},
		{"CSRFHTTPOnly", c.CSRFHTTPOnly, true},
		{"CSRFSecure", c.CSRFSecure, true},
		{"CSRFSameSite", c.CSRFSameSite, "strict"},
		{"CSRFCookieName", c.CSRFCookieName, "csrf_token"},
		{"CSRFHeaderName", c.CSRFHeaderName, "X-CSRF-Token"},
		{"RateLimitWindow", c.RateLimitWindow(), time.Minute},
		{"RateLimitMaxRequests", c.RateLimitMaxRequests, 100},
		{"RateLimitCleanupChance", c.RateLimitCleanupChance, 0.01},
		{"NonceLifetime", c.NonceLifetime(), time.Hour},
		{"NonceSweepInterval", c.NonceSweepInterval(), 5 * time.Minute},
		{"StageTimeout", c.StageTimeout(), 250 * time.Millisecond},
		{"SanitizePathPrefixes", c.SanitizePathPrefixes, "/api/"},
		{"MaxBodyBytes", c.MaxBodyBytes, int64(1 << 20)},
		{"RedisKeyPrefix", c.RedisKeyPrefix, "edgeguard:"},
		{"SessionCookieName", c.SessionCookieName, "session"},
		{"TrustedHops", c.TrustedHops, 0},
		{"Production", c.Production(), false},
	}
	for _, tt := range checks {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestFillFromEnv_DocumentedKeys(t *testing.T) {
	t.Setenv("CSRF_TOKEN_EXPIRY", "600")
	t.Setenv("CSRF_HTTP_ONLY", "false")
	t.Setenv("CSRF_SAME_SITE", "lax")
	t.Setenv("RATE_LIMIT_WINDOW_MS", "30000")
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "5")
	t.Setenv("NONCE_LIFETIME_MS", "1000")
	t.Setenv("EXCLUDED_PATHS", "/healthz,/static/")
	t.Setenv("APP_ENV", "production")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}
	FillFromEnv(fs, "", nil)

	if c.CSRFExpiry() != 10*time.Minute {
		t.Errorf("CSRFExpiry = %v", c.CSRFExpiry())
	}
	if c.CSRFHTTPOnly {
		t.Error("CSRFHTTPOnly: want false from env")
	}
	if c.CSRFSameSite != "lax" {
		t.Errorf("CSRFSameSite = %q", c.CSRFSameSite)
	}
	if c.RateLimitWindow() != 30*time.Second || c.RateLimitMaxRequests != 5 {
		t.Errorf("rate limit = %v/%d", c.RateLimitWindow(), c.RateLimitMaxRequests)
	}
	if c.NonceLifetime() != time.Second {
		t.Errorf("NonceLifetime = %v", c.NonceLifetime())
	}
	if c.ExcludedPaths != "/healthz,/static/" {
		t.Errorf("ExcludedPaths = %q", c.ExcludedPaths)
	}
	if !c.Production() {
		t.Error("Production: want true from env")
	}
}

func TestFillFromEnv_Prefix(t *testing.T) {
	pfx := "TESTCFG_"
	t.Setenv(pfx+"HTTP_PORT", "8088")
	t.Setenv(pfx+"REDIS_ADDR", "redis:6379")
	t.Setenv("HTTP_PORT", "1111")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}
	FillFromEnv(fs, pfx, nil)

	if c.HTTPPort != 8088 || c.RedisAddr != "redis:6379" {
		t.Fatalf("HTTPPort = %d RedisAddr = %q", c.HTTPPort, c.RedisAddr)
	}
}

func TestFillFromEnv_CLITakesPrecedence(t *testing.T) {
	pfx := "TESTCFG2_"
	t.Setenv(pfx+"HTTP_PORT", "7777")
	t.Setenv(pfx+"LOG_LEVEL", "warn")
	t.Setenv(pfx+"CSRF_SECRET", "env-secret-that-must-not-be-logged")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse([]string{"-http-port=9090", "-log-level=debug", "-csrf-secret=cli-secret"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var msgs []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		msgs = append(msgs, fmt.Sprintf(format, args...))
	})

	if c.HTTPPort != 9090 || c.LogLevel != "debug" || c.CSRFSecret != "cli-secret" {
		t.Fatalf("cli values lost: %d %q %q", c.HTTPPort, c.LogLevel, c.CSRFSecret)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 override messages, got %d: %v", len(msgs), msgs)
	}
	for _, msg := range msgs {
		if !strings.Contains(msg, "overrides env") {
			t.Errorf("unexpected override message: %s", msg)
		}
		if strings.Contains(msg, "secret") && strings.Contains(msg, "cli-secret") {
			t.Errorf("secret value logged: %s", msg)
		}
	}
}

func TestFillFromEnv_InvalidEnvIgnored(t *testing.T) {
	pfx := "TESTCFG3_"
	t.Setenv(pfx+"RATE_LIMIT_MAX_REQUESTS", "lots")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var msgs []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		msgs = append(msgs, fmt.Sprintf(format, args...))
	})

	if c.RateLimitMaxRequests != 100 {
		t.Errorf("RateLimitMaxRequests: want 100 (default), got %d", c.RateLimitMaxRequests)
	}
	if len(msgs) != 1 || !strings.Contains(msgs[0], "ignoring invalid env") {
		t.Fatalf("messages = %v", msgs)
	}
	if strings.Contains(msgs[0], "lots") {
		t.Errorf("env value echoed: %s", msgs[0])
	}
}

func TestValidate_OK(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"minimal", validArgs},
		{"observability", append([]string{
			"-enable-pyroscope=true",
			"-pyro-server=https://pyro:4040",
			"-pyro-tenant=test-tenant",
			"-enable-tracing=true",
			"-otlp-endpoint=otel:4317",
			"-trace-sample=0.2",
		}, validArgs...)},
		{"production with ssm secret", append([]string{
			"-app-env=production",
			"-csrf-secret-ssm-param=/edgeguard/csrf-key",
			"-redis-addr=redis:6379",
			"-header-policy-source=s3://policies/edgeguard.json",
		}, validArgs...)},
		{"identity", append([]string{
			"-session-jwt-secret=" + strings.Repeat("j", 32),
			"-protected-path-prefixes=/account/,/admin/*",
			"-sign-in-url=https://login.example.com/",
		}, validArgs...)},
		{"same-site none with secure", append([]string{"-csrf-same-site=none"}, validArgs...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(newTestConfig(t, tt.args)); err != nil {
				t.Fatalf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestValidate_InvalidCombined(t *testing.T) {
	c := newTestConfig(t, []string{
		"-http-port=0",
		"-admin-port=70000",
		"-log-level=nope",
		"-stacktrace-level=alsonope",
		"-trace-sample=2.0",
		"-enable-pyroscope=true",
		"-pyro-server=not-a-url",
		"-enable-tracing=true",
		"-otlp-endpoint=otel",
		"-max-error-links=0",
		"-app-env=staging",
		"-upstream-url=ftp://files",
		"-trusted-hops=-1",
		"-stage-timeout-ms=0",
		"-csrf-token-expiry=0",
		"-csrf-same-site=sometimes",
		"-csrf-secret=short",
		"-rate-limit-window-ms=0",
		"-rate-limit-max-requests=0",
		"-rate-limit-cleanup-chance=1.5",
		"-nonce-lifetime-ms=0",
		"-redis-addr=redis",
		"-session-jwt-secret=short",
		"-excluded-paths=/ok/,/../etc/",
		"-header-policy-source=s3://bucket-only",
	})

	err := Validate(c)
	for _, want := range []string{
		"invalid HTTP_PORT",
		"invalid ADMIN_PORT",
		"invalid LOG_LEVEL",
		"invalid STACKTRACE_LEVEL",
		"invalid TRACE_SAMPLE",
		"PYRO_SERVER must be a URL",
		"PYRO_TENANT required",
		"OTLP_ENDPOINT must be host:port",
		"MAX_ERROR_LINKS",
		"APP_ENV must be",
		"UPSTREAM_URL must be",
		"TRUSTED_HOPS",
		"STAGE_TIMEOUT_MS",
		"CSRF_TOKEN_EXPIRY",
		"invalid CSRF_SAME_SITE",
		"CSRF_SECRET must be at least",
		"RATE_LIMIT_WINDOW_MS",
		"RATE_LIMIT_MAX_REQUESTS",
		"RATE_LIMIT_CLEANUP_CHANCE",
		"NONCE_LIFETIME_MS",
		"REDIS_ADDR must be host:port",
		"SESSION_JWT_SECRET must be",
		"dot segments",
		"HEADER_POLICY_SOURCE",
	} {
		wantErrContains(t, err, want)
	}
}

func TestValidate_Rules(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"upstream required", nil, "UPSTREAM_URL is required"},
		{"ports must differ", append([]string{"-http-port=9000"}, validArgs...), "must differ"},
		{"production needs secret", append([]string{"-app-env=production"}, validArgs...), "production requires CSRF_SECRET"},
		{"production needs secure", append([]string{"-app-env=production", "-csrf-secure=false", "-csrf-secret=" + strings.Repeat("k", 32)}, validArgs...), "CSRF_SECURE=true"},
		{"none needs secure", append([]string{"-csrf-same-site=none", "-csrf-secure=false"}, validArgs...), "requires CSRF_SECURE"},
		{"protected needs jwt secret", append([]string{"-protected-path-prefixes=/account/", "-sign-in-url=/login"}, validArgs...), "SESSION_JWT_SECRET required"},
		{"protected needs sign-in", append([]string{"-protected-path-prefixes=/account/", "-session-jwt-secret=" + strings.Repeat("j", 32)}, validArgs...), "SIGN_IN_URL required"},
		{"tracing needs endpoint", append([]string{"-enable-tracing=true"}, validArgs...), "OTLP_ENDPOINT required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantErrContains(t, Validate(newTestConfig(t, tt.args)), tt.want)
		})
	}
}

func TestHasCSRFSecretSource(t *testing.T) {
	if (App{}).HasCSRFSecretSource() {
		t.Fatal("empty config reports a secret source")
	}
	for _, c := range []App{{CSRFSecret: "x"}, {CSRFSecretSSMParam: "/p"}, {CSRFSecretKMSCiphertext: "AQID"}} {
		if !c.HasCSRFSecretSource() {
			t.Errorf("%+v: expected a secret source", c)
		}
	}
}
