// Package csrf implements double-submit CSRF protection with signed tokens.
//
// A token is "<random>.<issued>.<expires>.<sig>" where sig is the
// HMAC-SHA256 of the first three fields. The same value travels in the
// cookie and, for unsafe methods, in a request header; the two must match
// byte for byte and the signature and expiry must hold.
package csrf

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/keithlinneman/edgeguard/internal/apierr"
	"github.com/keithlinneman/edgeguard/internal/cryptoutil"
	"github.com/keithlinneman/edgeguard/internal/xerrors"
)

const (
	DefaultCookieName = "csrf_token"
	DefaultHeaderName = "X-CSRF-Token"
	DefaultExpiry     = time.Hour

	// MinKeyBytes is the shortest HMAC key accepted.
	MinKeyBytes = 32

	randomBytes = 32
)

var (
	ErrMissing   = errors.New("csrf token missing")
	ErrFormat    = errors.New("csrf token malformed")
	ErrMismatch  = errors.New("csrf token mismatch")
	ErrSignature = errors.New("csrf token signature invalid")
	ErrExpired   = errors.New("csrf token expired")
)

// Code maps a verification error to the error code sent to the client.
func Code(err error) apierr.Code {
	switch {
	case errors.Is(err, ErrExpired):
		return apierr.ExpiredCSRFToken
	case errors.Is(err, ErrFormat):
		return apierr.InvalidTokenFormat
	default:
		return apierr.InvalidCSRFToken
	}
}

// Config controls the token lifetime and the cookie and header carrying it.
type Config struct {
	Expiry     time.Duration
	CookieName string
	HeaderName string
	CookiePath string
	HTTPOnly   bool
	Secure     bool
	SameSite   http.SameSite
}

// DefaultConfig is a strict, HttpOnly, one-hour configuration.
func DefaultConfig() Config {
	return Config{
		Expiry:     DefaultExpiry,
		CookieName: DefaultCookieName,
		HeaderName: DefaultHeaderName,
		CookiePath: "/",
		HTTPOnly:   true,
		Secure:     true,
		SameSite:   http.SameSiteStrictMode,
	}
}

// ParseSameSite accepts strict, lax or none.
func ParseSameSite(s string) (http.SameSite, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict":
		return http.SameSiteStrictMode, nil
	case "lax":
		return http.SameSiteLaxMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	}
	return 0, xerrors.Newf("invalid same-site %q (valid values are strict|lax|none)", s)
}

// Token is a parsed CSRF token.
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Manager issues and verifies tokens.
type Manager struct {
	key []byte
	cfg Config
	now func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager validates key and cfg. Zero-valued names, path and expiry fall
// back to the defaults.
func NewManager(key []byte, cfg Config, opts ...Option) (*Manager, error) {
	if len(key) < MinKeyBytes {
		return nil, xerrors.Newf("csrf key is %d bytes, need at least %d", len(key), MinKeyBytes)
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = DefaultHeaderName
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}
	if cfg.SameSite == http.SameSiteNoneMode && !cfg.Secure {
		return nil, xerrors.New("csrf same-site none requires a secure cookie")
	}
	m := &Manager{key: append([]byte(nil), key...), cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Issue creates a new signed token.
func (m *Manager) Issue() (Token, error) {
	raw, err := cryptoutil.RandomBytes(randomBytes)
	if err != nil {
		return Token{}, err
	}
	now := m.now().Truncate(time.Second)
	exp := now.Add(m.cfg.Expiry)
	payload := base64.RawURLEncoding.EncodeToString(raw) + "." +
		strconv.FormatInt(now.Unix(), 10) + "." +
		strconv.FormatInt(exp.Unix(), 10)
	return Token{
		Value:     payload + "." + cryptoutil.Sign(m.key, []byte(payload)),
		IssuedAt:  now,
		ExpiresAt: exp,
	}, nil
}

// parse checks structure only and returns the signed payload and signature.
func parse(v string) (Token, string, string, error) {
	parts := strings.Split(v, ".")
	if len(parts) != 4 {
		return Token{}, "", "", ErrFormat
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || len(raw) != randomBytes {
		return Token{}, "", "", ErrFormat
	}
	issued, err1 := strconv.ParseInt(parts[1], 10, 64)
	expires, err2 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil || expires < issued {
		return Token{}, "", "", ErrFormat
	}
	if sig, err := base64.RawURLEncoding.DecodeString(parts[3]); err != nil || len(sig) != 32 {
		return Token{}, "", "", ErrFormat
	}
	tok := Token{Value: v, IssuedAt: time.Unix(issued, 0), ExpiresAt: time.Unix(expires, 0)}
	return tok, parts[0] + "." + parts[1] + "." + parts[2], parts[3], nil
}

// Parse fully validates a single token value: format, signature, expiry.
func (m *Manager) Parse(v string) (Token, error) {
	if v == "" {
		return Token{}, ErrMissing
	}
	tok, payload, sig, err := parse(v)
	if err != nil {
		return Token{}, err
	}
	if !cryptoutil.Verify(m.key, []byte(payload), sig) {
		return Token{}, ErrSignature
	}
	if m.now().After(tok.ExpiresAt) {
		return Token{}, ErrExpired
	}
	return tok, nil
}

// Verify checks the double-submitted pair on r in the order presence,
// cookie format, equality, signature, expiry.
func (m *Manager) Verify(r *http.Request) error {
	cookie := m.cookieValue(r)
	header := r.Header.Get(m.cfg.HeaderName)
	if cookie == "" || header == "" {
		return ErrMissing
	}
	tok, payload, sig, err := parse(cookie)
	if err != nil {
		return err
	}
	if !cryptoutil.HashEqual(cookie, header) {
		return ErrMismatch
	}
	if !cryptoutil.Verify(m.key, []byte(payload), sig) {
		return ErrSignature
	}
	if m.now().After(tok.ExpiresAt) {
		return ErrExpired
	}
	return nil
}

// Ensure returns the request's valid cookie token or, when there is none,
// issues a new one and sets the cookie on w. The token is echoed in the
// response header either way.
func (m *Manager) Ensure(w http.ResponseWriter, r *http.Request) (Token, bool, error) {
	if tok, err := m.Parse(m.cookieValue(r)); err == nil {
		w.Header().Set(m.cfg.HeaderName, tok.Value)
		return tok, false, nil
	}
	tok, err := m.Issue()
	if err != nil {
		return Token{}, false, err
	}
	http.SetCookie(w, m.cookie(tok))
	w.Header().Set(m.cfg.HeaderName, tok.Value)
	return tok, true, nil
}

func (m *Manager) cookie(tok Token) *http.Cookie {
	return &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    tok.Value,
		Path:     m.cfg.CookiePath,
		Expires:  tok.ExpiresAt,
		MaxAge:   int(m.cfg.Expiry / time.Second),
		HttpOnly: m.cfg.HTTPOnly,
		Secure:   m.cfg.Secure,
		SameSite: m.cfg.SameSite,
	}
}

func (m *Manager) cookieValue(r *http.Request) string {
	c, err := r.Cookie(m.cfg.CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// IsSafeMethod reports whether method never needs a CSRF check.
func IsSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
