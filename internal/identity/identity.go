// Package identity adapts the external session provider. It never signs
// anyone in; it only reads the identity claim the provider left on the
// request and hands it to the route handler.
package identity

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keithlinneman/edgeguard/internal/xerrors"
)

const (
	SubjectHeader     = "X-Authenticated-Subject"
	DefaultCookieName = "session"
)

// ErrNoIdentity means the request carries no usable identity.
var ErrNoIdentity = errors.New("no identity")

type Identity struct {
	Subject   string
	ExpiresAt time.Time
}

// Provider resolves the identity of a request. It returns ErrNoIdentity
// (possibly wrapped) when there is none.
type Provider interface {
	Identify(r *http.Request) (Identity, error)
}

// JWTProvider reads an HS256 session token from a cookie. Tokens must carry
// exp and sub.
type JWTProvider struct {
	secret     []byte
	cookieName string
	now        func() time.Time
}

type JWTOption func(*JWTProvider)

func WithCookieName(name string) JWTOption {
	return func(p *JWTProvider) {
		if name != "" {
			p.cookieName = name
		}
	}
}

func WithClock(now func() time.Time) JWTOption {
	return func(p *JWTProvider) { p.now = now }
}

func NewJWTProvider(secret []byte, opts ...JWTOption) (*JWTProvider, error) {
	if len(secret) == 0 {
		return nil, xerrors.New("session jwt secret is empty")
	}
	p := &JWTProvider{secret: secret, cookieName: DefaultCookieName, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *JWTProvider) Identify(r *http.Request) (Identity, error) {
	c, err := r.Cookie(p.cookieName)
	if err != nil || c.Value == "" {
		return Identity{}, ErrNoIdentity
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(c.Value, claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return Identity{}, xerrors.Wrap(errors.Join(ErrNoIdentity, err), "parse session token")
	}
	if claims.Subject == "" {
		return Identity{}, xerrors.Wrap(ErrNoIdentity, "session token has no subject")
	}
	return Identity{Subject: claims.Subject, ExpiresAt: claims.ExpiresAt.Time}, nil
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity attached by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
