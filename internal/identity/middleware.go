package identity

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/keithlinneman/edgeguard/internal/log"
	"github.com/keithlinneman/edgeguard/internal/pathutil"
)

type MiddlewareOptions struct {
	// Protected paths redirect to SignInURL when no identity is present.
	Protected []string
	SignInURL string
	Logger    log.Logger
}

// StripSubject drops any client-supplied SubjectHeader. The public server
// always installs it, so the header reaching the upstream is either absent
// or set by Middleware.
func StripSubject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(SubjectHeader)
		next.ServeHTTP(w, r)
	})
}

// Middleware attaches the request identity to the context and to the
// SubjectHeader forwarded upstream. Any client-supplied SubjectHeader is
// dropped first.
func Middleware(p Provider, opts MiddlewareOptions) func(http.Handler) http.Handler {
	protected := pathutil.NewMatcher(opts.Protected)
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Header.Del(SubjectHeader)

			id, err := p.Identify(r)
			if err == nil {
				r.Header.Set(SubjectHeader, id.Subject)
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
				return
			}
			if !errors.Is(err, ErrNoIdentity) {
				logger.Error(r.Context(), err, "identity lookup failed")
			} else if r.Header.Get("Cookie") != "" {
				logger.Debug(r.Context(), "no usable identity", "reason", err.Error())
			}

			if protected.Match(r.URL.Path) && opts.SignInURL != "" {
				http.Redirect(w, r, signInTarget(opts.SignInURL, r), http.StatusFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// signInTarget appends the original path and query as "next".
func signInTarget(base string, r *http.Request) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("next", r.URL.RequestURI())
	u.RawQuery = q.Encode()
	return u.String()
}
