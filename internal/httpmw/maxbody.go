package httpmw

import (
	"net/http"

	"github.com/keithlinneman/edgeguard/internal/apierr"
)

// MaxBody limits request body size. A declared Content-Length over the limit
// is refused up front with 413 REQUEST_TOO_LARGE; otherwise the body is capped
// and the first read past the limit fails with *http.MaxBytesError.
// limit <= 0 disables the check.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				apierr.Write(w, apierr.RequestTooLarge, "")
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
