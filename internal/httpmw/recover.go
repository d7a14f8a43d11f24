package httpmw

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/edgeguard/internal/apierr"
	"github.com/keithlinneman/edgeguard/internal/log"
	"github.com/keithlinneman/edgeguard/internal/xerrors"
)

// Recover converts a panic in next into a 500 INTERNAL_ERROR response. The
// panic value and stack go to the log, never to the client. onPanic may be nil.
// http.ErrAbortHandler is re-raised so the server aborts the connection.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if e, ok := rec.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(rec)
				}
				if onPanic != nil {
					onPanic()
				}

				var err error
				if e, ok := rec.(error); ok {
					err = xerrors.Wrap(e, "panic")
				} else {
					err = xerrors.Newf("panic: %v", rec)
				}

				ctx := r.Context()
				logger.With(
					"request_id", RequestIDFromContext(ctx),
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"panic_value", fmt.Sprint(rec),
					"panic_stack", string(debug.Stack()),
				).Error(ctx, err, "httpserver panic recovered")

				apierr.Write(w, apierr.Internal, "")
			}()
			next.ServeHTTP(w, r)
		})
	}
}
