package httpmw

import (
	"context"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures client IP extraction behavior.
type ClientIPOptions struct {
	// TrustedHops is the number of trusted reverse proxies between the client
	// and this server. 0 = no proxies (X-Forwarded-For ignored), 1 = single
	// load balancer (rightmost XFF entry), 2 = CDN + LB (second from end), etc.
	TrustedHops int
}

// ClientIP resolves the client address with TrustedHops=0.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions returns middleware that stores the resolved client
// address in the context. The address is the rate limit key, so forwarded
// headers are only honoured from private peers with TrustedHops > 0 and are
// removed otherwise.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractRealClientAddr(r, opts.TrustedHops)
			ctx := WithClientIP(r.Context(), ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func stripForwarded(h http.Header) {
	h.Del("X-Forwarded-For")
	h.Del("X-Forwarded-Proto")
}

func extractRealClientAddr(r *http.Request, trustedHops int) string {
	if r.RemoteAddr == "" {
		stripForwarded(r.Header)
		return "0.0.0.0"
	}

	var peer netip.Addr
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		peer = ap.Addr()
	} else if a, err := netip.ParseAddr(r.RemoteAddr); err == nil {
		peer = a
	} else {
		stripForwarded(r.Header)
		return "0.0.0.0"
	}
	peer = peer.Unmap()
	clientAddr := peer.WithZone("").String()

	if !peer.IsPrivate() || trustedHops <= 0 {
		stripForwarded(r.Header)
		return clientAddr
	}

	// Nth-from-end entry of X-Forwarded-For. Fewer entries than proxies means
	// misconfiguration or manipulation; fail closed.
	xf := r.Header.Values("X-Forwarded-For")
	if len(xf) == 0 {
		return clientAddr
	}
	parts := strings.Split(strings.Join(xf, ","), ",")
	idx := len(parts) - trustedHops
	if idx < 0 {
		stripForwarded(r.Header)
		return clientAddr
	}
	if a, err := netip.ParseAddr(strings.TrimSpace(parts[idx])); err == nil {
		return a.Unmap().WithZone("").String()
	}
	return clientAddr
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
