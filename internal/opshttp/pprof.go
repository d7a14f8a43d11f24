package opshttp

import (
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"
)

// RegisterPprof mounts the runtime profiling endpoints behind
// RequireNonPublicNetwork.
func RegisterPprof(mux *http.ServeMux) {
	mux.Handle("/debug/pprof/", RequireNonPublicNetwork(http.HandlerFunc(pprof.Index)))
	mux.Handle("/debug/pprof/cmdline", RequireNonPublicNetwork(http.HandlerFunc(pprof.Cmdline)))
	mux.Handle("/debug/pprof/profile", RequireNonPublicNetwork(http.HandlerFunc(pprof.Profile)))
	mux.Handle("/debug/pprof/symbol", RequireNonPublicNetwork(http.HandlerFunc(pprof.Symbol)))
	mux.Handle("/debug/pprof/trace", RequireNonPublicNetwork(http.HandlerFunc(pprof.Trace)))
}

// RequireNonPublicNetwork answers 404 unless the direct peer is loopback,
// private or link-local. Forwarded headers are ignored.
func RequireNonPublicNetwork(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !nonPublicPeer(r.RemoteAddr) {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func nonPublicPeer(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	a = a.Unmap()
	return a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast()
}
