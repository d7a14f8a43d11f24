package httpserver

import (
	"net/http"

	"github.com/keithlinneman/edgeguard/internal/health"
	"github.com/keithlinneman/edgeguard/internal/httpmw"
	"github.com/keithlinneman/edgeguard/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe
	ClientIPOpts httpmw.ClientIPOptions
	MaxBodyBytes int64

	// Guard runs the security pipeline in front of every proxied request.
	Guard func(http.Handler) http.Handler
	// Identity attaches the authenticated subject after the pipeline passes.
	Identity func(http.Handler) http.Handler
	// Upstream receives every request the guard lets through.
	Upstream http.Handler
}
