package opshttp

import (
	"net/http"

	"github.com/keithlinneman/edgeguard/internal/health"
)

type Options struct {
	Port         int
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Probe
	Readiness    health.Probe
	UseRecoverMW bool
	OnPanic      func() // called after a recovered panic, usually a counter increment
}
