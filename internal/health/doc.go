// Package health holds the liveness and readiness probes served on the ops
// port.
//
// Probes combine with [All] and [Any]. [ShutdownGate] fails readiness as soon
// as draining starts so the load balancer stops routing before in-flight
// requests finish. [Redis] fails readiness while the shared rate limit and
// nonce store is unreachable.
package health
