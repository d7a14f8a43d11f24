// Package ratelimit is a sliding-window-log rate limiter keyed by client.
//
// Each bucket is the list of request timestamps seen in the last window.
// Every call is recorded, including calls that end up rejected, so a client
// that keeps hammering while limited stays limited.
//
// The memory store is per instance: N replicas admit up to N times the
// configured limit. Use the Redis store when the limit has to hold across
// instances.
//
// What this does NOT protect against:
//   - distributed attacks across many ips
//   - bandwidth-bill attacks, inbound data is already accepted by the time this runs
package ratelimit
