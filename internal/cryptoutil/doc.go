// Package cryptoutil holds the small primitives shared by the CSRF manager
// and the nonce registry: random tokens, SHA-256 digests, HMAC-SHA256
// signatures and constant-time comparison.
package cryptoutil
