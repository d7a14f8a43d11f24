// Package pipeline runs the security stages in front of the route handler.
//
// Order is fixed: sanitize, rate limit, CSRF, nonce issue, handler. The
// response writer is wrapped first so the composed and validated security
// headers land on every response, rejections included. Every stage that
// touches a store runs under the stage timeout; a missed deadline is a 503,
// never a pass-through.
package pipeline
