// Package apierr is the machine-readable error taxonomy returned by the
// request pipeline. Every terminal response a stage writes goes through Write
// so clients always see the same {"error","code","status"} shape.
package apierr

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Code is a stable, machine-readable failure identifier.
type Code string

const (
	InvalidRequest     Code = "INVALID_REQUEST"
	RequestTooLarge    Code = "REQUEST_TOO_LARGE"
	RateLimited        Code = "RATE_LIMIT_ERROR"
	InvalidCSRFToken   Code = "INVALID_CSRF_TOKEN"
	ExpiredCSRFToken   Code = "EXPIRED_CSRF_TOKEN"
	InvalidTokenFormat Code = "INVALID_TOKEN_FORMAT"
	InvalidInput       Code = "INVALID_INPUT"
	ServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	BadGateway         Code = "BAD_GATEWAY"
	Internal           Code = "INTERNAL_ERROR"
)

// Status is the HTTP status each code is sent with.
func (c Code) Status() int {
	switch c {
	case InvalidRequest, InvalidInput:
		return http.StatusBadRequest
	case RequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case RateLimited:
		return http.StatusTooManyRequests
	case InvalidCSRFToken, ExpiredCSRFToken, InvalidTokenFormat:
		return http.StatusForbidden
	case ServiceUnavailable:
		return http.StatusServiceUnavailable
	case BadGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// message is the default human-readable text; it never carries request detail
func (c Code) message() string {
	switch c {
	case InvalidRequest:
		return "invalid request"
	case RequestTooLarge:
		return "request too large"
	case RateLimited:
		return "too many requests"
	case InvalidCSRFToken:
		return "invalid csrf token"
	case ExpiredCSRFToken:
		return "csrf token expired"
	case InvalidTokenFormat:
		return "invalid csrf token format"
	case InvalidInput:
		return "invalid input"
	case ServiceUnavailable:
		return "service unavailable"
	case BadGateway:
		return "bad gateway"
	default:
		return "internal error"
	}
}

// Body is the JSON error document.
type Body struct {
	Error  string `json:"error"`
	Code   Code   `json:"code"`
	Status int    `json:"status"`
}

// Write sends the terminal error response for code. An empty msg uses the
// code's default text.
func Write(w http.ResponseWriter, code Code, msg string) {
	if msg == "" {
		msg = code.message()
	}
	status := code.Status()
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Del("Content-Length")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Body{Error: msg, Code: code, Status: status})
}

// WriteRetry is Write for RATE_LIMIT_ERROR with a Retry-After header rounded
// up to whole seconds.
func WriteRetry(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int64((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	Write(w, RateLimited, "")
}
