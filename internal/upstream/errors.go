// Package upstream holds the error taxonomy shared by the vendor clients.
package upstream

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/aixgo-dev/voiceagent/pkg/security"
)

// Error codes carried by vendor errors
const (
	CodeAuthentication = "authentication"
	CodeRateLimit      = "rate_limit"
	CodeServer         = "server"
	CodeTimeout        = "timeout"
	CodeConnection     = "connection"
	CodeInvalidRequest = "invalid_request"
	CodeUnknown        = "unknown"
)

// Coder is implemented by typed vendor errors
type Coder interface {
	ErrorCode() string
}

// Code returns the error code of err. Typed vendor errors report their own
// code; anything else is classified as a transport failure.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var c Coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ClassifyTransport(err)
}

// ClassifyStatus maps a vendor HTTP status to an error code
func ClassifyStatus(status int) string {
	switch {
	case status == 401 || status == 403:
		return CodeAuthentication
	case status == 408:
		return CodeTimeout
	case status == 429:
		return CodeRateLimit
	case status >= 500:
		return CodeServer
	case status >= 400:
		return CodeInvalidRequest
	default:
		return CodeUnknown
	}
}

// ClassifyTransport maps errors raised below HTTP (deadlines, dial failures,
// an open circuit) to an error code.
func ClassifyTransport(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	if errors.Is(err, security.ErrCircuitOpen) {
		return CodeConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CodeConnection
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeConnection
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return CodeConnection
	}
	if strings.Contains(strings.ToLower(err.Error()), "connection refused") {
		return CodeConnection
	}
	return CodeUnknown
}

// Retryable reports whether a failure with this code may succeed later
func Retryable(code string) bool {
	switch code {
	case CodeRateLimit, CodeServer, CodeTimeout, CodeConnection:
		return true
	default:
		return false
	}
}

// Trips reports whether a failure with this code counts against a circuit
// breaker. Client-side mistakes and rate limits do not.
func Trips(code string) bool {
	switch code {
	case CodeServer, CodeTimeout, CodeConnection:
		return true
	default:
		return false
	}
}
