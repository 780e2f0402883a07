package security

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"
)

// ErrorCode represents a standardized error code for API responses
type ErrorCode string

const (
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit      ErrorCode = "RATE_LIMIT"
	ErrCodeTimeout        ErrorCode = "TIMEOUT"
	ErrCodeValidation     ErrorCode = "VALIDATION_ERROR"
	ErrCodeUnavailable    ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeUpstream       ErrorCode = "UPSTREAM_ERROR"
	ErrCodePayloadTooBig  ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrCodeNotConfigured  ErrorCode = "NOT_CONFIGURED"
	ErrCodeUnsupportedExt ErrorCode = "UNSUPPORTED_FILE_TYPE"
)

// SecureError represents a sanitized error safe to return to clients
type SecureError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface
func (e *SecureError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WriteError writes the {success, error, code} body every route uses for
// failures.
func WriteError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   message,
		"code":    code,
	}); err != nil {
		log.Printf("[security] failed to encode error response: %v", err)
	}
}

// SanitizeError converts an internal error to a generic client error
func SanitizeError(err error, debugMode bool) *SecureError {
	return SanitizeErrorWithCode(err, ErrCodeInternal, "An internal error occurred", debugMode)
}

// SanitizeErrorWithCode creates a secure error with a specific error code.
// The full error is logged with secrets removed.
func SanitizeErrorWithCode(err error, code ErrorCode, message string, debugMode bool) *SecureError {
	if err == nil {
		return nil
	}

	log.Printf("[error] %s: %v", code, sanitizeLogMessage(err.Error()))

	secureErr := &SecureError{
		Code:    code,
		Message: message,
	}

	if debugMode {
		secureErr.Details = map[string]any{
			"error": SanitizeErrorMessage(err.Error()),
		}
	}

	return secureErr
}

// SanitizeErrorMessage removes paths, IP addresses, credentials and stack
// details from an error message before it leaves the process.
func SanitizeErrorMessage(msg string) string {
	msg = removeSecretPatterns(msg)
	msg = removeFilePaths(msg)
	msg = removeIPAddresses(msg)
	msg = removeStackTraces(msg)
	return msg
}

func sanitizeLogMessage(msg string) string {
	return removeSecretPatterns(msg)
}

var unixPathPattern = regexp.MustCompile(`(?:/(?:Users|home|var|etc|opt|tmp|root))(?:/[^\s:"']*)?`)

func removeFilePaths(msg string) string {
	msg = unixPathPattern.ReplaceAllString(msg, "[PATH]")
	for _, drive := range []string{"C:", "D:", "E:", "F:"} {
		msg = strings.ReplaceAll(msg, drive+"\\", "[PATH]\\")
	}
	return msg
}

var ipv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d+)?\b`)

func removeIPAddresses(msg string) string {
	return ipv4Pattern.ReplaceAllString(msg, "[IP_ADDRESS]")
}

// Vendor credentials: query parameters used by the TTS stream URL and weather
// API, header-style assignments and bearer tokens.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[-_]?key|appid|token|authorization)=([^&\s"']+)`),
	regexp.MustCompile(`(?i)("?(?:api[-_]?key|authorization)"?\s*:\s*"?)([^"\s,}]+)`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9._\-]+)`),
	regexp.MustCompile(`\b(sk-|tvly-)([A-Za-z0-9_\-]{8,})`),
}

func removeSecretPatterns(msg string) string {
	for _, p := range secretPatterns {
		msg = p.ReplaceAllString(msg, "${1}[REDACTED]")
	}
	return msg
}

var (
	goroutinePattern = regexp.MustCompile(`goroutine \d+ \[[^\]]+\]:[\s\S]*?(?:\n\n|\z)`)
	fileLinePattern  = regexp.MustCompile(`\S+\.go:\d+`)
	addrPattern      = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	panicPattern     = regexp.MustCompile(`panic:.*`)
)

func removeStackTraces(msg string) string {
	msg = goroutinePattern.ReplaceAllString(msg, "[STACK_TRACE_REMOVED]")
	msg = fileLinePattern.ReplaceAllString(msg, "[FILE:LINE]")
	msg = addrPattern.ReplaceAllString(msg, "[ADDR]")
	msg = panicPattern.ReplaceAllString(msg, "panic: [DETAILS_REMOVED]")
	return msg
}

// MaskSecret masks a secret for logging purposes
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}

	if len(secret) <= 8 {
		return "****"
	}

	return secret[:4] + "****" + secret[len(secret)-4:]
}
