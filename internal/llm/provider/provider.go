package provider

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// Provider defines the interface for LLM providers
type Provider interface {
	// CreateCompletion returns the full text of one model reply
	CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error)

	// CreateStreaming returns the reply as a stream of text deltas
	CreateStreaming(ctx context.Context, request CompletionRequest) (Stream, error)

	// Name returns the provider name (e.g., "gemini", "openai")
	Name() string
}

// Pinger is implemented by providers that can verify credentials and
// reachability without generating text.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`    // "system", "user", "assistant"
	Content string `json:"content"` // The message content
}

// CompletionRequest represents a completion request
type CompletionRequest struct {
	Messages []Message `json:"messages"`

	// Model overrides the provider default when set
	Model string `json:"model,omitempty"`

	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// CompletionResponse represents a completion response
type CompletionResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Stream represents a streaming response. Recv returns io.EOF after the last
// chunk.
type Stream interface {
	Recv() (*StreamChunk, error)
	Close() error
}

// StreamChunk represents a chunk in a streaming response
type StreamChunk struct {
	Delta        string `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Collect drains a stream, calling onDelta for every non-empty delta, and
// returns the concatenated text. The stream is closed before returning.
func Collect(s Stream, onDelta func(string) error) (string, error) {
	defer s.Close()

	var sb strings.Builder
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		if chunk == nil || chunk.Delta == "" {
			continue
		}
		sb.WriteString(chunk.Delta)
		if onDelta != nil {
			if err := onDelta(chunk.Delta); err != nil {
				return sb.String(), err
			}
		}
	}
}

// ProviderError represents a provider-specific error
type ProviderError struct {
	Provider      string `json:"provider"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	StatusCode    int    `json:"status_code,omitempty"`
	IsRetryable   bool   `json:"is_retryable"`
	OriginalError error  `json:"-"`
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	return e.Provider + " error: " + e.Message
}

// Unwrap returns the original error
func (e *ProviderError) Unwrap() error {
	return e.OriginalError
}

// ErrorCode returns the error code
func (e *ProviderError) ErrorCode() string {
	return e.Code
}

// Common error codes
const (
	ErrorCodeInvalidRequest  = "invalid_request"
	ErrorCodeAuthentication  = "authentication"
	ErrorCodeRateLimit       = "rate_limit"
	ErrorCodeServerError     = "server"
	ErrorCodeTimeout         = "timeout"
	ErrorCodeConnection      = "connection"
	ErrorCodeModelNotFound   = "model_not_found"
	ErrorCodeContentFiltered = "content_filtered"
	ErrorCodeUnknown         = "unknown"
)

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, original error) *ProviderError {
	return &ProviderError{
		Provider:      provider,
		Code:          code,
		Message:       message,
		OriginalError: original,
		IsRetryable:   isRetryableCode(code),
	}
}

func isRetryableCode(code string) bool {
	switch code {
	case ErrorCodeRateLimit, ErrorCodeServerError, ErrorCodeTimeout:
		return true
	default:
		return false
	}
}

// classifyStatus maps an HTTP status to an error code
func classifyStatus(status int) string {
	switch {
	case status == 401 || status == 403:
		return ErrorCodeAuthentication
	case status == 404:
		return ErrorCodeModelNotFound
	case status == 408:
		return ErrorCodeTimeout
	case status == 429:
		return ErrorCodeRateLimit
	case status >= 500:
		return ErrorCodeServerError
	case status >= 400:
		return ErrorCodeInvalidRequest
	default:
		return ErrorCodeUnknown
	}
}

// classifyMessage derives an error code from an SDK error that carries no
// status code.
func classifyMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorCodeTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorCodeConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "api key") || strings.Contains(msg, "credential") ||
		strings.Contains(msg, "permission") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return ErrorCodeAuthentication
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") ||
		strings.Contains(msg, "quota") || strings.Contains(msg, "resource_exhausted") || strings.Contains(msg, "throttl"):
		return ErrorCodeRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return ErrorCodeTimeout
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host"):
		return ErrorCodeConnection
	case strings.Contains(msg, "not found") || strings.Contains(msg, "404"):
		return ErrorCodeModelNotFound
	case strings.Contains(msg, "500") || strings.Contains(msg, "503") ||
		strings.Contains(msg, "unavailable") || strings.Contains(msg, "internal"):
		return ErrorCodeServerError
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "400"):
		return ErrorCodeInvalidRequest
	default:
		return ErrorCodeUnknown
	}
}

const (
	retryBaseDelay    = 500 * time.Millisecond
	retryMaxDelay     = 8 * time.Second
	retryJitterFactor = 0.3
)

// withRetry runs fn up to attempts times while it returns a retryable
// *ProviderError, backing off exponentially with jitter between attempts.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		var pe *ProviderError
		if !errors.As(err, &pe) || !pe.IsRetryable {
			return err
		}
	}
	return err
}

func backoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 16 {
		shift = 16
	}
	delay := time.Duration(1<<uint(shift)) * retryBaseDelay
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	jitter := time.Duration(float64(delay) * retryJitterFactor * (cryptoRandFloat64()*2 - 1))
	return delay + jitter
}

// cryptoRandFloat64 returns a random float64 in [0.0, 1.0)
func cryptoRandFloat64() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}

// configString reads a string option from a factory config map
func configString(config map[string]any, key string) string {
	if v, ok := config[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// configInt reads an int option from a factory config map
func configInt(config map[string]any, key string, def int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
