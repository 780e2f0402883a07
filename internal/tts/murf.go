package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/aixgo-dev/voiceagent/internal/observability"
	"github.com/aixgo-dev/voiceagent/internal/upstream"
	metrics "github.com/aixgo-dev/voiceagent/pkg/observability"
	"github.com/aixgo-dev/voiceagent/pkg/security"
)

const (
	murfDefaultBaseURL = "https://api.murf.ai"
	murfDefaultVoice   = "en-US-natalie"
	murfDefaultFormat  = "MP3"
	murfDefaultTimeout = 30 * time.Second

	// maxErrorBody caps how much of an error response is kept
	maxErrorBody = 4096
)

// Client calls the Murf speech generation REST API
type Client struct {
	apiKey     string
	baseURL    string
	voiceID    string
	format     string
	httpClient *http.Client
	breaker    *security.CircuitBreaker
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithBaseURL overrides the API base URL
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithHTTPClient sets the HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithVoice sets the default voice and format
func WithVoice(voiceID, format string) ClientOption {
	return func(c *Client) {
		if voiceID != "" {
			c.voiceID = voiceID
		}
		if format != "" {
			c.format = format
		}
	}
}

// WithCircuitBreaker replaces the default circuit breaker
func WithCircuitBreaker(cb *security.CircuitBreaker) ClientOption {
	return func(c *Client) {
		c.breaker = cb
	}
}

// NewClient creates a Murf REST client
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    murfDefaultBaseURL,
		voiceID:    murfDefaultVoice,
		format:     murfDefaultFormat,
		httpClient: &http.Client{Timeout: murfDefaultTimeout},
		breaker:    security.NewCircuitBreaker(5, 30*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type generateRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId"`
	Format  string `json:"format"`
}

type generateResponse struct {
	AudioFile            string  `json:"audioFile"`
	AudioLengthInSeconds float64 `json:"audioLengthInSeconds"`
}

// Synthesize generates speech for text and returns the hosted audio URL.
// Server, timeout and connection failures count against the circuit breaker;
// while it is open calls fail fast with a connection error.
func (c *Client) Synthesize(ctx context.Context, text string, opts Options) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	ctx, span := observability.StartSpan(ctx, "tts.murf.generate", map[string]any{
		"tts.text_length": len(text),
	})
	start := time.Now()

	var (
		result  *Result
		callErr error
	)
	err := c.breaker.Execute(func() error {
		result, callErr = c.generate(ctx, text, opts)
		if callErr != nil && upstream.Trips(upstream.Code(callErr)) {
			return callErr
		}
		return nil
	})
	if errors.Is(err, security.ErrCircuitOpen) {
		callErr = &APIError{Code: upstream.CodeConnection, Err: err}
	}

	metrics.RecordUpstreamCall("murf", "generate", statusLabel(callErr), time.Since(start))
	span.End(callErr)
	if callErr != nil {
		return nil, callErr
	}
	return result, nil
}

// BreakerState reports the circuit breaker state
func (c *Client) BreakerState() security.CircuitState {
	return c.breaker.GetState()
}

func (c *Client) generate(ctx context.Context, text string, opts Options) (*Result, error) {
	body := generateRequest{Text: text, VoiceID: opts.VoiceID, Format: opts.Format}
	if body.VoiceID == "" {
		body.VoiceID = c.voiceID
	}
	if body.Format == "" {
		body.Format = c.format
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/speech/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		log.Printf("[murf] generate failed: status %d: %s", resp.StatusCode, security.SanitizeErrorMessage(string(raw)))
		return nil, statusError(resp.StatusCode, string(raw))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &APIError{Code: upstream.CodeServer, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.AudioFile == "" {
		return nil, ErrNoAudioURL
	}

	return &Result{AudioURL: out.AudioFile, AudioLengthSeconds: out.AudioLengthInSeconds}, nil
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return upstream.Code(err)
}
