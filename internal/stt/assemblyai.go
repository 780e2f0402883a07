package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aixgo-dev/voiceagent/internal/observability"
	"github.com/aixgo-dev/voiceagent/internal/upstream"
	metrics "github.com/aixgo-dev/voiceagent/pkg/observability"
	"github.com/aixgo-dev/voiceagent/pkg/security"
)

const (
	defaultBaseURL      = "https://api.assemblyai.com"
	defaultPollInterval = time.Second
	defaultTimeout      = 2 * time.Minute
	requestTimeout      = 60 * time.Second
	maxErrorBody        = 4096
)

// Client calls the AssemblyAI REST API
type Client struct {
	apiKey       string
	baseURL      string
	pollInterval time.Duration
	timeout      time.Duration
	httpClient   *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithBaseURL overrides the API base URL
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithPollInterval sets how often a transcript's status is polled
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithTimeout bounds a whole Transcribe call
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient sets the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates an AssemblyAI REST client
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		pollInterval: defaultPollInterval,
		timeout:      defaultTimeout,
		httpClient:   &http.Client{Timeout: requestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transcribe uploads audio, creates a transcript job and polls it until it
// completes or fails.
func (c *Client) Transcribe(ctx context.Context, audio []byte) (*Transcript, error) {
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "stt.assemblyai.transcribe", map[string]any{
		"stt.audio_bytes": len(audio),
	})
	start := time.Now()

	t, err := c.transcribe(ctx, audio)

	metrics.RecordUpstreamCall("assemblyai", "transcribe", statusLabel(err), time.Since(start))
	if t != nil {
		span.SetAttribute("stt.transcript_id", t.ID)
	}
	span.End(err)
	return t, err
}

func (c *Client) transcribe(ctx context.Context, audio []byte) (*Transcript, error) {
	var upload struct {
		UploadURL string `json:"upload_url"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/upload", "application/octet-stream", bytes.NewReader(audio), &upload); err != nil {
		return nil, fmt.Errorf("upload audio: %w", err)
	}

	body, err := json.Marshal(map[string]string{"audio_url": upload.UploadURL})
	if err != nil {
		return nil, fmt.Errorf("marshal transcript request: %w", err)
	}
	var t Transcript
	if err := c.do(ctx, http.MethodPost, "/v2/transcript", "application/json", bytes.NewReader(body), &t); err != nil {
		return nil, fmt.Errorf("create transcript: %w", err)
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		switch t.Status {
		case StatusCompleted:
			return &t, nil
		case StatusError:
			return &t, &APIError{Code: upstream.CodeInvalidRequest, Err: errors.New(t.Error)}
		}

		select {
		case <-ctx.Done():
			return nil, transportError(ctx.Err())
		case <-ticker.C:
		}

		if err := c.do(ctx, http.MethodGet, "/v2/transcript/"+url.PathEscape(t.ID), "", nil, &t); err != nil {
			return nil, fmt.Errorf("poll transcript: %w", err)
		}
	}
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("authorization", c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		log.Printf("[assemblyai] %s %s failed: status %d: %s", method, path, resp.StatusCode, security.SanitizeErrorMessage(string(raw)))
		return statusError(resp.StatusCode, string(raw))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Code: upstream.CodeServer, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return upstream.Code(err)
}
