package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("mock", func(config map[string]any) (Provider, error) {
		return NewMockProvider(configString(config, "reply")), nil
	})

	assert.True(t, r.Has("mock"))
	assert.False(t, r.Has("missing"))
	assert.Equal(t, []string{"mock"}, r.List())

	p, err := r.New("mock", map[string]any{"reply": " hi "})
	require.NoError(t, err)
	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)

	_, err = r.New("missing", nil)
	assert.Error(t, err)
}

func TestGlobalRegistry_BuiltinProviders(t *testing.T) {
	for _, name := range []string{"bedrock", "gemini", "openai"} {
		assert.True(t, Has(name), "expected %s to be registered", name)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := map[int]string{
		401: ErrorCodeAuthentication,
		403: ErrorCodeAuthentication,
		404: ErrorCodeModelNotFound,
		408: ErrorCodeTimeout,
		429: ErrorCodeRateLimit,
		400: ErrorCodeInvalidRequest,
		500: ErrorCodeServerError,
		503: ErrorCodeServerError,
		200: ErrorCodeUnknown,
	}
	for status, want := range tests {
		assert.Equal(t, want, classifyStatus(status), "status %d", status)
	}
}

func TestWithRetry(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), 3, func() error {
		calls++
		if calls < 2 {
			return NewProviderError("x", ErrorCodeServerError, "flaky", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = withRetry(context.Background(), 3, func() error {
		calls++
		return NewProviderError("x", ErrorCodeAuthentication, "bad key", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-retryable errors stop immediately")

	calls = 0
	plain := errors.New("plain")
	err = withRetry(context.Background(), 3, func() error {
		calls++
		return plain
	})
	assert.ErrorIs(t, err, plain)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := withRetry(ctx, 3, func() error {
		return NewProviderError("x", ErrorCodeRateLimit, "slow down", nil)
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff(t *testing.T) {
	for attempt := 1; attempt < 10; attempt++ {
		d := backoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Duration(float64(retryMaxDelay)*(1+retryJitterFactor)))
	}
}

func TestCollect_StopsOnCallbackError(t *testing.T) {
	m := &MockProvider{Chunks: []string{"a", "b", "c"}}
	s, err := m.CreateStreaming(context.Background(), CompletionRequest{})
	require.NoError(t, err)

	stop := errors.New("stop")
	text, err := Collect(s, func(d string) error {
		if d == "b" {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, "ab", text)
}

func TestProviderError(t *testing.T) {
	orig := errors.New("boom")
	pe := NewProviderError("gemini", ErrorCodeTimeout, "took too long", orig)
	assert.Equal(t, "gemini error: took too long", pe.Error())
	assert.True(t, pe.IsRetryable)
	assert.ErrorIs(t, pe, orig)
}

func TestInstrument(t *testing.T) {
	m := NewMockProvider("hello")
	p := Instrument(m)
	assert.Same(t, p, Instrument(p))
	assert.Equal(t, "mock", p.Name())
	assert.Equal(t, "mock-model", p.(*InstrumentedProvider).Model())

	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)

	s, err := p.CreateStreaming(context.Background(), CompletionRequest{})
	require.NoError(t, err)
	text, err := Collect(s, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	m.Err = NewProviderError("mock", ErrorCodeRateLimit, "slow down", nil)
	_, err = p.CreateCompletion(context.Background(), CompletionRequest{})
	assert.Error(t, err)
	assert.Equal(t, ErrorCodeRateLimit, statusLabel(err))
	assert.Equal(t, "ok", statusLabel(nil))
	assert.NoError(t, p.(*InstrumentedProvider).Ping(context.Background()))
}
