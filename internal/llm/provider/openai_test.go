package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIProvider("sk-test", srv.URL+"/v1", "gpt-test")
}

func TestOpenAIProvider_CreateCompletion(t *testing.T) {
	p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req["model"])
		msgs := req["messages"].([]any)
		assert.Len(t, msgs, 2)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","model":"gpt-test",
			"choices":[{"index":0,"message":{"role":"assistant","content":"Hello from OpenAI"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`)
	})

	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Messages: []Message{
			{Role: "system", Content: "Be brief"},
			{Role: "user", Content: "Hi"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello from OpenAI", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, "gpt-test", resp.Model)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
}

func TestOpenAIProvider_ErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		code   string
	}{
		{http.StatusUnauthorized, ErrorCodeAuthentication},
		{http.StatusTooManyRequests, ErrorCodeRateLimit},
		{http.StatusBadGateway, ErrorCodeServerError},
		{http.StatusBadRequest, ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"message":"upstream says no","type":"error"}}`)
			})

			_, err := p.CreateCompletion(context.Background(), CompletionRequest{
				Messages: []Message{{Role: "user", Content: "Hi"}},
			})
			var pe *ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.code, pe.Code)
			assert.Equal(t, tt.status, pe.StatusCode)
		})
	}
}

func TestOpenAIProvider_CreateStreaming(t *testing.T) {
	p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"Well, ", "howdy ", "partner."} {
			fmt.Fprintf(w, "data: {\"id\":\"s1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: {\"id\":\"s1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stream, err := p.CreateStreaming(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "Hi"}},
	})
	require.NoError(t, err)

	var deltas []string
	text, err := Collect(stream, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Well, howdy partner.", text)
	assert.Equal(t, []string{"Well, ", "howdy ", "partner."}, deltas)
}

func TestOpenAIProvider_Ping(t *testing.T) {
	p := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"id":"gpt-test","object":"model"}]}`)
	})
	assert.NoError(t, p.Ping(context.Background()))
}

func TestOpenAIFactory(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := New("openai", map[string]any{})
	assert.Error(t, err)

	p, err := New("openai", map[string]any{"api_key": "sk-x", "model": "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, "gpt-4o", p.(*OpenAIProvider).Model())
	assert.Equal(t, 1, p.(*OpenAIProvider).maxRetries, "no retries unless configured")

	p, err = New("openai", map[string]any{"api_key": "sk-x", "max_retries": 2})
	require.NoError(t, err)
	assert.Equal(t, 3, p.(*OpenAIProvider).maxRetries)
}
