package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/voiceagent/internal/upstream"
	"github.com/aixgo-dev/voiceagent/pkg/security"
)

func TestSynthesize_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/speech/generate", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("api-key"))

		var body generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body.Text)
		assert.Equal(t, "en-US-natalie", body.VoiceID)
		assert.Equal(t, "MP3", body.Format)

		_, _ = w.Write([]byte(`{"audioFile":"https://cdn.example/a.mp3","audioLengthInSeconds":1.5}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	res, err := c.Synthesize(context.Background(), "hello", Options{})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/a.mp3", res.AudioURL)
	assert.Equal(t, 1.5, res.AudioLengthSeconds)
}

func TestSynthesize_EmptyText(t *testing.T) {
	c := NewClient("k", WithBaseURL("http://127.0.0.1:1"))
	_, err := c.Synthesize(context.Background(), "   ", Options{})
	if !errors.Is(err, ErrEmptyText) {
		t.Errorf("Synthesize() error = %v, want ErrEmptyText", err)
	}
}

func TestSynthesize_StatusErrors(t *testing.T) {
	tests := []struct {
		status int
		code   string
	}{
		{http.StatusUnauthorized, upstream.CodeAuthentication},
		{http.StatusTooManyRequests, upstream.CodeRateLimit},
		{http.StatusBadGateway, upstream.CodeServer},
		{http.StatusBadRequest, upstream.CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"errorMessage":"nope"}`, tt.status)
			}))
			defer srv.Close()

			c := NewClient("k", WithBaseURL(srv.URL))
			_, err := c.Synthesize(context.Background(), "hi", Options{})

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.code, apiErr.ErrorCode())
			assert.Equal(t, tt.code, upstream.Code(err))
		})
	}
}

func TestSynthesize_NoAudioURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"audioFile":""}`))
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).Synthesize(context.Background(), "hi", Options{})
	assert.ErrorIs(t, err, ErrNoAudioURL)
}

func TestSynthesize_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL), WithTimeout(20*time.Millisecond))
	_, err := c.Synthesize(context.Background(), "hi", Options{})
	require.Error(t, err)
	assert.Equal(t, upstream.CodeTimeout, upstream.Code(err))
}

func TestSynthesize_CircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL), WithCircuitBreaker(security.NewCircuitBreaker(2, time.Minute)))
	for i := 0; i < 2; i++ {
		_, err := c.Synthesize(context.Background(), "hi", Options{})
		require.Error(t, err)
	}
	assert.Equal(t, security.CircuitOpen, c.BreakerState())

	_, err := c.Synthesize(context.Background(), "hi", Options{})
	require.Error(t, err)
	assert.Equal(t, upstream.CodeConnection, upstream.Code(err))
	assert.ErrorIs(t, err, security.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSynthesize_ClientErrorsDoNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL), WithCircuitBreaker(security.NewCircuitBreaker(1, time.Minute)))
	for i := 0; i < 3; i++ {
		_, _ = c.Synthesize(context.Background(), "hi", Options{})
	}
	assert.Equal(t, security.CircuitClosed, c.BreakerState())
}

// fakeMurfStream answers every text frame with two audio frames, the second
// one final, once an end frame arrives.
func fakeMurfStream(t *testing.T, received chan<- map[string]any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("api-key"))
		assert.Equal(t, "44100", r.URL.Query().Get("sample_rate"))
		assert.Equal(t, "MONO", r.URL.Query().Get("channel_type"))
		assert.Equal(t, "WAV", r.URL.Query().Get("format"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			received <- msg
			if end, _ := msg["end"].(bool); end {
				audio := base64.StdEncoding.EncodeToString([]byte("RIFF"))
				_ = conn.WriteJSON(map[string]any{"audio": audio, "final": false, "context_id": msg["context_id"]})
				_ = conn.WriteJSON(map[string]any{"audio": audio, "final": true, "context_id": msg["context_id"]})
			}
		}
	}))
}

func TestStream_RoundTrip(t *testing.T) {
	received := make(chan map[string]any, 8)
	srv := fakeMurfStream(t, received)
	defer srv.Close()

	d := NewStreamDialer("secret", WithStreamURL("ws"+strings.TrimPrefix(srv.URL, "http")))
	stream, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	cfg := <-received
	voice, ok := cfg["voice_config"].(map[string]any)
	require.True(t, ok, "first frame must carry voice_config")
	assert.Equal(t, "en-US-amara", voice["voiceId"])
	assert.Equal(t, "Conversational", voice["style"])
	assert.Equal(t, float64(1), voice["variation"])

	require.NoError(t, stream.SendText("Hello there", false))
	require.NoError(t, stream.SendText("", true))

	first := <-received
	assert.Equal(t, "Hello there", first["text"])
	assert.Equal(t, stream.ContextID(), first["context_id"])
	assert.NotEmpty(t, stream.ContextID())

	var chunks []Chunk
	timeout := time.After(2 * time.Second)
	for len(chunks) < 2 {
		select {
		case c, ok := <-stream.Chunks():
			require.True(t, ok)
			require.NoError(t, c.Err)
			chunks = append(chunks, c)
		case <-timeout:
			t.Fatal("timed out waiting for audio")
		}
	}
	assert.Equal(t, []byte("RIFF"), chunks[0].Audio)
	assert.False(t, chunks[0].Final)
	assert.True(t, chunks[1].Final)
}

func TestStream_SendAfterClose(t *testing.T) {
	received := make(chan map[string]any, 8)
	srv := fakeMurfStream(t, received)
	defer srv.Close()

	stream, err := NewStreamDialer("secret", WithStreamURL("ws"+strings.TrimPrefix(srv.URL, "http"))).Dial(context.Background())
	require.NoError(t, err)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	assert.ErrorIs(t, stream.SendText("late", false), ErrStreamClosed)
}

func TestStream_HandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewStreamDialer("bad", WithStreamURL("ws"+strings.TrimPrefix(srv.URL, "http"))).Dial(context.Background())
	require.Error(t, err)
	assert.Equal(t, upstream.CodeAuthentication, upstream.Code(err))
}
