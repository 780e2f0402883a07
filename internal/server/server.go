// Package server exposes the voice operations, the persona agent and the
// streaming relay over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aixgo-dev/voiceagent/internal/persona"
	"github.com/aixgo-dev/voiceagent/internal/relay"
	"github.com/aixgo-dev/voiceagent/internal/voice"
	"github.com/aixgo-dev/voiceagent/pkg/observability"
	"github.com/aixgo-dev/voiceagent/pkg/security"
)

const (
	// ServiceName is reported by the index route
	ServiceName = "voiceagent"

	// DefaultMaxBodySize caps request bodies, uploads included (16 MiB).
	DefaultMaxBodySize int64 = 16 << 20

	defaultReadHeaderTimeout = 10 * time.Second
	defaultReadTimeout       = 60 * time.Second
	defaultWriteTimeout      = 120 * time.Second
	defaultIdleTimeout       = 120 * time.Second

	requestIDHeader = "X-Request-ID"
)

// Option configures a Server
type Option func(*Server)

// WithVersion sets the version reported by the index and health routes
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithMaxBodySize overrides the request body limit
func WithMaxBodySize(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodySize = n
		}
	}
}

// WithRateLimiter rejects requests over the limiter's budget with 429
func WithRateLimiter(rl *security.RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithHealthChecker replaces the default health checker
func WithHealthChecker(hc *observability.HealthChecker) Option {
	return func(s *Server) { s.health = hc }
}

// WithDebug includes sanitized error details in error bodies
func WithDebug(debug bool) Option {
	return func(s *Server) { s.debug = debug }
}

// Server is the HTTP front end
type Server struct {
	voice   *voice.Service
	agent   *persona.Agent
	relay   *relay.Relay
	health  *observability.HealthChecker
	limiter *security.RateLimiter

	version     string
	maxBodySize int64
	debug       bool

	httpSrvMu sync.Mutex
	httpSrv   *http.Server
}

// New creates a server. The relay may be nil when streaming transcription
// is not configured; /ws/stream then answers 503.
func New(svc *voice.Service, agent *persona.Agent, rl *relay.Relay, opts ...Option) *Server {
	s := &Server{
		voice:       svc,
		agent:       agent,
		relay:       rl,
		version:     "dev",
		maxBodySize: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = observability.NewHealthChecker(s.version)
		s.health.RegisterCheck(observability.PingCheck())
	}
	return s
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /generate-audio", s.handleGenerateAudio)
	mux.HandleFunc("POST /upload-audio", s.handleUploadAudio)
	mux.HandleFunc("POST /transcribe/file", s.handleTranscribeFile)
	mux.HandleFunc("POST /tts/echo", s.handleEcho)
	mux.HandleFunc("POST /llm/query", s.handleQuery)
	mux.HandleFunc("POST /agent/chat/{session_id}", s.handleChat)
	mux.HandleFunc("GET /agent/chat/{session_id}", s.handleGetHistory)
	mux.HandleFunc("DELETE /agent/chat/{session_id}", s.handleClearHistory)

	mux.Handle("GET /ws", relay.EchoHandler())
	mux.HandleFunc("GET /ws/stream", s.handleStream)

	s.registerAgentRoutes(mux)
	observability.RegisterRoutes(mux, s.health)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = observability.HTTPMiddleware(h)
	h = requestID(h)
	return otelhttp.NewHandler(h, ServiceName)
}

// ListenAndServe serves on addr until Shutdown
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}

	s.httpSrvMu.Lock()
	s.httpSrv = srv
	s.httpSrvMu.Unlock()

	log.Printf("[server] listening on %s", ln.Addr())
	return srv.Serve(ln)
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.httpSrvMu.Lock()
	srv := s.httpSrv
	s.httpSrvMu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// requestID tags every request and response with an id
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      ServiceName,
		"version":   s.version,
		"providers": s.voice.Providers(),
		"model":     s.voice.Model(),
		"streaming": s.relay != nil,
		"personas":  persona.Keys(),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		s.writeError(w, errStreamingUnavailable)
		return
	}
	s.relay.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] failed to encode response: %v", err)
	}
}
