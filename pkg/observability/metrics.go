package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceagent_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voiceagent_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Vendor metrics
	upstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceagent_upstream_calls_total",
			Help: "Total number of calls to TTS, STT and LLM vendors",
		},
		[]string{"service", "operation", "status"},
	)

	upstreamCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voiceagent_upstream_call_duration_seconds",
			Help:    "Vendor call duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"service", "operation"},
	)

	// Relay metrics
	relaySessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voiceagent_relay_sessions_active",
			Help: "Number of open streaming relay sessions",
		},
	)

	relayTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceagent_relay_turns_total",
			Help: "Completed speech turns seen by the relay",
		},
		[]string{"formatted"},
	)

	relayAudioChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voiceagent_relay_audio_chunks_total",
			Help: "Synthesized audio chunks forwarded to clients",
		},
	)

	fallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceagent_fallbacks_total",
			Help: "Fallback replies served instead of a model answer",
		},
		[]string{"kind"},
	)

	initOnce sync.Once
)

// InitMetrics registers the service collectors with the default registry
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			upstreamCallsTotal,
			upstreamCallDuration,
			relaySessionsActive,
			relayTurnsTotal,
			relayAudioChunksTotal,
			fallbacksTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordUpstreamCall records one vendor call. status is "ok" or an error code.
func RecordUpstreamCall(service, operation, status string, duration time.Duration) {
	upstreamCallsTotal.WithLabelValues(service, operation, status).Inc()
	upstreamCallDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// RelaySessionStarted increments the open relay session gauge and returns a
// func that decrements it.
func RelaySessionStarted() func() {
	relaySessionsActive.Inc()
	return relaySessionsActive.Dec
}

// RecordTurn counts a completed turn
func RecordTurn(formatted bool) {
	label := "false"
	if formatted {
		label = "true"
	}
	relayTurnsTotal.WithLabelValues(label).Inc()
}

// RecordAudioChunk counts an audio chunk sent to a client
func RecordAudioChunk() {
	relayAudioChunksTotal.Inc()
}

// RecordFallback counts a fallback reply of the given kind
func RecordFallback(kind string) {
	fallbacksTotal.WithLabelValues(kind).Inc()
}
