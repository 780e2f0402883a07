package provider

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/aixgo-dev/voiceagent/internal/observability"
	metrics "github.com/aixgo-dev/voiceagent/pkg/observability"
)

// InstrumentedProvider wraps a Provider with a trace span and upstream call
// metrics for every request.
type InstrumentedProvider struct {
	Provider
}

// Instrument wraps p. Wrapping an already instrumented provider returns it
// unchanged.
func Instrument(p Provider) Provider {
	if _, ok := p.(*InstrumentedProvider); ok {
		return p
	}
	return &InstrumentedProvider{Provider: p}
}

// CreateCompletion creates a completion with instrumentation
func (p *InstrumentedProvider) CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error) {
	ctx, span := observability.StartSpan(ctx, "llm."+p.Name()+".completion", map[string]any{
		"llm.provider":       p.Name(),
		"llm.model":          request.Model,
		"llm.messages_count": len(request.Messages),
	})
	start := time.Now()

	resp, err := p.Provider.CreateCompletion(ctx, request)

	metrics.RecordUpstreamCall("llm", "completion", statusLabel(err), time.Since(start))
	if err == nil && resp != nil {
		span.SetAttribute("llm.usage.total_tokens", resp.Usage.TotalTokens)
		span.SetAttribute("llm.finish_reason", resp.FinishReason)
	}
	span.End(err)
	return resp, err
}

// CreateStreaming creates a streaming response. The span stays open until
// the stream is closed.
func (p *InstrumentedProvider) CreateStreaming(ctx context.Context, request CompletionRequest) (Stream, error) {
	ctx, span := observability.StartSpan(ctx, "llm."+p.Name()+".streaming", map[string]any{
		"llm.provider":  p.Name(),
		"llm.model":     request.Model,
		"llm.streaming": true,
	})
	start := time.Now()

	stream, err := p.Provider.CreateStreaming(ctx, request)
	if err != nil {
		metrics.RecordUpstreamCall("llm", "streaming", statusLabel(err), time.Since(start))
		span.End(err)
		return nil, err
	}
	return &instrumentedStream{Stream: stream, span: span, start: start}, nil
}

// Ping forwards to the wrapped provider when it supports it
func (p *InstrumentedProvider) Ping(ctx context.Context) error {
	if pinger, ok := p.Provider.(Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// Model forwards to the wrapped provider when it reports a model
func (p *InstrumentedProvider) Model() string {
	if m, ok := p.Provider.(interface{ Model() string }); ok {
		return m.Model()
	}
	return ""
}

type instrumentedStream struct {
	Stream
	span   *observability.Span
	start  time.Time
	chunks int
	err    error
}

func (s *instrumentedStream) Recv() (*StreamChunk, error) {
	chunk, err := s.Stream.Recv()
	if err == nil {
		s.chunks++
	} else if s.err == nil {
		s.err = err
	}
	return chunk, err
}

func (s *instrumentedStream) Close() error {
	if !s.span.IsEnded() {
		streamErr := s.err
		if errors.Is(streamErr, io.EOF) {
			streamErr = nil
		}
		s.span.SetAttribute("llm.stream.chunks", s.chunks)
		metrics.RecordUpstreamCall("llm", "streaming", statusLabel(streamErr), time.Since(s.start))
		s.span.End(streamErr)
	}
	return s.Stream.Close()
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrorCodeUnknown
}
