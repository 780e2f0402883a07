package provider

import (
	"context"
	"io"
	"sync"
)

// MockProvider is a scripted Provider for tests
type MockProvider struct {
	// Reply is returned by CreateCompletion and split into Chunks by
	// CreateStreaming when Chunks is empty.
	Reply  string
	Chunks []string
	Err    error

	mu    sync.Mutex
	calls []CompletionRequest
}

// NewMockProvider returns a provider that always answers reply
func NewMockProvider(reply string) *MockProvider {
	return &MockProvider{Reply: reply}
}

// Name returns "mock"
func (m *MockProvider) Name() string { return "mock" }

// Model returns the mock model name
func (m *MockProvider) Model() string { return "mock-model" }

// CreateCompletion records the request and returns Reply or Err
func (m *MockProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.record(req)
	if m.Err != nil {
		return nil, m.Err
	}
	return &CompletionResponse{Content: m.Reply, Model: "mock-model", FinishReason: "stop"}, nil
}

// CreateStreaming records the request and streams Chunks
func (m *MockProvider) CreateStreaming(ctx context.Context, req CompletionRequest) (Stream, error) {
	m.record(req)
	if m.Err != nil {
		return nil, m.Err
	}
	chunks := m.Chunks
	if len(chunks) == 0 {
		chunks = []string{m.Reply}
	}
	return &mockStream{chunks: chunks}, nil
}

// Calls returns the recorded requests
func (m *MockProvider) Calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompletionRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockProvider) record(req CompletionRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
}

type mockStream struct {
	chunks []string
	i      int
}

func (s *mockStream) Recv() (*StreamChunk, error) {
	if s.i >= len(s.chunks) {
		return nil, io.EOF
	}
	c := s.chunks[s.i]
	s.i++
	return &StreamChunk{Delta: c}, nil
}

func (s *mockStream) Close() error { return nil }
