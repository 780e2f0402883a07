package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sashabaranov/go-openai"
)

const openaiDefaultModel = "gpt-4o-mini"

func init() {
	RegisterFactory("openai", func(config map[string]any) (Provider, error) {
		apiKey := configString(config, "api_key")
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}

		cfg := openai.DefaultConfig(apiKey)
		if url := configString(config, "base_url"); url != "" {
			cfg.BaseURL = url
		}

		p := NewOpenAIProviderWithClient(openai.NewClientWithConfig(cfg), configString(config, "model"))
		p.maxRetries = configInt(config, "max_retries", 0) + 1
		return p, nil
	})
}

// OpenAIClient is the subset of the go-openai client used by the provider
type OpenAIClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// OpenAIProvider implements Provider for OpenAI-compatible chat APIs
type OpenAIProvider struct {
	client     OpenAIClient
	model      string
	maxRetries int
}

// NewOpenAIProvider creates an OpenAI provider. baseURL may be empty.
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return NewOpenAIProviderWithClient(openai.NewClientWithConfig(cfg), model)
}

// NewOpenAIProviderWithClient creates a provider around an existing client
func NewOpenAIProviderWithClient(client OpenAIClient, model string) *OpenAIProvider {
	if model == "" {
		model = openaiDefaultModel
	}
	return &OpenAIProvider{client: client, model: model, maxRetries: 1}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Model returns the default model
func (p *OpenAIProvider) Model() string {
	return p.model
}

// CreateCompletion generates a full reply
func (p *OpenAIProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	oreq := p.buildRequest(req, false)

	var resp openai.ChatCompletionResponse
	err := withRetry(ctx, p.maxRetries, func() error {
		var err error
		resp, err = p.client.CreateChatCompletion(ctx, oreq)
		return wrapOpenAIError(err)
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, NewProviderError("openai", ErrorCodeUnknown, "no choices in response", nil)
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return nil, NewProviderError("openai", ErrorCodeContentFiltered, "response blocked by content filter", nil)
	}

	return &CompletionResponse{
		Content:      choice.Message.Content,
		Model:        oreq.Model,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// CreateStreaming streams a reply
func (p *OpenAIProvider) CreateStreaming(ctx context.Context, req CompletionRequest) (Stream, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	return &openaiStream{stream: stream}, nil
}

// Ping lists models to verify the key
func (p *OpenAIProvider) Ping(ctx context.Context) error {
	_, err := p.client.ListModels(ctx)
	return wrapOpenAIError(err)
}

func (p *OpenAIProvider) buildRequest(req CompletionRequest, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}

	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}

func wrapOpenAIError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := classifyStatus(apiErr.HTTPStatusCode)
		return &ProviderError{
			Provider:      "openai",
			Code:          code,
			Message:       apiErr.Message,
			StatusCode:    apiErr.HTTPStatusCode,
			IsRetryable:   isRetryableCode(code),
			OriginalError: err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		code := classifyStatus(reqErr.HTTPStatusCode)
		return &ProviderError{
			Provider:      "openai",
			Code:          code,
			Message:       err.Error(),
			StatusCode:    reqErr.HTTPStatusCode,
			IsRetryable:   isRetryableCode(code),
			OriginalError: err,
		}
	}

	code := classifyMessage(err)
	return &ProviderError{
		Provider:      "openai",
		Code:          code,
		Message:       err.Error(),
		IsRetryable:   isRetryableCode(code),
		OriginalError: err,
	}
}

type openaiStream struct {
	stream *openai.ChatCompletionStream
	done   bool
}

func (s *openaiStream) Recv() (*StreamChunk, error) {
	if s.done {
		return nil, io.EOF
	}

	resp, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		s.done = true
		return nil, io.EOF
	}
	if err != nil {
		s.done = true
		return nil, wrapOpenAIError(err)
	}

	if len(resp.Choices) == 0 {
		return &StreamChunk{}, nil
	}
	choice := resp.Choices[0]
	return &StreamChunk{
		Delta:        choice.Delta.Content,
		FinishReason: string(choice.FinishReason),
	}, nil
}

func (s *openaiStream) Close() error {
	s.done = true
	s.stream.Close()
	return nil
}
