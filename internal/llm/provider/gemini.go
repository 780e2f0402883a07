package provider

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log"
	"math"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	geminiDefaultModel  = "gemini-2.5-flash"
	geminiClientTimeout = 30 * time.Second
)

func init() {
	RegisterFactory("gemini", func(config map[string]any) (Provider, error) {
		opts := GeminiOptions{
			APIKey:     configString(config, "api_key"),
			Model:      configString(config, "model"),
			BaseURL:    configString(config, "base_url"),
			ProjectID:  configString(config, "project_id"),
			Location:   configString(config, "location"),
			MaxRetries: configInt(config, "max_retries", 0),
		}
		if opts.APIKey == "" {
			opts.APIKey = os.Getenv("GEMINI_API_KEY")
		}
		if opts.APIKey == "" {
			opts.APIKey = os.Getenv("GOOGLE_API_KEY")
		}
		if opts.APIKey == "" && opts.ProjectID == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY not set")
		}
		return NewGeminiProvider(opts)
	})
}

// GeminiOptions configures the Gemini provider. When ProjectID is set the
// Vertex AI backend is used with application default credentials instead of
// an API key.
type GeminiOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	ProjectID  string
	Location   string
	MaxRetries int
}

// GeminiProvider implements Provider on the Google Gen AI SDK
type GeminiProvider struct {
	client     *genai.Client
	model      string
	maxRetries int
}

// NewGeminiProvider creates a Gemini provider
func NewGeminiProvider(opts GeminiOptions) (*GeminiProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), geminiClientTimeout)
	defer cancel()

	cc := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.ProjectID != "" {
		location := opts.Location
		if location == "" {
			location = "us-central1"
		}
		cc = &genai.ClientConfig{
			Project:  opts.ProjectID,
			Location: location,
			Backend:  genai.BackendVertexAI,
		}
	}
	if opts.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = geminiDefaultModel
	}

	if os.Getenv("VOICEAGENT_DEBUG") == "true" {
		log.Printf("[gemini] initialized client (model=%s, backend=%v)", model, cc.Backend)
	}

	return &GeminiProvider{client: client, model: model, maxRetries: opts.MaxRetries + 1}, nil
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Model returns the default model
func (p *GeminiProvider) Model() string {
	return p.model
}

// CreateCompletion generates a full reply
func (p *GeminiProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := p.modelFor(req)
	contents, config := buildGeminiRequest(req)

	var resp *genai.GenerateContentResponse
	err := withRetry(ctx, p.maxRetries, func() error {
		var err error
		resp, err = p.client.Models.GenerateContent(ctx, model, contents, config)
		return wrapGeminiError(err)
	})
	if err != nil {
		return nil, err
	}

	out, err := parseGeminiResponse(resp)
	if err != nil {
		return nil, err
	}
	out.Model = model
	return out, nil
}

// CreateStreaming streams a reply
func (p *GeminiProvider) CreateStreaming(ctx context.Context, req CompletionRequest) (Stream, error) {
	contents, config := buildGeminiRequest(req)
	streamCtx, cancel := context.WithCancel(ctx)
	seq := p.client.Models.GenerateContentStream(streamCtx, p.modelFor(req), contents, config)
	return newGeminiStream(streamCtx, cancel, seq), nil
}

// Ping checks that the configured model is reachable with the credentials
func (p *GeminiProvider) Ping(ctx context.Context) error {
	_, err := p.client.Models.Get(ctx, p.model, nil)
	return wrapGeminiError(err)
}

func (p *GeminiProvider) modelFor(req CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

// buildGeminiRequest converts messages into contents plus a generation
// config carrying the system instruction.
func buildGeminiRequest(req CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	var system []string
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}
	if len(system) > 0 {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}},
		}
	}

	return contents, config
}

func parseGeminiResponse(resp *genai.GenerateContentResponse) (*CompletionResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, NewProviderError("gemini", ErrorCodeUnknown, "no candidates in response", nil)
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return nil, NewProviderError("gemini", ErrorCodeContentFiltered, "response blocked by safety filters", nil)
	}

	content := candidateText(candidate)

	finishReason := strings.ToLower(string(candidate.FinishReason))
	if finishReason == "" {
		finishReason = "stop"
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	return &CompletionResponse{
		Content:      content,
		FinishReason: finishReason,
		Usage:        usage,
	}, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range c.Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// wrapGeminiError converts SDK errors to ProviderError
func wrapGeminiError(err error) error {
	if err == nil {
		return nil
	}
	code := classifyMessage(err)
	return &ProviderError{
		Provider:      "gemini",
		Code:          code,
		Message:       err.Error(),
		IsRetryable:   isRetryableCode(code),
		OriginalError: err,
	}
}

// geminiStream adapts the SDK's range-over-func stream to Stream
type geminiStream struct {
	next   func() (*genai.GenerateContentResponse, error, bool)
	stop   func()
	ctx    context.Context
	cancel context.CancelFunc
	done   bool
}

func newGeminiStream(ctx context.Context, cancel context.CancelFunc, seq iter.Seq2[*genai.GenerateContentResponse, error]) *geminiStream {
	next, stop := iter.Pull2(seq)
	return &geminiStream{next: next, stop: stop, ctx: ctx, cancel: cancel}
}

func (s *geminiStream) Recv() (*StreamChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		s.done = true
		return nil, wrapGeminiError(err)
	}

	resp, err, ok := s.next()
	if !ok {
		s.done = true
		return nil, io.EOF
	}
	if err != nil {
		s.done = true
		return nil, wrapGeminiError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return &StreamChunk{}, nil
	}

	candidate := resp.Candidates[0]
	chunk := &StreamChunk{Delta: candidateText(candidate)}
	if candidate.FinishReason != "" {
		chunk.FinishReason = strings.ToLower(string(candidate.FinishReason))
	}
	return chunk, nil
}

func (s *geminiStream) Close() error {
	s.done = true
	s.cancel()
	s.stop()
	return nil
}
