package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
)

const bedrockDefaultModel = "anthropic.claude-3-haiku-20240307-v1:0"

func init() {
	RegisterFactory("bedrock", func(config map[string]any) (Provider, error) {
		region := configString(config, "region")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}

		cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		p := NewBedrockProvider(bedrockruntime.NewFromConfig(cfg), bedrock.NewFromConfig(cfg), configString(config, "model"))
		p.maxRetries = configInt(config, "max_retries", 0) + 1
		return p, nil
	})
}

// BedrockRuntimeAPI is the subset of the Bedrock runtime client used here
type BedrockRuntimeAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockControlAPI is the subset of the Bedrock control-plane client used
// for health checks
type BedrockControlAPI interface {
	ListFoundationModels(ctx context.Context, params *bedrock.ListFoundationModelsInput, optFns ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error)
}

// BedrockProvider implements Provider on the Bedrock Converse API
type BedrockProvider struct {
	runtime    BedrockRuntimeAPI
	control    BedrockControlAPI
	model      string
	maxRetries int
}

// NewBedrockProvider creates a Bedrock provider. control may be nil, in which
// case Ping is a no-op.
func NewBedrockProvider(runtime BedrockRuntimeAPI, control BedrockControlAPI, model string) *BedrockProvider {
	if model == "" {
		model = bedrockDefaultModel
	}
	return &BedrockProvider{runtime: runtime, control: control, model: model, maxRetries: 1}
}

// Name returns the provider name
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// Model returns the default model id
func (p *BedrockProvider) Model() string {
	return p.model
}

// CreateCompletion generates a full reply
func (p *BedrockProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := p.modelFor(req)
	system, msgs, inference := buildConverseParts(req)

	var out *bedrockruntime.ConverseOutput
	err := withRetry(ctx, p.maxRetries, func() error {
		var err error
		out, err = p.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
			ModelId:         aws.String(model),
			System:          system,
			Messages:        msgs,
			InferenceConfig: inference,
		})
		return wrapBedrockError(err)
	})
	if err != nil {
		return nil, err
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, NewProviderError("bedrock", ErrorCodeUnknown, "no message in response", nil)
	}
	if out.StopReason == types.StopReasonContentFiltered || out.StopReason == types.StopReasonGuardrailIntervened {
		return nil, NewProviderError("bedrock", ErrorCodeContentFiltered, "response blocked by content filter", nil)
	}

	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			sb.WriteString(text.Value)
		}
	}

	resp := &CompletionResponse{
		Content:      sb.String(),
		Model:        model,
		FinishReason: string(out.StopReason),
	}
	if out.Usage != nil {
		resp.Usage = Usage{
			PromptTokens:     int(aws.ToInt32(out.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	return resp, nil
}

// CreateStreaming streams a reply
func (p *BedrockProvider) CreateStreaming(ctx context.Context, req CompletionRequest) (Stream, error) {
	system, msgs, inference := buildConverseParts(req)
	out, err := p.runtime.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(p.modelFor(req)),
		System:          system,
		Messages:        msgs,
		InferenceConfig: inference,
	})
	if err != nil {
		return nil, wrapBedrockError(err)
	}
	return &bedrockStream{events: out.GetStream()}, nil
}

// Ping lists foundation models through the control plane
func (p *BedrockProvider) Ping(ctx context.Context) error {
	if p.control == nil {
		return nil
	}
	_, err := p.control.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{})
	return wrapBedrockError(err)
}

func (p *BedrockProvider) modelFor(req CompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

// buildConverseParts splits system prompts out of the message list. Converse
// requires the conversation to start with a user turn.
func buildConverseParts(req CompletionRequest) ([]types.SystemContentBlock, []types.Message, *types.InferenceConfiguration) {
	var system []types.SystemContentBlock
	msgs := make([]types.Message, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, &types.SystemContentBlockMemberText{Value: m.Content})
		case "assistant":
			if len(msgs) == 0 {
				continue
			}
			msgs = append(msgs, types.Message{
				Role:    types.ConversationRoleAssistant,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		default:
			msgs = append(msgs, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}

	inference := &types.InferenceConfiguration{}
	if req.Temperature > 0 {
		inference.Temperature = aws.Float32(float32(req.Temperature))
	}
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		inference.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}

	return system, msgs, inference
}

func wrapBedrockError(err error) error {
	if err == nil {
		return nil
	}

	code := classifyMessage(err)
	status := 0

	var withStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &withStatus) {
		status = withStatus.HTTPStatusCode()
		if c := classifyStatus(status); c != ErrorCodeUnknown {
			code = c
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceQuotaExceededException":
			code = ErrorCodeRateLimit
		case "AccessDeniedException", "UnrecognizedClientException":
			code = ErrorCodeAuthentication
		case "ModelTimeoutException":
			code = ErrorCodeTimeout
		case "ResourceNotFoundException":
			code = ErrorCodeModelNotFound
		case "ValidationException":
			code = ErrorCodeInvalidRequest
		case "InternalServerException", "ServiceUnavailableException", "ModelNotReadyException":
			code = ErrorCodeServerError
		}
	}

	return &ProviderError{
		Provider:      "bedrock",
		Code:          code,
		Message:       err.Error(),
		StatusCode:    status,
		IsRetryable:   isRetryableCode(code),
		OriginalError: err,
	}
}

// BedrockEventReader is satisfied by the SDK's ConverseStreamEventStream
type BedrockEventReader interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

type bedrockStream struct {
	events BedrockEventReader
	done   bool
}

func (s *bedrockStream) Recv() (*StreamChunk, error) {
	for !s.done {
		ev, ok := <-s.events.Events()
		if !ok {
			s.done = true
			if err := s.events.Err(); err != nil {
				return nil, wrapBedrockError(err)
			}
			return nil, io.EOF
		}

		switch v := ev.(type) {
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			if text, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
				return &StreamChunk{Delta: text.Value}, nil
			}
		case *types.ConverseStreamOutputMemberMessageStop:
			return &StreamChunk{FinishReason: string(v.Value.StopReason)}, nil
		}
	}
	return nil, io.EOF
}

func (s *bedrockStream) Close() error {
	s.done = true
	return s.events.Close()
}
