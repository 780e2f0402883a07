package provider

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBedrockRuntime struct {
	lastInput *bedrockruntime.ConverseInput
	output    *bedrockruntime.ConverseOutput
	err       error
}

func (f *fakeBedrockRuntime) Converse(ctx context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.lastInput = in
	return f.output, f.err
}

func (f *fakeBedrockRuntime) ConverseStream(ctx context.Context, in *bedrockruntime.ConverseStreamInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	return nil, f.err
}

type fakeBedrockControl struct{ err error }

func (f *fakeBedrockControl) ListFoundationModels(ctx context.Context, in *bedrock.ListFoundationModelsInput, _ ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error) {
	return &bedrock.ListFoundationModelsOutput{}, f.err
}

func TestBedrockProvider_CreateCompletion(t *testing.T) {
	rt := &fakeBedrockRuntime{output: &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role: types.ConversationRoleAssistant,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: "Elementary! "},
				&types.ContentBlockMemberText{Value: "It is sunny."},
			},
		}},
		StopReason: types.StopReasonEndTurn,
		Usage: &types.TokenUsage{
			InputTokens:  aws.Int32(12),
			OutputTokens: aws.Int32(6),
			TotalTokens:  aws.Int32(18),
		},
	}}
	p := NewBedrockProvider(rt, nil, "")

	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Messages: []Message{
			{Role: "system", Content: "You are a detective."},
			{Role: "assistant", Content: "dropped: conversation must open with the user"},
			{Role: "user", Content: "Weather?"},
		},
		Temperature: 0.2,
		MaxTokens:   100,
	})
	require.NoError(t, err)
	assert.Equal(t, "Elementary! It is sunny.", resp.Content)
	assert.Equal(t, bedrockDefaultModel, resp.Model)
	assert.Equal(t, 18, resp.Usage.TotalTokens)

	in := rt.lastInput
	require.NotNil(t, in)
	assert.Equal(t, bedrockDefaultModel, aws.ToString(in.ModelId))
	require.Len(t, in.System, 1)
	require.Len(t, in.Messages, 1)
	assert.Equal(t, types.ConversationRoleUser, in.Messages[0].Role)
	assert.Equal(t, int32(100), aws.ToInt32(in.InferenceConfig.MaxTokens))
}

func TestBedrockProvider_ContentFiltered(t *testing.T) {
	rt := &fakeBedrockRuntime{output: &bedrockruntime.ConverseOutput{
		Output:     &types.ConverseOutputMemberMessage{Value: types.Message{}},
		StopReason: types.StopReasonContentFiltered,
	}}
	_, err := NewBedrockProvider(rt, nil, "m").CreateCompletion(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "x"}},
	})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrorCodeContentFiltered, pe.Code)
}

func TestWrapBedrockError(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{&smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}, ErrorCodeRateLimit},
		{&smithy.GenericAPIError{Code: "AccessDeniedException", Message: "no"}, ErrorCodeAuthentication},
		{&smithy.GenericAPIError{Code: "ModelTimeoutException", Message: "slow"}, ErrorCodeTimeout},
		{&smithy.GenericAPIError{Code: "InternalServerException", Message: "oops"}, ErrorCodeServerError},
		{context.DeadlineExceeded, ErrorCodeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			var pe *ProviderError
			require.ErrorAs(t, wrapBedrockError(tt.err), &pe)
			assert.Equal(t, tt.code, pe.Code)
		})
	}
}

func TestBedrockProvider_StreamError(t *testing.T) {
	rt := &fakeBedrockRuntime{err: &smithy.GenericAPIError{Code: "ValidationException", Message: "bad"}}
	_, err := NewBedrockProvider(rt, nil, "").CreateStreaming(context.Background(), CompletionRequest{})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrorCodeInvalidRequest, pe.Code)
}

func TestBedrockProvider_Ping(t *testing.T) {
	p := NewBedrockProvider(&fakeBedrockRuntime{}, &fakeBedrockControl{}, "")
	assert.NoError(t, p.Ping(context.Background()))

	p = NewBedrockProvider(&fakeBedrockRuntime{}, &fakeBedrockControl{err: &smithy.GenericAPIError{Code: "AccessDeniedException"}}, "")
	assert.Error(t, p.Ping(context.Background()))

	p = NewBedrockProvider(&fakeBedrockRuntime{}, nil, "")
	assert.NoError(t, p.Ping(context.Background()))
}

type fakeEventReader struct {
	ch     chan types.ConverseStreamOutput
	err    error
	closed bool
}

func (f *fakeEventReader) Events() <-chan types.ConverseStreamOutput { return f.ch }
func (f *fakeEventReader) Close() error                              { f.closed = true; return nil }
func (f *fakeEventReader) Err() error                                { return f.err }

func TestBedrockStream(t *testing.T) {
	r := &fakeEventReader{ch: make(chan types.ConverseStreamOutput, 8)}
	r.ch <- &types.ConverseStreamOutputMemberMessageStart{Value: types.MessageStartEvent{Role: types.ConversationRoleAssistant}}
	r.ch <- &types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
		Delta: &types.ContentBlockDeltaMemberText{Value: "BEEP "},
	}}
	r.ch <- &types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
		Delta: &types.ContentBlockDeltaMemberText{Value: "BOOP"},
	}}
	r.ch <- &types.ConverseStreamOutputMemberMessageStop{Value: types.MessageStopEvent{StopReason: types.StopReasonEndTurn}}
	close(r.ch)

	text, err := Collect(&bedrockStream{events: r}, nil)
	require.NoError(t, err)
	assert.Equal(t, "BEEP BOOP", text)
	assert.True(t, r.closed)
}

func TestBedrockStream_Err(t *testing.T) {
	r := &fakeEventReader{ch: make(chan types.ConverseStreamOutput), err: errors.New("stream reset")}
	close(r.ch)

	s := &bedrockStream{events: r}
	_, err := s.Recv()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}
