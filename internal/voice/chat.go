package voice

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/aixgo-dev/voiceagent/internal/fallback"
	"github.com/aixgo-dev/voiceagent/internal/llm/provider"
	"github.com/aixgo-dev/voiceagent/internal/observability"
	"github.com/aixgo-dev/voiceagent/pkg/security"
	"github.com/aixgo-dev/voiceagent/pkg/session"
)

// Input sources
const (
	SourceText  = "text"
	SourceAudio = "audio"
)

// Input is a text or audio request. Audio is used when Filename is set.
type Input struct {
	Text     string
	Audio    []byte
	Filename string
}

// IsAudio reports whether the input carries an audio file
func (in Input) IsAudio() bool {
	return in.Filename != ""
}

// QueryResult is the answer to a single LLM query
type QueryResult struct {
	Response    string `json:"response"`
	Input       string `json:"input"`
	InputSource string `json:"input_source"`
	Model       string `json:"model"`
	AudioURL    string `json:"audio_url,omitempty"`
	AudioError  string `json:"audio_error,omitempty"`
}

// ChatResult is one chat turn. IsFallback marks a canned reply served
// because a vendor failed.
type ChatResult struct {
	Response           string `json:"response"`
	Input              string `json:"input"`
	InputSource        string `json:"input_source"`
	SessionID          string `json:"session_id"`
	Model              string `json:"model,omitempty"`
	AudioURL           string `json:"audio_url,omitempty"`
	AudioError         string `json:"audio_error,omitempty"`
	ConversationLength int    `json:"conversation_length"`
	IsFallback         bool   `json:"is_fallback,omitempty"`
	ErrorDetails       string `json:"error_details,omitempty"`
}

// upstreamError marks a vendor failure that happened after validation
type upstreamError struct {
	err error
}

func (e *upstreamError) Error() string { return e.err.Error() }
func (e *upstreamError) Unwrap() error { return e.err }

// resolveInput turns an Input into prompt text, transcribing audio first.
// Vendor failures come back wrapped in upstreamError.
func (s *Service) resolveInput(ctx context.Context, in Input) (string, string, error) {
	if !in.IsAudio() {
		text := strings.TrimSpace(security.SanitizeString(in.Text))
		if text == "" {
			return "", SourceText, ErrNoTextInput
		}
		return text, SourceText, nil
	}

	if s.stt == nil {
		return "", SourceAudio, ErrSTTUnavailable
	}
	if err := CheckAudioFilename(in.Filename); err != nil {
		return "", SourceAudio, err
	}
	if len(in.Audio) == 0 {
		return "", SourceAudio, ErrNoAudioInput
	}

	tr, err := s.Transcribe(ctx, in.Audio)
	if err != nil {
		return "", SourceAudio, &upstreamError{err: err}
	}
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return "", SourceAudio, ErrEmptyTranscript
	}
	log.Printf("[voice] audio transcribed: %d characters", len(text))
	return text, SourceAudio, nil
}

// complete sends one user prompt to the model. An empty reply is a
// provider error.
func (s *Service) complete(ctx context.Context, prompt string) (string, string, error) {
	resp, err := s.llm.CreateCompletion(ctx, provider.CompletionRequest{
		Messages:    []provider.Message{{Role: "user", Content: prompt}},
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		return "", "", err
	}
	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", "", provider.NewProviderError(s.llm.Name(), provider.ErrorCodeUnknown, "model returned an empty response", nil)
	}
	model := resp.Model
	if model == "" {
		model = s.Model()
	}
	return reply, model, nil
}

// speak synthesizes text, returning the audio URL or a client-safe error
func (s *Service) speak(ctx context.Context, text string) (string, string) {
	if s.synth == nil {
		return "", speechError(ErrTTSUnavailable)
	}
	res, err := s.synth.Synthesize(ctx, text, speechOptions)
	if err != nil {
		log.Printf("[voice] speech generation failed: %v", err)
		return "", speechError(err)
	}
	return res.AudioURL, ""
}

// Query answers a single question. A failed synthesis still returns the
// text with AudioError set.
func (s *Service) Query(ctx context.Context, in Input) (*QueryResult, error) {
	if s.llm == nil {
		return nil, ErrLLMUnavailable
	}

	ctx, span := observability.StartSpan(ctx, "voice.query", nil)
	text, source, err := s.resolveInput(ctx, in)
	if err != nil {
		span.End(err)
		return nil, err
	}
	span.SetAttribute("voice.input_source", source)

	reply, model, err := s.complete(ctx, fmt.Sprintf(queryPrompt, text))
	if err != nil {
		span.End(err)
		return nil, &upstreamError{err: err}
	}
	reply = truncateForSpeech(reply, queryTruncateAt)

	out := &QueryResult{Response: reply, Input: text, InputSource: source, Model: model}
	out.AudioURL, out.AudioError = s.speak(ctx, reply)
	span.End(nil)
	return out, nil
}

// Chat runs one turn of a stored conversation. The user message is kept
// even when the turn fails. Vendor failures after validation produce a
// fallback reply instead of an error.
func (s *Service) Chat(ctx context.Context, sessionID string, in Input) (*ChatResult, error) {
	if s.llm == nil {
		return nil, ErrLLMUnavailable
	}

	ctx, span := observability.StartSpan(ctx, "voice.chat", map[string]any{
		"chat.session_id": sessionID,
	})

	text, source, err := s.resolveInput(ctx, in)
	if err != nil {
		var upErr *upstreamError
		if errors.As(err, &upErr) {
			span.End(err)
			return s.fallbackTurn(ctx, sessionID, in, source, upErr.err), nil
		}
		span.End(err)
		return nil, err
	}
	span.SetAttribute("voice.input_source", source)

	if err := s.history.Append(ctx, sessionID, session.Message{Role: session.RoleUser, Content: text}); err != nil {
		span.End(err)
		return nil, fmt.Errorf("store user message: %w", err)
	}

	msgs, err := s.history.History(ctx, sessionID)
	if err != nil {
		span.End(err)
		return nil, fmt.Errorf("load history: %w", err)
	}

	reply, model, err := s.complete(ctx, buildChatPrompt(msgs))
	if err != nil {
		span.End(err)
		return s.fallbackTurn(ctx, sessionID, Input{Text: text}, source, err), nil
	}

	if err := s.history.Append(ctx, sessionID, session.Message{Role: session.RoleAssistant, Content: reply}); err != nil {
		span.End(err)
		return nil, fmt.Errorf("store assistant message: %w", err)
	}

	spoken := truncateForSpeech(reply, chatTruncateAt)
	out := &ChatResult{
		Response:           spoken,
		Input:              text,
		InputSource:        source,
		SessionID:          sessionID,
		Model:              model,
		ConversationLength: s.conversationLength(ctx, sessionID),
	}
	out.AudioURL, out.AudioError = s.speak(ctx, spoken)
	log.Printf("[chat] session %s: reply of %d characters", sessionID, len(spoken))
	span.End(nil)
	return out, nil
}

func (s *Service) fallbackTurn(ctx context.Context, sessionID string, in Input, source string, cause error) *ChatResult {
	reply := fallback.Respond(ctx, cause, s.synth)
	log.Printf("[chat] session %s: serving %s after: %v", sessionID, reply.Kind, cause)

	input := strings.TrimSpace(in.Text)
	if input == "" {
		input = "Unable to process input"
	}
	return &ChatResult{
		Response:           reply.Text,
		Input:              input,
		InputSource:        source,
		SessionID:          sessionID,
		AudioURL:           reply.AudioURL,
		ConversationLength: s.conversationLength(ctx, sessionID),
		IsFallback:         true,
		ErrorDetails:       "Service temporarily unavailable: " + security.Truncate(security.SanitizeErrorMessage(cause.Error()), 100),
	}
}

func (s *Service) conversationLength(ctx context.Context, sessionID string) int {
	n, err := s.history.Len(ctx, sessionID)
	if err != nil {
		log.Printf("[chat] history length for %s: %v", sessionID, err)
		return 0
	}
	return n
}

func buildChatPrompt(msgs []session.Message) string {
	var b strings.Builder
	b.WriteString(chatPreamble)
	for _, m := range msgs {
		if m.Role == session.RoleUser {
			b.WriteString("User: ")
		} else {
			b.WriteString("Assistant: ")
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString(chatClosing)
	return b.String()
}

// History returns a session's stored messages
func (s *Service) History(ctx context.Context, sessionID string) ([]session.Message, error) {
	return s.history.History(ctx, sessionID)
}

// ClearHistory removes a session's messages
func (s *Service) ClearHistory(ctx context.Context, sessionID string) error {
	if err := s.history.Clear(ctx, sessionID); err != nil {
		return err
	}
	log.Printf("[chat] cleared chat history for session %s", sessionID)
	return nil
}

// IsUpstream reports whether err is a vendor failure rather than a
// validation problem.
func IsUpstream(err error) bool {
	var upErr *upstreamError
	return errors.As(err, &upErr)
}
