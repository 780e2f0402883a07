// Package voice implements the request/response voice operations: speech
// generation, audio upload, transcription, echo, single LLM queries and
// multi-turn chat with stored history.
package voice

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/aixgo-dev/voiceagent/internal/llm/provider"
	"github.com/aixgo-dev/voiceagent/internal/stt"
	"github.com/aixgo-dev/voiceagent/internal/tts"
	"github.com/aixgo-dev/voiceagent/pkg/security"
	"github.com/aixgo-dev/voiceagent/pkg/session"
)

// Validation and availability errors. Handlers map them to client messages.
var (
	ErrEmptyText       = errors.New("empty text")
	ErrTextTooLong     = errors.New("text too long")
	ErrTTSUnavailable  = errors.New("text-to-speech not configured")
	ErrSTTUnavailable  = errors.New("speech-to-text not configured")
	ErrLLMUnavailable  = errors.New("language model not configured")
	ErrNoFileSelected  = errors.New("no file selected")
	ErrFileType        = errors.New("file type not allowed")
	ErrNoTextInput     = errors.New("no text input provided")
	ErrNoAudioInput    = errors.New("no transcribable audio input provided")
	ErrEmptyTranscript = errors.New("transcription returned no text")
)

// AllowedExtensions lists the accepted audio file extensions
var AllowedExtensions = []string{"mp3", "wav", "webm", "ogg", "m4a", "mp4"}

const (
	// DefaultMaxTextLength is the longest text accepted for synthesis.
	DefaultMaxTextLength = 3000

	queryTruncateAt = 2800
	chatTruncateAt  = 3000
	truncateKeep    = 2800
	truncateSuffix  = "... [Response truncated for voice synthesis]"

	queryPrompt = "Please provide a concise, natural response suitable for text-to-speech conversion. " +
		"Keep responses under 2500 characters for optimal voice synthesis. \n\nUser question: %s\n\nResponse:"

	chatPreamble = "You are a helpful AI voice assistant engaged in a natural conversation. " +
		"Provide concise, natural responses suitable for text-to-speech conversion. " +
		"Keep responses under 2500 characters for optimal voice synthesis.\n\nConversation history:\n"
	chatClosing = "\nPlease respond to the latest user message:"
)

// speechOptions pins the voice used for request/response speech
var speechOptions = tts.Options{VoiceID: "en-US-natalie", Format: "MP3"}

// Config holds service limits and LLM request settings
type Config struct {
	UploadDir     string
	MaxTextLength int
	Temperature   float64
	MaxTokens     int
}

// Deps are the vendor clients. Any of them may be nil when the matching
// service is not configured.
type Deps struct {
	Synthesizer tts.Synthesizer
	Transcriber stt.Transcriber
	LLM         provider.Provider
	History     session.Store
}

// Service runs the voice operations
type Service struct {
	synth   tts.Synthesizer
	stt     stt.Transcriber
	llm     provider.Provider
	history session.Store
	cfg     Config
}

// New creates a Service. A nil history store defaults to process memory.
func New(cfg Config, deps Deps) *Service {
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = DefaultMaxTextLength
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if deps.History == nil {
		deps.History = session.NewMemoryStore()
	}
	return &Service{
		synth:   deps.Synthesizer,
		stt:     deps.Transcriber,
		llm:     deps.LLM,
		history: deps.History,
		cfg:     cfg,
	}
}

// Providers reports which vendors are configured
func (s *Service) Providers() map[string]bool {
	return map[string]bool{
		"tts": s.synth != nil,
		"stt": s.stt != nil,
		"llm": s.llm != nil,
	}
}

// HasTranscriber reports whether speech-to-text is configured
func (s *Service) HasTranscriber() bool { return s.stt != nil }

// Model returns the language model name, or "" without an LLM
func (s *Service) Model() string {
	if s.llm == nil {
		return ""
	}
	if m, ok := s.llm.(interface{ Model() string }); ok && m.Model() != "" {
		return m.Model()
	}
	return s.llm.Name()
}

// GenerateAudio synthesizes text with the default voice. Validation happens
// before the vendor is contacted.
func (s *Service) GenerateAudio(ctx context.Context, text string) (*tts.Result, error) {
	text = strings.TrimSpace(security.SanitizeString(text))
	if text == "" {
		return nil, ErrEmptyText
	}
	if s.synth == nil {
		return nil, ErrTTSUnavailable
	}
	if utf8.RuneCountInString(text) > s.cfg.MaxTextLength {
		return nil, ErrTextTooLong
	}

	res, err := s.synth.Synthesize(ctx, text, speechOptions)
	if err != nil {
		log.Printf("[voice] generate audio failed: %v", err)
		return nil, err
	}
	return res, nil
}

// CheckAudioFilename validates the client-supplied name of an audio file
func CheckAudioFilename(name string) error {
	if name == "" {
		return ErrNoFileSelected
	}
	if !security.HasAllowedExtension(name, AllowedExtensions) {
		return ErrFileType
	}
	return nil
}

// truncateForSpeech cuts text longer than limit characters to the first
// truncateKeep characters plus a marker.
func truncateForSpeech(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	log.Printf("[voice] response truncated for voice synthesis")
	return security.Truncate(text, truncateKeep) + truncateSuffix
}

// speechError describes a failed synthesis for the audio_error field
func speechError(err error) string {
	var apiErr *tts.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		return "Speech generation failed: Service returned status " + strconv.Itoa(apiErr.StatusCode)
	}
	if errors.Is(err, tts.ErrNoAudioURL) {
		return "Speech generation failed: No audio URL returned from service"
	}
	if errors.Is(err, ErrTTSUnavailable) {
		return "Speech generation failed: Text-to-speech service is not configured"
	}
	return "Speech generation failed: " + security.SanitizeErrorMessage(err.Error())
}
