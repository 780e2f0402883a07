package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aixgo-dev/voiceagent/internal/llm/provider"
	"github.com/aixgo-dev/voiceagent/internal/persona"
	"github.com/aixgo-dev/voiceagent/internal/stt"
	"github.com/aixgo-dev/voiceagent/internal/tts"
	"github.com/aixgo-dev/voiceagent/internal/upstream"
	"github.com/aixgo-dev/voiceagent/internal/voice"
	"github.com/aixgo-dev/voiceagent/pkg/security"
)

// Request errors raised by the handlers themselves
var (
	errNoAudioFile          = errors.New("no audio file provided")
	errInvalidSessionID     = errors.New("invalid session id")
	errNoMessage            = errors.New("no message provided")
	errNoQuery              = errors.New("no search query provided")
	errStreamingUnavailable = errors.New("streaming transcription not configured")
	errBadBody              = errors.New("malformed request body")
)

// apiError is a client-facing failure
type apiError struct {
	status  int
	code    security.ErrorCode
	message string
}

// Messages for text-to-speech outcomes
const (
	msgTTSAuth        = "Authentication failed. Please check API configuration."
	msgRateLimit      = "Rate limit exceeded. Please wait a moment and try again."
	msgTTSServer      = "Text-to-speech service is experiencing issues. Please try again later."
	msgTTSNoAudio     = "Audio generation failed: No audio URL returned from service."
	msgTTSTimeout     = "Audio generation timed out. The service may be busy. Please try again."
	msgTTSConnection  = "Unable to connect to text-to-speech service. Please check your internet connection."
	msgTTSUnavailable = "Text-to-speech service is currently unavailable. Please try again later."
)

func badRequest(message string) apiError {
	return apiError{status: http.StatusBadRequest, code: security.ErrCodeValidation, message: message}
}

// errorFor maps any handler error to a status, code and message
func errorFor(err error) apiError {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return apiError{http.StatusRequestEntityTooLarge, security.ErrCodePayloadTooBig,
			fmt.Sprintf("File too large. Maximum size is %dMB.", maxErr.Limit>>20)}
	}

	switch {
	case errors.Is(err, voice.ErrEmptyText):
		return badRequest("Please enter some text to convert to speech.")
	case errors.Is(err, voice.ErrTextTooLong):
		return badRequest("Text is too long. Please keep it under 3000 characters.")
	case errors.Is(err, voice.ErrTTSUnavailable), errors.Is(err, persona.ErrNoSynthesizer):
		return apiError{http.StatusServiceUnavailable, security.ErrCodeNotConfigured, msgTTSUnavailable}
	case errors.Is(err, voice.ErrSTTUnavailable):
		return apiError{http.StatusInternalServerError, security.ErrCodeNotConfigured, "AssemblyAI API key not configured"}
	case errors.Is(err, voice.ErrLLMUnavailable):
		return apiError{http.StatusInternalServerError, security.ErrCodeNotConfigured, "Language model API key not configured"}
	case errors.Is(err, errStreamingUnavailable):
		return apiError{http.StatusServiceUnavailable, security.ErrCodeNotConfigured, "Streaming transcription is not configured"}
	case errors.Is(err, errNoAudioFile):
		return badRequest("No audio file provided")
	case errors.Is(err, voice.ErrNoFileSelected):
		return badRequest("No file selected")
	case errors.Is(err, voice.ErrFileType):
		return apiError{http.StatusBadRequest, security.ErrCodeUnsupportedExt,
			"File type not allowed. Supported formats: MP3, WAV, WEBM, OGG, M4A, MP4"}
	case errors.Is(err, voice.ErrNoTextInput):
		return badRequest("No text input provided")
	case errors.Is(err, voice.ErrNoAudioInput):
		return badRequest("No transcribable audio input provided")
	case errors.Is(err, voice.ErrEmptyTranscript):
		return badRequest("Audio transcription returned no text. Please speak more clearly or try again.")
	case errors.Is(err, errInvalidSessionID):
		return badRequest("Invalid session ID")
	case errors.Is(err, persona.ErrUnknownPersona):
		return badRequest("Invalid persona")
	case errors.Is(err, errNoMessage):
		return badRequest("No message provided")
	case errors.Is(err, errNoQuery):
		return badRequest("No search query provided")
	case errors.Is(err, errBadBody):
		return badRequest("Invalid request body")
	case errors.Is(err, tts.ErrNoAudioURL):
		return apiError{http.StatusBadGateway, security.ErrCodeUpstream, msgTTSNoAudio}
	}

	var ttsErr *tts.APIError
	if errors.As(err, &ttsErr) {
		return ttsError(ttsErr)
	}
	var sttErr *stt.APIError
	if errors.As(err, &sttErr) {
		return vendorError(err, "Transcription")
	}
	var llmErr *provider.ProviderError
	if errors.As(err, &llmErr) {
		return vendorError(err, "LLM query")
	}
	if voice.IsUpstream(err) {
		return vendorError(err, "Upstream request")
	}
	if code := upstream.Code(err); code == upstream.CodeTimeout {
		return apiError{http.StatusGatewayTimeout, security.ErrCodeTimeout, "The request timed out. Please try again."}
	}

	return apiError{http.StatusInternalServerError, security.ErrCodeInternal, "An internal error occurred"}
}

// ttsError maps a speech vendor failure to the documented messages
func ttsError(err *tts.APIError) apiError {
	switch err.Code {
	case upstream.CodeAuthentication:
		return apiError{http.StatusBadGateway, security.ErrCodeUnauthorized, msgTTSAuth}
	case upstream.CodeRateLimit:
		return apiError{http.StatusTooManyRequests, security.ErrCodeRateLimit, msgRateLimit}
	case upstream.CodeTimeout:
		return apiError{http.StatusGatewayTimeout, security.ErrCodeTimeout, msgTTSTimeout}
	case upstream.CodeConnection:
		return apiError{http.StatusBadGateway, security.ErrCodeUpstream, msgTTSConnection}
	}
	if err.StatusCode >= 500 || err.Code == upstream.CodeServer {
		return apiError{http.StatusBadGateway, security.ErrCodeUpstream, msgTTSServer}
	}
	if err.StatusCode != 0 {
		return apiError{http.StatusBadGateway, security.ErrCodeUpstream,
			fmt.Sprintf("Audio generation failed: Service returned error %d", err.StatusCode)}
	}
	return apiError{http.StatusBadGateway, security.ErrCodeUpstream, "Audio generation failed. Please try again."}
}

// vendorError maps transcription and LLM failures. The reason is sanitized
// before it is shown.
func vendorError(err error, operation string) apiError {
	switch upstream.Code(err) {
	case upstream.CodeTimeout:
		return apiError{http.StatusGatewayTimeout, security.ErrCodeTimeout, operation + " timed out. Please try again."}
	case upstream.CodeRateLimit:
		return apiError{http.StatusTooManyRequests, security.ErrCodeRateLimit, msgRateLimit}
	case upstream.CodeAuthentication:
		return apiError{http.StatusBadGateway, security.ErrCodeUnauthorized, msgTTSAuth}
	}
	reason := security.Truncate(security.SanitizeErrorMessage(err.Error()), 200)
	return apiError{http.StatusBadGateway, security.ErrCodeUpstream, operation + " failed: " + reason}
}

// writeError logs err and writes the mapped error body
func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeAPIError(w, err, errorFor(err))
}

func (s *Server) writeAPIError(w http.ResponseWriter, err error, ae apiError) {
	secure := security.SanitizeErrorWithCode(err, ae.code, ae.message, s.debug)

	body := map[string]any{
		"success": false,
		"error":   secure.Message,
		"code":    secure.Code,
	}
	if len(secure.Details) > 0 {
		body["details"] = secure.Details
	}
	writeJSON(w, ae.status, body)
}
