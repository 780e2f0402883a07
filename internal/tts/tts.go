// Package tts provides the Murf text-to-speech clients: a REST client that
// returns a hosted audio URL and a WebSocket client that streams audio for
// incrementally supplied text.
package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/aixgo-dev/voiceagent/internal/upstream"
)

// Common TTS errors
var (
	// ErrEmptyText is returned when attempting to synthesize empty text.
	ErrEmptyText = errors.New("text cannot be empty")

	// ErrNoAudioURL is returned when the vendor answers 200 without an audio file.
	ErrNoAudioURL = errors.New("no audio URL returned from service")

	// ErrStreamClosed is returned when writing to a closed stream.
	ErrStreamClosed = errors.New("tts stream is closed")
)

// Options selects the voice for one synthesis request. Zero fields use the
// client defaults.
type Options struct {
	VoiceID string
	Format  string
}

// Result is a synthesized clip hosted by the vendor
type Result struct {
	AudioURL           string
	AudioLengthSeconds float64
}

// Synthesizer turns text into a hosted audio clip
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts Options) (*Result, error)
}

// Chunk is one piece of streamed audio
type Chunk struct {
	// Audio is the decoded audio payload.
	Audio []byte
	// Base64 is the payload as the vendor sent it.
	Base64 string
	// Final marks the last chunk for the current text.
	Final bool
	Err   error
}

// AudioStream is an open streaming synthesis session
type AudioStream interface {
	// SendText queues text for synthesis. end marks the end of the utterance.
	SendText(text string, end bool) error
	// Chunks delivers audio until the connection closes.
	Chunks() <-chan Chunk
	ContextID() string
	Close() error
}

// Streamer opens streaming synthesis sessions
type Streamer interface {
	Dial(ctx context.Context) (AudioStream, error)
}

// APIError is returned for failed Murf calls
type APIError struct {
	StatusCode int
	Body       string
	Code       string
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("murf: status %d: %s", e.StatusCode, e.Body)
	case e.Err != nil:
		return "murf: " + e.Err.Error()
	default:
		return "murf: " + e.Code
	}
}

// Unwrap returns the underlying transport error
func (e *APIError) Unwrap() error {
	return e.Err
}

// ErrorCode returns the error code
func (e *APIError) ErrorCode() string {
	return e.Code
}

// Retryable reports whether the call may succeed if repeated
func (e *APIError) Retryable() bool {
	return upstream.Retryable(e.Code)
}

func statusError(status int, body string) *APIError {
	return &APIError{StatusCode: status, Body: body, Code: upstream.ClassifyStatus(status)}
}

func transportError(err error) *APIError {
	return &APIError{Code: upstream.ClassifyTransport(err), Err: err}
}
