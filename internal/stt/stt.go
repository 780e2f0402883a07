// Package stt provides the AssemblyAI speech-to-text clients: batch
// transcription over REST and turn-based streaming over the v3 WebSocket API.
package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/aixgo-dev/voiceagent/internal/upstream"
)

// Common STT errors
var (
	// ErrEmptyAudio is returned when there is nothing to transcribe.
	ErrEmptyAudio = errors.New("audio cannot be empty")

	// ErrStreamClosed is returned when writing to a closed stream.
	ErrStreamClosed = errors.New("stt stream is closed")
)

// Transcript statuses reported by the vendor
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// Transcript is a finished batch transcription
type Transcript struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

// Transcriber transcribes a complete audio file
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (*Transcript, error)
}

// StreamParams are passed through to the streaming endpoint unchanged
type StreamParams struct {
	SampleRate                       int
	FormatTurns                      bool
	EndOfTurnConfidenceThreshold     float64
	MinEndOfTurnSilenceWhenConfident int
	MaxTurnSilence                   int
}

// DefaultStreamParams returns the parameters the relay uses unless configured
func DefaultStreamParams() StreamParams {
	return StreamParams{
		SampleRate:                       16000,
		FormatTurns:                      true,
		EndOfTurnConfidenceThreshold:     0.7,
		MinEndOfTurnSilenceWhenConfident: 160,
		MaxTurnSilence:                   2400,
	}
}

// EventType identifies a streaming event
type EventType string

const (
	EventBegin       EventType = "Begin"
	EventTurn        EventType = "Turn"
	EventTermination EventType = "Termination"
	EventError       EventType = "Error"
)

// Word is one recognized word within a turn
type Word struct {
	Text        string  `json:"text"`
	Start       int     `json:"start"`
	End         int     `json:"end"`
	Confidence  float64 `json:"confidence"`
	WordIsFinal bool    `json:"word_is_final"`
}

// Turn is a partial or complete speaker turn
type Turn struct {
	TurnOrder           int     `json:"turn_order"`
	TurnIsFormatted     bool    `json:"turn_is_formatted"`
	EndOfTurn           bool    `json:"end_of_turn"`
	Transcript          string  `json:"transcript"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
	Words               []Word  `json:"words"`
}

// Event is delivered on a stream's event channel
type Event struct {
	Type EventType

	// Begin
	SessionID string
	ExpiresAt int64

	// Turn
	Turn *Turn

	// Termination
	AudioDurationSeconds   float64
	SessionDurationSeconds float64

	// Error
	Err error
}

// TranscriptStream is an open streaming transcription session
type TranscriptStream interface {
	// Write sends raw PCM audio.
	Write(audio []byte) error
	// SetFormatTurns asks the vendor to format later turns.
	SetFormatTurns(enabled bool) error
	// Events delivers events until the session ends.
	Events() <-chan Event
	Close() error
}

// Streamer opens streaming transcription sessions
type Streamer interface {
	Dial(ctx context.Context, params StreamParams) (TranscriptStream, error)
}

// APIError is returned for failed AssemblyAI calls
type APIError struct {
	StatusCode int
	Body       string
	Code       string
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("assemblyai: status %d: %s", e.StatusCode, e.Body)
	case e.Err != nil:
		return "assemblyai: " + e.Err.Error()
	default:
		return "assemblyai: " + e.Code
	}
}

// Unwrap returns the underlying error
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
