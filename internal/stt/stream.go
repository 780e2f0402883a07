package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aixgo-dev/voiceagent/internal/upstream"
)

const (
	defaultStreamingHost = "streaming.assemblyai.com"

	streamDialTimeout    = 10 * time.Second
	streamWriteWait      = 10 * time.Second
	streamCloseGrace     = 3 * time.Second
	streamEventBuffer    = 64
	streamMaxFrameSize   = 1 << 20
	streamingPathV3      = "/v3/ws"
	streamingSchemeTLS   = "wss"
	streamingSchemePlain = "ws"
)

// StreamDialer opens AssemblyAI v3 streaming sessions
type StreamDialer struct {
	apiKey string
	host   string
	scheme string
	dialer *websocket.Dialer
}

// StreamOption configures a StreamDialer
type StreamOption func(*StreamDialer)

// WithStreamingHost overrides the streaming host
func WithStreamingHost(host string) StreamOption {
	return func(d *StreamDialer) {
		if host != "" {
			d.host = host
		}
	}
}

// WithInsecure dials ws:// instead of wss://. Used against local fakes.
func WithInsecure() StreamOption {
	return func(d *StreamDialer) {
		d.scheme = streamingSchemePlain
	}
}

// NewStreamDialer creates a dialer for the streaming endpoint
func NewStreamDialer(apiKey string, opts ...StreamOption) *StreamDialer {
	d := &StreamDialer{
		apiKey: apiKey,
		host:   defaultStreamingHost,
		scheme: streamingSchemeTLS,
		dialer: &websocket.Dialer{HandshakeTimeout: streamDialTimeout},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Endpoint builds the connection URL for params
func (d *StreamDialer) Endpoint(params StreamParams) string {
	q := url.Values{}
	q.Set("sample_rate", strconv.Itoa(params.SampleRate))
	q.Set("format_turns", strconv.FormatBool(params.FormatTurns))
	q.Set("end_of_turn_confidence_threshold", strconv.FormatFloat(params.EndOfTurnConfidenceThreshold, 'f', -1, 64))
	q.Set("min_end_of_turn_silence_when_confident", strconv.Itoa(params.MinEndOfTurnSilenceWhenConfident))
	q.Set("max_turn_silence", strconv.Itoa(params.MaxTurnSilence))

	u := url.URL{Scheme: d.scheme, Host: d.host, Path: streamingPathV3, RawQuery: q.Encode()}
	return u.String()
}

// Dial connects and starts reading events
func (d *StreamDialer) Dial(ctx context.Context, params StreamParams) (TranscriptStream, error) {
	header := http.Header{}
	header.Set("Authorization", d.apiKey)

	conn, resp, err := d.dialer.DialContext(ctx, d.Endpoint(params), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode != 0 {
			return nil, &APIError{StatusCode: resp.StatusCode, Body: "websocket handshake failed", Code: upstream.ClassifyStatus(resp.StatusCode), Err: err}
		}
		return nil, transportError(err)
	}
	conn.SetReadLimit(streamMaxFrameSize)

	s := &Stream{
		conn:   conn,
		events: make(chan Event, streamEventBuffer),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Stream is one streaming transcription session
type Stream struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	events  chan Event
	done    chan struct{}
	exited  chan struct{}
	once    sync.Once
}

type wireMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`

	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`

	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`

	Turn
}

// Write sends a binary audio frame
func (s *Stream) Write(audio []byte) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return transportError(err)
	}
	return nil
}

// SetFormatTurns sends an UpdateConfiguration message
func (s *Stream) SetFormatTurns(enabled bool) error {
	return s.writeJSON(map[string]any{"type": "UpdateConfiguration", "format_turns": enabled})
}

// Events returns the event channel. It is closed when the session ends.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Close terminates the session. The vendor answers Terminate with a
// Termination event; Close waits briefly for it before dropping the
// connection.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.writeJSON(map[string]any{"type": "Terminate"})
		select {
		case <-s.exited:
		case <-time.After(streamCloseGrace):
		}
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) writeJSON(v any) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := s.conn.WriteJSON(v); err != nil {
		return transportError(err)
	}
	return nil
}

func (s *Stream) readLoop() {
	defer close(s.exited)
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.emit(Event{Type: EventError, Err: transportError(err)})
				}
			}
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[assemblyai] ignoring malformed event: %v", err)
			continue
		}

		ev, ok := toEvent(msg)
		if !ok {
			continue
		}
		if !s.emit(ev) {
			return
		}
		if ev.Type == EventTermination {
			return
		}
	}
}

func toEvent(msg wireMessage) (Event, bool) {
	if msg.Error != "" {
		return Event{Type: EventError, Err: &APIError{Code: upstream.CodeServer, Err: errors.New(msg.Error)}}, true
	}
	switch EventType(msg.Type) {
	case EventBegin:
		return Event{Type: EventBegin, SessionID: msg.ID, ExpiresAt: msg.ExpiresAt}, true
	case EventTurn:
		turn := msg.Turn
		return Event{Type: EventTurn, Turn: &turn}, true
	case EventTermination:
		return Event{
			Type:                   EventTermination,
			AudioDurationSeconds:   msg.AudioDurationSeconds,
			SessionDurationSeconds: msg.SessionDurationSeconds,
		}, true
	default:
		if msg.Type != "" {
			log.Printf("[assemblyai] ignoring event type %q", msg.Type)
		}
		return Event{}, false
	}
}

func (s *Stream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// String describes the event for logs
func (e Event) String() string {
	switch e.Type {
	case EventTurn:
		if e.Turn != nil {
			return fmt.Sprintf("Turn %d (end_of_turn=%t, formatted=%t): %q", e.Turn.TurnOrder, e.Turn.EndOfTurn, e.Turn.TurnIsFormatted, e.Turn.Transcript)
		}
	case EventBegin:
		return "Begin " + e.SessionID
	case EventTermination:
		return fmt.Sprintf("Termination (%.1fs audio)", e.AudioDurationSeconds)
	case EventError:
		return fmt.Sprintf("Error: %v", e.Err)
	}
	return string(e.Type)
}
