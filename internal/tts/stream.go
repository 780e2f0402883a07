package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aixgo-dev/voiceagent/internal/upstream"
	"github.com/aixgo-dev/voiceagent/pkg/security"
)

const (
	murfDefaultStreamURL = "wss://api.murf.ai/v1/speech/stream-input"

	streamDialTimeout  = 10 * time.Second
	streamWriteWait    = 10 * time.Second
	streamChunkBuffer  = 64
	streamMaxFrameSize = 16 * 1024 * 1024
)

// VoiceConfig is sent as the first frame of every stream
type VoiceConfig struct {
	VoiceID   string `json:"voiceId"`
	Style     string `json:"style"`
	Rate      int    `json:"rate"`
	Pitch     int    `json:"pitch"`
	Variation int    `json:"variation"`
}

// StreamDialer opens Murf streaming sessions
type StreamDialer struct {
	apiKey     string
	url        string
	sampleRate int
	voice      VoiceConfig
	dialer     *websocket.Dialer
}

// StreamOption configures a StreamDialer
type StreamOption func(*StreamDialer)

// WithStreamURL overrides the WebSocket endpoint
func WithStreamURL(u string) StreamOption {
	return func(d *StreamDialer) {
		if u != "" {
			d.url = u
		}
	}
}

// WithSampleRate sets the output sample rate
func WithSampleRate(rate int) StreamOption {
	return func(d *StreamDialer) {
		if rate > 0 {
			d.sampleRate = rate
		}
	}
}

// WithStreamVoice sets the voice and style used for streamed speech
func WithStreamVoice(voiceID, style string) StreamOption {
	return func(d *StreamDialer) {
		if voiceID != "" {
			d.voice.VoiceID = voiceID
		}
		if style != "" {
			d.voice.Style = style
		}
	}
}

// NewStreamDialer creates a dialer for the Murf stream-input endpoint
func NewStreamDialer(apiKey string, opts ...StreamOption) *StreamDialer {
	d := &StreamDialer{
		apiKey:     apiKey,
		url:        murfDefaultStreamURL,
		sampleRate: 44100,
		voice: VoiceConfig{
			VoiceID:   "en-US-amara",
			Style:     "Conversational",
			Variation: 1,
		},
		dialer: &websocket.Dialer{HandshakeTimeout: streamDialTimeout},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *StreamDialer) endpoint() (string, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return "", fmt.Errorf("invalid stream url: %w", err)
	}
	q := u.Query()
	q.Set("api-key", d.apiKey)
	q.Set("sample_rate", strconv.Itoa(d.sampleRate))
	q.Set("channel_type", "MONO")
	q.Set("format", "WAV")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects, sends the voice configuration and starts reading audio
func (d *StreamDialer) Dial(ctx context.Context) (AudioStream, error) {
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}

	conn, resp, err := d.dialer.DialContext(ctx, endpoint, nil)
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
		conn:      conn,
		contextID: uuid.NewString(),
		chunks:    make(chan Chunk, streamChunkBuffer),
		done:      make(chan struct{}),
	}

	if err := s.writeJSON(map[string]any{"voice_config": d.voice}); err != nil {
		_ = conn.Close()
		return nil, transportError(err)
	}
	log.Printf("[murf] stream connected (context %s, key %s)", s.contextID, security.MaskSecret(d.apiKey))

	go s.readLoop()
	return s, nil
}

// Stream is one Murf streaming session. All text sent on a stream shares a
// context id so the vendor keeps prosody continuous across chunks.
type Stream struct {
	conn      *websocket.Conn
	contextID string

	writeMu sync.Mutex
	chunks  chan Chunk
	done    chan struct{}
	once    sync.Once
}

type textFrame struct {
	Text      string `json:"text"`
	ContextID string `json:"context_id"`
	End       bool   `json:"end"`
}

type audioFrame struct {
	Audio     string `json:"audio"`
	Final     bool   `json:"final"`
	ContextID string `json:"context_id"`
	Error     string `json:"error"`
}

// ContextID returns the id attached to every text frame
func (s *Stream) ContextID() string {
	return s.contextID
}

// SendText sends text for synthesis
func (s *Stream) SendText(text string, end bool) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	if err := s.writeJSON(textFrame{Text: text, ContextID: s.contextID, End: end}); err != nil {
		return transportError(err)
	}
	return nil
}

// Chunks returns the audio channel. It is closed when the connection ends.
func (s *Stream) Chunks() <-chan Chunk {
	return s.chunks
}

// Close closes the connection. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return s.conn.WriteJSON(v)
}

func (s *Stream) readLoop() {
	defer close(s.chunks)

	for {
		var frame audioFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.emit(Chunk{Err: transportError(err)})
				}
			}
			return
		}

		if frame.Error != "" {
			s.emit(Chunk{Err: &APIError{Code: upstream.CodeServer, Err: errors.New(frame.Error)}})
			continue
		}
		if frame.Audio == "" && !frame.Final {
			continue
		}

		chunk := Chunk{Base64: frame.Audio, Final: frame.Final}
		if frame.Audio != "" {
			audio, err := base64.StdEncoding.DecodeString(frame.Audio)
			if err != nil {
				chunk.Err = fmt.Errorf("decode audio: %w", err)
			}
			chunk.Audio = audio
		}
		if !s.emit(chunk) {
			return
		}
	}
}

// emit delivers a chunk unless the stream has been closed
func (s *Stream) emit(c Chunk) bool {
	select {
	case s.chunks <- c:
		return true
	case <-s.done:
		return false
	}
}
