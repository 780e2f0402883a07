// Package relay bridges a browser microphone socket to streaming speech
// recognition, a streaming LLM and streaming speech synthesis.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/voiceagent/internal/llm/provider"
	"github.com/aixgo-dev/voiceagent/internal/observability"
	"github.com/aixgo-dev/voiceagent/internal/persona"
	"github.com/aixgo-dev/voiceagent/internal/stt"
	"github.com/aixgo-dev/voiceagent/internal/tts"
	metrics "github.com/aixgo-dev/voiceagent/pkg/observability"
	"github.com/aixgo-dev/voiceagent/pkg/security"
	"github.com/aixgo-dev/voiceagent/pkg/session"
)

// Frame types sent to the client
const (
	FrameStatus            = "status"
	FramePartialTranscript = "partial_transcript"
	FrameTurnComplete      = "turn_complete"
	FrameLLMPartial        = "llm_partial_response"
	FrameLLMFull           = "llm_full_response"
	FrameAudioChunk        = "audio_chunk"
	FramePersonaChanged    = "persona_changed"
	FrameError             = "error"
)

const (
	readyMessage       = "Connected and ready for audio"
	sttFailedMessage   = "Failed to start transcription"
	writeWait          = 10 * time.Second
	maxClientFrameSize = 1 << 20
	turnQueueSize      = 8
)

// errSessionEnded stops the session's goroutines without reporting a failure
var errSessionEnded = errors.New("relay session ended")

// errClientGone wraps failed writes to the client socket
var errClientGone = errors.New("client connection lost")

// Config tunes the relay
type Config struct {
	Params      stt.StreamParams
	Temperature float64
	MaxTokens   int
}

// Deps are the upstream services. STT is required; without LLM turns are
// only transcribed, and without TTS replies are text only.
type Deps struct {
	STT     stt.Streamer
	TTS     tts.Streamer
	LLM     provider.Provider
	History session.Store
}

// Relay serves the streaming voice socket
type Relay struct {
	cfg      Config
	deps     Deps
	upgrader websocket.Upgrader
}

// New creates a relay
func New(cfg Config, deps Deps) *Relay {
	if cfg.Params.SampleRate == 0 {
		cfg.Params = stt.DefaultStreamParams()
	}
	return &Relay{
		cfg:  cfg,
		deps: deps,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type messageFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type partialFrame struct {
	Type                string  `json:"type"`
	TurnOrder           int     `json:"turn_order"`
	Transcript          string  `json:"transcript"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
}

type turnFrame struct {
	Type                string  `json:"type"`
	TurnOrder           int     `json:"turn_order"`
	Transcript          string  `json:"transcript"`
	TurnIsFormatted     bool    `json:"turn_is_formatted"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
	WordCount           int     `json:"word_count"`
}

type textFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type audioFrame struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
	Final bool   `json:"final"`
}

type personaFrame struct {
	Type    string `json:"type"`
	Persona string `json:"persona"`
	Name    string `json:"name"`
}

// controlMessage is a text frame from the client
type controlMessage struct {
	Type    string `json:"type"`
	Persona string `json:"persona,omitempty"`
}

// ServeHTTP upgrades the request and runs one relay session.
// Query parameters persona and session_id are optional.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()

	var current *persona.Persona
	if key := q.Get("persona"); key != "" {
		p, ok := persona.Lookup(key)
		if !ok {
			security.WriteError(w, http.StatusBadRequest, security.ErrCodeValidation, "Invalid persona")
			return
		}
		current = &p
	}

	sessionID := q.Get("session_id")
	if sessionID != "" {
		if err := security.ValidateSessionID(sessionID); err != nil {
			security.WriteError(w, http.StatusBadRequest, security.ErrCodeValidation, "Invalid session ID")
			return
		}
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("[relay] websocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(maxClientFrameSize)
	clearDeadlines(conn)
	log.Printf("[relay] new client connected")

	s := &relaySession{
		relay:        r,
		conn:         conn,
		sessionID:    sessionID,
		persona:      current,
		formatting:   r.cfg.Params.FormatTurns,
		lastAnswered: -1,
		turns:        make(chan string, turnQueueSize),
	}
	if err := s.run(req.Context()); err != nil {
		log.Printf("[relay] session ended with error: %v", err)
	}
	log.Printf("[relay] client connection closed")
}

// relaySession is the state of one client connection
type relaySession struct {
	relay     *Relay
	conn      *websocket.Conn
	sessionID string
	writeMu   sync.Mutex

	transcripts stt.TranscriptStream
	group       *errgroup.Group
	turns       chan string

	// owned by the transcript loop
	formatting   bool
	lastAnswered int

	mu      sync.Mutex
	persona *persona.Persona
	voice   tts.AudioStream
}

func (s *relaySession) run(ctx context.Context) error {
	defer func() { _ = s.conn.Close() }()
	defer metrics.RelaySessionStarted()()

	transcripts, err := s.relay.deps.STT.Dial(ctx, s.relay.cfg.Params)
	if err != nil {
		log.Printf("[relay] error starting transcription: %v", err)
		_ = s.send(messageFrame{Type: FrameError, Message: sttFailedMessage})
		return err
	}
	s.transcripts = transcripts
	defer func() { _ = s.transcripts.Close() }()
	log.Printf("[relay] transcription stream connected")

	if err := s.send(messageFrame{Type: FrameStatus, Message: readyMessage}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	g.Go(func() error { return s.readClient() })
	g.Go(func() error { return s.readTranscripts(gctx) })
	g.Go(func() error { return s.answerTurns(gctx) })
	g.Go(func() error {
		// Unblocks readClient and pumpAudio once any loop has finished.
		<-gctx.Done()
		s.closeVoice()
		_ = s.conn.Close()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errSessionEnded) {
		return err
	}
	return nil
}

// send writes one JSON frame to the client
func (s *relaySession) send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("%w: %v", errClientGone, err)
	}
	return nil
}

func (s *relaySession) sendError(message string) {
	if err := s.send(messageFrame{Type: FrameError, Message: message}); err != nil {
		log.Printf("[relay] error sending to client: %v", err)
	}
}

// readClient forwards binary audio upstream and handles control frames
func (s *relaySession) readClient() error {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[relay] client disconnected normally")
			} else {
				log.Printf("[relay] client disconnected: %v", err)
			}
			return errSessionEnded
		}

		switch mt {
		case websocket.BinaryMessage:
			if err := s.transcripts.Write(data); err != nil {
				log.Printf("[relay] error sending audio: %v", err)
				s.sendError("Transcription stream closed")
				return fmt.Errorf("forward audio: %w", err)
			}
		case websocket.TextMessage:
			s.handleControl(data)
		}
	}
}

func (s *relaySession) handleControl(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[relay] invalid JSON received from client")
		return
	}

	switch msg.Type {
	case "start":
		log.Printf("[relay] client requested to start recording")
	case "stop":
		log.Printf("[relay] client requested to stop recording")
	case "persona":
		p, ok := persona.Lookup(msg.Persona)
		if !ok {
			log.Printf("[relay] unknown persona %q", msg.Persona)
			s.sendError("Invalid persona")
			return
		}
		s.switchPersona(p)
		if err := s.send(personaFrame{Type: FramePersonaChanged, Persona: p.Key, Name: p.Name}); err != nil {
			log.Printf("[relay] error sending to client: %v", err)
		}
	default:
		log.Printf("[relay] ignoring client message type %q", msg.Type)
	}
}

// switchPersona changes the persona for later turns and drops the current
// synthesis stream so the next turn starts a fresh context.
func (s *relaySession) switchPersona(p persona.Persona) {
	s.mu.Lock()
	s.persona = &p
	voice := s.voice
	s.voice = nil
	s.mu.Unlock()

	if voice != nil {
		_ = voice.Close()
	}
	log.Printf("[relay] persona switched to %s", p.Key)
}

func (s *relaySession) currentPersona() *persona.Persona {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persona
}

// readTranscripts relays upstream events until the stream ends
func (s *relaySession) readTranscripts(ctx context.Context) error {
	events := s.transcripts.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				log.Printf("[relay] transcription stream closed")
				return errSessionEnded
			}
			switch ev.Type {
			case stt.EventBegin:
				log.Printf("[relay] %v", ev)
			case stt.EventTurn:
				if err := s.handleTurn(ctx, ev.Turn); err != nil {
					return err
				}
			case stt.EventTermination:
				log.Printf("[relay] %v", ev)
			case stt.EventError:
				log.Printf("[relay] %v", ev)
				s.sendError("Transcription error: " + security.SanitizeErrorMessage(errString(ev.Err)))
				return fmt.Errorf("transcription: %w", ev.Err)
			}
		}
	}
}

func (s *relaySession) handleTurn(ctx context.Context, turn *stt.Turn) error {
	if turn == nil {
		return nil
	}

	if !turn.EndOfTurn {
		return s.send(partialFrame{
			Type:                FramePartialTranscript,
			TurnOrder:           turn.TurnOrder,
			Transcript:          turn.Transcript,
			EndOfTurnConfidence: turn.EndOfTurnConfidence,
		})
	}

	log.Printf("[relay] end of turn %d: %q", turn.TurnOrder, turn.Transcript)
	metrics.RecordTurn(turn.TurnIsFormatted)
	if err := s.send(turnFrame{
		Type:                FrameTurnComplete,
		TurnOrder:           turn.TurnOrder,
		Transcript:          turn.Transcript,
		TurnIsFormatted:     turn.TurnIsFormatted,
		EndOfTurnConfidence: turn.EndOfTurnConfidence,
		WordCount:           len(turn.Words),
	}); err != nil {
		return err
	}

	// With formatting on, every turn ends twice; only the formatted copy is answered.
	answer := turn.TurnOrder > s.lastAnswered && (turn.TurnIsFormatted || !s.formatting)

	if !turn.TurnIsFormatted && !s.formatting {
		if err := s.transcripts.SetFormatTurns(true); err != nil {
			log.Printf("[relay] error requesting formatted turns: %v", err)
		} else {
			s.formatting = true
		}
	}

	if !answer || strings.TrimSpace(turn.Transcript) == "" || s.relay.deps.LLM == nil {
		return nil
	}
	s.lastAnswered = turn.TurnOrder

	select {
	case s.turns <- turn.Transcript:
	case <-ctx.Done():
	}
	return nil
}

// answerTurns answers completed turns one at a time, in order
func (s *relaySession) answerTurns(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text := <-s.turns:
			if err := s.answer(ctx, text); err != nil {
				return err
			}
		}
	}
}

// answer streams the LLM reply to the client and into speech synthesis
func (s *relaySession) answer(ctx context.Context, transcript string) error {
	ctx, span := observability.StartSpan(ctx, "relay.answer", map[string]any{
		"transcript.length": len(transcript),
	})

	var messages []provider.Message
	if p := s.currentPersona(); p != nil {
		span.SetAttribute("persona", p.Key)
		messages = append(messages, provider.Message{Role: "system", Content: p.SystemInstruction()})
	}
	messages = append(messages, provider.Message{Role: "user", Content: transcript})

	log.Printf("[relay] sending to LLM: %s", transcript)
	stream, err := s.relay.deps.LLM.CreateStreaming(ctx, provider.CompletionRequest{
		Messages:    messages,
		Temperature: s.relay.cfg.Temperature,
		MaxTokens:   s.relay.cfg.MaxTokens,
	})
	if err != nil {
		span.End(err)
		s.reportLLMError(err)
		return nil
	}

	voice := s.voiceStream(ctx)
	full, err := provider.Collect(stream, func(delta string) error {
		if err := s.send(textFrame{Type: FrameLLMPartial, Text: delta}); err != nil {
			return err
		}
		if voice != nil {
			if err := voice.SendText(delta, false); err != nil {
				log.Printf("[relay] error sending text to TTS: %v", err)
				voice = nil
			}
		}
		return nil
	})
	if err != nil {
		span.End(err)
		if errors.Is(err, errClientGone) {
			return errSessionEnded
		}
		s.reportLLMError(err)
		return nil
	}

	if voice != nil {
		if err := voice.SendText("", true); err != nil {
			log.Printf("[relay] error closing TTS utterance: %v", err)
		}
	}

	log.Printf("[relay] LLM full response: %d characters", len(full))
	if err := s.send(textFrame{Type: FrameLLMFull, Text: full}); err != nil {
		span.End(err)
		return errSessionEnded
	}

	s.remember(ctx, transcript, full)
	span.End(nil)
	return nil
}

func (s *relaySession) reportLLMError(err error) {
	log.Printf("[relay] error getting LLM response: %v", err)
	s.sendError("LLM Error: " + security.SanitizeErrorMessage(err.Error()))
}

// remember appends the turn to the chat history named by session_id
func (s *relaySession) remember(ctx context.Context, transcript, reply string) {
	store := s.relay.deps.History
	if s.sessionID == "" || store == nil {
		return
	}
	if err := store.Append(ctx, s.sessionID, session.Message{Role: session.RoleUser, Content: transcript}); err != nil {
		log.Printf("[relay] error saving history for %s: %v", s.sessionID, err)
		return
	}
	if err := store.Append(ctx, s.sessionID, session.Message{Role: session.RoleAssistant, Content: reply}); err != nil {
		log.Printf("[relay] error saving history for %s: %v", s.sessionID, err)
	}
}

// voiceStream returns the open synthesis stream, dialing one if needed.
// It returns nil when speech is not configured or the dial fails.
func (s *relaySession) voiceStream(ctx context.Context) tts.AudioStream {
	if s.relay.deps.TTS == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.voice != nil {
		return s.voice
	}

	voice, err := s.relay.deps.TTS.Dial(ctx)
	if err != nil {
		log.Printf("[relay] error connecting to TTS: %v", err)
		return nil
	}
	log.Printf("[relay] connected to TTS stream %s", voice.ContextID())
	s.voice = voice
	s.group.Go(func() error { return s.pumpAudio(voice) })
	return voice
}

// pumpAudio forwards synthesized audio until the stream closes
func (s *relaySession) pumpAudio(voice tts.AudioStream) error {
	defer func() {
		s.mu.Lock()
		if s.voice == voice {
			s.voice = nil
		}
		s.mu.Unlock()
	}()

	for chunk := range voice.Chunks() {
		if chunk.Err != nil {
			log.Printf("[relay] TTS stream error: %v", chunk.Err)
			continue
		}
		if err := s.send(audioFrame{Type: FrameAudioChunk, Audio: chunk.Base64, Final: chunk.Final}); err != nil {
			return errSessionEnded
		}
		metrics.RecordAudioChunk()
		if chunk.Final {
			log.Printf("[relay] TTS audio generation completed")
		}
	}
	return nil
}

func (s *relaySession) closeVoice() {
	s.mu.Lock()
	voice := s.voice
	s.voice = nil
	s.mu.Unlock()
	if voice != nil {
		_ = voice.Close()
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
