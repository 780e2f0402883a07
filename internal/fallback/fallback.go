// Package fallback maps upstream failures to short spoken replies, so a
// conversation can continue while a vendor is unavailable.
package fallback

import (
	"context"
	"errors"
	"log"

	"github.com/aixgo-dev/voiceagent/internal/llm/provider"
	"github.com/aixgo-dev/voiceagent/internal/stt"
	"github.com/aixgo-dev/voiceagent/internal/tts"
	"github.com/aixgo-dev/voiceagent/internal/upstream"
	"github.com/aixgo-dev/voiceagent/pkg/observability"
)

// Kind identifies a fallback sentence
type Kind string

const (
	KindTTS          Kind = "tts_fallback"
	KindSTT          Kind = "stt_fallback"
	KindLLM          Kind = "llm_fallback"
	KindAPITimeout   Kind = "api_timeout"
	KindNetworkError Kind = "network_error"
)

var sentences = map[Kind]string{
	KindTTS:          "I'm having trouble generating speech right now. Please try again in a moment.",
	KindSTT:          "I couldn't understand your audio. Could you please speak more clearly or try typing your message?",
	KindLLM:          "I'm experiencing some connection issues right now. Let me try to help you in a moment.",
	KindAPITimeout:   "The service is taking longer than expected. Please try again.",
	KindNetworkError: "I'm having trouble connecting right now. Please check your connection and try again.",
}

// Sentence returns the reply for k. Unknown kinds get the network error reply.
func Sentence(k Kind) string {
	if s, ok := sentences[k]; ok {
		return s
	}
	return sentences[KindNetworkError]
}

// Classify picks the fallback kind for err. Timeouts and connection failures
// win over the vendor the error came from.
func Classify(err error) Kind {
	switch upstream.Code(err) {
	case upstream.CodeTimeout:
		return KindAPITimeout
	case upstream.CodeConnection:
		return KindNetworkError
	}

	var sttErr *stt.APIError
	if errors.As(err, &sttErr) {
		return KindSTT
	}
	var ttsErr *tts.APIError
	if errors.As(err, &ttsErr) {
		return KindTTS
	}
	var llmErr *provider.ProviderError
	if errors.As(err, &llmErr) {
		return KindLLM
	}
	if errors.Is(err, stt.ErrEmptyAudio) {
		return KindSTT
	}
	return KindNetworkError
}

// Reply is a fallback sentence with optional audio
type Reply struct {
	Kind     Kind
	Text     string
	AudioURL string
}

// Respond classifies err and tries to voice the matching sentence. A nil
// synthesizer or a failed synthesis leaves AudioURL empty.
func Respond(ctx context.Context, err error, synth tts.Synthesizer) Reply {
	kind := Classify(err)
	observability.RecordFallback(string(kind))

	r := Reply{Kind: kind, Text: Sentence(kind)}
	if synth == nil {
		return r
	}
	res, synthErr := synth.Synthesize(ctx, r.Text, tts.Options{})
	if synthErr != nil {
		log.Printf("[fallback] could not voice %s: %v", kind, synthErr)
		return r
	}
	r.AudioURL = res.AudioURL
	return r
}
