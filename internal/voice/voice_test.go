package voice

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/voiceagent/internal/fallback"
	"github.com/aixgo-dev/voiceagent/internal/llm/provider"
	"github.com/aixgo-dev/voiceagent/internal/stt"
	"github.com/aixgo-dev/voiceagent/internal/tts"
	"github.com/aixgo-dev/voiceagent/internal/upstream"
	"github.com/aixgo-dev/voiceagent/pkg/session"
)

type fakeSynth struct {
	mu    sync.Mutex
	calls []string
	opts  []tts.Options
	err   error
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string, opts tts.Options) (*tts.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	return &tts.Result{AudioURL: "https://audio.example/out.mp3"}, nil
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte) (*stt.Transcript, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &stt.Transcript{ID: "t1", Status: stt.StatusCompleted, Text: f.text, Confidence: 0.9}, nil
}

func newTestService(t *testing.T, deps Deps) *Service {
	t.Helper()
	return New(Config{UploadDir: t.TempDir()}, deps)
}

func TestGenerateAudio_Validation(t *testing.T) {
	synth := &fakeSynth{}
	svc := newTestService(t, Deps{Synthesizer: synth})
	ctx := context.Background()

	_, err := svc.GenerateAudio(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = svc.GenerateAudio(ctx, strings.Repeat("a", 3001))
	assert.ErrorIs(t, err, ErrTextTooLong)

	_, err = newTestService(t, Deps{}).GenerateAudio(ctx, "hello")
	assert.ErrorIs(t, err, ErrTTSUnavailable)

	// empty text wins over missing configuration
	_, err = newTestService(t, Deps{}).GenerateAudio(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyText)

	assert.Empty(t, synth.calls)
}

func TestGenerateAudio_Success(t *testing.T) {
	synth := &fakeSynth{}
	svc := newTestService(t, Deps{Synthesizer: synth})

	res, err := svc.GenerateAudio(context.Background(), strings.Repeat("é", 3000))
	require.NoError(t, err)
	assert.Equal(t, "https://audio.example/out.mp3", res.AudioURL)
	require.Len(t, synth.opts, 1)
	assert.Equal(t, "en-US-natalie", synth.opts[0].VoiceID)
	assert.Equal(t, "MP3", synth.opts[0].Format)
}

func TestGenerateAudio_VendorError(t *testing.T) {
	vendorErr := &tts.APIError{StatusCode: 500, Code: upstream.CodeServer}
	svc := newTestService(t, Deps{Synthesizer: &fakeSynth{err: vendorErr}})
	_, err := svc.GenerateAudio(context.Background(), "hi")
	assert.ErrorIs(t, err, vendorErr)
}

func TestSaveUpload(t *testing.T) {
	svc := newTestService(t, Deps{})

	info, err := svc.SaveUpload("../../my recording.WEBM", "", strings.NewReader("audio-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "my_recording.WEBM", info.Name)
	assert.Equal(t, "audio/webm", info.ContentType)
	assert.Equal(t, int64(11), info.Size)
	assert.Equal(t, 0.0, info.SizeMB)

	data, err := os.ReadFile(filepath.Join(svc.cfg.UploadDir, "my_recording.WEBM"))
	require.NoError(t, err)
	assert.Equal(t, "audio-bytes", string(data))

	info, err = svc.SaveUpload("clip.mp3", "audio/mpeg", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, "audio/mpeg", info.ContentType)

	_, err = svc.SaveUpload("", "", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrNoFileSelected)

	_, err = svc.SaveUpload("notes.txt", "", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrFileType)
}

func TestFileInfoFor(t *testing.T) {
	info := FileInfoFor("a.wav", 3*1024*1024+512*1024)
	assert.Equal(t, 3.5, info.SizeMB)
}

func TestEcho(t *testing.T) {
	synth := &fakeSynth{}
	svc := newTestService(t, Deps{Synthesizer: synth, Transcriber: &fakeTranscriber{text: " hello world "}})

	res, err := svc.Echo(context.Background(), []byte("audio"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Transcript)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, []string{"hello world"}, synth.calls)

	_, err = newTestService(t, Deps{Synthesizer: synth}).Echo(context.Background(), []byte("a"))
	assert.ErrorIs(t, err, ErrSTTUnavailable)

	_, err = newTestService(t, Deps{Transcriber: &fakeTranscriber{text: "x"}}).Echo(context.Background(), []byte("a"))
	assert.ErrorIs(t, err, ErrTTSUnavailable)

	_, err = newTestService(t, Deps{Synthesizer: synth, Transcriber: &fakeTranscriber{}}).Echo(context.Background(), []byte("a"))
	assert.ErrorIs(t, err, ErrEmptyTranscript)
}

func TestQuery_Text(t *testing.T) {
	llm := provider.NewMockProvider("  Go is a language.  ")
	synth := &fakeSynth{}
	svc := newTestService(t, Deps{Synthesizer: synth, LLM: llm})

	res, err := svc.Query(context.Background(), Input{Text: " what is go? "})
	require.NoError(t, err)
	assert.Equal(t, "Go is a language.", res.Response)
	assert.Equal(t, "what is go?", res.Input)
	assert.Equal(t, SourceText, res.InputSource)
	assert.Equal(t, "mock-model", res.Model)
	assert.Equal(t, "https://audio.example/out.mp3", res.AudioURL)
	assert.Empty(t, res.AudioError)

	calls := llm.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Messages, 1)
	assert.Equal(t, "Please provide a concise, natural response suitable for text-to-speech conversion. "+
		"Keep responses under 2500 characters for optimal voice synthesis. \n\nUser question: what is go?\n\nResponse:",
		calls[0].Messages[0].Content)
}

func TestQuery_Truncation(t *testing.T) {
	long := strings.Repeat("x", 2801)
	svc := newTestService(t, Deps{Synthesizer: &fakeSynth{}, LLM: provider.NewMockProvider(long)})

	res, err := svc.Query(context.Background(), Input{Text: "q"})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 2800)+"... [Response truncated for voice synthesis]", res.Response)

	exact := strings.Repeat("y", 2800)
	svc = newTestService(t, Deps{Synthesizer: &fakeSynth{}, LLM: provider.NewMockProvider(exact)})
	res, err = svc.Query(context.Background(), Input{Text: "q"})
	require.NoError(t, err)
	assert.Equal(t, exact, res.Response)
}

func TestQuery_AudioInput(t *testing.T) {
	llm := provider.NewMockProvider("answer")
	svc := newTestService(t, Deps{Synthesizer: &fakeSynth{}, LLM: llm, Transcriber: &fakeTranscriber{text: "spoken question"}})

	res, err := svc.Query(context.Background(), Input{Audio: []byte("pcm"), Filename: "q.webm", Text: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, SourceAudio, res.InputSource)
	assert.Equal(t, "spoken question", res.Input)

	_, err = svc.Query(context.Background(), Input{Audio: []byte("pcm"), Filename: "q.txt"})
	assert.ErrorIs(t, err, ErrFileType)

	svc = newTestService(t, Deps{LLM: llm, Transcriber: &fakeTranscriber{text: "  "}})
	_, err = svc.Query(context.Background(), Input{Audio: []byte("pcm"), Filename: "q.webm"})
	assert.ErrorIs(t, err, ErrEmptyTranscript)

	svc = newTestService(t, Deps{LLM: llm})
	_, err = svc.Query(context.Background(), Input{Audio: []byte("pcm"), Filename: "q.webm"})
	assert.ErrorIs(t, err, ErrSTTUnavailable)
}

func TestQuery_Errors(t *testing.T) {
	_, err := newTestService(t, Deps{}).Query(context.Background(), Input{Text: "q"})
	assert.ErrorIs(t, err, ErrLLMUnavailable)

	svc := newTestService(t, Deps{LLM: provider.NewMockProvider("a")})
	_, err = svc.Query(context.Background(), Input{Text: "  "})
	assert.ErrorIs(t, err, ErrNoTextInput)

	llm := provider.NewMockProvider("")
	llm.Err = provider.NewProviderError("mock", provider.ErrorCodeServerError, "boom", nil)
	_, err = newTestService(t, Deps{LLM: llm}).Query(context.Background(), Input{Text: "q"})
	require.Error(t, err)
	assert.True(t, IsUpstream(err))
	var pe *provider.ProviderError
	assert.ErrorAs(t, err, &pe)
}

func TestQuery_TTSFailureKeepsText(t *testing.T) {
	synth := &fakeSynth{err: &tts.APIError{StatusCode: 503, Code: upstream.CodeServer}}
	svc := newTestService(t, Deps{Synthesizer: synth, LLM: provider.NewMockProvider("reply")})

	res, err := svc.Query(context.Background(), Input{Text: "q"})
	require.NoError(t, err)
	assert.Equal(t, "reply", res.Response)
	assert.Empty(t, res.AudioURL)
	assert.Equal(t, "Speech generation failed: Service returned status 503", res.AudioError)

	res, err = newTestService(t, Deps{LLM: provider.NewMockProvider("reply")}).Query(context.Background(), Input{Text: "q"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AudioError)
}

func TestChat_History(t *testing.T) {
	llm := provider.NewMockProvider("Hi! How can I help?")
	store := session.NewMemoryStore()
	svc := newTestService(t, Deps{Synthesizer: &fakeSynth{}, LLM: llm, History: store})
	ctx := context.Background()

	res, err := svc.Chat(ctx, "s1", Input{Text: "hello"})
	require.NoError(t, err)
	assert.False(t, res.IsFallback)
	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, 2, res.ConversationLength)
	assert.Equal(t, "Hi! How can I help?", res.Response)

	llm.Reply = "Sure."
	res, err = svc.Chat(ctx, "s1", Input{Text: "tell me more"})
	require.NoError(t, err)
	assert.Equal(t, 4, res.ConversationLength)

	calls := llm.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "You are a helpful AI voice assistant engaged in a natural conversation. "+
		"Provide concise, natural responses suitable for text-to-speech conversion. "+
		"Keep responses under 2500 characters for optimal voice synthesis.\n\nConversation history:\n"+
		"User: hello\nAssistant: Hi! How can I help?\nUser: tell me more\n"+
		"\nPlease respond to the latest user message:", calls[1].Messages[0].Content)

	msgs, err := svc.History(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []session.Message{
		{Role: session.RoleUser, Content: "hello"},
		{Role: session.RoleAssistant, Content: "Hi! How can I help?"},
		{Role: session.RoleUser, Content: "tell me more"},
		{Role: session.RoleAssistant, Content: "Sure."},
	}, msgs)

	require.NoError(t, svc.ClearHistory(ctx, "s1"))
	msgs, err = svc.History(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestChat_TruncatesSpeechNotHistory(t *testing.T) {
	long := strings.Repeat("z", 3001)
	synth := &fakeSynth{}
	svc := newTestService(t, Deps{Synthesizer: synth, LLM: provider.NewMockProvider(long)})

	res, err := svc.Chat(context.Background(), "s", Input{Text: "q"})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("z", 2800)+"... [Response truncated for voice synthesis]", res.Response)
	assert.Equal(t, []string{res.Response}, synth.calls)

	msgs, err := svc.History(context.Background(), "s")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, long, msgs[1].Content)

	// between 2800 and 3000 characters the chat reply is spoken in full
	mid := strings.Repeat("m", 2900)
	svc = newTestService(t, Deps{Synthesizer: &fakeSynth{}, LLM: provider.NewMockProvider(mid)})
	res, err = svc.Chat(context.Background(), "s", Input{Text: "q"})
	require.NoError(t, err)
	assert.Equal(t, mid, res.Response)
}

func TestChat_LLMFailureFallsBack(t *testing.T) {
	llm := provider.NewMockProvider("")
	llm.Err = provider.NewProviderError("gemini", provider.ErrorCodeServerError, "backend exploded api_key=sk-secret", nil)
	synth := &fakeSynth{}
	svc := newTestService(t, Deps{Synthesizer: synth, LLM: llm})

	res, err := svc.Chat(context.Background(), "s", Input{Text: "hello"})
	require.NoError(t, err)
	assert.True(t, res.IsFallback)
	assert.Equal(t, fallback.Sentence(fallback.KindLLM), res.Response)
	assert.Equal(t, "https://audio.example/out.mp3", res.AudioURL)
	assert.Equal(t, "hello", res.Input)
	assert.Equal(t, 1, res.ConversationLength)
	assert.True(t, strings.HasPrefix(res.ErrorDetails, "Service temporarily unavailable: "))
	assert.LessOrEqual(t, len([]rune(strings.TrimPrefix(res.ErrorDetails, "Service temporarily unavailable: "))), 100)

	msgs, err := svc.History(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, []session.Message{{Role: session.RoleUser, Content: "hello"}}, msgs)
}

func TestChat_TimeoutFallback(t *testing.T) {
	llm := provider.NewMockProvider("")
	llm.Err = context.DeadlineExceeded
	svc := newTestService(t, Deps{LLM: llm})

	res, err := svc.Chat(context.Background(), "s", Input{Text: "hello"})
	require.NoError(t, err)
	assert.True(t, res.IsFallback)
	assert.Equal(t, fallback.Sentence(fallback.KindAPITimeout), res.Response)
	assert.Empty(t, res.AudioURL)
}

func TestChat_TranscriptionFailureFallsBack(t *testing.T) {
	sttErr := &stt.APIError{Code: upstream.CodeInvalidRequest, Err: errors.New("audio too short")}
	svc := newTestService(t, Deps{LLM: provider.NewMockProvider("x"), Transcriber: &fakeTranscriber{err: sttErr}})

	res, err := svc.Chat(context.Background(), "s", Input{Audio: []byte("a"), Filename: "a.webm"})
	require.NoError(t, err)
	assert.True(t, res.IsFallback)
	assert.Equal(t, fallback.Sentence(fallback.KindSTT), res.Response)
	assert.Equal(t, SourceAudio, res.InputSource)
	assert.Equal(t, 0, res.ConversationLength)
}

func TestChat_ValidationErrors(t *testing.T) {
	_, err := newTestService(t, Deps{}).Chat(context.Background(), "s", Input{Text: "x"})
	assert.ErrorIs(t, err, ErrLLMUnavailable)

	svc := newTestService(t, Deps{LLM: provider.NewMockProvider("x")})
	_, err = svc.Chat(context.Background(), "s", Input{})
	assert.ErrorIs(t, err, ErrNoTextInput)

	n, err := svc.history.Len(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestProvidersAndModel(t *testing.T) {
	svc := newTestService(t, Deps{LLM: provider.NewMockProvider("x")})
	assert.Equal(t, map[string]bool{"tts": false, "stt": false, "llm": true}, svc.Providers())
	assert.Equal(t, "mock-model", svc.Model())
	assert.Equal(t, "", newTestService(t, Deps{}).Model())
}
