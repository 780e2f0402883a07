package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/aixgo-dev/voiceagent/internal/voice"
	"github.com/aixgo-dev/voiceagent/pkg/security"
	"github.com/aixgo-dev/voiceagent/pkg/session"
)

// multipartMemory is how much of a multipart body is held in memory before
// spilling to temporary files.
const multipartMemory = 8 << 20

// audioFile is a multipart audio part read into memory
type audioFile struct {
	name        string
	contentType string
	data        []byte
}

// limitBody caps the request body. A declared length over the cap fails
// before anything is read.
func (s *Server) limitBody(w http.ResponseWriter, r *http.Request) error {
	if r.ContentLength > s.maxBodySize {
		return &http.MaxBytesError{Limit: s.maxBodySize}
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodySize)
	return nil
}

func mediaType(r *http.Request) string {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(mediaType(r), "multipart/")
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return err
	}
	return fmt.Errorf("%w: %v", errBadBody, err)
}

// textField reads the text field from a JSON body or a form
func textField(r *http.Request) (string, error) {
	if mediaType(r) == "application/json" {
		var body struct {
			Text string `json:"text"`
		}
		if err := decodeJSON(r, &body); err != nil {
			return "", err
		}
		return body.Text, nil
	}

	if isMultipart(r) {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return "", formError(err)
		}
	} else if err := r.ParseForm(); err != nil {
		return "", formError(err)
	}
	return r.FormValue("text"), nil
}

func formError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return err
	}
	return fmt.Errorf("%w: %v", errBadBody, err)
}

// readAudioPart returns the multipart audio part. A part sent without a
// filename arrives as a plain form value and means no file was selected.
func readAudioPart(r *http.Request) (*audioFile, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, errNoAudioFile
		}
		return nil, formError(err)
	}

	files := r.MultipartForm.File["audio"]
	if len(files) == 0 {
		if _, ok := r.MultipartForm.Value["audio"]; ok {
			return nil, voice.ErrNoFileSelected
		}
		return nil, errNoAudioFile
	}
	return readFileHeader(files[0])
}

func readFileHeader(fh *multipart.FileHeader) (*audioFile, error) {
	if fh.Filename == "" {
		return nil, voice.ErrNoFileSelected
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	return &audioFile{name: fh.Filename, contentType: fh.Header.Get("Content-Type"), data: data}, nil
}

// readInput parses a text or audio request for the query and chat routes
func readInput(r *http.Request) (voice.Input, error) {
	if !isMultipart(r) {
		text, err := textField(r)
		return voice.Input{Text: text}, err
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return voice.Input{}, formError(err)
	}
	if files := r.MultipartForm.File["audio"]; len(files) > 0 {
		f, err := readFileHeader(files[0])
		if err != nil {
			return voice.Input{}, err
		}
		return voice.Input{Audio: f.data, Filename: f.name}, nil
	}

	text := r.FormValue("text")
	if _, ok := r.MultipartForm.Value["audio"]; ok && strings.TrimSpace(text) == "" {
		return voice.Input{}, voice.ErrNoAudioInput
	}
	return voice.Input{Text: text}, nil
}

func (s *Server) handleGenerateAudio(w http.ResponseWriter, r *http.Request) {
	if err := s.limitBody(w, r); err != nil {
		s.writeError(w, err)
		return
	}
	text, err := textField(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.voice.GenerateAudio(r.Context(), text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"audio_url": res.AudioURL,
		"text":      strings.TrimSpace(text),
	})
}

func (s *Server) handleUploadAudio(w http.ResponseWriter, r *http.Request) {
	if err := s.limitBody(w, r); err != nil {
		s.writeError(w, err)
		return
	}
	f, err := readAudioPart(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	info, err := s.voice.SaveUpload(f.name, f.contentType, bytes.NewReader(f.data))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Audio file uploaded successfully!",
		"file_info": info,
	})
}

func (s *Server) handleTranscribeFile(w http.ResponseWriter, r *http.Request) {
	if !s.voice.HasTranscriber() {
		s.writeError(w, voice.ErrSTTUnavailable)
		return
	}
	f, err := s.checkedAudio(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	tr, err := s.voice.Transcribe(r.Context(), f.data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"transcript": tr.Text,
		"confidence": tr.Confidence,
		"file_info":  voice.FileInfoFor(security.SecureFilename(f.name), len(f.data)),
	})
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	providers := s.voice.Providers()
	switch {
	case !providers["stt"]:
		s.writeError(w, voice.ErrSTTUnavailable)
		return
	case !providers["tts"]:
		s.writeError(w, voice.ErrTTSUnavailable)
		return
	}
	f, err := s.checkedAudio(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.voice.Echo(r.Context(), f.data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"audio_url":  res.AudioURL,
		"transcript": res.Transcript,
		"confidence": res.Confidence,
		"file_info":  voice.FileInfoFor(security.SecureFilename(f.name), len(f.data)),
	})
}

// checkedAudio reads the audio part and applies the upload file checks
func (s *Server) checkedAudio(w http.ResponseWriter, r *http.Request) (*audioFile, error) {
	if err := s.limitBody(w, r); err != nil {
		return nil, err
	}
	f, err := readAudioPart(r)
	if err != nil {
		return nil, err
	}
	if err := voice.CheckAudioFilename(f.name); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if err := s.limitBody(w, r); err != nil {
		s.writeError(w, err)
		return
	}
	in, err := readInput(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.voice.Query(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*voice.QueryResult
	}{true, res})
}

func (s *Server) sessionID(r *http.Request) (string, error) {
	id := r.PathValue("session_id")
	if err := security.ValidateSessionID(id); err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidSessionID, err)
	}
	return id, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessionID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.limitBody(w, r); err != nil {
		s.writeError(w, err)
		return
	}
	in, err := readInput(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.voice.Chat(r.Context(), id, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*voice.ChatResult
	}{true, res})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessionID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	msgs, err := s.voice.History(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []session.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":             true,
		"session_id":          id,
		"conversation_length": len(msgs),
		"history":             msgs,
	})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessionID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.voice.ClearHistory(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": id,
		"message":    "Chat history cleared",
	})
}
