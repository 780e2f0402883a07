package voice

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aixgo-dev/voiceagent/internal/stt"
	"github.com/aixgo-dev/voiceagent/pkg/security"
)

// FileInfo describes an uploaded or transcribed audio file
type FileInfo struct {
	Name        string  `json:"name"`
	ContentType string  `json:"content_type,omitempty"`
	Size        int64   `json:"size"`
	SizeMB      float64 `json:"size_mb"`
}

func newFileInfo(name string, size int64) FileInfo {
	return FileInfo{
		Name:   name,
		Size:   size,
		SizeMB: math.Round(float64(size)/(1024*1024)*100) / 100,
	}
}

// EchoResult is a transcript read back in the default voice
type EchoResult struct {
	AudioURL   string
	Transcript string
	Confidence float64
}

// SaveUpload validates and stores an uploaded audio file under the upload
// directory. The stored name is sanitized; when nothing usable is left it
// becomes recording_<unix>.webm.
func (s *Service) SaveUpload(filename, contentType string, r io.Reader) (*FileInfo, error) {
	if err := CheckAudioFilename(filename); err != nil {
		return nil, err
	}

	name := security.SecureFilename(filename)
	if name == "" {
		name = fmt.Sprintf("recording_%d.webm", time.Now().Unix())
	}

	if err := os.MkdirAll(s.cfg.UploadDir, 0750); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	path, err := security.SanitizeFilePath(name, s.cfg.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("upload path: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600) // #nosec G304 - name sanitized and confined to the upload dir
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	size, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("save upload: %w", err)
	}

	if strings.TrimSpace(contentType) == "" {
		contentType = "audio/webm"
	}
	info := newFileInfo(name, size)
	info.ContentType = contentType
	log.Printf("[voice] audio file uploaded: %s (%d bytes)", filepath.Base(path), size)
	return &info, nil
}

// Transcribe converts a complete audio file to text
func (s *Service) Transcribe(ctx context.Context, audio []byte) (*stt.Transcript, error) {
	if s.stt == nil {
		return nil, ErrSTTUnavailable
	}
	tr, err := s.stt.Transcribe(ctx, audio)
	if err != nil {
		log.Printf("[voice] transcription failed: %v", err)
		return nil, err
	}
	return tr, nil
}

// Echo transcribes audio and synthesizes the transcript
func (s *Service) Echo(ctx context.Context, audio []byte) (*EchoResult, error) {
	if s.stt == nil {
		return nil, ErrSTTUnavailable
	}
	if s.synth == nil {
		return nil, ErrTTSUnavailable
	}

	tr, err := s.Transcribe(ctx, audio)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return nil, ErrEmptyTranscript
	}

	res, err := s.GenerateAudio(ctx, text)
	if err != nil {
		return nil, err
	}
	return &EchoResult{AudioURL: res.AudioURL, Transcript: text, Confidence: tr.Confidence}, nil
}

// FileInfoFor describes audio handled in memory
func FileInfoFor(name string, size int) FileInfo {
	return newFileInfo(name, int64(size))
}
