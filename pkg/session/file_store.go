package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aixgo-dev/voiceagent/pkg/security"
)

// FileStore keeps one JSONL file per session.
// Storage layout:
//
//	<base-dir>/
//	  └── <session-id>.jsonl
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileStore creates a file-based store.
// If baseDir is empty, uses ~/.voiceagent/history.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".voiceagent", "history")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileStore{baseDir: baseDir}, nil
}

// path validates the session id before using it as a file name
func (f *FileStore) path(sessionID string) (string, error) {
	if err := security.ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	return filepath.Join(f.baseDir, sessionID+".jsonl"), nil
}

// Append adds a message as one JSON line
func (f *FileStore) Append(ctx context.Context, sessionID string, msg Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	path, err := f.path(sessionID)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304 - session id validated
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	defer func() { _ = file.Close() }()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	return nil
}

// History reads every line of a session's file in order
func (f *FileStore) History(ctx context.Context, sessionID string) ([]Message, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	path, err := f.path(sessionID)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path) // #nosec G304 - session id validated
	if err != nil {
		if os.IsNotExist(err) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("open history file: %w", err)
	}
	defer func() { _ = file.Close() }()

	msgs := []Message{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("parse history line: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history file: %w", err)
	}

	return msgs, nil
}

// Len counts a session's messages
func (f *FileStore) Len(ctx context.Context, sessionID string) (int, error) {
	msgs, err := f.History(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// Clear deletes a session's file
func (f *FileStore) Clear(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	path, err := f.path(sessionID)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove history file: %w", err)
	}
	return nil
}

// Close marks the store closed
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
