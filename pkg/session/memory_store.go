package session

import (
	"context"
	"sync"
)

// MemoryStore keeps history in process memory. Sessions are never evicted.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Message
	closed   bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Message)}
}

// Append adds a message to a session
func (m *MemoryStore) Append(ctx context.Context, sessionID string, msg Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	m.sessions[sessionID] = append(m.sessions[sessionID], msg)
	return nil
}

// History returns a copy of a session's messages
func (m *MemoryStore) History(ctx context.Context, sessionID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	msgs := m.sessions[sessionID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Len returns the number of messages in a session
func (m *MemoryStore) Len(ctx context.Context, sessionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return len(m.sessions[sessionID]), nil
}

// Clear removes a session
func (m *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	delete(m.sessions, sessionID)
	return nil
}

// Close marks the store closed
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
