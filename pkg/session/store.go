// Package session stores per-session chat history. A session id maps to an
// ordered list of messages that only grows until it is cleared.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aixgo-dev/voiceagent/pkg/config"
)

// Common errors for storage operations.
var (
	// ErrStorageClosed is returned when operating on a closed store.
	ErrStorageClosed = errors.New("history store is closed")
	// ErrInvalidRole is returned for roles other than user and assistant.
	ErrInvalidRole = errors.New("role must be user or assistant")
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn
type Message struct {
	Role    string `json:"role" firestore:"role"`
	Content string `json:"content" firestore:"content"`
}

// Store abstracts chat history persistence.
// Implementations must be safe for concurrent use and must preserve append
// order. Unknown session ids read as an empty history.
type Store interface {
	// Append adds a message to the end of a session's history, creating the
	// session if needed.
	Append(ctx context.Context, sessionID string, msg Message) error

	// History returns a session's messages in append order.
	History(ctx context.Context, sessionID string) ([]Message, error)

	// Len returns the number of messages in a session.
	Len(ctx context.Context, sessionID string) (int, error)

	// Clear removes a session. Clearing an unknown session is not an error.
	Clear(ctx context.Context, sessionID string) error

	// Close releases any resources held by the store.
	Close() error
}

// Pinger is implemented by stores backed by a remote service
type Pinger interface {
	Ping(ctx context.Context) error
}

func validateMessage(msg Message) error {
	if msg.Role != RoleUser && msg.Role != RoleAssistant {
		return fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}
	return nil
}

// NewStore builds the store selected by cfg.Store
func NewStore(ctx context.Context, cfg config.HistoryConfig) (Store, error) {
	switch cfg.Store {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.BaseDir)
	case "redis":
		return NewRedisStore(RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		})
	case "firestore":
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return NewFirestoreStore(ctx, FirestoreConfig{
			ProjectID:       cfg.Firestore.ProjectID,
			Collection:      cfg.Firestore.Collection,
			CredentialsFile: cfg.Firestore.CredentialsFile,
		})
	default:
		return nil, fmt.Errorf("unknown history store: %s", cfg.Store)
	}
}
