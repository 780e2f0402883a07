package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFirestoreCollection = "voiceagent_sessions"
	// appendAttempts bounds transaction retries when appends contend on one
	// session document.
	appendAttempts = 10
)

// FirestoreConfig contains configuration for the Firestore history store.
type FirestoreConfig struct {
	ProjectID       string
	Collection      string
	CredentialsFile string
}

// FirestoreStore keeps history in Cloud Firestore.
//
// Layout:
//
//	<collection>/<session-id>                 {count, updated_at}
//	<collection>/<session-id>/messages/<seq>  {seq, role, content, created_at}
//
// Sequence numbers are allocated inside a transaction on the session
// document, so concurrent appends from several replicas stay ordered.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	mu         sync.RWMutex
	closed     bool
}

type sessionDoc struct {
	Count     int       `firestore:"count"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

type messageDoc struct {
	Seq       int       `firestore:"seq"`
	Role      string    `firestore:"role"`
	Content   string    `firestore:"content"`
	CreatedAt time.Time `firestore:"created_at"`
}

// NewFirestoreStore creates a Firestore-backed store. Without a credentials
// file, Application Default Credentials are used.
func NewFirestoreStore(ctx context.Context, cfg FirestoreConfig) (*FirestoreStore, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("project ID is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return NewFirestoreStoreFromClient(client, cfg.Collection), nil
}

// NewFirestoreStoreFromClient wraps an existing client
func NewFirestoreStoreFromClient(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = defaultFirestoreCollection
	}
	return &FirestoreStore{client: client, collection: collection}
}

func (s *FirestoreStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageClosed
	}
	return nil
}

func (s *FirestoreStore) sessionRef(sessionID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(sessionID)
}

// Append allocates the next sequence number and writes the message
func (s *FirestoreStore) Append(ctx context.Context, sessionID string, msg Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	ref := s.sessionRef(sessionID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var sess sessionDoc
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			if err := snap.DataTo(&sess); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		msgRef := ref.Collection("messages").Doc(fmt.Sprintf("%010d", sess.Count))
		if err := tx.Create(msgRef, messageDoc{
			Seq:       sess.Count,
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.Set(ref, sessionDoc{Count: sess.Count + 1, UpdatedAt: now})
	}, firestore.MaxAttempts(appendAttempts))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// History reads the messages subcollection ordered by seq
func (s *FirestoreStore) History(ctx context.Context, sessionID string) ([]Message, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	iter := s.sessionRef(sessionID).Collection("messages").OrderBy("seq", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	msgs := []Message{}
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate messages: %w", err)
		}
		var md messageDoc
		if err := doc.DataTo(&md); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, Message{Role: md.Role, Content: md.Content})
	}
	return msgs, nil
}

// Len reads the count kept on the session document
func (s *FirestoreStore) Len(ctx context.Context, sessionID string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	snap, err := s.sessionRef(sessionID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get session: %w", err)
	}
	var sess sessionDoc
	if err := snap.DataTo(&sess); err != nil {
		return 0, fmt.Errorf("decode session: %w", err)
	}
	return sess.Count, nil
}

// Clear deletes every message and then the session document
func (s *FirestoreStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	ref := s.sessionRef(sessionID)
	bulkWriter := s.client.BulkWriter(ctx)

	iter := ref.Collection("messages").Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bulkWriter.End()
			return fmt.Errorf("failed to iterate messages: %w", err)
		}
		if _, err := bulkWriter.Delete(doc.Ref); err != nil {
			bulkWriter.End()
			return fmt.Errorf("failed to queue delete: %w", err)
		}
	}
	bulkWriter.End()

	if _, err := ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Close closes the Firestore client
func (s *FirestoreStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Ping issues a cheap read against the collection.
func (s *FirestoreStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	iter := s.client.Collection(s.collection).Limit(1).Documents(ctx)
	defer iter.Stop()
	_, err := iter.Next()
	if err == iterator.Done {
		return nil
	}
	return err
}
