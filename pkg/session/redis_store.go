package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "voiceagent:chat:"

// RedisStore keeps each session as a Redis list. It suits deployments with
// more than one replica.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all history keys (default: "voiceagent:chat:").
	Prefix string
	// TTL expires idle sessions (0 = never expire). It is refreshed on append.
	TTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreFromClient creates a store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageClosed
	}
	return nil
}

// Append pushes a message onto the session list
func (s *RedisStore) Append(ctx context.Context, sessionID string, msg Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := s.client.RPush(ctx, s.key(sessionID), data).Err(); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	if s.ttl > 0 {
		// The message is already stored; a failed refresh only shortens its life.
		if err := s.client.Expire(ctx, s.key(sessionID), s.ttl).Err(); err != nil {
			log.Printf("[history] redis expire failed for %s: %v", sessionID, err)
		}
	}

	return nil
}

// History returns the whole session list
func (s *RedisStore) History(ctx context.Context, sessionID string) ([]Message, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := s.client.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	msgs := make([]Message, 0, len(data))
	for _, d := range data {
		var msg Message
		if err := json.Unmarshal([]byte(d), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Len returns the list length
func (s *RedisStore) Len(ctx context.Context, sessionID string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	n, err := s.client.LLen(ctx, s.key(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("history length: %w", err)
	}
	return int(n), nil
}

// Clear deletes the session list
func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.client.Close()
}

// Ping checks if the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}
