// Package session provides Redis-backed storage for REST sessions and the
// collaboration deny-list.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Data holds what is stored for each REST session token.
type Data struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore keeps REST sessions and connect-time denials in Redis. Sessions
// are keyed by a hash of the opaque cookie token so a Redis dump never
// contains usable credentials.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	denyPrefix string
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{
		client:     client,
		prefix:     "session:",
		denyPrefix: "collabdeny:",
	}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:     client,
		prefix:     "session:",
		denyPrefix: "collabdeny:",
	}
}

// HashToken derives the storage key material for an opaque session token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", sum)
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// SaveSession stores a REST session with expiration.
func (s *RedisStore) SaveSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	data := Data{
		UserID:    userID,
		CreatedAt: time.Now(),
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	if err := s.client.Set(ctx, s.key(tokenHash), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LookupSession resolves a session token hash to a user ID.
func (s *RedisStore) LookupSession(ctx context.Context, tokenHash string) (string, error) {
	jsonData, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("session not found or expired")
	}
	if err != nil {
		return "", fmt.Errorf("lookup session: %w", err)
	}

	var data Data
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return "", fmt.Errorf("unmarshal session data: %w", err)
	}
	return data.UserID, nil
}

// RevokeSession deletes a session.
func (s *RedisStore) RevokeSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func denyKey(prefix, documentID, userID string) string {
	return prefix + documentID + ":" + userID
}

// DenyCollab records that already-issued collaboration tokens for this
// (document, user) pair must be refused at connect time. The entry only
// needs to outlive the longest possible token, so ttl is the token lifetime.
func (s *RedisStore) DenyCollab(ctx context.Context, documentID, userID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, denyKey(s.denyPrefix, documentID, userID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("deny collab: %w", err)
	}
	return nil
}

// IsCollabDenied reports whether the pair is currently denied. Lookup errors
// fail open: the deny-list narrows the 15-minute staleness window, it is not
// the primary authorization gate.
func (s *RedisStore) IsCollabDenied(ctx context.Context, documentID, userID string) (bool, error) {
	count, err := s.client.Exists(ctx, denyKey(s.denyPrefix, documentID, userID)).Result()
	if err != nil {
		return false, fmt.Errorf("check collab denial: %w", err)
	}
	return count > 0, nil
}

// AllowCollab clears a denial, e.g. after a role is granted again.
func (s *RedisStore) AllowCollab(ctx context.Context, documentID, userID string) error {
	if err := s.client.Del(ctx, denyKey(s.denyPrefix, documentID, userID)).Err(); err != nil {
		return fmt.Errorf("allow collab: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
