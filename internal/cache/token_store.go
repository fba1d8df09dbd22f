package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
)

var ErrTokenNotFound = errors.New("token not found")

// TokenStore keeps short-lived auth state: revoked token ids and one-time
// password reset tokens.
type TokenStore interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	PutResetToken(ctx context.Context, token, userID string, ttl time.Duration) error
	// TakeResetToken returns the owning user id and deletes the token.
	TakeResetToken(ctx context.Context, token string) (string, error)
}

type RedisTokenStore struct {
	client *redisv9.Client
}

func NewRedisTokenStore(client *redisv9.Client) *RedisTokenStore {
	return &RedisTokenStore{client: client}
}

func (s *RedisTokenStore) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, revokedKey(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis revoke token failed: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, revokedKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("redis check revoked token failed: %w", err)
	}
	return n > 0, nil
}

func (s *RedisTokenStore) PutResetToken(ctx context.Context, token, userID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, resetKey(token), userID, ttl).Err(); err != nil {
		return fmt.Errorf("redis put reset token failed: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) TakeResetToken(ctx context.Context, token string) (string, error) {
	userID, err := s.client.GetDel(ctx, resetKey(token)).Result()
	if errors.Is(err, redisv9.Nil) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis take reset token failed: %w", err)
	}
	return userID, nil
}

func revokedKey(jti string) string { return "auth:revoked:" + jti }
func resetKey(token string) string { return "auth:reset:" + token }

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryTokenStore is used when Redis is not configured. Entries expire
// lazily on read.
type MemoryTokenStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryTokenStore) Revoke(_ context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	s.put(revokedKey(jti), "1", ttl)
	return nil
}

func (s *MemoryTokenStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	_, ok := s.get(revokedKey(jti), false)
	return ok, nil
}

func (s *MemoryTokenStore) PutResetToken(_ context.Context, token, userID string, ttl time.Duration) error {
	s.put(resetKey(token), userID, ttl)
	return nil
}

func (s *MemoryTokenStore) TakeResetToken(_ context.Context, token string) (string, error) {
	v, ok := s.get(resetKey(token), true)
	if !ok {
		return "", ErrTokenNotFound
	}
	return v, nil
}

func (s *MemoryTokenStore) put(key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: value, expiresAt: s.now().Add(ttl)}
}

func (s *MemoryTokenStore) get(key string, remove bool) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return "", false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return "", false
	}
	if remove {
		delete(s.entries, key)
	}
	return e.value, true
}
