package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"storyloom/server/internal/config"
)

// RedisStore backs the draft recovery cache: short-lived staging of
// not-yet-submitted user input, keyed by session. It is independent of the
// durable session store and never holds authoritative story state.
type RedisStore struct {
	client      *redis.Client
	draftTTL    time.Duration
	draftMinLen int
}

const (
	draftKeyPrefix        = "draft:"
	defaultDraftTTL       = 24 * time.Hour
	defaultDraftMinLength = 3
)

func NewRedisStore(cfg config.RedisConfig, engineCfg config.EngineConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	ttl := engineCfg.DraftTTL
	if ttl <= 0 {
		ttl = defaultDraftTTL
	}
	minLen := engineCfg.DraftMinLength
	if minLen <= 0 {
		minLen = defaultDraftMinLength
	}

	return &RedisStore{client: client, draftTTL: ttl, draftMinLen: minLen}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) GetClient() *redis.Client {
	return s.client
}

// Helper methods for common operations
func (s *RedisStore) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return s.client.Set(ctx, key, value, expiration).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	return s.client.Get(ctx, key).Result()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	return s.client.Del(ctx, keys...).Err()
}

// Stage overwrites the staged draft for a session. Drafts below the minimum
// length are ignored to keep keystroke noise out of the cache; callers are
// expected to debounce.
func (s *RedisStore) Stage(ctx context.Context, sessionID, draft string) error {
	if len(strings.TrimSpace(draft)) < s.draftMinLen {
		return nil
	}
	if err := s.Set(ctx, draftKey(sessionID), draft, s.draftTTL); err != nil {
		return fmt.Errorf("failed to stage draft: %w", err)
	}
	return nil
}

// Recover returns the staged draft for a session, or "" when none exists.
func (s *RedisStore) Recover(ctx context.Context, sessionID string) (string, error) {
	draft, err := s.Get(ctx, draftKey(sessionID))
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to recover draft: %w", err)
	}
	return draft, nil
}

// Clear removes the staged draft after a successful submit. This is the
// authoritative resolution of any stage/submit race.
func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.Del(ctx, draftKey(sessionID)); err != nil {
		return fmt.Errorf("failed to clear draft: %w", err)
	}
	return nil
}

func draftKey(sessionID string) string {
	return draftKeyPrefix + sessionID
}
