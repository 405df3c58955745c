package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "catalog-assist:conv"

// redisAPI is the subset of *redis.Client used by RedisStore.
type redisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore shares tokens across processes through Redis.
type RedisStore struct {
	rdb    redisAPI
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

type RedisOption func(*RedisStore)

func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func NewRedisStore(rdb redisAPI, opts ...RedisOption) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("repository: redis client must not be nil")
	}
	s := &RedisStore{rdb: rdb, prefix: defaultRedisPrefix, ttl: DefaultMemoryTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RedisStore) key(sessionID, productID string) string {
	return s.prefix + ":" + sessionID + ":" + productID
}

func (s *RedisStore) Load(ctx context.Context, sessionID, productID string) (string, bool, error) {
	if err := validateScope(sessionID, productID); err != nil {
		return "", false, err
	}
	token, err := s.rdb.Get(ctx, s.key(sessionID, productID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("repository: redis get: %w", err)
	}
	return token, token != "", nil
}

func (s *RedisStore) Save(ctx context.Context, sessionID, productID, token string) error {
	if token == "" {
		return s.Clear(ctx, sessionID, productID)
	}
	if err := validateScope(sessionID, productID); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key(sessionID, productID), token, s.ttl).Err(); err != nil {
		return fmt.Errorf("repository: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, sessionID, productID string) error {
	if err := validateScope(sessionID, productID); err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, s.key(sessionID, productID)).Err(); err != nil {
		return fmt.Errorf("repository: redis del: %w", err)
	}
	return nil
}
