package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const refreshKeyPrefix = "refresh:"

// RedisRefreshStore keeps refresh jtis in redis with a day-scale TTL, so
// revocation is shared across API processes and expiry needs no reaper.
type RedisRefreshStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRefreshStore(client *redis.Client, ttl time.Duration) *RedisRefreshStore {
	return &RedisRefreshStore{
		client: client,
		ttl:    ttl,
	}
}

func (s *RedisRefreshStore) Create(ctx context.Context, jti string, subject string) error {
	return s.client.Set(ctx, refreshKeyPrefix+jti, subject, s.ttl).Err()
}

func (s *RedisRefreshStore) Resolve(ctx context.Context, jti string) (string, error) {
	subject, err := s.client.Get(ctx, refreshKeyPrefix+jti).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("failed to resolve refresh token: %w", err)
	}
	return subject, nil
}

// Rotate deletes the old mapping and creates the new one in a single
// transactional pipeline, closing the reuse window between the two writes.
func (s *RedisRefreshStore) Rotate(ctx context.Context, oldJti string, newJti string, subject string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, refreshKeyPrefix+oldJti)
		pipe.Set(ctx, refreshKeyPrefix+newJti, subject, s.ttl)
		return nil
	})
	return err
}

func (s *RedisRefreshStore) Revoke(ctx context.Context, jti string) error {
	return s.client.Del(ctx, refreshKeyPrefix+jti).Err()
}
