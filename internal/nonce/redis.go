package nonce

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ---------------------------------------------------------------------------
// Redis implementation
// ---------------------------------------------------------------------------

const redisKeyPrefix = "fac:nonce:"

// RedisStore keeps nonces as keys with a native TTL, so several server
// instances share one replay window. Expiry needs no janitor.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		logger: slog.With("component", "RedisNonceStore"),
	}
}

func (r *RedisStore) Put(ctx context.Context, nonce string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	return r.client.Set(ctx, redisKeyPrefix+nonce, 1, ttl).Err()
}

func (r *RedisStore) Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	ok, err := r.client.SetNX(ctx, redisKeyPrefix+nonce, 1, ttl).Result()
	if err == nil && !ok {
		r.logger.Debug("Nonce already claimed", "nonce", nonce)
	}
	return ok, err
}

func (r *RedisStore) Consume(ctx context.Context, nonce string) (bool, error) {
	n, err := r.client.Del(ctx, redisKeyPrefix+nonce).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, &NonceMissingError{Nonce: nonce}
	}
	return true, nil
}

func (r *RedisStore) ExpireNonces(ctx context.Context) error {
	return nil
}

// Close leaves the shared client open; its owner closes it.
func (r *RedisStore) Close() {}
