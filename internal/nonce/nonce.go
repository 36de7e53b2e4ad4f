package nonce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"field-access-control/internal/config"
	"field-access-control/internal/storage"

	"github.com/redis/go-redis/v9"
)

// Number of random bytes. 16 → 128‑bit
const NONCE_SIZE = 16

type NonceStoreType string

// Supported nonce stores.
const (
	Memory NonceStoreType = "memory"
	SQL    NonceStoreType = "sql"
	Redis  NonceStoreType = "redis"
)

type NonceMissingError struct {
	Nonce string
}

// Error implements the error interface.
func (e *NonceMissingError) Error() string {
	return fmt.Sprintf("nonce not found: %s", e.Nonce)
}

type NonceExpiredError struct {
	Nonce  string
	Expiry time.Time
}

// Error implements the error interface.
func (e *NonceExpiredError) Error() string {
	return fmt.Sprintf("nonce expired: %s (expiry: %s)", e.Nonce, e.Expiry)
}

type Store interface {
	// stores a nonce with a TTL.
	Put(ctx context.Context, nonce string, ttl time.Duration) error
	// verifies and deletes the nonce.
	// Returns true if the nonce existed (valid request), false otherwise.
	Consume(ctx context.Context, nonce string) (bool, error)

	// Claim records a nonce chosen by the client. It returns false when the
	// nonce was already seen within its TTL, i.e. the request is a replay.
	Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error)

	ExpireNonces(ctx context.Context) error

	Close()
}

func generateNonceToken() (string, error) {
	b := make([]byte, NONCE_SIZE)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// New creates a nonce, stores it, and returns it.
func New(ctx context.Context, store Store, ttl time.Duration) (string, error) {
	nonce, err := generateNonceToken()
	if err != nil {
		return "", err
	}
	if err := store.Put(ctx, nonce, ttl); err != nil {
		return "", fmt.Errorf("failed to store nonce: %w", err)
	}
	return nonce, nil
}

// NewStore builds the Store selected by cfg.NonceStore. The SQL store needs
// provider and the redis store needs rdb; either may be nil otherwise.
func NewStore(cfg *config.Config, provider storage.NonceRepository, rdb *redis.Client) (Store, error) {
	var store Store
	switch NonceStoreType(cfg.NonceStore) {
	case Memory:
		ms := NewMemoryStore()
		go ms.janitor(janitorInterval(cfg))
		store = ms
	case SQL:
		if provider == nil {
			return nil, fmt.Errorf("sql nonce store requires a storage provider")
		}
		ss := NewSQLNonceStore(provider)
		go ss.janitor(janitorInterval(cfg))
		store = ss
	case Redis:
		if rdb == nil {
			return nil, fmt.Errorf("redis nonce store requires a redis client")
		}
		store = NewRedisStore(rdb)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.NonceStore)
	}

	slog.Info("Initialized nonce store", "type", cfg.NonceStore)
	return store, nil
}

// Skew is x2 to allow safe margin
func janitorInterval(cfg *config.Config) time.Duration {
	return cfg.Signature.MaxSkew * 2
}
