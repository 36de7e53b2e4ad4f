package nonce

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"field-access-control/internal/storage"
)

// ---------------------------------------------------------------------------
// SQL implementation
// ---------------------------------------------------------------------------

type SQLNonceStore struct {
	logger  *slog.Logger
	storage storage.NonceRepository
	now     func() time.Time

	stop chan struct{}
	once sync.Once
}

func NewSQLNonceStore(repo storage.NonceRepository) *SQLNonceStore {
	return &SQLNonceStore{
		logger:  slog.With("component", "SQLNonceStore"),
		storage: repo,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

func (s *SQLNonceStore) Put(ctx context.Context, nonce string, ttl time.Duration) error {
	return s.storage.CreateNonce(ctx, nonce, s.now().Add(ttl))
}

func (s *SQLNonceStore) Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	now := s.now()
	return s.storage.ClaimNonce(ctx, nonce, now.Add(ttl), now)
}

func (s *SQLNonceStore) Consume(ctx context.Context, nonce string) (bool, error) {
	exists, err := s.storage.ConsumeNonce(ctx, nonce, s.now())
	if err != nil {
		return false, err
	}
	if !exists {
		return false, &NonceMissingError{Nonce: nonce}
	}
	return true, nil
}

func (s *SQLNonceStore) ExpireNonces(ctx context.Context) error {
	n, err := s.storage.ExpireNonces(ctx, s.now())
	if err == nil && n > 0 {
		s.logger.Debug("Pruned expired nonces", "count", n)
	}
	return err
}

func (s *SQLNonceStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.ExpireNonces(context.Background()); err != nil {
				s.logger.Error("Failed to expire nonces", "error", err)
			}
		case <-s.stop:
			// Stop the janitor
			return
		}
	}
}

func (s *SQLNonceStore) Close() {
	s.once.Do(func() { close(s.stop) })
}
