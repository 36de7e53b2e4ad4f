package nonce

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// / In-memory implementation
// ---------------------------------------------------------------------------

// MemoryStore holds nonces in a map protected by a RWMutex.
// Expiration is handled by a background janitor goroutine.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time // value = expiry timestamp
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]time.Time),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
}

func (m *MemoryStore) Put(ctx context.Context, nonce string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[nonce] = m.now().Add(ttl)
	return nil
}

func (m *MemoryStore) Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.entries[nonce]; ok && now.Before(exp) {
		return false, nil
	}
	m.entries[nonce] = now.Add(ttl)
	return true, nil
}

func (m *MemoryStore) Consume(ctx context.Context, nonce string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.entries[nonce]
	if !ok {
		return false, &NonceMissingError{Nonce: nonce}
	}
	delete(m.entries, nonce)
	if !m.now().Before(exp) {
		return false, &NonceExpiredError{Nonce: nonce, Expiry: exp}
	}
	return true, nil
}

func (m *MemoryStore) ExpireNonces(ctx context.Context) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, exp := range m.entries {
		if !now.Before(exp) {
			slog.Debug("Pruning expired nonce", "nonce", k)
			delete(m.entries, k)
		}
	}
	return nil
}

// janitor purges expired keys every interval until Close.
func (m *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = m.ExpireNonces(context.Background())
		case <-m.stop:
			return
		}
	}
}

// Close stops the janitor
func (m *MemoryStore) Close() {
	m.once.Do(func() { close(m.stop) })
}
