// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"field-access-control/internal/storage"

	"github.com/stretchr/testify/require"
)

// Epoch is the default start of a test Clock.
var Epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: Epoch}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Provider returns a migrated in-memory SQLite store closed with the test.
func Provider(t testing.TB) storage.Provider {
	t.Helper()
	p, err := storage.NewSQLiteProvider(":memory:")
	require.NoError(t, err)
	require.NoError(t, p.Migrate(context.Background(), -1))
	t.Cleanup(func() { _ = p.Close() })
	return p
}
