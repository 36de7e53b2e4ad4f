package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"field-access-control/internal/access"
	"field-access-control/internal/broker"
	"field-access-control/internal/config"
	"field-access-control/internal/domain"
	"field-access-control/internal/notify"
	"field-access-control/internal/registry"
	"field-access-control/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingExpirer struct{}

func (failingExpirer) ExpireStaleRequests(context.Context) (int, error) {
	return 0, domain.Unavailable("expire connections", errors.New("database is locked"))
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	store := testutil.Provider(t)
	clock := testutil.NewClock()
	reg := registry.New(store, "test-secret", config.RegistryConfig{
		EnrollmentTTL:   time.Hour,
		LivenessTimeout: 90 * time.Second,
	}, registry.WithClock(clock.Now))
	engine := access.New(store, access.WithClock(clock.Now))
	brk := broker.New(store, engine, reg, notify.NewMemoryHub(), config.BrokerConfig{
		RequestTTL:  5 * time.Minute,
		PushTimeout: time.Second,
	}, broker.WithClock(clock.Now))

	key, err := reg.IssueBootstrapKey(ctx, domain.KeyConstraints{}, "admin")
	require.NoError(t, err)
	_, err = reg.RequestEnrollment(ctx, key.Secret, "fp-1", nil)
	require.NoError(t, err)

	s := New(reg, brk, time.Minute)

	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	clock.Advance(time.Hour)
	res, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enrollments)

	pending, err := reg.ListEnrollments(ctx, domain.EnrollmentPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	res, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Enrollments)
}

func TestSweepContinuesAfterFailure(t *testing.T) {
	ctx := context.Background()
	store := testutil.Provider(t)
	clock := testutil.NewClock()
	reg := registry.New(store, "test-secret", config.RegistryConfig{
		EnrollmentTTL:   time.Minute,
		LivenessTimeout: 90 * time.Second,
	}, registry.WithClock(clock.Now))

	key, err := reg.IssueBootstrapKey(ctx, domain.KeyConstraints{}, "admin")
	require.NoError(t, err)
	_, err = reg.RequestEnrollment(ctx, key.Secret, "fp-1", nil)
	require.NoError(t, err)
	clock.Advance(time.Minute)

	res, err := New(reg, failingExpirer{}, time.Minute).Sweep(ctx)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Equal(t, 1, res.Enrollments)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := testutil.Provider(t)
	reg := registry.New(store, "test-secret", config.RegistryConfig{
		EnrollmentTTL:   time.Hour,
		LivenessTimeout: 90 * time.Second,
	})
	s := New(reg, failingExpirer{}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
