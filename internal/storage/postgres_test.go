package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"field-access-control/internal/domain"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newMockProvider(t *testing.T) (*SQLProvider, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLProvider(sqlx.NewDb(db, postgresDriver), postgresDialect), mock
}

func TestPostgresProvider_Unit(t *testing.T) {
	ctx := context.Background()

	t.Run("ConsumeKeyUse rebinds placeholders", func(t *testing.T) {
		p, mock := newMockProvider(t)
		mock.ExpectExec(`UPDATE bootstrap_keys\s+SET use_count = use_count \+ 1,\s+last_used_at = \$1(.+)key_id = \$2(.+)expires_at > \$3`).
			WithArgs(t0, "k1", t0).
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := p.ConsumeKeyUse(ctx, "k1", t0)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("GetDevice maps no rows", func(t *testing.T) {
		p, mock := newMockProvider(t)
		mock.ExpectQuery(`SELECT (.+) FROM devices WHERE device_id = \$1`).
			WithArgs("dev-x").
			WillReturnRows(sqlmock.NewRows([]string{"device_id"}))

		_, err := p.GetDevice(ctx, "dev-x")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unique violation is a conflict", func(t *testing.T) {
		p, mock := newMockProvider(t)
		mock.ExpectExec(`INSERT INTO enrollment_requests`).
			WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, Message: "duplicate key"})

		err := p.CreateEnrollment(ctx, &domain.EnrollmentRequest{RequestID: "r1", Status: domain.EnrollmentPending})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("InTx rolls back on error", func(t *testing.T) {
		p, mock := newMockProvider(t)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE devices SET status = 'revoked'`).
			WithArgs(t0, "dev-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectRollback()

		boom := errors.New("boom")
		err := p.InTx(ctx, func(s Store) error {
			if _, err := s.RevokeDevice(ctx, "dev-1", t0); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("InTx commits", func(t *testing.T) {
		p, mock := newMockProvider(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO audit_log`).WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := p.InTx(ctx, func(s Store) error {
			return s.AppendAudit(ctx, &domain.AuditEvent{EntityType: domain.EntityDevice, EntityID: "dev-1", Action: "revoke", Actor: "admin", At: t0})
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ListAudit builds filters", func(t *testing.T) {
		p, mock := newMockProvider(t)
		mock.ExpectQuery(`SELECT (.+) FROM audit_log WHERE entity_type = \$1 AND entity_id = \$2 ORDER BY id DESC LIMIT \$3`).
			WithArgs(domain.EntityDevice, "dev-1", 5).
			WillReturnRows(sqlmock.NewRows([]string{"id", "entity_type", "entity_id", "action", "actor", "prior_status", "new_status", "detail", "at"}).
				AddRow(7, domain.EntityDevice, "dev-1", "revoke", "admin", "active", "revoked", "", t0))

		events, err := p.ListAudit(ctx, AuditFilter{EntityType: domain.EntityDevice, EntityID: "dev-1", Limit: 5})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, int64(7), events[0].ID)
		assert.Equal(t, "revoked", events[0].NewStatus)
	})
}

func TestPostgresProvider_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("fac_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("5432").
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start container: %s", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	p, err := NewPostgresProvider(ctx, connStr)
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Migrate(ctx, -1))

	seedKey(t, p, "k1", false, nil)
	seedDevice(t, p, "dev-1", "fp-1")

	ok, err := p.ConsumeKeyUse(ctx, "k1", t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.ConsumeKeyUse(ctx, "k1", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	req := &domain.EnrollmentRequest{
		RequestID: "r1", BootstrapKeyID: "k1", DeviceFingerprint: "fp-2",
		Status: domain.EnrollmentPending, CreatedAt: t0, ExpiresAt: t0.Add(time.Hour),
	}
	require.NoError(t, p.CreateEnrollment(ctx, req))
	req.RequestID = "r2"
	assert.ErrorIs(t, p.CreateEnrollment(ctx, req), ErrConflict)

	require.NoError(t, p.CreateConnection(ctx, &domain.ConnectionRequest{
		RequestID: "c1", RequesterUserID: "u1", TargetDeviceID: "dev-1",
		OfferPayload: []byte{0x01, 0x02}, Status: domain.ConnectionPending,
		CreatedAt: t0, ExpiresAt: t0.Add(5 * time.Minute),
	}))
	ok, err = p.AnswerConnection(ctx, "c1", []byte{0x03}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := p.GetConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionAnswered, got.Status)
	assert.Equal(t, []byte{0x01, 0x02}, got.OfferPayload)

	claimed, err := p.ClaimNonce(ctx, "n1", t0.Add(time.Minute), t0)
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = p.ClaimNonce(ctx, "n1", t0.Add(time.Minute), t0)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, p.Migrate(ctx, 0))
	version, err := p.GetSchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, version)
}
