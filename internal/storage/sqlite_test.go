package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"field-access-control/internal/config"
	"field-access-control/internal/domain"
	"field-access-control/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T) *SQLProvider {
	t.Helper()
	p, err := NewSQLiteProvider(":memory:")
	require.NoError(t, err)
	require.NoError(t, p.Migrate(context.Background(), -1))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func seedKey(t *testing.T, p *SQLProvider, id string, reusable bool, maxUses *int) {
	t.Helper()
	require.NoError(t, p.CreateKey(context.Background(), &domain.BootstrapKey{
		KeyID:      id,
		SecretHash: "argon2id$salt$hash",
		CreatedAt:  t0,
		Reusable:   reusable,
		MaxUses:    maxUses,
		Tags:       domain.Strings{"site-a"},
		Issuer:     "admin",
		Status:     domain.KeyStatusActive,
	}))
}

func seedDevice(t *testing.T, p *SQLProvider, id, fingerprint string) {
	t.Helper()
	require.NoError(t, p.CreateDevice(context.Background(), &domain.Device{
		DeviceID:    id,
		Fingerprint: fingerprint,
		Status:      domain.DeviceStatusActive,
		Metadata:    domain.Metadata{"type": "plc"},
		Tags:        domain.Strings{"site-a"},
		CreatedAt:   t0,
		EnrolledAt:  t0,
	}))
}

func TestMigrations(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	version, err := p.GetSchemaVersion(ctx)
	require.NoError(t, err)
	latest, err := NewMigrationRunner(sqliteDriver).GetLatestMigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, latest, version)

	// Running again is a no-op.
	require.NoError(t, p.Migrate(ctx, -1))

	require.NoError(t, p.Migrate(ctx, 0))
	version, err = p.GetSchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, version)

	require.NoError(t, p.Migrate(ctx, -1))
	_, err = p.ListKeys(ctx)
	assert.NoError(t, err)
}

func TestNewProvider(t *testing.T) {
	ctx := context.Background()

	p, err := NewProvider(ctx, &config.Storage{Type: "sqlite", SQLite: &config.SQLLiteStorage{Path: ":memory:"}})
	require.NoError(t, err)
	defer p.Close()
	_, err = p.ListDevices(ctx, "")
	assert.NoError(t, err)

	_, err = Open(ctx, &config.Storage{Type: "mysql"})
	assert.ErrorIs(t, err, utils.ErrStorageProviderNotFound)

	_, err = Open(ctx, &config.Storage{Type: "postgres"})
	assert.Error(t, err)
}

func TestLoadMigrationsOrder(t *testing.T) {
	mr := NewMigrationRunner(postgresDialect)

	up, err := mr.LoadMigrations(0, -1)
	require.NoError(t, err)
	require.NotEmpty(t, up)
	assert.True(t, up[0].Up)
	assert.Equal(t, 1, up[0].Version)

	down, err := mr.LoadMigrations(1, 0)
	require.NoError(t, err)
	require.Len(t, down, 1)
	assert.False(t, down[0].Up)
	assert.Equal(t, 0, down[0].After())

	_, err = mr.LoadMigrations(1, 1)
	assert.ErrorIs(t, err, ErrMigrateCurrentVersionSameAsTarget)

	_, err = NewMigrationRunner("mysql").LoadMigrations(0, -1)
	assert.Error(t, err)
}

func TestConsumeKeyUse(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	two := 2

	seedKey(t, p, "single", false, nil)
	seedKey(t, p, "limited", true, &two)
	seedKey(t, p, "open", true, nil)

	ok, err := p.ConsumeKeyUse(ctx, "single", t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.ConsumeKeyUse(ctx, "single", t0)
	require.NoError(t, err)
	assert.False(t, ok, "single use key consumed twice")

	key, err := p.GetKey(ctx, "single")
	require.NoError(t, err)
	assert.Equal(t, domain.KeyStatusExhausted, key.Status)
	assert.Equal(t, 1, key.UseCount)
	require.NotNil(t, key.LastUsedAt)
	assert.True(t, key.LastUsedAt.Equal(t0))

	for i := 0; i < 2; i++ {
		ok, err = p.ConsumeKeyUse(ctx, "limited", t0)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err = p.ConsumeKeyUse(ctx, "limited", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	for i := 0; i < 5; i++ {
		ok, err = p.ConsumeKeyUse(ctx, "open", t0)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	revoked, err := p.RevokeKey(ctx, "open")
	require.NoError(t, err)
	assert.True(t, revoked)
	ok, err = p.ConsumeKeyUse(ctx, "open", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = p.GetKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpireKeys(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	seedKey(t, p, "k1", true, nil)

	past := t0.Add(-time.Hour)
	require.NoError(t, p.CreateKey(ctx, &domain.BootstrapKey{
		KeyID: "k2", SecretHash: "h", CreatedAt: past, ExpiresAt: &t0,
		Reusable: true, Issuer: "admin", Status: domain.KeyStatusActive,
	}))

	ids, err := p.ExpireKeys(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"k2"}, ids)

	key, err := p.GetKey(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, domain.KeyStatusExpired, key.Status)
}

func TestConsumeKeyUseHonoursExpiry(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	expires := t0.Add(10 * time.Minute)
	require.NoError(t, p.CreateKey(ctx, &domain.BootstrapKey{
		KeyID: "k1", SecretHash: "h", CreatedAt: t0, ExpiresAt: &expires,
		Reusable: true, Issuer: "admin", Status: domain.KeyStatusActive,
	}))

	ok, err := p.ConsumeKeyUse(ctx, "k1", expires.Add(-time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	// Still marked active: nothing has run ExpireKeys.
	ok, err = p.ConsumeKeyUse(ctx, "k1", expires)
	require.NoError(t, err)
	assert.False(t, ok)

	key, err := p.GetKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, domain.KeyStatusActive, key.Status)
	assert.Equal(t, 1, key.UseCount)
}

func TestEnrollmentPendingUniqueness(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	seedKey(t, p, "k1", true, nil)

	newReq := func(id string) *domain.EnrollmentRequest {
		return &domain.EnrollmentRequest{
			RequestID:         id,
			BootstrapKeyID:    "k1",
			DeviceFingerprint: "fp-1",
			DeclaredMetadata:  domain.Metadata{"model": "x"},
			Status:            domain.EnrollmentPending,
			CreatedAt:         t0,
			ExpiresAt:         t0.Add(24 * time.Hour),
		}
	}

	require.NoError(t, p.CreateEnrollment(ctx, newReq("r1")))
	err := p.CreateEnrollment(ctx, newReq("r2"))
	assert.ErrorIs(t, err, ErrConflict)

	found, err := p.FindPendingEnrollment(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, "r1", found.RequestID)
	assert.Equal(t, "x", found.DeclaredMetadata["model"])

	ok, err := p.ResolveEnrollment(ctx, "r1", domain.EnrollmentRejected, "admin", "", t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.ResolveEnrollment(ctx, "r1", domain.EnrollmentApproved, "admin", "dev", t0)
	require.NoError(t, err)
	assert.False(t, ok, "terminal request resolved twice")

	// Once resolved the fingerprint may request again.
	require.NoError(t, p.CreateEnrollment(ctx, newReq("r2")))

	overdue, err := p.ListOverdueEnrollments(ctx, t0.Add(25*time.Hour))
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "r2", overdue[0].RequestID)

	pending, err := p.ListEnrollments(ctx, domain.EnrollmentPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	all, err := p.ListEnrollments(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeviceLifecycle(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	seedDevice(t, p, "dev-1", "fp-1")

	ok, err := p.TouchDevice(ctx, "dev-1", "10.0.0.5:4000", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	d, err := p.GetDeviceByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	require.NotNil(t, d.LastSeenAt)
	assert.True(t, d.LastSeenAt.Equal(t0.Add(time.Minute)))
	assert.Equal(t, "10.0.0.5:4000", d.EndpointHint)
	assert.Equal(t, "plc", d.Type())

	// Empty hint keeps the previous one.
	_, err = p.TouchDevice(ctx, "dev-1", "", t0.Add(2*time.Minute))
	require.NoError(t, err)
	d, err = p.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:4000", d.EndpointHint)

	ok, err = p.SetDeviceTags(ctx, "dev-1", []string{"site-b"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.RevokeDevice(ctx, "dev-1", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.RevokeDevice(ctx, "dev-1", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.TouchDevice(ctx, "dev-1", "", t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "revoked device touched")

	ok, err = p.ReactivateDevice(ctx, &domain.Device{DeviceID: "dev-1", EnrolledAt: t0})
	require.NoError(t, err)
	assert.False(t, ok, "revoked device reactivated")

	d, err = p.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceStatusRevoked, d.Status)
	assert.Equal(t, domain.Strings{"site-b"}, d.Tags)

	revoked, err := p.ListDevices(ctx, domain.DeviceStatusRevoked)
	require.NoError(t, err)
	assert.Len(t, revoked, 1)

	err = p.CreateDevice(ctx, &domain.Device{DeviceID: "dev-2", Fingerprint: "fp-1", Status: domain.DeviceStatusActive, CreatedAt: t0, EnrolledAt: t0})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRBACRepositories(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	role := &domain.Role{
		RoleID:      "role-1",
		Name:        "operator",
		Permissions: domain.NewPermissionSet(domain.PermDeviceView, domain.PermDeviceConnect),
		CreatedAt:   t0,
		CreatedBy:   "admin",
	}
	require.NoError(t, p.CreateRole(ctx, role))
	assert.ErrorIs(t, p.CreateRole(ctx, &domain.Role{RoleID: "role-2", Name: "operator", CreatedAt: t0, CreatedBy: "admin"}), ErrConflict)

	got, err := p.GetRoleByName(ctx, "operator")
	require.NoError(t, err)
	assert.Equal(t, role.Permissions, got.Permissions)

	group := &domain.DeviceGroup{
		GroupID:   "grp-1",
		Name:      "plcs",
		Kind:      domain.GroupFilter,
		Filter:    domain.DeviceFilter{DeviceTypes: []string{"plc"}},
		CreatedAt: t0,
		CreatedBy: "admin",
	}
	require.NoError(t, p.CreateGroup(ctx, group))
	groups, err := p.GetGroups(ctx, []string{"grp-1", "missing"})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"plc"}, groups[0].Filter.DeviceTypes)

	until := t0.Add(time.Hour)
	require.NoError(t, p.CreatePolicy(ctx, &domain.AccessPolicy{
		PolicyID:    "pol-1",
		RoleID:      "role-1",
		GroupID:     "grp-1",
		Permissions: domain.NewPermissionSet(domain.PermDeviceConnect),
		ValidUntil:  &until,
		CreatedAt:   t0,
		CreatedBy:   "admin",
	}))
	policies, err := p.ListPoliciesForRoles(ctx, []string{"role-1"})
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.True(t, policies[0].ValidUntil.Equal(until))
	assert.Nil(t, policies[0].ValidFrom)

	user := &domain.User{UserID: "usr-1", Email: "ops@example.com", Active: true, CreatedAt: t0}
	require.NoError(t, p.CreateUser(ctx, user))
	require.NoError(t, p.AddUserRole(ctx, "usr-1", "role-1"))
	require.NoError(t, p.AddUserRole(ctx, "usr-1", "role-1"))

	u, err := p.GetUserByEmail(ctx, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"role-1"}, u.Roles)

	users, err := p.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, []string{"role-1"}, users[0].Roles)

	removed, err := p.RemoveUserRole(ctx, "usr-1", "role-1")
	require.NoError(t, err)
	assert.True(t, removed)

	deleted, err := p.DeletePolicy(ctx, "pol-1")
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = p.GetPolicy(ctx, "pol-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConnectionTransitions(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	seedDevice(t, p, "dev-1", "fp-1")

	req := &domain.ConnectionRequest{
		RequestID:       "conn-1",
		RequesterUserID: "usr-1",
		TargetDeviceID:  "dev-1",
		OfferPayload:    []byte("offer"),
		Status:          domain.ConnectionPending,
		CreatedAt:       t0,
		ExpiresAt:       t0.Add(5 * time.Minute),
	}
	require.NoError(t, p.CreateConnection(ctx, req))

	pending, err := p.ListPendingConnections(ctx, "dev-1", t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, []byte("offer"), pending[0].OfferPayload)
	assert.Nil(t, pending[0].AnswerPayload)

	pending, err = p.ListPendingConnections(ctx, "dev-1", t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, pending, "expired request still listed")

	ok, err := p.CompleteConnection(ctx, "conn-1", "10.0.0.5:4433", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "pending request completed")

	ok, err = p.AnswerConnection(ctx, "conn-1", []byte("answer"), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.AnswerConnection(ctx, "conn-1", []byte("again"), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.CompleteConnection(ctx, "conn-1", "10.0.0.5:4433", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.CompleteConnection(ctx, "conn-1", "192.0.2.9:5000", t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "completed request completed again")

	got, err := p.GetConnection(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionCompleted, got.Status)
	assert.Equal(t, []byte("answer"), got.AnswerPayload)
	assert.Equal(t, "10.0.0.5:4433", got.EndpointHint)
	require.NotNil(t, got.CompletedAt)

	require.NoError(t, p.CreateConnection(ctx, &domain.ConnectionRequest{
		RequestID: "conn-2", RequesterUserID: "usr-1", TargetDeviceID: "dev-1",
		OfferPayload: []byte("o"), Status: domain.ConnectionPending,
		CreatedAt: t0, ExpiresAt: t0.Add(time.Minute),
	}))
	overdue, err := p.ListOverdueConnections(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "conn-2", overdue[0].RequestID)

	ok, err = p.TransitionConnection(ctx, "conn-2", domain.ConnectionPending, domain.ConnectionExpired)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.TransitionConnection(ctx, "conn-2", domain.ConnectionPending, domain.ConnectionDenied)
	require.NoError(t, err)
	assert.False(t, ok)

	mine, err := p.ListConnections(ctx, "usr-1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	boom := errors.New("boom")
	err := p.InTx(ctx, func(s Store) error {
		seedKey(t, s.(*SQLProvider), "k1", false, nil)
		return s.AppendAudit(ctx, &domain.AuditEvent{
			EntityType: domain.EntityBootstrapKey, EntityID: "k1", Action: "issue", Actor: "admin", At: t0,
		})
	})
	require.NoError(t, err)

	err = p.InTx(ctx, func(s Store) error {
		if _, err := s.ConsumeKeyUse(ctx, "k1", t0); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	key, err := p.GetKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 0, key.UseCount, "rolled back update persisted")

	events, err := p.ListAudit(ctx, AuditFilter{EntityType: domain.EntityBootstrapKey, Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "issue", events[0].Action)
}

func TestNonces(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	ok, err := p.ClaimNonce(ctx, "n1", t0.Add(time.Minute), t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.ClaimNonce(ctx, "n1", t0.Add(time.Minute), t0)
	require.NoError(t, err)
	assert.False(t, ok, "nonce claimed twice")

	// After expiry the value may be claimed again.
	ok, err = p.ClaimNonce(ctx, "n1", t0.Add(3*time.Minute), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, p.CreateNonce(ctx, "n2", t0.Add(time.Minute)))
	consumed, err := p.ConsumeNonce(ctx, "n2", t0)
	require.NoError(t, err)
	assert.True(t, consumed)
	consumed, err = p.ConsumeNonce(ctx, "n2", t0)
	require.NoError(t, err)
	assert.False(t, consumed)

	n, err := p.ExpireNonces(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
