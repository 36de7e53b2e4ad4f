package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"field-access-control/internal/access"
	"field-access-control/internal/config"
	"field-access-control/internal/domain"
	"field-access-control/internal/notify"
	"field-access-control/internal/registry"
	"field-access-control/internal/storage"
	"field-access-control/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const requestTTL = 5 * time.Minute

type fixture struct {
	broker   *Broker
	reg      *registry.Registry
	engine   *access.Engine
	store    storage.Provider
	clock    *testutil.Clock
	notifier *testutil.MockNotifier

	device   string
	operator string
	stranger string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:    testutil.Provider(t),
		clock:    testutil.NewClock(),
		notifier: &testutil.MockNotifier{},
	}
	f.reg = registry.New(f.store, "test-secret", config.RegistryConfig{
		EnrollmentTTL:   time.Hour,
		LivenessTimeout: 90 * time.Second,
	}, registry.WithClock(f.clock.Now))
	f.engine = access.New(f.store, access.WithClock(f.clock.Now))
	f.broker = New(f.store, f.engine, f.reg, f.notifier, config.BrokerConfig{
		RequestTTL:  requestTTL,
		PushTimeout: time.Second,
	}, WithClock(f.clock.Now))

	uses := 10
	key, err := f.reg.IssueBootstrapKey(ctx, domain.KeyConstraints{Reusable: true, MaxUses: &uses, Tags: []string{"site-a"}}, "admin")
	require.NoError(t, err)
	enr, err := f.reg.RequestEnrollment(ctx, key.Secret, "fp-plc-1", map[string]string{"type": "plc"})
	require.NoError(t, err)
	device, err := f.reg.DecideEnrollment(ctx, enr.RequestID, domain.DecisionApprove, "admin")
	require.NoError(t, err)
	f.device = device.DeviceID
	f.heartbeat(t)

	role, err := f.engine.CreateRole(ctx, access.RoleSpec{Name: "operator", Permissions: []string{"device:view", "device:connect"}}, "admin")
	require.NoError(t, err)
	group, err := f.engine.CreateDeviceGroup(ctx, access.GroupSpec{Name: "site-a", Filter: &domain.DeviceFilter{Tags: []string{"site-a"}}}, "admin")
	require.NoError(t, err)
	_, err = f.engine.CreatePolicy(ctx, access.PolicySpec{RoleID: role.RoleID, GroupID: group.GroupID, Permissions: []string{"device:view", "device:connect"}}, "admin")
	require.NoError(t, err)

	op, err := f.engine.CreateUser(ctx, access.UserSpec{Email: "operator@example.com", Roles: []string{"operator"}}, "admin")
	require.NoError(t, err)
	f.operator = op.UserID
	stranger, err := f.engine.CreateUser(ctx, access.UserSpec{Email: "stranger@example.com"}, "admin")
	require.NoError(t, err)
	f.stranger = stranger.UserID
	return f
}

func (f *fixture) heartbeat(t *testing.T) {
	t.Helper()
	require.NoError(t, f.reg.ReportLiveness(context.Background(), f.device, "10.0.0.5:4433"))
}

func (f *fixture) acceptPushes() {
	f.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)
}

func (f *fixture) open(t *testing.T, offer string) *domain.ConnectionRequest {
	t.Helper()
	req, err := f.broker.OpenConnection(context.Background(), f.operator, f.device, []byte(offer))
	require.NoError(t, err)
	return req
}

func TestConnectionRendezvous(t *testing.T) {
	f := newFixture(t)
	f.acceptPushes()
	ctx := context.Background()

	req := f.open(t, "offer-1")
	assert.Equal(t, domain.ConnectionPending, req.Status)
	assert.Equal(t, f.clock.Now().Add(requestTTL), req.ExpiresAt)
	f.notifier.AssertCalled(t, "Notify", mock.Anything, mock.MatchedBy(func(ev notify.Event) bool {
		return ev.Type == notify.EventConnectionRequested && ev.DeviceID == f.device && ev.RequestID == req.RequestID
	}))

	pending, err := f.broker.PendingForDevice(ctx, f.device)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, []byte("offer-1"), pending[0].OfferPayload)

	require.NoError(t, f.broker.SubmitAnswer(ctx, req.RequestID, f.device, []byte("answer-1")))

	pending, err = f.broker.PendingForDevice(ctx, f.device)
	require.NoError(t, err)
	assert.Empty(t, pending)

	desc, err := f.broker.CompleteConnection(ctx, req.RequestID, f.operator)
	require.NoError(t, err)
	assert.Equal(t, []byte("offer-1"), desc.Offer)
	assert.Equal(t, []byte("answer-1"), desc.Answer)
	assert.Equal(t, "10.0.0.5:4433", desc.EndpointHint)
	assert.Equal(t, f.device, desc.DeviceID)
	assert.Equal(t, f.operator, desc.UserID)

	// A later heartbeat from a new address leaves the descriptor unchanged.
	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.reg.ReportLiveness(ctx, f.device, "192.0.2.9:5000"))
	again, err := f.broker.CompleteConnection(ctx, req.RequestID, f.operator)
	require.NoError(t, err)
	assert.Equal(t, *desc, *again)

	_, err = f.broker.CompleteConnection(ctx, req.RequestID, f.stranger)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.broker.GetConnection(ctx, req.RequestID, f.stranger)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	got, err := f.broker.GetConnection(ctx, req.RequestID, f.operator)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionCompleted, got.Status)

	events, err := f.store.ListAudit(ctx, storage.AuditFilter{EntityID: req.RequestID})
	require.NoError(t, err)
	var actions []string
	for _, ev := range events {
		actions = append(actions, ev.Action)
	}
	assert.ElementsMatch(t, []string{"open", "answer", "complete"}, actions)
}

func TestOpenConnectionForbidden(t *testing.T) {
	f := newFixture(t)
	f.acceptPushes()
	ctx := context.Background()

	_, err := f.broker.OpenConnection(ctx, f.stranger, f.device, []byte("offer"))
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.broker.OpenConnection(ctx, f.operator, "dev_missing", []byte("offer"))
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.broker.OpenConnection(ctx, f.operator, f.device, nil)
	assert.ErrorIs(t, err, domain.ErrInvalid)

	all, err := f.broker.ListConnections(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestOpenConnectionOffline(t *testing.T) {
	f := newFixture(t)
	f.acceptPushes()
	ctx := context.Background()

	f.clock.Advance(2 * time.Minute)
	_, err := f.broker.OpenConnection(ctx, f.operator, f.device, []byte("offer"))
	assert.ErrorIs(t, err, domain.ErrDeviceOffline)

	f.heartbeat(t)
	f.open(t, "offer")

	require.NoError(t, f.reg.RevokeDevice(ctx, f.device, "admin"))
	_, err = f.broker.OpenConnection(ctx, f.operator, f.device, []byte("offer"))
	// Filter groups drop revoked devices, so the grant is gone too.
	assert.ErrorIs(t, err, domain.ErrForbidden)

	all, err := f.broker.ListConnections(ctx, f.operator)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSubmitAnswerErrors(t *testing.T) {
	f := newFixture(t)
	f.acceptPushes()
	ctx := context.Background()
	req := f.open(t, "offer")

	assert.ErrorIs(t, f.broker.SubmitAnswer(ctx, req.RequestID, "dev_other", []byte("a")), domain.ErrWrongDevice)
	assert.ErrorIs(t, f.broker.SubmitAnswer(ctx, "conn_missing", f.device, []byte("a")), domain.ErrNotFound)
	assert.ErrorIs(t, f.broker.SubmitAnswer(ctx, req.RequestID, f.device, nil), domain.ErrInvalid)

	_, err := f.broker.CompleteConnection(ctx, req.RequestID, f.operator)
	assert.ErrorIs(t, err, domain.ErrNotAnswered)

	require.NoError(t, f.broker.SubmitAnswer(ctx, req.RequestID, f.device, []byte("first")))
	assert.ErrorIs(t, f.broker.SubmitAnswer(ctx, req.RequestID, f.device, []byte("second")), domain.ErrNotPending)

	desc, err := f.broker.CompleteConnection(ctx, req.RequestID, f.operator)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), desc.Answer)

	_, err = f.broker.GetConnectionForDevice(ctx, req.RequestID, "dev_other")
	assert.ErrorIs(t, err, domain.ErrWrongDevice)
	_, err = f.broker.CompleteConnection(ctx, "conn_missing", f.operator)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubmitAnswerRevokedDevice(t *testing.T) {
	f := newFixture(t)
	f.acceptPushes()
	ctx := context.Background()
	req := f.open(t, "offer")

	require.NoError(t, f.reg.RevokeDevice(ctx, f.device, "admin"))
	assert.ErrorIs(t, f.broker.SubmitAnswer(ctx, req.RequestID, f.device, []byte("a")), domain.ErrRevoked)
}

func TestConnectionExpiry(t *testing.T) {
	f := newFixture(t)
	f.acceptPushes()
	ctx := context.Background()

	t.Run("answer after deadline", func(t *testing.T) {
		f.heartbeat(t)
		req := f.open(t, "offer")
		f.clock.Advance(requestTTL)

		assert.ErrorIs(t, f.broker.SubmitAnswer(ctx, req.RequestID, f.device, []byte("late")), domain.ErrExpired)
		_, err := f.broker.CompleteConnection(ctx, req.RequestID, f.operator)
		assert.ErrorIs(t, err, domain.ErrExpired)

		stored, err := f.store.GetConnection(ctx, req.RequestID)
		require.NoError(t, err)
		assert.Equal(t, domain.ConnectionExpired, stored.Status)
	})

	t.Run("sweep pending and answered", func(t *testing.T) {
		f.heartbeat(t)
		pending := f.open(t, "pending")
		answered := f.open(t, "answered")
		require.NoError(t, f.broker.SubmitAnswer(ctx, answered.RequestID, f.device, []byte("a")))

		f.clock.Advance(requestTTL - time.Second)
		n, err := f.broker.ExpireStaleRequests(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		f.clock.Advance(time.Second)
		got, err := f.broker.GetConnection(ctx, pending.RequestID, f.operator)
		require.NoError(t, err)
		assert.Equal(t, domain.ConnectionExpired, got.Status)

		n, err = f.broker.ExpireStaleRequests(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = f.broker.ExpireStaleRequests(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = f.broker.CompleteConnection(ctx, answered.RequestID, f.operator)
		assert.ErrorIs(t, err, domain.ErrExpired)
		assert.ErrorIs(t, f.broker.SubmitAnswer(ctx, pending.RequestID, f.device, []byte("a")), domain.ErrNotPending)
	})

	t.Run("completed requests never expire", func(t *testing.T) {
		f.heartbeat(t)
		req := f.open(t, "offer")
		require.NoError(t, f.broker.SubmitAnswer(ctx, req.RequestID, f.device, []byte("a")))
		_, err := f.broker.CompleteConnection(ctx, req.RequestID, f.operator)
		require.NoError(t, err)

		f.clock.Advance(time.Hour)
		n, err := f.broker.ExpireStaleRequests(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		desc, err := f.broker.CompleteConnection(ctx, req.RequestID, f.operator)
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), desc.Answer)
	})
}

func TestPushFailureIsSwallowed(t *testing.T) {
	for name, pushErr := range map[string]error{
		"no listener": notify.ErrNoListener,
		"transport":   errors.New("connection reset"),
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.notifier.On("Notify", mock.Anything, mock.Anything).Return(pushErr)

			req := f.open(t, "offer")
			assert.Equal(t, domain.ConnectionPending, req.Status)
			f.notifier.AssertNumberOfCalls(t, "Notify", 1)

			pending, err := f.broker.PendingForDevice(context.Background(), f.device)
			require.NoError(t, err)
			assert.Len(t, pending, 1)
		})
	}
}
