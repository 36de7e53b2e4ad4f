package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"field-access-control/internal/access"
	"field-access-control/internal/broker"
	"field-access-control/internal/config"
	"field-access-control/internal/domain"
	"field-access-control/internal/email"
	"field-access-control/internal/jwt"
	"field-access-control/internal/nonce"
	"field-access-control/internal/notify"
	"field-access-control/internal/registry"
	"field-access-control/internal/signature"
	"field-access-control/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSender keeps the last message instead of mailing it.
type captureSender struct {
	mu   sync.Mutex
	last *email.Message
}

func (s *captureSender) Send(_ context.Context, msg *email.Message) error {
	s.mu.Lock()
	s.last = msg
	s.mu.Unlock()
	return nil
}

type harness struct {
	t      *testing.T
	server *Server
	engine *gin.Engine
	clock  *testutil.Clock
	mailer *captureSender

	adminToken string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Secret: "test-secret",
		Auth:   config.AuthConfig{TokenTTL: time.Hour, OTPTTL: 10 * time.Minute},
		Registry: config.RegistryConfig{
			EnrollmentTTL:   time.Hour,
			LivenessTimeout: 90 * time.Second,
		},
		Broker:    config.BrokerConfig{RequestTTL: 5 * time.Minute, PushTimeout: time.Second},
		Signature: config.SignatureConfig{MaxSkew: 5 * time.Minute},
	}

	store := testutil.Provider(t)
	clock := testutil.NewClock()
	nonces := nonce.NewMemoryStore()
	t.Cleanup(nonces.Close)
	hub := notify.NewMemoryHub()
	t.Cleanup(func() { _ = hub.Close() })

	reg := registry.New(store, cfg.Secret, cfg.Registry, registry.WithClock(clock.Now))
	engine := access.New(store, access.WithClock(clock.Now))
	mailer := &captureSender{}

	s := &Server{
		Config:   cfg,
		Store:    store,
		Registry: reg,
		Access:   engine,
		Broker:   broker.New(store, engine, reg, hub, cfg.Broker, broker.WithClock(clock.Now)),
		Hub:      hub,
		Nonces:   nonces,
		Tokens:   jwt.NewIssuer(cfg.Secret, nonces),
		Mailer:   mailer,
		Now:      clock.Now,
	}
	r := gin.New()
	s.Register(r)

	h := &harness{t: t, server: s, engine: r, clock: clock, mailer: mailer}
	admin, err := engine.CreateUser(context.Background(), access.UserSpec{Email: "admin@example.com", Admin: true}, "test")
	require.NoError(t, err)
	h.adminToken = h.token(admin)
	return h
}

func (h *harness) token(user *domain.User) string {
	h.t.Helper()
	tok, err := h.server.Tokens.NewAccessToken(user, time.Hour)
	require.NoError(h.t, err)
	return tok
}

func (h *harness) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func (h *harness) newRequest(method, path string, body any) (*http.Request, []byte) {
	h.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(h.t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, raw
}

// user sends a request with a Bearer token.
func (h *harness) user(token, method, path string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	req, _ := h.newRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+token)
	return h.serve(req)
}

// signed sends a request signed for principal.
func (h *harness) signed(principal string, secret []byte, method, path string, body any) (*httptest.ResponseRecorder, *http.Request) {
	h.t.Helper()
	req, raw := h.newRequest(method, path, body)
	require.NoError(h.t, signature.Sign(req, principal, secret, raw, h.clock.Now()))
	return h.serve(req), req
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, kind domain.Kind) {
	t.Helper()
	require.Equal(t, status, w.Code, w.Body.String())
	body := decode[errorStruct](t, w)
	assert.False(t, body.Succeed)
	assert.Equal(t, "error", body.Status)
	assert.Equal(t, string(kind), body.Kind)
}

// enroll walks a device through issue, request, approve and status over HTTP
// and returns its id and secret.
func (h *harness) enroll(fingerprint string) (string, []byte) {
	t := h.t
	t.Helper()

	w := h.user(h.adminToken, http.MethodPost, "/api/admin/keys", domain.KeyConstraints{Tags: []string{"site-a"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	key := decode[domain.IssuedKey](t, w)
	require.NotEmpty(t, key.Secret)

	w, _ = h.signed(key.KeyID, []byte(key.Secret), http.MethodPost, "/api/enrollments", gin.H{
		"key_secret":  key.Secret,
		"fingerprint": fingerprint,
		"metadata":    map[string]string{"model": "plc-9"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	enr := decode[enrollmentResponse](t, w)
	assert.Equal(t, "pending", enr.Status)

	w = h.user(h.adminToken, http.MethodPost, "/api/admin/enrollments/"+enr.RequestID+"/decision", gin.H{"decision": "approve"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, _ = h.signed(key.KeyID, []byte(key.Secret), http.MethodPost, "/api/enrollments/"+enr.RequestID+"/status", gin.H{
		"key_secret":  key.Secret,
		"fingerprint": fingerprint,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	view := decode[registry.EnrollmentView](t, w)
	require.Equal(t, domain.EnrollmentApproved, view.Status)
	require.NotEmpty(t, view.DeviceSecret)
	return view.DeviceID, []byte(view.DeviceSecret)
}

// operator creates a user allowed to view and connect to site-a devices.
func (h *harness) operator() string {
	t := h.t
	t.Helper()
	ctx := context.Background()
	e := h.server.Access

	role, err := e.CreateRole(ctx, access.RoleSpec{Name: "operator", Permissions: []string{"device:view", "device:connect"}}, "test")
	require.NoError(t, err)
	group, err := e.CreateDeviceGroup(ctx, access.GroupSpec{Name: "site-a", Filter: &domain.DeviceFilter{Tags: []string{"site-a"}}}, "test")
	require.NoError(t, err)
	_, err = e.CreatePolicy(ctx, access.PolicySpec{RoleID: role.RoleID, GroupID: group.GroupID, Permissions: []string{"device:view", "device:connect"}}, "test")
	require.NoError(t, err)
	user, err := e.CreateUser(ctx, access.UserSpec{Email: "operator@example.com", Roles: []string{"operator"}}, "test")
	require.NoError(t, err)
	return h.token(user)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	req, _ := h.newRequest(http.MethodGet, "/health", nil)
	w := h.serve(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, w)["status"])
}

func TestEmailLogin(t *testing.T) {
	h := newHarness(t)

	req, _ := h.newRequest(http.MethodPost, "/auth/login", gin.H{"email": "Admin@Example.com"})
	w := h.serve(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	claim := decode[map[string]any](t, w)["otpclaim"].(string)

	require.NotNil(t, h.mailer.last)
	assert.Equal(t, []string{"admin@example.com"}, h.mailer.last.To)
	m := regexp.MustCompile(`<h2>(\d{6})</h2>`).FindStringSubmatch(h.mailer.last.HTML)
	require.Len(t, m, 2)

	t.Run("wrong code", func(t *testing.T) {
		wrong := "000000"
		if m[1] == wrong {
			wrong = "111111"
		}
		req, _ := h.newRequest(http.MethodPost, "/auth/verify", gin.H{"otp": wrong, "otpclaim": claim})
		w := h.serve(req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, w.Body.String())
	})

	req, _ = h.newRequest(http.MethodPost, "/auth/verify", gin.H{"otp": m[1], "otpclaim": claim})
	w = h.serve(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	token := decode[map[string]any](t, w)["token"].(string)

	w = h.user(token, http.MethodGet, "/auth/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "admin@example.com", decode[map[string]any](t, w)["email"])

	t.Run("code is single use", func(t *testing.T) {
		req, _ := h.newRequest(http.MethodPost, "/auth/verify", gin.H{"otp": m[1], "otpclaim": claim})
		w := h.serve(req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		req, _ := h.newRequest(http.MethodPost, "/auth/login", gin.H{"email": "nobody@example.com"})
		assertError(t, h.serve(req), http.StatusUnauthorized, domain.KindInvalidCredential)
	})
}

func TestAuthMiddleware(t *testing.T) {
	h := newHarness(t)

	req, _ := h.newRequest(http.MethodGet, "/api/devices", nil)
	assert.Equal(t, http.StatusUnauthorized, h.serve(req).Code)

	w := h.user("not-a-token", http.MethodGet, "/api/devices", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	user, err := h.server.Access.CreateUser(context.Background(), access.UserSpec{Email: "gone@example.com"}, "test")
	require.NoError(t, err)
	token := h.token(user)
	require.Equal(t, http.StatusOK, h.user(token, http.MethodGet, "/api/devices", nil).Code)

	require.NoError(t, h.server.Access.SetUserActive(context.Background(), user.UserID, false, "test"))
	assert.Equal(t, http.StatusUnauthorized, h.user(token, http.MethodGet, "/api/devices", nil).Code)
}

func TestEnrollmentOverHTTP(t *testing.T) {
	h := newHarness(t)
	deviceID, secret := h.enroll("fp-plc-1")

	w := h.user(h.adminToken, http.MethodGet, "/api/admin/devices/"+deviceID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[domain.DeviceView](t, w)
	assert.Equal(t, domain.DeviceStatusActive, view.Status)
	assert.False(t, view.Online)

	w, _ = h.signed(deviceID, secret, http.MethodPost, "/api/device/heartbeat", gin.H{"endpoint_hint": "10.0.0.5:4433"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.user(h.adminToken, http.MethodGet, "/api/admin/devices/"+deviceID, nil)
	view = decode[domain.DeviceView](t, w)
	assert.True(t, view.Online)
	assert.Equal(t, "10.0.0.5:4433", view.EndpointHint)

	w = h.user(h.adminToken, http.MethodGet, "/api/admin/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[domain.Stats](t, w)
	assert.Equal(t, 1, stats.ActiveDevices)
	assert.Equal(t, 1, stats.OnlineDevices)
}

func TestEnrollmentRejectsBadCredentials(t *testing.T) {
	h := newHarness(t)

	w := h.user(h.adminToken, http.MethodPost, "/api/admin/keys", domain.KeyConstraints{Reusable: true})
	require.Equal(t, http.StatusCreated, w.Code)
	key := decode[domain.IssuedKey](t, w)

	body := gin.H{"key_secret": key.Secret, "fingerprint": "fp-1"}

	t.Run("unsigned", func(t *testing.T) {
		req, _ := h.newRequest(http.MethodPost, "/api/enrollments", body)
		w := h.serve(req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, w.Body.String())
	})

	t.Run("signed with another secret", func(t *testing.T) {
		w, _ := h.signed(key.KeyID, []byte("wrong"), http.MethodPost, "/api/enrollments", body)
		assertError(t, w, http.StatusUnauthorized, domain.KindInvalidCredential)
	})

	t.Run("unknown key secret", func(t *testing.T) {
		w, _ := h.signed(key.KeyID, []byte("bk_bogus"), http.MethodPost, "/api/enrollments", gin.H{"key_secret": "bk_bogus", "fingerprint": "fp-1"})
		assertError(t, w, http.StatusUnauthorized, domain.KindInvalidCredential)
	})

	t.Run("stale date", func(t *testing.T) {
		req, raw := h.newRequest(http.MethodPost, "/api/enrollments", body)
		require.NoError(t, signature.Sign(req, key.KeyID, []byte(key.Secret), raw, h.clock.Now().Add(-time.Hour)))
		assert.Equal(t, http.StatusUnauthorized, h.serve(req).Code)
	})

	t.Run("duplicate pending", func(t *testing.T) {
		w, _ := h.signed(key.KeyID, []byte(key.Secret), http.MethodPost, "/api/enrollments", body)
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		w, _ = h.signed(key.KeyID, []byte(key.Secret), http.MethodPost, "/api/enrollments", body)
		assertError(t, w, http.StatusConflict, domain.KindDuplicatePending)
	})
}

func TestSignedRequestReplay(t *testing.T) {
	h := newHarness(t)
	deviceID, secret := h.enroll("fp-plc-1")

	w, req := h.signed(deviceID, secret, http.MethodPost, "/api/device/heartbeat", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	replay := httptest.NewRequest(req.Method, req.URL.Path, nil)
	replay.Header = req.Header.Clone()
	w = h.serve(replay)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, decode[errorStruct](t, w).Code, "SIGNATURE_REPLAYED")
}

func TestRevokedDevice(t *testing.T) {
	h := newHarness(t)
	deviceID, secret := h.enroll("fp-plc-1")

	w := h.user(h.adminToken, http.MethodPost, "/api/admin/devices/"+deviceID+"/revoke", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, _ = h.signed(deviceID, secret, http.MethodPost, "/api/device/heartbeat", nil)
	assertError(t, w, http.StatusForbidden, domain.KindRevoked)

	w, _ = h.signed(deviceID, secret, http.MethodGet, "/api/device/connections", nil)
	assertError(t, w, http.StatusForbidden, domain.KindRevoked)
}

func TestConnectionOverHTTP(t *testing.T) {
	h := newHarness(t)
	deviceID, secret := h.enroll("fp-plc-1")
	w, _ := h.signed(deviceID, secret, http.MethodPost, "/api/device/heartbeat", gin.H{"endpoint_hint": "10.0.0.5:4433"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	operator := h.operator()

	w = h.user(operator, http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	devices := decode[[]domain.DeviceView](t, w)
	require.Len(t, devices, 1)
	assert.Equal(t, deviceID, devices[0].DeviceID)
	assert.True(t, devices[0].Online)

	w = h.user(operator, http.MethodGet, "/api/authorize?device_id="+deviceID+"&permission=device:configure", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["allowed"])

	w = h.user(operator, http.MethodPost, "/api/connections", gin.H{"device_id": deviceID, "offer": []byte("offer-1")})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	conn := decode[domain.ConnectionRequest](t, w)
	assert.Equal(t, domain.ConnectionPending, conn.Status)

	w = h.user(operator, http.MethodPost, "/api/connections/"+conn.RequestID+"/complete", nil)
	assertError(t, w, http.StatusConflict, domain.KindNotAnswered)

	w, _ = h.signed(deviceID, secret, http.MethodGet, "/api/device/connections", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	pending := decode[[]domain.ConnectionRequest](t, w)
	require.Len(t, pending, 1)
	assert.Equal(t, []byte("offer-1"), pending[0].OfferPayload)

	w, _ = h.signed(deviceID, secret, http.MethodPost, "/api/device/connections/"+conn.RequestID+"/answer", gin.H{"answer": []byte("answer-1")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, _ = h.signed(deviceID, secret, http.MethodPost, "/api/device/connections/"+conn.RequestID+"/answer", gin.H{"answer": []byte("answer-2")})
	assertError(t, w, http.StatusConflict, domain.KindNotPending)

	w = h.user(operator, http.MethodPost, "/api/connections/"+conn.RequestID+"/complete", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	desc := decode[domain.SessionDescriptor](t, w)
	assert.Equal(t, []byte("answer-1"), desc.Answer)
	assert.Equal(t, "10.0.0.5:4433", desc.EndpointHint)

	w = h.user(h.adminToken, http.MethodGet, "/api/admin/audit?entity_type=connection&entity_id="+conn.RequestID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode[[]domain.AuditEvent](t, w), 3)
}

func TestConnectionExpiredOverHTTP(t *testing.T) {
	h := newHarness(t)
	deviceID, secret := h.enroll("fp-plc-1")
	w, _ := h.signed(deviceID, secret, http.MethodPost, "/api/device/heartbeat", nil)
	require.Equal(t, http.StatusOK, w.Code)
	operator := h.operator()

	w = h.user(operator, http.MethodPost, "/api/connections", gin.H{"device_id": deviceID, "offer": []byte("offer-1")})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	conn := decode[domain.ConnectionRequest](t, w)

	h.clock.Advance(6 * time.Minute)
	w, _ = h.signed(deviceID, secret, http.MethodPost, "/api/device/connections/"+conn.RequestID+"/answer", gin.H{"answer": []byte("late")})
	assertError(t, w, http.StatusGone, domain.KindExpired)
}

func TestUserAccessErrors(t *testing.T) {
	h := newHarness(t)
	deviceID, _ := h.enroll("fp-plc-1")

	stranger, err := h.server.Access.CreateUser(context.Background(), access.UserSpec{Email: "stranger@example.com"}, "test")
	require.NoError(t, err)
	token := h.token(stranger)

	assertError(t, h.user(token, http.MethodGet, "/api/devices/"+deviceID, nil), http.StatusForbidden, domain.KindForbidden)
	assertError(t, h.user(token, http.MethodGet, "/api/devices/no-such-device", nil), http.StatusForbidden, domain.KindForbidden)

	w := h.user(token, http.MethodPost, "/api/connections", gin.H{"device_id": deviceID, "offer": []byte("x")})
	assertError(t, w, http.StatusForbidden, domain.KindForbidden)

	w = h.user(token, http.MethodPost, "/api/connections", gin.H{"device_id": deviceID})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	t.Run("admin routes need admin permissions", func(t *testing.T) {
		w := h.user(token, http.MethodGet, "/api/admin/keys", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, decode[errorStruct](t, w).Code, "INSUFFICIENT_PERMISSIONS")
	})
}

func TestAdminAccessManagement(t *testing.T) {
	h := newHarness(t)
	deviceID, _ := h.enroll("fp-plc-1")

	w := h.user(h.adminToken, http.MethodPost, "/api/admin/roles/system", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, len(access.SystemRoles), decode[map[string]any](t, w)["created"])

	w = h.user(h.adminToken, http.MethodPost, "/api/admin/groups", gin.H{"name": "site-a", "filter": gin.H{"tags": []string{"site-a"}}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	group := decode[domain.DeviceGroup](t, w)

	w = h.user(h.adminToken, http.MethodGet, "/api/admin/groups/site-a/members", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	members := decode[struct {
		GroupID string   `json:"group_id"`
		Devices []string `json:"devices"`
	}](t, w)
	assert.Equal(t, group.GroupID, members.GroupID)
	assert.Equal(t, []string{deviceID}, members.Devices)

	w = h.user(h.adminToken, http.MethodPost, "/api/admin/users", gin.H{"email": "tech@example.com", "roles": []string{"Service Engineer"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tech := decode[domain.User](t, w)

	w = h.user(h.adminToken, http.MethodPost, "/api/admin/users/"+tech.UserID+"/roles", gin.H{"role": "no-such-role"})
	assertError(t, w, http.StatusBadRequest, domain.KindUnknownRole)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/users/import?roles=Read%20Only",
		bytes.NewBufferString("Email,Name\nviewer@example.com,Viewer\n"))
	req.Header.Set("Authorization", "Bearer "+h.adminToken)
	w = h.serve(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.user(h.adminToken, http.MethodGet, "/api/admin/users/viewer@example.com", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	viewer := decode[domain.User](t, w)
	assert.Len(t, viewer.Roles, 1)
}
