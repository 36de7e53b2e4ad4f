package jwt

import (
	"context"
	"testing"
	"time"

	"field-access-control/internal/domain"
	"field-access-control/internal/nonce"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIssuer(t *testing.T) *Issuer {
	t.Helper()
	store := nonce.NewMemoryStore()
	t.Cleanup(store.Close)
	return NewIssuer("test-secret", store)
}

func TestAccessToken(t *testing.T) {
	issuer := newIssuer(t)
	user := &domain.User{UserID: "usr_1", Email: "ops@example.com"}

	token, err := issuer.NewAccessToken(user, time.Hour)
	require.NoError(t, err)

	claim, err := issuer.DecodeAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "usr_1", claim.Subject)
	assert.Equal(t, "ops@example.com", claim.Email)

	other := NewIssuer("other-secret", nil)
	_, err = other.DecodeAccessToken(token)
	assert.Error(t, err)

	_, err = issuer.NewAccessToken(user, 0)
	assert.Error(t, err)
}

func TestAccessTokenExpiry(t *testing.T) {
	issuer := newIssuer(t)
	start := time.Now()
	issuer.now = func() time.Time { return start }

	token, err := issuer.NewAccessToken(&domain.User{UserID: "usr_1"}, time.Minute)
	require.NoError(t, err)

	issuer.now = func() time.Time { return start.Add(2 * time.Minute) }
	_, err = issuer.DecodeAccessToken(token)
	assert.ErrorIs(t, err, gojwt.ErrTokenExpired)
}

func TestOTPClaimIsAudienceBound(t *testing.T) {
	issuer := newIssuer(t)
	_, token, err := issuer.NewOTPClaim(context.Background(), "ops@example.com", time.Minute)
	require.NoError(t, err)

	// An OTP claim is not a bearer token.
	_, err = issuer.DecodeAccessToken(token)
	assert.Error(t, err)
}

func TestRedeemOTP(t *testing.T) {
	ctx := context.Background()
	issuer := newIssuer(t)

	code, token, err := issuer.NewOTPClaim(ctx, "ops@example.com", 10*time.Minute)
	require.NoError(t, err)
	assert.Len(t, code, 6)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	_, err = issuer.RedeemOTP(ctx, token, wrong)
	assert.ErrorIs(t, err, ErrInvalidCode)

	claim, err := issuer.RedeemOTP(ctx, token, code)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claim.Email)

	_, err = issuer.RedeemOTP(ctx, token, code)
	assert.ErrorIs(t, err, ErrInvalidNonce)
}
