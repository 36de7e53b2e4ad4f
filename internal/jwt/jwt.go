package jwt

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"field-access-control/internal/domain"
	"field-access-control/internal/nonce"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidNonce     = errors.New("invalid nonce")
	ErrNonValidToken    = errors.New("token did not pass validation")
	ErrInvalidClaimType = errors.New("invalid claim type")
	ErrInvalidCode      = errors.New("invalid one-time code")
)

const (
	AudienceAccess   = "access"    // Bearer tokens for the operator API
	AudienceEmailOTP = "email_otp" // Claim returned by login, redeemed with the e-mailed code
)

var tokenSignatureAlg = gojwt.SigningMethodHS256

// AccessClaim authenticates an operator. Subject is the user id.
type AccessClaim struct {
	Email string `json:"email"`
	gojwt.RegisteredClaims
}

// OTPClaim binds an e-mailed one-time code to the login attempt. The code is
// stored only as a keyed hash.
type OTPClaim struct {
	Email    string `json:"email"`
	CodeHash string `json:"code"`
	gojwt.RegisteredClaims
}

// Issuer signs and decodes tokens with the server secret. OTP claims are
// single use through the nonce store.
type Issuer struct {
	secret []byte
	nonces nonce.Store
	now    func() time.Time
}

func NewIssuer(secret string, nonces nonce.Store) *Issuer {
	return &Issuer{secret: []byte(secret), nonces: nonces, now: time.Now}
}

func (i *Issuer) registeredClaim(subject, audience, id string, ttl time.Duration) gojwt.RegisteredClaims {
	now := i.now().UTC()
	return gojwt.RegisteredClaims{
		ID:        id,
		Subject:   subject,
		Audience:  gojwt.ClaimStrings{audience},
		IssuedAt:  gojwt.NewNumericDate(now),
		NotBefore: gojwt.NewNumericDate(now),
		ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
	}
}

// NewAccessToken issues a bearer token for user valid for ttl.
func (i *Issuer) NewAccessToken(user *domain.User, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("invalid token TTL")
	}
	claim := AccessClaim{
		Email:            user.Email,
		RegisteredClaims: i.registeredClaim(user.UserID, AudienceAccess, "", ttl),
	}
	return i.GenerateJWT(claim)
}

func (i *Issuer) DecodeAccessToken(tokenString string) (*AccessClaim, error) {
	return decodeJWT(i, tokenString, &AccessClaim{}, gojwt.WithAudience(AudienceAccess))
}

// NewOTPClaim generates a 6 digit code for email and the claim that redeems
// it. The code must be delivered out of band.
func (i *Issuer) NewOTPClaim(ctx context.Context, email string, ttl time.Duration) (code, token string, err error) {
	code, err = generateOTP()
	if err != nil {
		return "", "", err
	}
	// nonce TTL is slightly longer than token TTL to allow for clock skew
	id, err := nonce.New(ctx, i.nonces, ttl+10*time.Second)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	claim := OTPClaim{
		Email:            email,
		CodeHash:         i.otpEncode(code),
		RegisteredClaims: i.registeredClaim(email, AudienceEmailOTP, id, ttl),
	}
	token, err = i.GenerateJWT(claim)
	return code, token, err
}

// RedeemOTP checks code against the claim and consumes the claim nonce, so
// each claim logs in at most once. A wrong code leaves the claim usable.
func (i *Issuer) RedeemOTP(ctx context.Context, tokenString, code string) (*OTPClaim, error) {
	claim, err := decodeJWT(i, tokenString, &OTPClaim{}, gojwt.WithAudience(AudienceEmailOTP))
	if err != nil {
		return nil, err
	}
	if !hmac.Equal([]byte(i.otpEncode(code)), []byte(claim.CodeHash)) {
		return nil, ErrInvalidCode
	}
	if ok, err := i.nonces.Consume(ctx, claim.ID); err != nil || !ok {
		return nil, ErrInvalidNonce
	}
	return claim, nil
}

// Generic JWT token generation function
func (i *Issuer) GenerateJWT(claims gojwt.Claims) (string, error) {
	token := gojwt.NewWithClaims(tokenSignatureAlg, claims)
	return token.SignedString(i.secret)
}

func decodeJWT[T gojwt.Claims](i *Issuer, tokenString string, claimsType T, opts ...gojwt.ParserOption) (T, error) {
	var zero T

	opts = append(opts,
		gojwt.WithValidMethods([]string{tokenSignatureAlg.Alg()}),
		gojwt.WithTimeFunc(i.now),
	)
	parsedToken, err := gojwt.ParseWithClaims(tokenString, claimsType, func(token *gojwt.Token) (any, error) {
		return i.secret, nil
	}, opts...)

	if err != nil {
		return zero, err
	} else if parsedToken == nil || !parsedToken.Valid {
		return zero, ErrNonValidToken
	} else if claims, ok := parsedToken.Claims.(T); ok {
		return claims, nil
	}

	return zero, ErrInvalidClaimType
}

func (i *Issuer) otpEncode(code string) string {
	h := hmac.New(sha256.New, i.secret)
	h.Write([]byte("otp:" + code))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// generateOTP generates a random 6-digit OTP as a string.
func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
