// Package signature implements the HMAC scheme devices use to sign their
// requests:
//
//	Authorization: FAC1-HMAC-SHA256 <principal>:<hex signature>
//	X-FAC-Date: <RFC3339 timestamp>
//	X-FAC-Nonce: <unique per request>
//	X-FAC-Content-SHA256: <hex sha256 of the body>
//
// The signature is HMAC-SHA256 over the canonical string
// method, path, query, date, nonce and body hash joined by newlines.
// Principal is the device id, or the bootstrap key id for enrollment.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"field-access-control/internal/utils"
)

const (
	Scheme = "FAC1-HMAC-SHA256"

	HeaderDate          = "X-FAC-Date"
	HeaderNonce         = "X-FAC-Nonce"
	HeaderContentSHA256 = "X-FAC-Content-SHA256"
)

var (
	ErrMissingHeaders = errors.New("missing signature headers")
	ErrBadScheme      = errors.New("unsupported authorization scheme")
	ErrBadDate        = errors.New("malformed signature date")
	ErrClockSkew      = errors.New("signature date outside allowed skew")
	ErrBodyHash       = errors.New("body hash mismatch")
	ErrBadSignature   = errors.New("signature mismatch")
)

// Signed is a parsed, not yet verified, signed request.
type Signed struct {
	Principal string
	Nonce     string
	Date      time.Time

	signature string
	canonical string
}

func Canonical(method, path, query, date, nonce, bodyHash string) string {
	return strings.Join([]string{method, path, query, date, nonce, bodyHash}, "\n")
}

func Compute(secret []byte, canonical string) string {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(canonical))
	return hex.EncodeToString(m.Sum(nil))
}

func BodyHash(body []byte) string {
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:])
}

// Sign adds the signature headers to req. body must be the exact bytes sent.
func Sign(req *http.Request, principal string, secret []byte, body []byte, now time.Time) error {
	nonce, err := utils.RandomToken(16)
	if err != nil {
		return err
	}
	date := now.UTC().Format(time.RFC3339)
	bodyHash := BodyHash(body)

	canon := Canonical(req.Method, req.URL.EscapedPath(), req.URL.RawQuery, date, nonce, bodyHash)

	req.Header.Set(HeaderDate, date)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderContentSHA256, bodyHash)
	req.Header.Set("Authorization", fmt.Sprintf("%s %s:%s", Scheme, principal, Compute(secret, canon)))
	return nil
}

// Parse checks the shape, freshness and body hash of a signed request.
// The caller looks up the principal's secret and calls Verify.
func Parse(r *http.Request, body []byte, now time.Time, maxSkew time.Duration) (*Signed, error) {
	auth := r.Header.Get("Authorization")
	date := r.Header.Get(HeaderDate)
	nonce := r.Header.Get(HeaderNonce)
	if auth == "" || date == "" || nonce == "" {
		return nil, ErrMissingHeaders
	}

	value, ok := strings.CutPrefix(auth, Scheme+" ")
	if !ok {
		return nil, ErrBadScheme
	}
	principal, sig, ok := strings.Cut(value, ":")
	if !ok || principal == "" || len(sig) != sha256.Size*2 {
		return nil, ErrBadScheme
	}

	ts, err := time.Parse(time.RFC3339, date)
	if err != nil {
		return nil, ErrBadDate
	}
	if ts.After(now.Add(maxSkew)) || ts.Before(now.Add(-maxSkew)) {
		return nil, ErrClockSkew
	}

	calculated := BodyHash(body)
	if claimed := r.Header.Get(HeaderContentSHA256); claimed != "" && !strings.EqualFold(claimed, calculated) {
		return nil, ErrBodyHash
	}

	return &Signed{
		Principal: principal,
		Nonce:     nonce,
		Date:      ts,
		signature: strings.ToLower(sig),
		canonical: Canonical(r.Method, r.URL.EscapedPath(), r.URL.RawQuery, date, nonce, calculated),
	}, nil
}

// Verify compares the signature in constant time.
func (s *Signed) Verify(secret []byte) bool {
	want := Compute(secret, s.canonical)
	return hmac.Equal([]byte(want), []byte(s.signature))
}
