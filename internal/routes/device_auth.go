package routes

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"field-access-control/internal/domain"
	"field-access-control/internal/signature"

	"github.com/gin-gonic/gin"
)

const (
	ctxDeviceID = "deviceID"
	ctxDevice   = "device"
	ctxBody     = "signedBody"

	maxSignedBody = 1 << 20
)

// readBody buffers the request body for signature checks and restores it for
// the handler.
func readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxSignedBody))
	if err != nil {
		return nil, err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// parseSigned checks shape, freshness and the body digest. The signature
// itself is verified by the caller once it knows the principal's secret.
func (s *Server) parseSigned(c *gin.Context) (*signature.Signed, error) {
	body, err := readBody(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	c.Set(ctxBody, body)
	return signature.Parse(c.Request, body, s.now(), s.Config.Signature.MaxSkew)
}

// claimNonce rejects a replay of an already verified request. Nonces are kept
// for twice the freshness window, after which the date check rejects the
// request anyway.
func (s *Server) claimNonce(c *gin.Context, scope string, signed *signature.Signed) error {
	ttl := 2 * s.Config.Signature.MaxSkew
	ok, err := s.Nonces.Claim(c.Request.Context(), scope+":"+signed.Principal+":"+signed.Nonce, ttl)
	if err != nil {
		return domain.Unavailable("claim nonce", err)
	}
	if !ok {
		return ErrReplayedRequest
	}
	return nil
}

// DeviceAuth authenticates requests signed with a device credential. Revoked
// devices pass so that handlers can answer them with Revoked explicitly.
func (s *Server) DeviceAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		signed, err := s.parseSigned(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		device, secret, err := s.Registry.AuthenticateDevice(c.Request.Context(), signed.Principal)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if !signed.Verify(secret) {
			slog.Warn("Device signature mismatch", "device_id", signed.Principal, "ip", c.ClientIP())
			AbortWithError(c, signature.ErrBadSignature)
			return
		}
		if err := s.claimNonce(c, "device", signed); err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(ctxDeviceID, device.DeviceID)
		c.Set(ctxDevice, device)
		c.Next()
	}
}

// requireActiveDevice stops revoked devices everywhere except the heartbeat.
func requireActiveDevice(c *gin.Context) {
	device, ok := c.MustGet(ctxDevice).(*domain.Device)
	if !ok || device.Status == domain.DeviceStatusRevoked {
		AbortWithError(c, domain.ErrRevoked)
		return
	}
	c.Next()
}

// verifyBootstrap authenticates an enrollment call. The key secret travels in
// the body because only its hash is stored; the signature made with that
// same secret proves freshness and blocks replays of a captured body.
func (s *Server) verifyBootstrap(c *gin.Context, signed *signature.Signed, keySecret string) error {
	key, err := s.Registry.AuthenticateKey(c.Request.Context(), keySecret)
	if err != nil {
		return err
	}
	if key.KeyID != signed.Principal || !signed.Verify([]byte(keySecret)) {
		slog.Warn("Bootstrap signature mismatch", "key_id", signed.Principal, "ip", c.ClientIP())
		return domain.ErrInvalidCredential
	}
	return s.claimNonce(c, "key", signed)
}
