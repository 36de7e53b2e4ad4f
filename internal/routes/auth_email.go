package routes

// Operator login by e-mailed one-time code.

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"field-access-control/internal/access"
	"field-access-control/internal/domain"
	"field-access-control/internal/email"
	"field-access-control/internal/jwt"

	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Email string `json:"email" form:"email"`
}

type verifyRequest struct {
	OTP      string `json:"otp" form:"otp"`
	OTPClaim string `json:"otpclaim" form:"otpclaim"`
}

func (s *Server) AuthRoutes(r *gin.RouterGroup) {
	r.POST("/login", s.login)
	r.POST("/verify", s.verify)

	r.GET("/status", s.AuthMiddleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "authenticated",
			"userID": c.GetString(ctxUserID),
			"email":  c.GetString(ctxUserEmail),
		})
	})

	r.POST("/logout", func(c *gin.Context) {
		clearAuthCookie(c)
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	})
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	addr := access.NormalizeEmail(req.Email)
	if err := access.ValidEmail(addr); err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	user, err := s.Access.GetUserByEmail(ctx, addr)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("Login attempt for unknown user", "ip", c.ClientIP())
			AbortWithError(c, domain.ErrInvalidCredential)
			return
		}
		AbortWithError(c, err)
		return
	}
	if !user.Active {
		slog.Warn("Login attempt for disabled user", "userID", user.UserID)
		AbortWithError(c, domain.ErrInvalidCredential)
		return
	}

	ttl := s.Config.Auth.OTPTTL
	code, claim, err := s.Tokens.NewOTPClaim(ctx, user.Email, ttl)
	if err != nil {
		AbortWithError(c, domain.Unavailable("issue login code", err))
		return
	}
	msg, err := email.LoginCodeMessage(user.Email, code, ttl)
	if err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInternalServer, err))
		return
	}
	if err := s.Mailer.Send(ctx, msg); err != nil {
		AbortWithError(c, domain.Unavailable("send login code", err))
		return
	}

	slog.Info("Sent login code", "userID", user.UserID)
	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"message":    "Login code sent",
		"otpclaim":   claim,
		"expires_at": s.now().Add(ttl).Format(time.RFC3339),
	})
}

func (s *Server) verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBind(&req); err != nil || req.OTPClaim == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if len(req.OTP) != 6 {
		AbortWithHTTPError(c, http.StatusBadRequest, ErrInvalidRequest, "Invalid OTP code format", "INVALID_OTP_FORMAT")
		return
	}

	ctx := c.Request.Context()
	claim, err := s.Tokens.RedeemOTP(ctx, req.OTPClaim, req.OTP)
	if err != nil {
		if !errors.Is(err, jwt.ErrInvalidCode) && !errors.Is(err, jwt.ErrInvalidNonce) {
			err = fmt.Errorf("%w: %v", jwt.ErrNonValidToken, err)
		}
		AbortWithError(c, err)
		return
	}

	user, err := s.Access.GetUserByEmail(ctx, claim.Email)
	if err != nil || !user.Active {
		AbortWithError(c, domain.ErrInvalidCredential)
		return
	}

	ttl := s.Config.Auth.TokenTTL
	token, err := s.Tokens.NewAccessToken(user, ttl)
	if err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInternalServer, err))
		return
	}
	setAuthCookie(c, token, ttl)

	slog.Info("User logged in via email OTP", "userID", user.UserID)
	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"token":      token,
		"expires_at": s.now().Add(ttl).Format(time.RFC3339),
	})
}
