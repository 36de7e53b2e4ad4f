// Authentication middleware.
// Accepts an operator access token as a Bearer header or the auth cookie.
// If valid, sets the user information in the context.
// If invalid, aborts with 401 Unauthorized.
package routes

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"field-access-control/internal/domain"

	"github.com/gin-gonic/gin"
)

const AUTH_COOKIE_NAME = "auth_token"

const (
	ctxUserID    = "userID"
	ctxUserEmail = "userEmail"
)

var ErrUserNotFound = errors.New("user not found in context")

// Set authentication cookie
// The cookie is set to expire when the token expires
func setAuthCookie(c *gin.Context, token string, ttl time.Duration) {
	secure := c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https"
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(AUTH_COOKIE_NAME, token, int(ttl.Seconds()), "/", "", secure, true)
}

func clearAuthCookie(c *gin.Context) {
	c.SetCookie(AUTH_COOKIE_NAME, "", -1, "/", "", false, true)
}

func GetUser(c *gin.Context) (string, error) {
	uid := c.GetString(ctxUserID)
	if uid == "" {
		return "", ErrUserNotFound
	}
	return uid, nil
}

func bearerToken(c *gin.Context) string {
	if value, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(value)
	}
	if token, err := c.Cookie(AUTH_COOKIE_NAME); err == nil {
		return token
	}
	return ""
}

func (s *Server) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		claims, err := s.Tokens.DecodeAccessToken(token)
		if err != nil {
			slog.Debug("AuthMiddleware: Invalid auth token", "error", err)
			AbortWithError(c, ErrUnauthorized)
			return
		}

		// Tokens outlive a disabled account, so check the user on every request.
		user, err := s.Access.GetUser(c.Request.Context(), claims.Subject)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				AbortWithError(c, ErrUnauthorized)
				return
			}
			AbortWithError(c, err)
			return
		}
		if !user.Active {
			slog.Warn("AuthMiddleware: Token for disabled user", "userID", user.UserID)
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(ctxUserID, user.UserID)
		c.Set(ctxUserEmail, user.Email)
		c.Next()
	}
}
