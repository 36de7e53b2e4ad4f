package routes

import (
	"log/slog"

	"field-access-control/internal/domain"

	"github.com/gin-gonic/gin"
)

// RequirePermission creates middleware that checks for an admin scope
// permission.
func (s *Server) RequirePermission(perm domain.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := GetUser(c)
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		allowed, err := s.Access.Can(c.Request.Context(), userID, perm)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if !allowed {
			slog.Warn("Permission denied", "userID", userID, "permission", perm)
			AbortWithError(c, ErrInsufficientPermissions)
			return
		}

		slog.Debug("Permission granted", "userID", userID, "permission", perm)
		c.Next()
	}
}
