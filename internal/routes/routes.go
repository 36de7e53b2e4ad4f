package routes

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"field-access-control/internal/access"
	"field-access-control/internal/broker"
	"field-access-control/internal/config"
	"field-access-control/internal/email"
	"field-access-control/internal/jwt"
	"field-access-control/internal/nonce"
	"field-access-control/internal/notify"
	"field-access-control/internal/registry"
	"field-access-control/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server carries the services the HTTP handlers call into.
type Server struct {
	Config   *config.Config
	Store    storage.Provider
	Registry *registry.Registry
	Access   *access.Engine
	Broker   *broker.Broker
	Hub      notify.Hub
	Nonces   nonce.Store
	Tokens   *jwt.Issuer
	Mailer   email.Sender

	// Now is the clock for signature freshness checks. Defaults to time.Now.
	Now func() time.Time
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Register mounts every route on r.
func (s *Server) Register(r *gin.Engine) {
	r.Use(ErrorHandler())

	Health(r.Group(""), s.Store)
	if s.Config.Metrics.Enabled {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	s.AuthRoutes(r.Group("/auth"))

	api := r.Group("/api")
	s.EnrollmentAPI(api.Group("/enrollments"))
	s.DeviceAPI(api.Group("/device", s.DeviceAuth()))

	user := api.Group("", s.AuthMiddleware())
	s.UserAPI(user)
	s.AdminAPI(user.Group("/admin"))
}

// actor names the caller in audit rows.
func actor(c *gin.Context) string {
	if email := c.GetString(ctxUserEmail); email != "" {
		return email
	}
	return c.GetString(ctxUserID)
}

// bind decodes a JSON body into v, aborting with ErrInvalidRequest.
func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		slog.Debug("Invalid request body", "path", c.Request.URL.Path, "error", err)
		AbortWithHTTPError(c, http.StatusBadRequest, ErrInvalidRequest, "Invalid request format", "INVALID_REQUEST")
		return false
	}
	return true
}

func splitList(value string) []string {
	var out []string
	for item := range strings.SplitSeq(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
