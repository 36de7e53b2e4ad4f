package routes

import (
	"log/slog"
	"net/http"
	"time"

	"field-access-control/internal/utils"

	"github.com/gin-gonic/gin"
)

type enrollmentRequest struct {
	KeySecret   string            `json:"key_secret" binding:"required"`
	Fingerprint string            `json:"fingerprint" binding:"required"`
	Metadata    map[string]string `json:"metadata"`
}

type enrollmentStatusRequest struct {
	KeySecret   string `json:"key_secret" binding:"required"`
	Fingerprint string `json:"fingerprint" binding:"required"`
}

type enrollmentResponse struct {
	RequestID string    `json:"request_id"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
	StatusURL string    `json:"status_url"`
	Message   string    `json:"message"`
}

// EnrollmentAPI serves devices holding a bootstrap key. Both calls are signed
// with the key secret, whose key id is the signature principal.
func (s *Server) EnrollmentAPI(r *gin.RouterGroup) {
	r.POST("", func(c *gin.Context) {
		signed, err := s.parseSigned(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		var req enrollmentRequest
		if !bind(c, &req) {
			return
		}
		if err := s.verifyBootstrap(c, signed, req.KeySecret); err != nil {
			AbortWithError(c, err)
			return
		}

		enr, err := s.Registry.RequestEnrollment(c.Request.Context(), req.KeySecret, req.Fingerprint, req.Metadata)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		slog.Info("Device enrollment pending approval", "request_id", enr.RequestID, "key_id", signed.Principal)
		c.JSON(http.StatusAccepted, enrollmentResponse{
			RequestID: enr.RequestID,
			Status:    string(enr.Status),
			ExpiresAt: enr.ExpiresAt,
			StatusURL: utils.UrlFor(c, s.Config.BaseURL, "/api/enrollments/"+enr.RequestID+"/status"),
			Message:   "Enrollment is pending approval",
		})
	})

	// POST so the key secret stays out of URLs and access logs.
	r.POST("/:id/status", func(c *gin.Context) {
		signed, err := s.parseSigned(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		var req enrollmentStatusRequest
		if !bind(c, &req) {
			return
		}
		if err := s.verifyBootstrap(c, signed, req.KeySecret); err != nil {
			AbortWithError(c, err)
			return
		}

		view, err := s.Registry.EnrollmentStatus(c.Request.Context(), c.Param("id"), req.KeySecret, req.Fingerprint)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	})
}
