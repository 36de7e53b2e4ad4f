package routes

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"field-access-control/internal/metrics"

	"github.com/gin-gonic/gin"
)

const eventKeepAlive = 25 * time.Second

type heartbeatRequest struct {
	EndpointHint string `json:"endpoint_hint"`
}

type answerRequest struct {
	Answer []byte `json:"answer" binding:"required"`
}

// DeviceAPI serves enrolled devices. Every route sits behind DeviceAuth.
func (s *Server) DeviceAPI(r *gin.RouterGroup) {
	r.POST("/heartbeat", func(c *gin.Context) {
		var req heartbeatRequest
		// An empty body is a heartbeat without a hint.
		if c.Request.ContentLength > 0 && !bind(c, &req) {
			return
		}
		if err := s.Registry.ReportLiveness(c.Request.Context(), c.GetString(ctxDeviceID), req.EndpointHint); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":           "ok",
			"liveness_timeout": int(s.Registry.LivenessTimeout().Seconds()),
		})
	})

	active := r.Group("", requireActiveDevice)

	// Poll fallback for missed pushes.
	active.GET("/connections", func(c *gin.Context) {
		reqs, err := s.Broker.PendingForDevice(c.Request.Context(), c.GetString(ctxDeviceID))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, reqs)
	})

	active.GET("/connections/:id", func(c *gin.Context) {
		req, err := s.Broker.GetConnectionForDevice(c.Request.Context(), c.Param("id"), c.GetString(ctxDeviceID))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, req)
	})

	// Revoked devices reach the broker, which answers them with Revoked.
	r.POST("/connections/:id/answer", func(c *gin.Context) {
		var req answerRequest
		if !bind(c, &req) {
			return
		}
		if err := s.Broker.SubmitAnswer(c.Request.Context(), c.Param("id"), c.GetString(ctxDeviceID), req.Answer); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "answered"})
	})

	active.GET("/events", s.deviceEvents)
}

// deviceEvents holds a server-sent event stream of push notifications for
// the calling device until the client goes away.
func (s *Server) deviceEvents(c *gin.Context) {
	deviceID := c.GetString(ctxDeviceID)
	ctx := c.Request.Context()

	events, cancel, err := s.Hub.Subscribe(ctx, deviceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	defer cancel()

	metrics.EventStreams.Inc()
	defer metrics.EventStreams.Dec()
	slog.Debug("Device event stream opened", "device_id", deviceID)

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no") // Disable buffering for Nginx

	keepAlive := time.NewTicker(eventKeepAlive)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(ev.Type, ev)
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"at": s.now()})
			return true
		case <-ctx.Done():
			slog.Debug("Device event stream closed", "device_id", deviceID)
			return false
		}
	})
}
