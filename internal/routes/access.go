package routes

import (
	"net/http"

	"field-access-control/internal/domain"

	"github.com/gin-gonic/gin"
)

type openConnectionRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
	Offer    []byte `json:"offer" binding:"required"`
}

// UserAPI serves authenticated operators: device discovery, permission checks
// and the requester side of the connection broker.
func (s *Server) UserAPI(r *gin.RouterGroup) {
	r.GET("/devices", func(c *gin.Context) {
		devices, err := s.Access.AccessibleDevices(c.Request.Context(), c.GetString(ctxUserID))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		now, timeout := s.now(), s.Registry.LivenessTimeout()
		views := make([]domain.DeviceView, 0, len(devices))
		for i := range devices {
			views = append(views, domain.DeviceView{Device: devices[i], Online: devices[i].Live(now, timeout)})
		}
		c.JSON(http.StatusOK, views)
	})

	r.GET("/devices/:id", func(c *gin.Context) {
		ctx := c.Request.Context()
		deviceID := c.Param("id")
		allowed, err := s.Access.Authorize(ctx, c.GetString(ctxUserID), deviceID, domain.PermDeviceView)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		// Unknown devices are indistinguishable from forbidden ones.
		if !allowed {
			AbortWithError(c, domain.ErrForbidden)
			return
		}
		view, err := s.Registry.GetDevice(ctx, deviceID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	})

	r.GET("/authorize", func(c *gin.Context) {
		deviceID := c.Query("device_id")
		perm := domain.Permission(c.Query("permission"))
		if deviceID == "" {
			AbortWithError(c, domain.Invalid("device_id is required"))
			return
		}
		allowed, err := s.Access.Authorize(c.Request.Context(), c.GetString(ctxUserID), deviceID, perm)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"device_id":  deviceID,
			"permission": perm,
			"allowed":    allowed,
		})
	})

	r.GET("/permissions", func(c *gin.Context) {
		deviceID := c.Query("device_id")
		if deviceID == "" {
			AbortWithError(c, domain.Invalid("device_id is required"))
			return
		}
		perms, err := s.Access.ListUserPermissions(c.Request.Context(), c.GetString(ctxUserID), deviceID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"device_id": deviceID, "permissions": perms})
	})

	r.POST("/connections", func(c *gin.Context) {
		var req openConnectionRequest
		if !bind(c, &req) {
			return
		}
		conn, err := s.Broker.OpenConnection(c.Request.Context(), c.GetString(ctxUserID), req.DeviceID, req.Offer)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, conn)
	})

	r.GET("/connections", func(c *gin.Context) {
		conns, err := s.Broker.ListConnections(c.Request.Context(), c.GetString(ctxUserID))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if conns == nil {
			conns = []domain.ConnectionRequest{}
		}
		c.JSON(http.StatusOK, conns)
	})

	r.GET("/connections/:id", func(c *gin.Context) {
		conn, err := s.Broker.GetConnection(c.Request.Context(), c.Param("id"), c.GetString(ctxUserID))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, conn)
	})

	r.POST("/connections/:id/complete", func(c *gin.Context) {
		desc, err := s.Broker.CompleteConnection(c.Request.Context(), c.Param("id"), c.GetString(ctxUserID))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, desc)
	})
}
