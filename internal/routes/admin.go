package routes

import (
	"net/http"
	"strconv"
	"time"

	"field-access-control/internal/access"
	"field-access-control/internal/domain"
	"field-access-control/internal/storage"

	"github.com/gin-gonic/gin"
)

type decisionRequest struct {
	Decision domain.Decision `json:"decision" binding:"required"`
}

type tagRequest struct {
	Tags []string `json:"tags"`
}

type grantRequest struct {
	Role string `json:"role" binding:"required"`
}

type activeRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// AdminAPI mounts the administrative endpoints. Each area is gated on one
// admin scope permission.
func (s *Server) AdminAPI(r *gin.RouterGroup) {
	s.adminEnrollment(r.Group("", s.RequirePermission(domain.PermAdminDeviceRegister)))
	s.adminAccess(r.Group("", s.RequirePermission(domain.PermAdminRoles)))
	s.adminUsers(r.Group("/users", s.RequirePermission(domain.PermAdminUsers)))

	r.GET("/audit", s.RequirePermission(domain.PermAdminAudit), func(c *gin.Context) {
		filter := storage.AuditFilter{
			EntityType: c.Query("entity_type"),
			EntityID:   c.Query("entity_id"),
			Limit:      100,
		}
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				AbortWithError(c, domain.Invalid("limit must be a positive integer"))
				return
			}
			filter.Limit = n
		}
		if v := c.Query("since"); v != "" {
			since, err := time.Parse(time.RFC3339, v)
			if err != nil {
				AbortWithError(c, domain.Invalid("since must be an RFC 3339 timestamp"))
				return
			}
			filter.Since = since
		}
		events, err := s.Store.ListAudit(c.Request.Context(), filter)
		if err != nil {
			AbortWithError(c, domain.Unavailable("list audit", err))
			return
		}
		c.JSON(http.StatusOK, events)
	})

	r.GET("/stats", s.RequirePermission(domain.PermAdminSystem), func(c *gin.Context) {
		stats, err := s.Registry.Stats(c.Request.Context())
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})
}

func (s *Server) adminEnrollment(r *gin.RouterGroup) {
	r.POST("/keys", func(c *gin.Context) {
		var req domain.KeyConstraints
		if !bind(c, &req) {
			return
		}
		key, err := s.Registry.IssueBootstrapKey(c.Request.Context(), req, actor(c))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, key)
	})

	r.GET("/keys", func(c *gin.Context) {
		keys, err := s.Registry.ListBootstrapKeys(c.Request.Context())
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, keys)
	})

	r.GET("/keys/:id", func(c *gin.Context) {
		key, err := s.Registry.GetBootstrapKey(c.Request.Context(), c.Param("id"))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, key)
	})

	r.POST("/keys/:id/revoke", func(c *gin.Context) {
		if err := s.Registry.RevokeBootstrapKey(c.Request.Context(), c.Param("id"), actor(c)); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "revoked"})
	})

	r.GET("/enrollments", func(c *gin.Context) {
		reqs, err := s.Registry.ListEnrollments(c.Request.Context(), domain.EnrollmentStatus(c.Query("status")))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, reqs)
	})

	r.GET("/enrollments/:id", func(c *gin.Context) {
		req, err := s.Registry.GetEnrollment(c.Request.Context(), c.Param("id"))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, req)
	})

	r.POST("/enrollments/:id/decision", func(c *gin.Context) {
		var req decisionRequest
		if !bind(c, &req) {
			return
		}
		device, err := s.Registry.DecideEnrollment(c.Request.Context(), c.Param("id"), req.Decision, actor(c))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if device == nil {
			c.JSON(http.StatusOK, gin.H{"status": "rejected"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "approved", "device": device})
	})

	r.GET("/devices", func(c *gin.Context) {
		devices, err := s.Registry.ListDevices(c.Request.Context(), domain.DeviceStatus(c.Query("status")))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, devices)
	})

	r.GET("/devices/:id", func(c *gin.Context) {
		device, err := s.Registry.GetDevice(c.Request.Context(), c.Param("id"))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, device)
	})

	r.POST("/devices/:id/revoke", func(c *gin.Context) {
		if err := s.Registry.RevokeDevice(c.Request.Context(), c.Param("id"), actor(c)); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "revoked"})
	})

	r.PUT("/devices/:id/tags", func(c *gin.Context) {
		var req tagRequest
		if !bind(c, &req) {
			return
		}
		device, err := s.Registry.TagDevice(c.Request.Context(), c.Param("id"), req.Tags, actor(c))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, device)
	})
}

func (s *Server) adminAccess(r *gin.RouterGroup) {
	r.GET("/roles", func(c *gin.Context) {
		roles, err := s.Access.ListRoles(c.Request.Context())
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, roles)
	})

	r.POST("/roles", func(c *gin.Context) {
		var spec access.RoleSpec
		if !bind(c, &spec) {
			return
		}
		role, err := s.Access.CreateRole(c.Request.Context(), spec, actor(c))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, role)
	})

	r.POST("/roles/system", func(c *gin.Context) {
		n, err := s.Access.EnsureSystemRoles(c.Request.Context(), actor(c))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"created": n})
	})

	r.GET("/groups", func(c *gin.Context) {
		groups, err := s.Access.ListDeviceGroups(c.Request.Context())
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, groups)
	})

	r.POST("/groups", func(c *gin.Context) {
		var spec access.GroupSpec
		if !bind(c, &spec) {
			return
		}
		group, err := s.Access.CreateDeviceGroup(c.Request.Context(), spec, actor(c))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, group)
	})

	r.GET("/groups/:id/members", func(c *gin.Context) {
		ctx := c.Request.Context()
		group, err := s.Access.ResolveGroup(ctx, c.Param("id"))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		members, err := s.Access.ResolveDeviceGroupMembers(ctx, group.GroupID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"group_id": group.GroupID, "devices": members})
	})

	r.GET("/policies", func(c *gin.Context) {
		policies, err := s.Access.ListPolicies(c.Request.Context())
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, policies)
	})

	r.POST("/policies", func(c *gin.Context) {
		var spec access.PolicySpec
		if !bind(c, &spec) {
			return
		}
		policy, err := s.Access.CreatePolicy(c.Request.Context(), spec, actor(c))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, policy)
	})

	r.DELETE("/policies/:id", func(c *gin.Context) {
		if err := s.Access.DeletePolicy(c.Request.Context(), c.Param("id"), actor(c)); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
}

func (s *Server) adminUsers(r *gin.RouterGroup) {
	r.GET("", func(c *gin.Context) {
		users, err := s.Access.ListUsers(c.Request.Context())
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, users)
	})

	r.POST("", func(c *gin.Context) {
		var spec access.UserSpec
		if !bind(c, &spec) {
			return
		}
		user, err := s.Access.CreateUser(c.Request.Context(), spec, actor(c))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, user)
	})

	// Body is a CSV or TSV roster; roles default to the comma separated
	// "roles" query parameter.
	r.POST("/import", func(c *gin.Context) {
		res, err := s.Access.ImportUsersCSV(c.Request.Context(), c.Request.Body, splitList(c.Query("roles")), actor(c))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	r.GET("/:id", func(c *gin.Context) {
		user, err := s.Access.ResolveUser(c.Request.Context(), c.Param("id"))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, user)
	})

	r.PUT("/:id/active", func(c *gin.Context) {
		var req activeRequest
		if !bind(c, &req) {
			return
		}
		if err := s.Access.SetUserActive(c.Request.Context(), c.Param("id"), *req.Active, actor(c)); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"active": *req.Active})
	})

	r.POST("/:id/roles", func(c *gin.Context) {
		var req grantRequest
		if !bind(c, &req) {
			return
		}
		if err := s.Access.GrantRole(c.Request.Context(), c.Param("id"), req.Role, actor(c)); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "granted"})
	})

	r.DELETE("/:id/roles/:role", func(c *gin.Context) {
		if err := s.Access.RevokeRole(c.Request.Context(), c.Param("id"), c.Param("role"), actor(c)); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "revoked"})
	})
}
