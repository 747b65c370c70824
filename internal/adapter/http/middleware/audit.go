package middleware

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AuditDenied records admin requests refused with 401 or 403, so that
// probing of the operator API shows up next to the actions it targeted.
// Successful admin actions are audited by the services themselves.
func AuditDenied(auditSvc ports.AuditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		status := c.Writer.Status()
		if status != http.StatusUnauthorized && status != http.StatusForbidden {
			return
		}

		resourceType, resourceID := resourceOf(c)
		details, _ := json.Marshal(map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": status,
			"role":   c.GetString(CtxRole),
		})

		auditSvc.Log(c.Request.Context(), &domain.AuditLog{
			ID:           uuid.New(),
			Actor:        Actor(c),
			Action:       domain.AuditActionAccessDenied,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			IPAddress:    c.ClientIP(),
			Details:      string(details),
			CreatedAt:    time.Now().UTC(),
		})
	}
}

func resourceOf(c *gin.Context) (string, string) {
	id := c.Param("id")
	switch {
	case id != "" && strings.HasPrefix(c.FullPath(), "/api/v1/payments"):
		return "transaction", id
	case id != "" && strings.HasPrefix(c.FullPath(), "/api/v1/merchants"):
		return "merchant", id
	}
	return "api", c.Request.URL.Path
}
