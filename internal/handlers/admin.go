// internal/handlers/admin.go
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"geoportal-back/internal/models"
	"geoportal-back/internal/secrets"
	"geoportal-back/internal/store"
)

type UpdateUserRequest struct {
	Role     *models.Role `json:"role"`
	IsActive *bool        `json:"is_active"`
}

// UpdateUser lets an admin change role and active flag; identity fields
// stay immutable.
func UpdateUser(catalog store.CatalogStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		var req UpdateUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user, err := catalog.GetUser(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		if req.Role != nil {
			switch *req.Role {
			case models.RoleAdmin, models.RoleAnalyst, models.RoleViewer:
				user.Role = *req.Role
			default:
				c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown role"})
				return
			}
		}
		if req.IsActive != nil {
			user.IsActive = *req.IsActive
		}
		if err := catalog.UpdateUser(c.Request.Context(), user); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

type CreateApiKeyRequest struct {
	Service   string     `json:"service" binding:"required"`
	Key       string     `json:"key" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// CreateApiKey stores an engine credential for the calling user, sealed
// at rest. The plaintext is never persisted or echoed back.
func CreateApiKey(catalog store.CatalogStore, box *secrets.Box) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateApiKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		sealed, err := box.Seal(req.Key)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store key"})
			return
		}

		p := principal(c)
		key := models.ApiKey{
			UserID:       p.UserID,
			Service:      req.Service,
			EncryptedKey: sealed,
			ExpiresAt:    req.ExpiresAt,
		}
		if err := catalog.CreateApiKey(c.Request.Context(), &key); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": key.ID, "service": key.Service, "expires_at": key.ExpiresAt})
	}
}
