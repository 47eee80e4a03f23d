// internal/handlers/common.go
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"geoportal-back/internal/apperr"
	"geoportal-back/internal/models"
	"geoportal-back/internal/store"
)

func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Internal details stay in the server log.
		msg = "Internal server error"
	}
	c.JSON(status, gin.H{"error": msg})
}

func parseIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

// authorizeProject hides projects the caller does not own behind a 404,
// matching the orchestrator's owner-or-admin rule. On failure the
// response is already written.
func authorizeProject(c *gin.Context, catalog store.CatalogStore, projectID uuid.UUID) (*models.Project, bool) {
	project, err := catalog.GetProject(c.Request.Context(), projectID)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	p := principal(c)
	if p.Role != models.RoleAdmin && project.OwnerID != p.UserID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
		return nil, false
	}
	return project, true
}
