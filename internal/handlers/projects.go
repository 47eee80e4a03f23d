// internal/handlers/projects.go
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"geoportal-back/internal/models"
	"geoportal-back/internal/store"
)

type CreateProjectRequest struct {
	Name        string   `json:"name" binding:"required"`
	Description string   `json:"description"`
	Boundary    string   `json:"boundary"`
	Tags        []string `json:"tags"`
}

func CreateProject(catalog store.CatalogStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateProjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		p := principal(c)
		project := models.Project{
			Name:        req.Name,
			Description: req.Description,
			OwnerID:     p.UserID,
			Boundary:    req.Boundary,
			Tags:        req.Tags,
			IsActive:    true,
		}
		if err := catalog.CreateProject(c.Request.Context(), &project); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, project)
	}
}

func GetProject(catalog store.CatalogStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		project, err := catalog.GetProject(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		p := principal(c)
		if p.Role != models.RoleAdmin && project.OwnerID != p.UserID {
			c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
			return
		}
		c.JSON(http.StatusOK, project)
	}
}

func ListProjects(catalog store.CatalogStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		size, _ := strconv.Atoi(c.DefaultQuery("size", "10"))

		p := principal(c)
		owner := p.UserID
		if p.Role == models.RoleAdmin && c.Query("all") == "true" {
			owner = uuid.Nil
		}

		projects, total, err := catalog.ListProjects(c.Request.Context(), owner, page, size)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"projects": projects,
			"total":    total,
			"page":     page,
			"size":     size,
		})
	}
}
