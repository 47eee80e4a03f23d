// internal/handlers/layers.go
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"geoportal-back/internal/models"
	"geoportal-back/internal/store"
)

type CreateLayerRequest struct {
	Name       string          `json:"name" binding:"required"`
	LayerType  string          `json:"layer_type" binding:"required"`
	FileID     *uuid.UUID      `json:"file_id"`
	DataSource json.RawMessage `json:"data_source" binding:"required"`
	Style      json.RawMessage `json:"style"`
	IsVisible  *bool           `json:"is_visible"`
	Opacity    *float64        `json:"opacity"`
}

func CreateLayer(catalog store.CatalogStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		if _, ok := authorizeProject(c, catalog, projectID); !ok {
			return
		}
		var req CreateLayerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		opacity := 1.0
		if req.Opacity != nil {
			opacity = *req.Opacity
		}
		if opacity < 0 || opacity > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Opacity must be between 0 and 1"})
			return
		}
		visible := true
		if req.IsVisible != nil {
			visible = *req.IsVisible
		}

		if req.FileID != nil {
			if _, err := catalog.GetFile(c.Request.Context(), *req.FileID); err != nil {
				respondError(c, err)
				return
			}
		}

		layer := models.VisualizationLayer{
			ProjectID:  projectID,
			FileID:     req.FileID,
			Name:       req.Name,
			LayerType:  req.LayerType,
			DataSource: []byte(req.DataSource),
			Style:      []byte(req.Style),
			IsVisible:  visible,
			Opacity:    opacity,
		}
		if err := catalog.CreateLayer(c.Request.Context(), &layer); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, layer)
	}
}

func ListLayers(catalog store.CatalogStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		if _, ok := authorizeProject(c, catalog, projectID); !ok {
			return
		}
		layers, err := catalog.ListLayers(c.Request.Context(), projectID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, layers)
	}
}
