// internal/handlers/analyses.go
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"geoportal-back/internal/orchestrator"
)

type SubmitAnalysisRequest struct {
	ProjectID    uuid.UUID       `json:"project_id" binding:"required"`
	AnalysisType string          `json:"analysis_type" binding:"required"`
	InputFileIDs []uuid.UUID     `json:"input_files" binding:"required"`
	Parameters   json.RawMessage `json:"parameters"`
}

func SubmitAnalysis(svc orchestrator.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SubmitAnalysisRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		analysis, err := svc.SubmitAnalysis(c.Request.Context(), principal(c), orchestrator.SubmitAnalysisInput{
			ProjectID:    req.ProjectID,
			AnalysisType: req.AnalysisType,
			InputFileIDs: req.InputFileIDs,
			Parameters:   req.Parameters,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, analysis)
	}
}

func GetAnalysis(svc orchestrator.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		analysis, err := svc.GetAnalysis(c.Request.Context(), principal(c), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, analysis)
	}
}
