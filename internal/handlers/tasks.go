// internal/handlers/tasks.go
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"geoportal-back/internal/models"
	"geoportal-back/internal/orchestrator"
	"geoportal-back/internal/reconcile"
)

type SubmitTaskRequest struct {
	ProjectID    uuid.UUID       `json:"project_id" binding:"required"`
	TaskType     string          `json:"task_type" binding:"required"`
	InputFileIDs []uuid.UUID     `json:"input_files" binding:"required"`
	Parameters   json.RawMessage `json:"parameters"`
	Priority     int             `json:"priority"`
}

func SubmitTask(svc orchestrator.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SubmitTaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		task, err := svc.SubmitTask(c.Request.Context(), principal(c), orchestrator.SubmitTaskInput{
			ProjectID:    req.ProjectID,
			TaskType:     req.TaskType,
			InputFileIDs: req.InputFileIDs,
			Parameters:   req.Parameters,
			Priority:     req.Priority,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, task)
	}
}

func GetTask(svc orchestrator.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		task, err := svc.GetTask(c.Request.Context(), principal(c), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, task)
	}
}

func CancelTask(svc orchestrator.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		task, err := svc.CancelTask(c.Request.Context(), principal(c), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": task.ID, "status": task.Status})
	}
}

func ListTasks(svc orchestrator.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		status := models.TaskStatus(c.Query("status"))
		tasks, err := svc.ListTasks(c.Request.Context(), principal(c), projectID, status)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, tasks)
	}
}

// PollTask asks the reconciler for an immediate refresh and returns the
// task as currently known; clients poll GetTask for the updated state.
func PollTask(svc orchestrator.Service, loop *reconcile.Loop) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		task, err := svc.GetTask(c.Request.Context(), principal(c), id)
		if err != nil {
			respondError(c, err)
			return
		}
		loop.PollNow(task.ID)
		c.JSON(http.StatusAccepted, task)
	}
}
