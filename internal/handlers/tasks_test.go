package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"geoportal-back/internal/apperr"
	"geoportal-back/internal/models"
	"geoportal-back/internal/orchestrator"
)

// stubService scripts orchestrator responses so handler tests cover only
// request decoding and error mapping.
type stubService struct {
	task *models.ProcessingTask
	err  error
	got  orchestrator.SubmitTaskInput
	p    orchestrator.Principal
}

func (s *stubService) SubmitTask(_ context.Context, p orchestrator.Principal, in orchestrator.SubmitTaskInput) (*models.ProcessingTask, error) {
	s.p, s.got = p, in
	return s.task, s.err
}

func (s *stubService) GetTask(_ context.Context, _ orchestrator.Principal, _ uuid.UUID) (*models.ProcessingTask, error) {
	return s.task, s.err
}

func (s *stubService) CancelTask(_ context.Context, _ orchestrator.Principal, _ uuid.UUID) (*models.ProcessingTask, error) {
	return s.task, s.err
}

func (s *stubService) ListTasks(_ context.Context, _ orchestrator.Principal, _ uuid.UUID, _ models.TaskStatus) ([]models.ProcessingTask, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []models.ProcessingTask{*s.task}, nil
}

func (s *stubService) SubmitAnalysis(_ context.Context, _ orchestrator.Principal, _ orchestrator.SubmitAnalysisInput) (*models.Analysis, error) {
	return nil, s.err
}

func (s *stubService) GetAnalysis(_ context.Context, _ orchestrator.Principal, _ uuid.UUID) (*models.Analysis, error) {
	return nil, s.err
}

func router(svc orchestrator.Service, userID uuid.UUID, role models.Role) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", userID)
		c.Set("role", role)
	})
	r.POST("/tasks", SubmitTask(svc))
	r.GET("/tasks/:id", GetTask(svc))
	r.POST("/tasks/:id/cancel", CancelTask(svc))
	return r
}

func TestSubmitTaskHandler(t *testing.T) {
	userID := uuid.New()
	stub := &stubService{task: &models.ProcessingTask{ID: uuid.New(), Status: models.StatusProcessing}}
	r := router(stub, userID, models.RoleAnalyst)

	projectID, fileID := uuid.New(), uuid.New()
	body, _ := json.Marshal(map[string]any{
		"project_id":  projectID,
		"task_type":   "drone-orthomosaic",
		"input_files": []uuid.UUID{fileID},
		"parameters":  map[string]any{"dsm": true},
		"priority":    7,
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if stub.p.UserID != userID || stub.p.Role != models.RoleAnalyst {
		t.Fatalf("principal = %+v", stub.p)
	}
	if stub.got.TaskType != "drone-orthomosaic" || stub.got.Priority != 7 {
		t.Fatalf("input = %+v", stub.got)
	}
	if len(stub.got.InputFileIDs) != 1 || stub.got.InputFileIDs[0] != fileID {
		t.Fatalf("input files = %v", stub.got.InputFileIDs)
	}
}

func TestSubmitTaskHandlerRequiresFields(t *testing.T) {
	r := router(&stubService{}, uuid.New(), models.RoleAnalyst)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{"task_type":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.Validation("bad input"), http.StatusBadRequest},
		{apperr.NotFound("task", "x"), http.StatusNotFound},
		{apperr.Conflict("raced"), http.StatusConflict},
		{apperr.Storage(fmt.Errorf("db down")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		stub := &stubService{err: tc.err}
		r := router(stub, uuid.New(), models.RoleAnalyst)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/tasks/"+uuid.NewString(), nil)
		r.ServeHTTP(w, req)

		if w.Code != tc.want {
			t.Fatalf("%v: status = %d, want %d", tc.err, w.Code, tc.want)
		}
		if tc.want == http.StatusInternalServerError && strings.Contains(w.Body.String(), "db down") {
			t.Fatalf("internal detail leaked: %s", w.Body)
		}
	}
}

func TestGetTaskHandlerRejectsBadID(t *testing.T) {
	r := router(&stubService{}, uuid.New(), models.RoleAnalyst)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/tasks/not-a-uuid", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCancelTaskHandler(t *testing.T) {
	id := uuid.New()
	stub := &stubService{task: &models.ProcessingTask{ID: id, Status: models.StatusCancelled}}
	r := router(stub, uuid.New(), models.RoleAnalyst)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tasks/"+id.String()+"/cancel", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != string(models.StatusCancelled) {
		t.Fatalf("body = %v", body)
	}
}
