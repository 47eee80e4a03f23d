// internal/orchestrator/audit.go
package orchestrator

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"

	"geoportal-back/internal/models"
	"geoportal-back/internal/store"
)

// Audited decorates the orchestrator so every state-mutating operation
// leaves an audit row. Applied at the boundary instead of inside the
// state machine, which stays free of logging concerns.
type Audited struct {
	inner Service
	audit store.CatalogStore
}

func NewAudited(inner Service, audit store.CatalogStore) *Audited {
	return &Audited{inner: inner, audit: audit}
}

func (a *Audited) record(ctx context.Context, userID uuid.UUID, action, resourceType, resourceID string, details any) {
	var payload []byte
	if details != nil {
		payload, _ = json.Marshal(details)
	}
	entry := &models.AuditLog{
		UserID:       userID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      payload,
	}
	if err := a.audit.AppendAudit(ctx, entry); err != nil {
		// Audit failure must not fail the operation it describes.
		log.Printf("failed to append audit entry %s/%s: %v", action, resourceID, err)
	}
}

func (a *Audited) SubmitTask(ctx context.Context, p Principal, in SubmitTaskInput) (*models.ProcessingTask, error) {
	task, err := a.inner.SubmitTask(ctx, p, in)
	if err != nil {
		return nil, err
	}
	a.record(ctx, p.UserID, "task.submit", "processing_task", task.ID.String(), map[string]any{
		"task_type": task.TaskType,
		"project":   task.ProjectID,
	})
	return task, nil
}

func (a *Audited) GetTask(ctx context.Context, p Principal, id uuid.UUID) (*models.ProcessingTask, error) {
	return a.inner.GetTask(ctx, p, id)
}

func (a *Audited) CancelTask(ctx context.Context, p Principal, id uuid.UUID) (*models.ProcessingTask, error) {
	task, err := a.inner.CancelTask(ctx, p, id)
	if err != nil {
		return nil, err
	}
	a.record(ctx, p.UserID, "task.cancel", "processing_task", id.String(), map[string]any{
		"status": task.Status,
	})
	return task, nil
}

func (a *Audited) ListTasks(ctx context.Context, p Principal, projectID uuid.UUID, status models.TaskStatus) ([]models.ProcessingTask, error) {
	return a.inner.ListTasks(ctx, p, projectID, status)
}

func (a *Audited) SubmitAnalysis(ctx context.Context, p Principal, in SubmitAnalysisInput) (*models.Analysis, error) {
	analysis, err := a.inner.SubmitAnalysis(ctx, p, in)
	if err != nil {
		return nil, err
	}
	a.record(ctx, p.UserID, "analysis.submit", "analysis", analysis.ID.String(), map[string]any{
		"analysis_type": analysis.AnalysisType,
		"project":       analysis.ProjectID,
	})
	return analysis, nil
}

func (a *Audited) GetAnalysis(ctx context.Context, p Principal, id uuid.UUID) (*models.Analysis, error) {
	return a.inner.GetAnalysis(ctx, p, id)
}
