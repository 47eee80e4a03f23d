// internal/orchestrator/orchestrator.go
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"geoportal-back/internal/apperr"
	"geoportal-back/internal/engine"
	"geoportal-back/internal/models"
	"geoportal-back/internal/registry"
	"geoportal-back/internal/secrets"
	"geoportal-back/internal/store"
)

// Principal is the already-authenticated caller; the core never sees
// credentials, only id and role.
type Principal struct {
	UserID uuid.UUID
	Role   models.Role
}

type SubmitTaskInput struct {
	ProjectID    uuid.UUID
	TaskType     string
	InputFileIDs []uuid.UUID
	Parameters   json.RawMessage
	Priority     int
}

type SubmitAnalysisInput struct {
	ProjectID    uuid.UUID
	AnalysisType string
	InputFileIDs []uuid.UUID
	Parameters   json.RawMessage
}

// Service is the inbound boundary consumed by the API layer.
type Service interface {
	SubmitTask(ctx context.Context, p Principal, in SubmitTaskInput) (*models.ProcessingTask, error)
	GetTask(ctx context.Context, p Principal, id uuid.UUID) (*models.ProcessingTask, error)
	CancelTask(ctx context.Context, p Principal, id uuid.UUID) (*models.ProcessingTask, error)
	ListTasks(ctx context.Context, p Principal, projectID uuid.UUID, status models.TaskStatus) ([]models.ProcessingTask, error)
	SubmitAnalysis(ctx context.Context, p Principal, in SubmitAnalysisInput) (*models.Analysis, error)
	GetAnalysis(ctx context.Context, p Principal, id uuid.UUID) (*models.Analysis, error)
}

type Orchestrator struct {
	catalog  store.CatalogStore
	tasks    store.TaskStore
	registry *registry.Registry
	adapters *engine.Adapters
	box      *secrets.Box

	// Tasks whose last submit attempt failed with an unknown outcome;
	// the request may have reached the engine.
	mu        sync.Mutex
	ambiguous map[uuid.UUID]bool
}

func New(catalog store.CatalogStore, tasks store.TaskStore, reg *registry.Registry, adapters *engine.Adapters, box *secrets.Box) *Orchestrator {
	return &Orchestrator{
		catalog:   catalog,
		tasks:     tasks,
		registry:  reg,
		adapters:  adapters,
		box:       box,
		ambiguous: make(map[uuid.UUID]bool),
	}
}

func (o *Orchestrator) authorizeProject(ctx context.Context, p Principal, projectID uuid.UUID) (*models.Project, error) {
	project, err := o.catalog.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.Role != models.RoleAdmin && project.OwnerID != p.UserID {
		return nil, apperr.NotFound("project", projectID.String())
	}
	return project, nil
}

// SubmitTask validates the request, creates the task in pending and makes
// one synchronous submission attempt. A transient engine failure leaves
// the task pending for the reconciler to retry.
func (o *Orchestrator) SubmitTask(ctx context.Context, p Principal, in SubmitTaskInput) (*models.ProcessingTask, error) {
	if p.Role == models.RoleViewer {
		return nil, apperr.Validation("viewers cannot submit tasks")
	}
	if in.Priority == 0 {
		in.Priority = 5
	}
	if in.Priority < 1 || in.Priority > 10 {
		return nil, apperr.Validation("priority must be between 1 and 10")
	}
	if len(in.InputFileIDs) == 0 {
		return nil, apperr.Validation("at least one input file is required")
	}
	// Unknown task types fail before any registry row exists.
	if _, err := o.adapters.ForTaskType(in.TaskType); err != nil {
		return nil, err
	}
	project, err := o.authorizeProject(ctx, p, in.ProjectID)
	if err != nil {
		return nil, err
	}
	if !project.IsActive {
		return nil, apperr.Validation("project %s is not active", project.ID)
	}

	task := &models.ProcessingTask{
		ID:         uuid.New(),
		ProjectID:  in.ProjectID,
		OwnerID:    p.UserID,
		TaskType:   in.TaskType,
		InputFiles: in.InputFileIDs,
		Parameters: []byte(in.Parameters),
		Status:     models.StatusPending,
		Priority:   in.Priority,
	}
	if err := o.tasks.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	res, err := o.SubmitToEngine(ctx, task.ID)
	if err != nil {
		if apperr.IsRetryable(err) {
			// Still pending; the reconciler takes over.
			return task, nil
		}
		return nil, err
	}
	return res.Task, nil
}

// SubmitToEngine performs one submission attempt for a pending task. The
// external call runs without any registry lock held; the transition is
// applied afterwards and discarded if the task moved to a terminal state
// in the interim.
func (o *Orchestrator) SubmitToEngine(ctx context.Context, taskID uuid.UUID) (*registry.Result, error) {
	task, err := o.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.StatusPending {
		return &registry.Result{Task: task, Applied: false}, nil
	}

	adapter, err := o.adapters.ForTaskType(task.TaskType)
	if err != nil {
		return nil, err
	}
	inputs, err := o.catalog.GetFiles(ctx, task.InputFiles)
	if err != nil {
		return nil, err
	}
	creds := o.resolveCredentials(ctx, task.OwnerID, adapter.Kind())

	submitted, err := adapter.Submit(ctx, task, inputs, creds)
	if err != nil {
		if apperr.IsRetryable(err) {
			// The request may have reached the engine before the failure;
			// remember the ambiguity so the retry that lands can flag a
			// possible duplicate job.
			o.mu.Lock()
			o.ambiguous[taskID] = true
			o.mu.Unlock()
			return nil, err
		}
		o.forgetAmbiguity(taskID)
		return o.registry.FailSubmit(ctx, taskID, err.Error())
	}

	warning := submitted.Warning
	if warning == "" && o.hadAmbiguousSubmit(taskID) && !adapter.Deduplicates() {
		warning = fmt.Sprintf("an earlier submit attempt had an unknown outcome; a duplicate %s job may exist", adapter.Kind())
	}

	d := &models.EngineDelegation{
		Kind:            submitted.Handle.Kind,
		ExternalJobID:   submitted.Handle.ExternalJobID,
		ExternalProject: submitted.Handle.ExternalProject,
		Options:         []byte(submitted.Options),
		Warning:         warning,
	}
	res, err := o.registry.BeginProcessing(ctx, taskID, d)
	if err != nil {
		return nil, err
	}
	o.forgetAmbiguity(taskID)
	if !res.Applied {
		// Cancelled, or another submit won, while we were talking to the
		// engine; either way our external job goes unrecorded, so try to
		// stop it best effort.
		if cerr := adapter.Cancel(ctx, submitted.Handle); cerr != nil && !errors.Is(cerr, engine.ErrCancelUnsupported) {
			log.Printf("best-effort cancel of %s job %s failed: %v", adapter.Kind(), submitted.Handle.ExternalJobID, cerr)
		}
	}
	return res, nil
}

func (o *Orchestrator) hadAmbiguousSubmit(taskID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ambiguous[taskID]
}

func (o *Orchestrator) forgetAmbiguity(taskID uuid.UUID) {
	o.mu.Lock()
	delete(o.ambiguous, taskID)
	o.mu.Unlock()
}

func (o *Orchestrator) GetTask(ctx context.Context, p Principal, id uuid.UUID) (*models.ProcessingTask, error) {
	task, err := o.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Role != models.RoleAdmin && task.OwnerID != p.UserID {
		return nil, apperr.NotFound("task", id.String())
	}
	return task, nil
}

// CancelTask transitions the task to cancelled immediately. For a task
// already delegated, the external job is cancelled best effort; engines
// without cancellation keep running and their poll results are discarded.
func (o *Orchestrator) CancelTask(ctx context.Context, p Principal, id uuid.UUID) (*models.ProcessingTask, error) {
	task, err := o.GetTask(ctx, p, id)
	if err != nil {
		return nil, err
	}
	res, err := o.registry.Cancel(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if res.Applied {
		if d, derr := o.tasks.ActiveDelegation(ctx, task.ID); derr == nil {
			if adapter, aerr := o.adapters.ForTaskType(task.TaskType); aerr == nil {
				handle := engine.DelegationHandle{Kind: d.Kind, ExternalJobID: d.ExternalJobID, ExternalProject: d.ExternalProject}
				if cerr := adapter.Cancel(ctx, handle); cerr != nil && !errors.Is(cerr, engine.ErrCancelUnsupported) {
					log.Printf("best-effort cancel of %s job %s failed: %v", d.Kind, d.ExternalJobID, cerr)
				}
			}
		}
	}
	return res.Task, nil
}

func (o *Orchestrator) ListTasks(ctx context.Context, p Principal, projectID uuid.UUID, status models.TaskStatus) ([]models.ProcessingTask, error) {
	if _, err := o.authorizeProject(ctx, p, projectID); err != nil {
		return nil, err
	}
	if status != "" && !validStatus(status) {
		return nil, apperr.Validation("unknown status %q", status)
	}
	return o.tasks.ListTasks(ctx, projectID, status)
}

func (o *Orchestrator) SubmitAnalysis(ctx context.Context, p Principal, in SubmitAnalysisInput) (*models.Analysis, error) {
	if p.Role == models.RoleViewer {
		return nil, apperr.Validation("viewers cannot submit analyses")
	}
	if in.AnalysisType == "" {
		return nil, apperr.Validation("analysis type is required")
	}
	if len(in.InputFileIDs) == 0 {
		return nil, apperr.Validation("at least one input file is required")
	}
	if _, err := o.authorizeProject(ctx, p, in.ProjectID); err != nil {
		return nil, err
	}
	a := &models.Analysis{
		ID:           uuid.New(),
		ProjectID:    in.ProjectID,
		OwnerID:      p.UserID,
		AnalysisType: in.AnalysisType,
		InputFiles:   in.InputFileIDs,
		Parameters:   []byte(in.Parameters),
		Status:       models.StatusPending,
	}
	if err := o.tasks.CreateAnalysis(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (o *Orchestrator) GetAnalysis(ctx context.Context, p Principal, id uuid.UUID) (*models.Analysis, error) {
	a, err := o.tasks.GetAnalysis(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Role != models.RoleAdmin && a.OwnerID != p.UserID {
		return nil, apperr.NotFound("analysis", id.String())
	}
	return a, nil
}

// resolveCredentials resolves the engine token for a user: a stored api
// key when one is present and unexpired, otherwise the server-wide token
// from the environment. Tokens never leave this function except inside
// the Credentials value handed to the adapter.
func (o *Orchestrator) resolveCredentials(ctx context.Context, userID uuid.UUID, kind string) engine.Credentials {
	if o.box != nil {
		if key, err := o.catalog.GetApiKey(ctx, userID, kind); err == nil {
			if key.ExpiresAt == nil || key.ExpiresAt.After(time.Now()) {
				if token, err := o.box.Open(key.EncryptedKey); err == nil {
					return engine.Credentials{Token: token}
				}
			}
		}
	}
	switch kind {
	case "drone":
		return engine.Credentials{Token: os.Getenv("ODM_API_TOKEN")}
	case "imagery-export":
		return engine.Credentials{Token: os.Getenv("EARTH_EXPORT_API_TOKEN")}
	}
	return engine.Credentials{}
}

func validStatus(s models.TaskStatus) bool {
	switch s {
	case models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed, models.StatusCancelled:
		return true
	}
	return false
}
