// internal/registry/registry.go

// Package registry owns the canonical task state machine:
//
//	pending -> processing -> {completed | failed}
//	pending -> cancelled
//	processing -> cancelled
//
// Terminal states never transition again. Every transition is a single
// compare-and-swap on the task's version; when two callers race, exactly
// one wins and the loser observes the applied state as a no-op.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"geoportal-back/internal/apperr"
	"geoportal-back/internal/models"
	"geoportal-back/internal/store"
)

type Registry struct {
	tasks store.TaskStore
}

func New(tasks store.TaskStore) *Registry {
	return &Registry{tasks: tasks}
}

// Result reports a transition attempt. Applied is false when the task was
// already past the requested transition (terminal no-op tolerance) or a
// concurrent transition won; Task is the state actually in effect.
type Result struct {
	Task    *models.ProcessingTask
	Applied bool
}

func (r *Registry) observed(ctx context.Context, id uuid.UUID) (*Result, error) {
	task, err := r.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Result{Task: task, Applied: false}, nil
}

// apply runs one read-modify-CAS cycle. mutate returns false to signal
// that the transition does not apply from the current state.
func (r *Registry) apply(ctx context.Context, id uuid.UUID, mutate func(*models.ProcessingTask) bool) (*Result, error) {
	task, err := r.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	version := task.Version
	if !mutate(task) {
		return &Result{Task: task, Applied: false}, nil
	}
	if err := r.tasks.UpdateTaskCAS(ctx, task, version); err != nil {
		if apperr.IsConflict(err) {
			return r.observed(ctx, id)
		}
		return nil, err
	}
	return &Result{Task: task, Applied: true}, nil
}

// BeginProcessing moves a pending task to processing after a successful
// engine submit, recording the delegation and the start time. A new
// delegation resets progress to zero.
func (r *Registry) BeginProcessing(ctx context.Context, id uuid.UUID, d *models.EngineDelegation) (*Result, error) {
	res, err := r.apply(ctx, id, func(t *models.ProcessingTask) bool {
		if t.Status != models.StatusPending {
			return false
		}
		now := time.Now().UTC()
		t.Status = models.StatusProcessing
		t.StartedAt = &now
		t.Progress = 0
		return true
	})
	if err != nil {
		return nil, err
	}
	if res.Applied {
		d.TaskID = id
		d.Status = models.StatusProcessing
		if err := r.tasks.CreateDelegation(ctx, d); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// FailSubmit moves a pending task to failed when the engine rejected the
// submission.
func (r *Registry) FailSubmit(ctx context.Context, id uuid.UUID, reason string) (*Result, error) {
	return r.apply(ctx, id, func(t *models.ProcessingTask) bool {
		if t.Status != models.StatusPending {
			return false
		}
		now := time.Now().UTC()
		t.Status = models.StatusFailed
		t.ErrorMessage = reason
		t.CompletedAt = &now
		return true
	})
}

// Cancel moves a pending or processing task to cancelled. Progress and
// error message are left as they were; completed_at marks the terminal
// transition.
func (r *Registry) Cancel(ctx context.Context, id uuid.UUID) (*Result, error) {
	return r.apply(ctx, id, func(t *models.ProcessingTask) bool {
		if t.Status != models.StatusPending && t.Status != models.StatusProcessing {
			return false
		}
		now := time.Now().UTC()
		t.Status = models.StatusCancelled
		t.CompletedAt = &now
		return true
	})
}

// UpdateProgress applies an intermediate poll result. Progress is
// monotonic within the delegation: values below the last known one are
// clamped up, values at or above 1.0 are clamped just below it since only
// Complete may set 1.0.
func (r *Registry) UpdateProgress(ctx context.Context, id uuid.UUID, d *models.EngineDelegation, progress float64) (*Result, error) {
	res, err := r.apply(ctx, id, func(t *models.ProcessingTask) bool {
		if t.Status != models.StatusProcessing {
			return false
		}
		if progress < t.Progress {
			progress = t.Progress
		}
		if progress >= 1.0 {
			progress = 0.99
		}
		t.Progress = progress
		return true
	})
	if err != nil {
		return nil, err
	}
	if res.Applied && d != nil {
		d.Progress = res.Task.Progress
		d.Status = models.StatusProcessing
		if err := r.tasks.UpdateDelegation(ctx, d); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Complete moves a processing task to completed with the registered
// output file ids. Re-applying a succeeded poll to an already-completed
// task is a no-op.
func (r *Registry) Complete(ctx context.Context, id uuid.UUID, outputs []uuid.UUID, d *models.EngineDelegation) (*Result, error) {
	res, err := r.apply(ctx, id, func(t *models.ProcessingTask) bool {
		if t.Status != models.StatusProcessing {
			return false
		}
		now := time.Now().UTC()
		t.Status = models.StatusCompleted
		t.Progress = 1.0
		t.OutputFiles = outputs
		t.CompletedAt = &now
		return true
	})
	if err != nil {
		return nil, err
	}
	if res.Applied && d != nil {
		d.Status = models.StatusCompleted
		d.Progress = 1.0
		if err := r.tasks.UpdateDelegation(ctx, d); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Fail moves a processing task to failed with the engine-reported reason.
// Progress keeps its last known value.
func (r *Registry) Fail(ctx context.Context, id uuid.UUID, reason string, d *models.EngineDelegation) (*Result, error) {
	res, err := r.apply(ctx, id, func(t *models.ProcessingTask) bool {
		if t.Status != models.StatusProcessing {
			return false
		}
		now := time.Now().UTC()
		t.Status = models.StatusFailed
		t.ErrorMessage = reason
		t.CompletedAt = &now
		return true
	})
	if err != nil {
		return nil, err
	}
	if res.Applied && d != nil {
		d.Status = models.StatusFailed
		if err := r.tasks.UpdateDelegation(ctx, d); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// AnalysisResult mirrors Result for analyses.
type AnalysisResult struct {
	Analysis *models.Analysis
	Applied  bool
}

func (r *Registry) applyAnalysis(ctx context.Context, id uuid.UUID, mutate func(*models.Analysis) bool) (*AnalysisResult, error) {
	a, err := r.tasks.GetAnalysis(ctx, id)
	if err != nil {
		return nil, err
	}
	version := a.Version
	if !mutate(a) {
		return &AnalysisResult{Analysis: a, Applied: false}, nil
	}
	if err := r.tasks.UpdateAnalysisCAS(ctx, a, version); err != nil {
		if apperr.IsConflict(err) {
			current, gerr := r.tasks.GetAnalysis(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			return &AnalysisResult{Analysis: current, Applied: false}, nil
		}
		return nil, err
	}
	return &AnalysisResult{Analysis: a, Applied: true}, nil
}

func (r *Registry) BeginAnalysis(ctx context.Context, id uuid.UUID) (*AnalysisResult, error) {
	return r.applyAnalysis(ctx, id, func(a *models.Analysis) bool {
		if a.Status != models.StatusPending {
			return false
		}
		a.Status = models.StatusProcessing
		return true
	})
}

func (r *Registry) CompleteAnalysis(ctx context.Context, id uuid.UUID, results []byte) (*AnalysisResult, error) {
	return r.applyAnalysis(ctx, id, func(a *models.Analysis) bool {
		if a.Status != models.StatusProcessing {
			return false
		}
		now := time.Now().UTC()
		a.Status = models.StatusCompleted
		a.Results = results
		a.CompletedAt = &now
		return true
	})
}

func (r *Registry) FailAnalysis(ctx context.Context, id uuid.UUID, reason string) (*AnalysisResult, error) {
	return r.applyAnalysis(ctx, id, func(a *models.Analysis) bool {
		if a.Status != models.StatusProcessing {
			return false
		}
		now := time.Now().UTC()
		a.Status = models.StatusFailed
		a.ErrorMessage = reason
		a.CompletedAt = &now
		return true
	})
}

func (r *Registry) CancelAnalysis(ctx context.Context, id uuid.UUID) (*AnalysisResult, error) {
	return r.applyAnalysis(ctx, id, func(a *models.Analysis) bool {
		if a.Status != models.StatusPending && a.Status != models.StatusProcessing {
			return false
		}
		now := time.Now().UTC()
		a.Status = models.StatusCancelled
		a.CompletedAt = &now
		return true
	})
}
