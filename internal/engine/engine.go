// internal/engine/engine.go
package engine

import (
	"context"
	"encoding/json"
	"errors"

	"geoportal-back/internal/apperr"
	"geoportal-back/internal/models"
)

// ErrCancelUnsupported is returned by adapters whose engine cannot cancel
// an in-flight job. The task is still cancelled locally; the external job
// may run to completion and its poll results are discarded.
var ErrCancelUnsupported = errors.New("engine does not support cancellation")

// Credentials carry the resolved secret for one external engine call.
type Credentials struct {
	Token string
}

// DelegationHandle identifies one job inside an external engine.
type DelegationHandle struct {
	Kind            string
	ExternalJobID   string
	ExternalProject string
}

// OutputDescriptor describes one artifact produced by a finished external
// job. SourceURL points at the engine's download endpoint; Checksum is
// filled in only when the engine reports one.
type OutputDescriptor struct {
	Name      string
	FileType  models.FileType
	MimeType  string
	SourceURL string
	Size      int64
	Checksum  string
}

type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Status is an external job's state as reported by a poll. Reason is only
// set for failed; Outputs only for succeeded.
type Status struct {
	State    State
	Progress float64
	Outputs  []OutputDescriptor
	Reason   string
}

// SubmitResult is the outcome of a successful job submission. Warning is
// non-empty when the submit outcome was ambiguous (timeout after send) and
// the engine does not deduplicate, so a duplicate job may exist.
type SubmitResult struct {
	Handle  DelegationHandle
	Options json.RawMessage
	Warning string
}

// Adapter translates between canonical task semantics and one external
// engine's API. Submit must be safe to retry: the engine-side job name is
// derived from the canonical task id so engines that deduplicate will.
// Deduplicates reports whether the engine honors that key; a retried
// submit against a non-deduplicating engine may leave a duplicate job
// behind, surfaced as a delegation warning. Poll distinguishes transient
// transport failures (RetryableEngineError) from engine-reported job
// failure (a failed Status).
type Adapter interface {
	Kind() string
	Deduplicates() bool
	Submit(ctx context.Context, task *models.ProcessingTask, inputs []models.File, creds Credentials) (*SubmitResult, error)
	Poll(ctx context.Context, handle DelegationHandle) (*Status, error)
	Cancel(ctx context.Context, handle DelegationHandle) error
}

// Adapters maps task types onto the adapter handling them. Selection is a
// pure function of task_type; unknown types fail validation before any
// registry transition.
type Adapters struct {
	byTaskType map[string]Adapter
}

func NewAdapters() *Adapters {
	return &Adapters{byTaskType: make(map[string]Adapter)}
}

func (a *Adapters) Register(adapter Adapter, taskTypes ...string) {
	for _, t := range taskTypes {
		a.byTaskType[t] = adapter
	}
}

func (a *Adapters) ForTaskType(taskType string) (Adapter, error) {
	adapter, ok := a.byTaskType[taskType]
	if !ok {
		return nil, apperr.Validation("unknown task type %q", taskType)
	}
	return adapter, nil
}
