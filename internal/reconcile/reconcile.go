// internal/reconcile/reconcile.go

// Package reconcile drives delegated tasks toward a terminal state: it
// polls outstanding external jobs, applies the resulting transitions, and
// retries pending submissions the synchronous path could not complete.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"geoportal-back/internal/apperr"
	"geoportal-back/internal/engine"
	"geoportal-back/internal/models"
	"geoportal-back/internal/registry"
	"geoportal-back/internal/store"
)

// Submitter retries engine submission for tasks still pending. Implemented
// by the orchestrator.
type Submitter interface {
	SubmitToEngine(ctx context.Context, taskID uuid.UUID) (*registry.Result, error)
}

// ObjectStore is the slice of the object storage client the loop needs to
// persist engine outputs.
type ObjectStore interface {
	UploadFromReader(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (string, error)
}

// Fetcher streams an engine output artifact.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

type HTTPFetcher struct {
	Client *http.Client
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, apperr.Retryable(fmt.Errorf("fetch %s: %w", url, err))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, apperr.Retryable(fmt.Errorf("fetch %s: status %d", url, resp.StatusCode))
	}
	return resp.Body, nil
}

type Config struct {
	Interval    time.Duration
	Workers     int
	MaxAttempts int
	BaseBackoff time.Duration
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
}

type Loop struct {
	cfg       Config
	catalog   store.CatalogStore
	tasks     store.TaskStore
	registry  *registry.Registry
	adapters  *engine.Adapters
	submitter Submitter
	objects   ObjectStore
	fetcher   Fetcher

	pokes chan uuid.UUID

	mu             sync.Mutex
	submitAttempts map[uuid.UUID]int
}

func NewLoop(cfg Config, catalog store.CatalogStore, tasks store.TaskStore, reg *registry.Registry, adapters *engine.Adapters, submitter Submitter, objects ObjectStore, fetcher Fetcher) *Loop {
	cfg.defaults()
	if fetcher == nil {
		fetcher = &HTTPFetcher{}
	}
	return &Loop{
		cfg:            cfg,
		catalog:        catalog,
		tasks:          tasks,
		registry:       reg,
		adapters:       adapters,
		submitter:      submitter,
		objects:        objects,
		fetcher:        fetcher,
		pokes:          make(chan uuid.UUID, 64),
		submitAttempts: make(map[uuid.UUID]int),
	}
}

// PollNow requests an immediate reconciliation of one task, used when a
// client asks for fresh status. Non-blocking; a full poke buffer falls
// back to the next tick.
func (l *Loop) PollNow(taskID uuid.UUID) {
	select {
	case l.pokes <- taskID:
	default:
	}
}

func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-l.pokes:
			l.reconcileTask(ctx, id, true)
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick reconciles everything outstanding once. Polls fan out over a
// bounded worker pool; the bound keeps the loop under external API rate
// limits.
func (l *Loop) Tick(ctx context.Context) {
	processing, err := l.tasks.ListTasksByStatus(ctx, models.StatusProcessing)
	if err != nil {
		log.Printf("reconcile: list processing tasks: %v", err)
		return
	}
	pending, err := l.tasks.ListTasksByStatus(ctx, models.StatusPending)
	if err != nil {
		log.Printf("reconcile: list pending tasks: %v", err)
		return
	}

	sem := make(chan struct{}, l.cfg.Workers)
	var wg sync.WaitGroup
	for _, t := range processing {
		wg.Add(1)
		sem <- struct{}{}
		go func(id uuid.UUID) {
			defer wg.Done()
			defer func() { <-sem }()
			l.reconcileTask(ctx, id, false)
		}(t.ID)
	}
	for _, t := range pending {
		wg.Add(1)
		sem <- struct{}{}
		go func(id uuid.UUID) {
			defer wg.Done()
			defer func() { <-sem }()
			l.retrySubmit(ctx, id)
		}(t.ID)
	}
	wg.Wait()

	l.runAnalyses(ctx)
}

func (l *Loop) retrySubmit(ctx context.Context, taskID uuid.UUID) {
	_, err := l.submitter.SubmitToEngine(ctx, taskID)
	if err == nil {
		l.mu.Lock()
		delete(l.submitAttempts, taskID)
		l.mu.Unlock()
		return
	}
	if !apperr.IsRetryable(err) {
		log.Printf("reconcile: submit task %s: %v", taskID, err)
		return
	}
	l.mu.Lock()
	l.submitAttempts[taskID]++
	attempts := l.submitAttempts[taskID]
	l.mu.Unlock()
	if attempts >= l.cfg.MaxAttempts {
		if _, ferr := l.registry.FailSubmit(ctx, taskID, fmt.Sprintf("engine submission timed out after %d attempts", attempts)); ferr != nil {
			log.Printf("reconcile: fail task %s: %v", taskID, ferr)
		}
		l.mu.Lock()
		delete(l.submitAttempts, taskID)
		l.mu.Unlock()
	}
}

func (l *Loop) reconcileTask(ctx context.Context, taskID uuid.UUID, force bool) {
	task, err := l.tasks.GetTask(ctx, taskID)
	if err != nil {
		log.Printf("reconcile: load task %s: %v", taskID, err)
		return
	}
	if task.Status != models.StatusProcessing {
		return
	}
	d, err := l.tasks.ActiveDelegation(ctx, taskID)
	if err != nil {
		log.Printf("reconcile: load delegation for %s: %v", taskID, err)
		return
	}
	if !force && time.Now().Before(d.NextPollAt) {
		return
	}
	adapter, err := l.adapters.ForTaskType(task.TaskType)
	if err != nil {
		log.Printf("reconcile: task %s: %v", taskID, err)
		return
	}

	handle := engine.DelegationHandle{Kind: d.Kind, ExternalJobID: d.ExternalJobID, ExternalProject: d.ExternalProject}
	status, err := adapter.Poll(ctx, handle)
	if err != nil {
		if apperr.IsRetryable(err) {
			l.backoff(ctx, d)
			return
		}
		if _, ferr := l.registry.Fail(ctx, taskID, err.Error(), d); ferr != nil {
			log.Printf("reconcile: fail task %s: %v", taskID, ferr)
		}
		return
	}

	// A clean poll resets the backoff clock for the delegation.
	if d.PollAttempts != 0 {
		d.PollAttempts = 0
		d.NextPollAt = time.Time{}
		if err := l.tasks.UpdateDelegation(ctx, d); err != nil {
			log.Printf("reconcile: reset backoff for %s: %v", taskID, err)
		}
	}

	switch status.State {
	case engine.StateQueued:
		// Nothing to apply yet.
	case engine.StateRunning:
		if _, err := l.registry.UpdateProgress(ctx, taskID, d, status.Progress); err != nil {
			log.Printf("reconcile: progress for %s: %v", taskID, err)
		}
	case engine.StateFailed:
		if _, err := l.registry.Fail(ctx, taskID, status.Reason, d); err != nil {
			log.Printf("reconcile: fail task %s: %v", taskID, err)
		}
	case engine.StateSucceeded:
		outputs, err := l.registerOutputs(ctx, task, status.Outputs)
		if err != nil {
			// Task stays processing; registration is idempotent per
			// descriptor and the next tick picks it up again.
			log.Printf("reconcile: register outputs for %s: %v", taskID, err)
			return
		}
		if _, err := l.registry.Complete(ctx, taskID, outputs, d); err != nil {
			log.Printf("reconcile: complete task %s: %v", taskID, err)
		}
	}
}

// backoff schedules the next poll for a delegation that hit a transient
// failure: delay = base * 2^attempts, per delegation rather than per loop
// tick. Exhaustion turns into a terminal timeout failure.
func (l *Loop) backoff(ctx context.Context, d *models.EngineDelegation) {
	d.PollAttempts++
	if d.PollAttempts >= l.cfg.MaxAttempts {
		reason := fmt.Sprintf("engine polling timed out after %d attempts", d.PollAttempts)
		if _, err := l.registry.Fail(ctx, d.TaskID, reason, d); err != nil {
			log.Printf("reconcile: fail task %s: %v", d.TaskID, err)
		}
		return
	}
	delay := l.cfg.BaseBackoff * (1 << (d.PollAttempts - 1))
	d.NextPollAt = time.Now().Add(delay)
	if err := l.tasks.UpdateDelegation(ctx, d); err != nil {
		log.Printf("reconcile: persist backoff for %s: %v", d.TaskID, err)
	}
}

// registerOutputs persists each output descriptor as a catalog file:
// stream the artifact from the engine into object storage, computing the
// checksum on the way, then create the row keyed by (task, descriptor
// name) so re-registration after a partial failure is a no-op.
func (l *Loop) registerOutputs(ctx context.Context, task *models.ProcessingTask, descriptors []engine.OutputDescriptor) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(descriptors))
	for _, desc := range descriptors {
		objectName := fmt.Sprintf("projects/%s/outputs/%s/%s", task.ProjectID, task.ID, desc.Name)

		body, err := l.fetcher.Fetch(ctx, desc.SourceURL)
		if err != nil {
			return nil, err
		}
		size, checksum, err := l.storeArtifact(ctx, objectName, body, desc)
		body.Close()
		if err != nil {
			return nil, err
		}

		taskID := task.ID
		file := &models.File{
			ProjectID:        task.ProjectID,
			OwnerID:          task.OwnerID,
			Filename:         objectName,
			OriginalFilename: desc.Name,
			FileType:         desc.FileType,
			Size:             size,
			MimeType:         desc.MimeType,
			Checksum:         checksum,
			StoragePath:      objectName,
			ProducedByTaskID: &taskID,
		}
		registered, _, err := l.catalog.RegisterOutputFile(ctx, file)
		if err != nil {
			return nil, err
		}
		// Unconditional so a row left behind by a pass that died between
		// registration and the flag still ends up processed.
		if err := l.catalog.MarkFileProcessed(ctx, registered.ID); err != nil {
			return nil, err
		}
		ids = append(ids, registered.ID)
	}
	return ids, nil
}

func (l *Loop) storeArtifact(ctx context.Context, objectName string, body io.Reader, desc engine.OutputDescriptor) (int64, string, error) {
	hasher := newSHA256Counter()
	reader := io.TeeReader(body, hasher)
	size := desc.Size
	if size == 0 {
		size = -1
	}
	if _, err := l.objects.UploadFromReader(ctx, objectName, reader, size, desc.MimeType); err != nil {
		return 0, "", apperr.Retryable(err)
	}
	checksum := desc.Checksum
	if checksum == "" {
		checksum = hasher.Sum()
	}
	return hasher.Count(), checksum, nil
}

// runAnalyses executes pending analyses locally: summary statistics over
// the input files' catalog rows.
func (l *Loop) runAnalyses(ctx context.Context) {
	pending, err := l.tasks.ListAnalysesByStatus(ctx, models.StatusPending)
	if err != nil {
		log.Printf("reconcile: list pending analyses: %v", err)
		return
	}
	for _, a := range pending {
		res, err := l.registry.BeginAnalysis(ctx, a.ID)
		if err != nil || !res.Applied {
			continue
		}
		results, err := summarizeFiles(ctx, l.catalog, res.Analysis)
		if err != nil {
			if _, ferr := l.registry.FailAnalysis(ctx, a.ID, err.Error()); ferr != nil {
				log.Printf("reconcile: fail analysis %s: %v", a.ID, ferr)
			}
			continue
		}
		if _, err := l.registry.CompleteAnalysis(ctx, a.ID, results); err != nil {
			log.Printf("reconcile: complete analysis %s: %v", a.ID, err)
		}
	}
}
