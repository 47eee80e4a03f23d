// internal/engine/earth.go
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"geoportal-back/internal/apperr"
	"geoportal-back/internal/models"
)

// EarthExportAdapter drives a satellite-imagery batch-export engine. Jobs
// are long-running export operations identified by an operation name under
// an engine-side project.
type EarthExportAdapter struct {
	BaseURL string
	Project string
	Client  *http.Client
}

func NewEarthExportAdapter(baseURL, project string) *EarthExportAdapter {
	return &EarthExportAdapter{
		BaseURL: baseURL,
		Project: project,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *EarthExportAdapter) Kind() string { return "imagery-export" }

// The export engine keys submissions on requestId, so a retried submit
// lands on the existing operation.
func (a *EarthExportAdapter) Deduplicates() bool { return true }

type earthOperation struct {
	Name     string  `json:"name"`
	State    string  `json:"state"` // PENDING, RUNNING, COMPLETED, FAILED, CANCELLED
	Progress float64 `json:"progress"`
	Error    struct {
		Message string `json:"message"`
	} `json:"error"`
	Outputs []struct {
		Name      string `json:"name"`
		URI       string `json:"uri"`
		SizeBytes int64  `json:"sizeBytes"`
		Checksum  string `json:"checksum"`
	} `json:"outputs"`
}

func (a *EarthExportAdapter) Submit(ctx context.Context, task *models.ProcessingTask, inputs []models.File, creds Credentials) (*SubmitResult, error) {
	params := map[string]any{}
	if len(task.Parameters) > 0 {
		if err := json.Unmarshal(task.Parameters, &params); err != nil {
			return nil, apperr.Validation("malformed task parameters: %v", err)
		}
	}

	// requestId doubles as the idempotency key: the export engine
	// deduplicates submissions carrying the same id.
	payload := map[string]any{
		"requestId":    task.ID.String(),
		"exportParams": params,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode export request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/projects/%s/exports", a.BaseURL, a.Project)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, apperr.Retryable(fmt.Errorf("submit to export engine: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, apperr.Retryable(fmt.Errorf("export engine returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return nil, &apperr.EngineFailure{Reason: fmt.Sprintf("export engine rejected submit (%d): %s", resp.StatusCode, msg)}
	}

	var op earthOperation
	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
		return nil, apperr.Retryable(fmt.Errorf("decode submit response: %w", err))
	}

	return &SubmitResult{
		Handle: DelegationHandle{
			Kind:            a.Kind(),
			ExternalJobID:   op.Name,
			ExternalProject: a.Project,
		},
	}, nil
}

func (a *EarthExportAdapter) Poll(ctx context.Context, handle DelegationHandle) (*Status, error) {
	url := fmt.Sprintf("%s/v1/%s", a.BaseURL, handle.ExternalJobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, apperr.Retryable(fmt.Errorf("poll export engine: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, apperr.Retryable(fmt.Errorf("export engine returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, &apperr.EngineFailure{Reason: fmt.Sprintf("export engine poll failed (%d): %s", resp.StatusCode, msg)}
	}

	var op earthOperation
	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
		return nil, apperr.Retryable(fmt.Errorf("decode poll response: %w", err))
	}

	switch op.State {
	case "PENDING":
		return &Status{State: StateQueued}, nil
	case "RUNNING":
		return &Status{State: StateRunning, Progress: op.Progress}, nil
	case "FAILED", "CANCELLED":
		reason := op.Error.Message
		if reason == "" {
			reason = "export engine reported failure"
		}
		return &Status{State: StateFailed, Reason: reason}, nil
	case "COMPLETED":
		status := &Status{State: StateSucceeded, Progress: 1.0}
		for _, out := range op.Outputs {
			status.Outputs = append(status.Outputs, OutputDescriptor{
				Name:      out.Name,
				FileType:  models.FileTypeSatellite,
				MimeType:  "image/tiff",
				SourceURL: out.URI,
				Size:      out.SizeBytes,
				Checksum:  out.Checksum,
			})
		}
		return status, nil
	default:
		return nil, apperr.Retryable(fmt.Errorf("unknown export engine state %q", op.State))
	}
}

// Cancel is not supported by the export engine; in-flight exports run to
// completion and their results are discarded once the task is terminal.
func (a *EarthExportAdapter) Cancel(ctx context.Context, handle DelegationHandle) error {
	return ErrCancelUnsupported
}
