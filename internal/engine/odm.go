// internal/engine/odm.go
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"geoportal-back/internal/apperr"
	"geoportal-back/internal/models"
)

// NodeODM status codes
const (
	odmStatusQueued    = 10
	odmStatusRunning   = 20
	odmStatusFailed    = 30
	odmStatusCompleted = 40
	odmStatusCanceled  = 50
)

// ODMAdapter drives a drone-photogrammetry engine speaking the NodeODM
// REST protocol.
type ODMAdapter struct {
	BaseURL string
	Client  *http.Client
}

func NewODMAdapter(baseURL string) *ODMAdapter {
	return &ODMAdapter{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *ODMAdapter) Kind() string { return "drone" }

// NodeODM ignores the task name for deduplication; every accepted
// /task/new creates a fresh job.
func (a *ODMAdapter) Deduplicates() bool { return false }

type odmTaskNewResponse struct {
	UUID  string `json:"uuid"`
	Error string `json:"error,omitempty"`
}

type odmTaskInfo struct {
	UUID       string `json:"uuid"`
	Status     struct {
		Code int `json:"code"`
	} `json:"status"`
	Progress  float64 `json:"progress"` // 0-100
	ErrorLast string  `json:"errorLast,omitempty"`
}

func (a *ODMAdapter) Submit(ctx context.Context, task *models.ProcessingTask, inputs []models.File, creds Credentials) (*SubmitResult, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	// The engine-side task name carries the canonical id so a retried
	// submit is recognizable; NodeODM itself does not deduplicate, which
	// is why an ambiguous outcome surfaces as a warning.
	if err := writer.WriteField("name", "geoportal-"+task.ID.String()); err != nil {
		return nil, fmt.Errorf("failed to write form field: %w", err)
	}

	options, err := odmOptions(task.Parameters)
	if err != nil {
		return nil, err
	}
	if err := writer.WriteField("options", options); err != nil {
		return nil, fmt.Errorf("failed to write form field: %w", err)
	}
	for _, f := range inputs {
		if err := writer.WriteField("imageUrls", f.StoragePath); err != nil {
			return nil, fmt.Errorf("failed to write form field: %w", err)
		}
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/task/new", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		// Outcome unknown: the request may or may not have reached the
		// engine, and NodeODM does not deduplicate by name.
		return nil, apperr.Retryable(fmt.Errorf("submit to drone engine: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, apperr.Retryable(fmt.Errorf("drone engine returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, &apperr.EngineFailure{Reason: fmt.Sprintf("drone engine rejected submit (%d): %s", resp.StatusCode, msg)}
	}

	var out odmTaskNewResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Retryable(fmt.Errorf("decode submit response: %w", err))
	}
	if out.Error != "" {
		return nil, &apperr.EngineFailure{Reason: out.Error}
	}

	return &SubmitResult{
		Handle: DelegationHandle{Kind: a.Kind(), ExternalJobID: out.UUID},
	}, nil
}

func (a *ODMAdapter) Poll(ctx context.Context, handle DelegationHandle) (*Status, error) {
	url := fmt.Sprintf("%s/task/%s/info", a.BaseURL, handle.ExternalJobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, apperr.Retryable(fmt.Errorf("poll drone engine: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, apperr.Retryable(fmt.Errorf("drone engine returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, &apperr.EngineFailure{Reason: fmt.Sprintf("drone engine poll failed (%d): %s", resp.StatusCode, msg)}
	}

	var info odmTaskInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, apperr.Retryable(fmt.Errorf("decode poll response: %w", err))
	}

	switch info.Status.Code {
	case odmStatusQueued:
		return &Status{State: StateQueued}, nil
	case odmStatusRunning:
		return &Status{State: StateRunning, Progress: info.Progress / 100}, nil
	case odmStatusFailed, odmStatusCanceled:
		reason := info.ErrorLast
		if reason == "" {
			reason = "drone engine reported failure"
		}
		return &Status{State: StateFailed, Reason: reason}, nil
	case odmStatusCompleted:
		return &Status{
			State:    StateSucceeded,
			Progress: 1.0,
			Outputs: []OutputDescriptor{
				{
					Name:      "odm_orthophoto.tif",
					FileType:  models.FileTypeOrthomosaic,
					MimeType:  "image/tiff",
					SourceURL: fmt.Sprintf("%s/task/%s/download/odm_orthophoto.tif", a.BaseURL, handle.ExternalJobID),
				},
				{
					Name:      "odm_georeferenced_model.laz",
					FileType:  models.FileTypePointCloud,
					MimeType:  "application/octet-stream",
					SourceURL: fmt.Sprintf("%s/task/%s/download/odm_georeferenced_model.laz", a.BaseURL, handle.ExternalJobID),
				},
			},
		}, nil
	default:
		return nil, apperr.Retryable(fmt.Errorf("unknown drone engine status code %d", info.Status.Code))
	}
}

func (a *ODMAdapter) Cancel(ctx context.Context, handle DelegationHandle) error {
	body, _ := json.Marshal(map[string]string{"uuid": handle.ExternalJobID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/task/cancel", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return apperr.Retryable(fmt.Errorf("cancel drone job: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("drone engine cancel failed (%d): %s", resp.StatusCode, msg)
	}
	return nil
}

// odmOptions flattens the opaque parameter bag into NodeODM's
// [{name, value}] option list.
func odmOptions(parameters []byte) (string, error) {
	params := map[string]any{}
	if len(parameters) > 0 {
		if err := json.Unmarshal(parameters, &params); err != nil {
			return "", apperr.Validation("malformed task parameters: %v", err)
		}
	}
	type option struct {
		Name  string `json:"name"`
		Value any    `json:"value"`
	}
	opts := make([]option, 0, len(params))
	for name, value := range params {
		opts = append(opts, option{Name: name, Value: value})
	}
	if len(opts) == 0 {
		opts = append(opts, option{Name: "fast-orthophoto", Value: true})
	}
	out, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("failed to encode options: %w", err)
	}
	return string(out), nil
}
