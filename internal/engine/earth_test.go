package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"geoportal-back/internal/apperr"
	"geoportal-back/internal/models"
)

func TestEarthSubmitCarriesRequestID(t *testing.T) {
	task := &models.ProcessingTask{ID: uuid.New(), TaskType: "satellite-export"}
	task.Parameters = []byte(`{"region":"POLYGON((0 0,1 0,1 1,0 0))","scale":10}`)

	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]string{"name": "projects/geo-prod/operations/op-1", "state": "PENDING"})
	}))
	defer srv.Close()

	adapter := NewEarthExportAdapter(srv.URL, "geo-prod")
	res, err := adapter.Submit(context.Background(), task, nil, Credentials{Token: "t"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if gotPath != "/v1/projects/geo-prod/exports" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotBody["requestId"] != task.ID.String() {
		t.Fatalf("requestId = %v, want task id", gotBody["requestId"])
	}
	if res.Handle.ExternalJobID != "projects/geo-prod/operations/op-1" {
		t.Fatalf("handle = %+v", res.Handle)
	}
	if res.Handle.ExternalProject != "geo-prod" {
		t.Fatalf("external project = %q", res.Handle.ExternalProject)
	}
	if !adapter.Deduplicates() {
		t.Fatal("export engine dedupes on requestId")
	}
}

func TestEarthPollStateMapping(t *testing.T) {
	cases := []struct {
		state string
		want  State
	}{
		{"PENDING", StateQueued},
		{"RUNNING", StateRunning},
		{"FAILED", StateFailed},
		{"CANCELLED", StateFailed},
		{"COMPLETED", StateSucceeded},
	}
	for _, tc := range cases {
		t.Run(tc.state, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				op := map[string]any{
					"name": "projects/geo-prod/operations/op-1", "state": tc.state, "progress": 0.5,
					"error": map[string]string{"message": "quota exceeded"},
					"outputs": []map[string]any{
						{"name": "export.tif", "uri": "http://bucket/export.tif", "sizeBytes": 42, "checksum": "deadbeef"},
					},
				}
				json.NewEncoder(w).Encode(op)
			}))
			defer srv.Close()

			status, err := NewEarthExportAdapter(srv.URL, "geo-prod").Poll(context.Background(), DelegationHandle{ExternalJobID: "projects/geo-prod/operations/op-1"})
			if err != nil {
				t.Fatalf("poll: %v", err)
			}
			if status.State != tc.want {
				t.Fatalf("state = %s, want %s", status.State, tc.want)
			}
			if tc.want == StateFailed && status.Reason != "quota exceeded" {
				t.Fatalf("reason = %q", status.Reason)
			}
			if tc.want == StateSucceeded {
				if len(status.Outputs) != 1 {
					t.Fatalf("outputs = %v", status.Outputs)
				}
				out := status.Outputs[0]
				if out.Size != 42 || out.Checksum != "deadbeef" || out.SourceURL != "http://bucket/export.tif" {
					t.Fatalf("output = %+v", out)
				}
			}
		})
	}
}

func TestEarthPollServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewEarthExportAdapter(srv.URL, "p").Poll(context.Background(), DelegationHandle{ExternalJobID: "op"})
	if !apperr.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
}

func TestEarthPollClientErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "operation expired")
	}))
	defer srv.Close()

	_, err := NewEarthExportAdapter(srv.URL, "p").Poll(context.Background(), DelegationHandle{ExternalJobID: "op"})
	if err == nil || apperr.IsRetryable(err) {
		t.Fatalf("err = %v, want terminal", err)
	}
	var ef *apperr.EngineFailure
	if !errors.As(err, &ef) {
		t.Fatalf("err = %v, want EngineFailure", err)
	}
}

func TestEarthCancelUnsupported(t *testing.T) {
	err := NewEarthExportAdapter("http://example.invalid", "p").Cancel(context.Background(), DelegationHandle{})
	if !errors.Is(err, ErrCancelUnsupported) {
		t.Fatalf("err = %v, want ErrCancelUnsupported", err)
	}
}
