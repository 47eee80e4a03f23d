package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"geoportal-back/internal/apperr"
	"geoportal-back/internal/models"
)

func odmTask() *models.ProcessingTask {
	return &models.ProcessingTask{ID: uuid.New(), TaskType: "drone-orthomosaic"}
}

func TestODMSubmit(t *testing.T) {
	task := odmTask()
	var gotName, gotOptions, gotAuth string
	var gotImages []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/task/new" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotName = r.FormValue("name")
		gotOptions = r.FormValue("options")
		gotImages = r.MultipartForm.Value["imageUrls"]
		json.NewEncoder(w).Encode(map[string]string{"uuid": "odm-123"})
	}))
	defer srv.Close()

	adapter := NewODMAdapter(srv.URL)
	inputs := []models.File{
		{StoragePath: "projects/p/images/a.jpg"},
		{StoragePath: "projects/p/images/b.jpg"},
	}
	res, err := adapter.Submit(context.Background(), task, inputs, Credentials{Token: "tok"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Handle.ExternalJobID != "odm-123" || res.Handle.Kind != "drone" {
		t.Fatalf("handle = %+v", res.Handle)
	}
	if adapter.Deduplicates() {
		t.Fatal("NodeODM does not deduplicate by task name")
	}
	if gotName != "geoportal-"+task.ID.String() {
		t.Fatalf("name = %q", gotName)
	}
	if !strings.Contains(gotOptions, "fast-orthophoto") {
		t.Fatalf("options = %q, want default fast-orthophoto", gotOptions)
	}
	if len(gotImages) != 2 {
		t.Fatalf("imageUrls = %v", gotImages)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("authorization = %q", gotAuth)
	}
}

func TestODMSubmitForwardsParameters(t *testing.T) {
	task := odmTask()
	task.Parameters = []byte(`{"dsm": true, "mesh-size": 200000}`)

	var gotOptions string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		gotOptions = r.FormValue("options")
		json.NewEncoder(w).Encode(map[string]string{"uuid": "odm-1"})
	}))
	defer srv.Close()

	if _, err := NewODMAdapter(srv.URL).Submit(context.Background(), task, nil, Credentials{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	var opts []struct {
		Name  string `json:"name"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal([]byte(gotOptions), &opts); err != nil {
		t.Fatalf("options not a [{name,value}] list: %q", gotOptions)
	}
	if len(opts) != 2 {
		t.Fatalf("options = %v", opts)
	}
}

func TestODMSubmitErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"server error", http.StatusBadGateway, "", true},
		{"client rejection", http.StatusBadRequest, "bad options", false},
		{"engine error field", http.StatusOK, `{"error":"no images"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			_, err := NewODMAdapter(srv.URL).Submit(context.Background(), odmTask(), nil, Credentials{})
			if err == nil {
				t.Fatal("expected error")
			}
			if apperr.IsRetryable(err) != tc.retryable {
				t.Fatalf("IsRetryable(%v) = %v, want %v", err, !tc.retryable, tc.retryable)
			}
		})
	}
}

func TestODMSubmitConnectionRefusedIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens any more

	_, err := NewODMAdapter(srv.URL).Submit(context.Background(), odmTask(), nil, Credentials{})
	if !apperr.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
}

func TestODMPollStatusMapping(t *testing.T) {
	cases := []struct {
		code     int
		progress float64
		want     State
	}{
		{10, 0, StateQueued},
		{20, 42, StateRunning},
		{30, 0, StateFailed},
		{40, 100, StateSucceeded},
		{50, 0, StateFailed}, // engine-side cancel reads as failure
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("code %d", tc.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !strings.HasSuffix(r.URL.Path, "/info") {
					t.Errorf("path = %s", r.URL.Path)
				}
				fmt.Fprintf(w, `{"uuid":"odm-1","status":{"code":%d},"progress":%v,"errorLast":"boom"}`, tc.code, tc.progress)
			}))
			defer srv.Close()

			status, err := NewODMAdapter(srv.URL).Poll(context.Background(), DelegationHandle{ExternalJobID: "odm-1"})
			if err != nil {
				t.Fatalf("poll: %v", err)
			}
			if status.State != tc.want {
				t.Fatalf("state = %s, want %s", status.State, tc.want)
			}
			if tc.code == 20 && status.Progress != 0.42 {
				t.Fatalf("progress = %v, want 0.42", status.Progress)
			}
			if tc.want == StateFailed && status.Reason != "boom" {
				t.Fatalf("reason = %q", status.Reason)
			}
			if tc.want == StateSucceeded && len(status.Outputs) != 2 {
				t.Fatalf("outputs = %v", status.Outputs)
			}
		})
	}
}

func TestODMPollUnknownCodeIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"uuid":"odm-1","status":{"code":99}}`)
	}))
	defer srv.Close()

	_, err := NewODMAdapter(srv.URL).Poll(context.Background(), DelegationHandle{ExternalJobID: "odm-1"})
	if !apperr.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
}

func TestODMCancel(t *testing.T) {
	var gotUUID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/task/cancel" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		gotUUID = body["uuid"]
	}))
	defer srv.Close()

	if err := NewODMAdapter(srv.URL).Cancel(context.Background(), DelegationHandle{ExternalJobID: "odm-9"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if gotUUID != "odm-9" {
		t.Fatalf("cancelled uuid = %q", gotUUID)
	}
}

func TestAdaptersForTaskType(t *testing.T) {
	adapters := NewAdapters()
	odm := NewODMAdapter("http://example.invalid")
	adapters.Register(odm, "drone-orthomosaic", "drone-point-cloud")

	got, err := adapters.ForTaskType("drone-point-cloud")
	if err != nil || got != Adapter(odm) {
		t.Fatalf("ForTaskType = %v, %v", got, err)
	}
	_, err = adapters.ForTaskType("warp-drive")
	var verr *apperr.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}
