package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fleetplane/internal/controlplane/middleware"
	"fleetplane/internal/store"
	"fleetplane/pkg/api"

	"github.com/google/uuid"
)

func (e *env) createBatch(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/orgs/"+e.org.ID.String()+"/batches", strings.NewReader(body))
	req = req.WithContext(middleware.NewContextWithOrg(req.Context(), e.org))
	rr := httptest.NewRecorder()
	e.handlers.CreateBatch(rr, req)
	return rr
}

func TestCreateBatch(t *testing.T) {
	e := newEnv(t)
	hostID := uuid.New()
	a := e.seedInstance(t, hostID)
	b := e.seedInstance(t, hostID)

	ids := `["` + a.ID.String() + `", "` + b.ID.String() + `"]`

	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedInBody string
	}{
		{
			name:           "restart wave",
			body:           `{"type": "restart_wave", "server_instance_ids": ` + ids + `}`,
			expectedStatus: http.StatusCreated,
			expectedInBody: `"pending_count":2`,
		},
		{
			name:           "unknown batch type",
			body:           `{"type": "blue_wave", "server_instance_ids": ` + ids + `}`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "unknown batch type",
		},
		{
			name:           "empty instance list",
			body:           `{"type": "restart_wave", "server_instance_ids": []}`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "at least one server instance",
		},
		{
			name:           "unknown instance",
			body:           `{"type": "restart_wave", "server_instance_ids": ["` + uuid.NewString() + `"]}`,
			expectedStatus: http.StatusNotFound,
			expectedInBody: "Not found",
		},
		{
			name:           "malformed instance id",
			body:           `{"type": "restart_wave", "server_instance_ids": ["nope"]}`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "Invalid server instance ID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := e.createBatch(t, tt.body)
			if rr.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d: %s", rr.Code, tt.expectedStatus, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), tt.expectedInBody) {
				t.Errorf("body = %s, want it to contain %q", rr.Body.String(), tt.expectedInBody)
			}
		})
	}
}

func TestBatchLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t)
	hostID := uuid.New()
	a := e.seedInstance(t, hostID)
	b := e.seedInstance(t, hostID)

	rr := e.createBatch(t, `{"type": "update_wave", "server_instance_ids": ["`+a.ID.String()+`", "`+b.ID.String()+`"]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: status = %d: %s", rr.Code, rr.Body.String())
	}
	var created api.BatchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	// Every job in the batch is an update typed after the wave.
	jobsReq := httptest.NewRequest(http.MethodGet, "/batches/"+created.ID+"/jobs", nil)
	jobsReq.SetPathValue("id", created.ID)
	jobsReq = jobsReq.WithContext(middleware.NewContextWithOrg(jobsReq.Context(), e.org))
	jobsRR := httptest.NewRecorder()
	e.handlers.GetBatchJobs(jobsRR, jobsReq)

	var jobs []api.JobResponse
	if err := json.Unmarshal(jobsRR.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("failed to decode jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("batch jobs = %d, want 2", len(jobs))
	}
	for _, j := range jobs {
		if j.Type != string(store.JobTypeServerUpdate) {
			t.Errorf("job type = %q, want %q", j.Type, store.JobTypeServerUpdate)
		}
	}

	// Cancel drains the pending jobs and settles the status.
	cancelReq := httptest.NewRequest(http.MethodPost, "/batches/"+created.ID+"/cancel", nil)
	cancelReq.SetPathValue("id", created.ID)
	cancelReq = cancelReq.WithContext(middleware.NewContextWithOrg(cancelReq.Context(), e.org))
	cancelRR := httptest.NewRecorder()
	e.handlers.CancelBatch(cancelRR, cancelReq)

	if cancelRR.Code != http.StatusOK {
		t.Fatalf("cancel: status = %d: %s", cancelRR.Code, cancelRR.Body.String())
	}
	var cancelled api.BatchResponse
	if err := json.Unmarshal(cancelRR.Body.Bytes(), &cancelled); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if cancelled.Status != string(store.BatchStatusCancelled) {
		t.Errorf("status = %q, want %q", cancelled.Status, store.BatchStatusCancelled)
	}
	if cancelled.CancelledCount != 2 {
		t.Errorf("cancelled count = %d, want 2", cancelled.CancelledCount)
	}

	// Cancelling a settled batch conflicts.
	againRR := httptest.NewRecorder()
	e.handlers.CancelBatch(againRR, cancelReq)
	if againRR.Code != http.StatusConflict {
		t.Errorf("second cancel: status = %d, want %d", againRR.Code, http.StatusConflict)
	}
}

func TestGetBatch(t *testing.T) {
	e := newEnv(t)
	instance := e.seedInstance(t, uuid.New())

	rr := e.createBatch(t, `{"type": "bulk_mod_install", "server_instance_ids": ["`+instance.ID.String()+`"]}`)
	var created api.BatchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	tests := []struct {
		name           string
		batchID        string
		expectedStatus int
	}{
		{"existing batch", created.ID, http.StatusOK},
		{"unknown batch", uuid.NewString(), http.StatusNotFound},
		{"malformed id", "nope", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/batches/"+tt.batchID, nil)
			req.SetPathValue("id", tt.batchID)
			req = req.WithContext(middleware.NewContextWithOrg(req.Context(), e.org))
			rr := httptest.NewRecorder()
			e.handlers.GetBatch(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d: %s", rr.Code, tt.expectedStatus, rr.Body.String())
			}
		})
	}
}

func TestListBatches(t *testing.T) {
	e := newEnv(t)
	instance := e.seedInstance(t, uuid.New())
	e.createBatch(t, `{"type": "restart_wave", "server_instance_ids": ["`+instance.ID.String()+`"]}`)

	req := httptest.NewRequest(http.MethodGet, "/batches", nil)
	req = req.WithContext(middleware.NewContextWithOrg(req.Context(), e.org))
	rr := httptest.NewRecorder()
	e.handlers.ListBatches(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var resp []api.BatchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp) != 1 {
		t.Errorf("batches = %d, want 1", len(resp))
	}
}
