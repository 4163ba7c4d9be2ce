package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"fleetplane/internal/batch"
	"fleetplane/internal/controlplane/middleware"
	"fleetplane/internal/store"
	"fleetplane/pkg/api"

	"github.com/google/uuid"
)

const defaultListLimit = 50

// CreateBatch handles POST /api/orgs/{orgID}/batches.
func (h *Handlers) CreateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org, ok := middleware.OrgFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req api.CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	instanceIDs := make([]uuid.UUID, 0, len(req.ServerInstanceIDs))
	for _, raw := range req.ServerInstanceIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.httpError(w, "Invalid server instance ID", http.StatusBadRequest)
			return
		}
		instanceIDs = append(instanceIDs, id)
	}

	b, err := h.batches.CreateBatch(ctx, batch.CreateBatchParams{
		OrgID:       org.ID,
		Type:        req.Type,
		InstanceIDs: instanceIDs,
		Payload:     req.Payload,
		MaxRetries:  req.MaxRetries,
		BackoffMs:   req.BackoffMs,
	})
	if err != nil {
		h.serviceError(w, err, "Failed to create batch")
		return
	}

	h.respondJson(w, http.StatusCreated, batchResponse(b))
}

// ListBatches handles GET /api/orgs/{orgID}/batches.
func (h *Handlers) ListBatches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org, ok := middleware.OrgFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.httpError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	batches, err := h.batches.ListBatches(ctx, org.ID, limit)
	if err != nil {
		h.httpError(w, "Failed to list batches", http.StatusInternalServerError)
		return
	}

	resp := make([]api.BatchResponse, 0, len(batches))
	for i := range batches {
		resp = append(resp, batchResponse(&batches[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetBatch handles GET /api/orgs/{orgID}/batches/{id}.
func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org, ok := middleware.OrgFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	batchID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid batch ID", http.StatusBadRequest)
		return
	}

	b, err := h.batches.GetBatch(ctx, org.ID, batchID)
	if err != nil {
		h.serviceError(w, err, "Failed to load batch")
		return
	}
	h.respondJson(w, http.StatusOK, batchResponse(b))
}

// GetBatchJobs handles GET /api/orgs/{orgID}/batches/{id}/jobs.
func (h *Handlers) GetBatchJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org, ok := middleware.OrgFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	batchID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid batch ID", http.StatusBadRequest)
		return
	}

	jobs, err := h.batches.ListBatchJobs(ctx, org.ID, batchID)
	if err != nil {
		h.serviceError(w, err, "Failed to load batch jobs")
		return
	}

	resp := make([]api.JobResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, jobResponse(&jobs[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// CancelBatch handles POST /api/orgs/{orgID}/batches/{id}/cancel.
func (h *Handlers) CancelBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org, ok := middleware.OrgFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	batchID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid batch ID", http.StatusBadRequest)
		return
	}

	b, err := h.batches.CancelBatch(ctx, org.ID, batchID, nil)
	if err != nil {
		h.serviceError(w, err, "Failed to cancel batch")
		return
	}
	h.respondJson(w, http.StatusOK, batchResponse(b))
}

func batchResponse(b *store.Batch) api.BatchResponse {
	return api.BatchResponse{
		ID:             b.ID.String(),
		Type:           string(b.Type),
		Status:         string(b.Status),
		TotalCount:     b.TotalCount,
		PendingCount:   b.PendingCount,
		RunningCount:   b.RunningCount,
		SuccessCount:   b.SuccessCount,
		FailedCount:    b.FailedCount,
		CancelledCount: b.CancelledCount,
		CreatedAt:      b.CreatedAt,
		CompletedAt:    b.CompletedAt,
	}
}
