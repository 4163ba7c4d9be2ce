package handlers

import (
	"net/http"
	"strconv"

	"fleetplane/internal/controlplane/middleware"
	"fleetplane/internal/store"
	"fleetplane/pkg/api"
)

// ListJobs handles GET /api/orgs/{orgID}/jobs. Each job carries its latest
// run, so operators see delivery state without a second request.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
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

	jobs, err := h.store.ListJobs(ctx, org.ID, limit)
	if err != nil {
		h.httpError(w, "Failed to list jobs", http.StatusInternalServerError)
		return
	}

	resp := make([]api.JobResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, jobResponse(&jobs[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

func jobResponse(j *store.JobWithRun) api.JobResponse {
	resp := api.JobResponse{
		ID:               j.ID.String(),
		ServerInstanceID: j.ServerInstanceID.String(),
		ServerName:       j.ServerName,
		Type:             string(j.Type),
		Payload:          j.Payload,
		CreatedAt:        j.CreatedAt,
	}
	if j.BatchID != nil {
		resp.BatchID = j.BatchID.String()
	}
	if j.Run != nil {
		resp.Run = &api.JobRunResponse{
			ID:           j.Run.ID.String(),
			HostID:       j.Run.HostID.String(),
			Status:       string(j.Run.Status),
			StartedAt:    j.Run.StartedAt,
			FinishedAt:   j.Run.FinishedAt,
			DurationMs:   j.Run.DurationMs,
			ErrorMessage: j.Run.ErrorMessage,
			Output:       j.Run.Output,
		}
	}
	return resp
}
