package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"fleetplane/internal/controlplane/middleware"
	"fleetplane/internal/store"
	"fleetplane/pkg/api"

	"github.com/google/uuid"
)

const maxAgentBatch = 10

// AgentNextJobs handles POST /api/agent/jobs/next. The host identity comes
// from the verified credential; agents cannot poll for another host's work.
func (h *Handlers) AgentNextJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := middleware.IdentityFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	limit := maxAgentBatch
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.httpError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		if n < limit {
			limit = n
		}
	}

	delivered, err := h.dispatcher.NextJobs(ctx, identity.HostID, limit)
	if err != nil {
		h.httpError(w, "Failed to claim jobs", http.StatusInternalServerError)
		return
	}

	resp := api.AgentJobsResponse{Jobs: make([]api.AgentJob, 0, len(delivered))}
	for _, job := range delivered {
		resp.Jobs = append(resp.Jobs, api.AgentJob{
			RunID:            job.RunID.String(),
			JobID:            job.JobID.String(),
			Type:             string(job.Type),
			ServerInstanceID: job.ServerInstanceID.String(),
			InstallPath:      job.InstallPath,
			StartCommand:     job.StartCommand,
			Payload:          job.Payload,
			AttemptsLeft:     job.AttemptsLeft,
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}

// AgentReportResult handles POST /api/agent/runs/{runID}/result.
func (h *Handlers) AgentReportResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := middleware.IdentityFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	runID, err := uuid.Parse(r.PathValue("runID"))
	if err != nil {
		h.httpError(w, "Invalid run ID", http.StatusBadRequest)
		return
	}

	var req api.ReportResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	status := store.RunStatus(req.Status)
	if status != store.RunStatusSuccess && status != store.RunStatusFailed {
		h.httpError(w, "Status must be success or failed", http.StatusBadRequest)
		return
	}

	result := store.RunResult{
		DurationMs:   req.DurationMs,
		ErrorMessage: req.ErrorMessage,
		Output:       req.Output,
	}
	if err := h.dispatcher.ReportResult(ctx, identity.HostID, runID, status, result); err != nil {
		h.serviceError(w, err, "Failed to record result")
		return
	}

	h.respondJson(w, http.StatusOK, map[string]string{"status": "recorded"})
}
