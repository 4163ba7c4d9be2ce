package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"fleetplane/internal/controlplane/middleware"
	"fleetplane/internal/cron"
	"fleetplane/internal/store"
	"fleetplane/pkg/api"

	"github.com/google/uuid"
)

const (
	defaultScheduleRetries = 2
	defaultScheduleBackoff = 2000
)

// CreateSchedule handles POST /api/orgs/{orgID}/schedules. The cron
// expression is validated up front and the first fire is armed immediately.
func (h *Handlers) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org, ok := middleware.OrgFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req api.CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	instanceID, err := uuid.Parse(req.ServerInstanceID)
	if err != nil {
		h.httpError(w, "Invalid server instance ID", http.StatusBadRequest)
		return
	}
	jobType, ok := store.ParseJobType(req.JobType)
	if !ok {
		h.httpError(w, "Unknown job type", http.StatusBadRequest)
		return
	}
	if _, err := cron.NextRun(req.CronExpression, time.Now()); err != nil {
		h.httpError(w, "Invalid cron expression", http.StatusBadRequest)
		return
	}
	if (req.WindowStart == "") != (req.WindowEnd == "") {
		h.httpError(w, "Window requires both start and end", http.StatusBadRequest)
		return
	}

	if _, err := h.store.GetServerInstance(ctx, org.ID, instanceID); err != nil {
		h.httpError(w, "Server instance not found", http.StatusNotFound)
		return
	}

	maxRetries := defaultScheduleRetries
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}
	backoffMs := defaultScheduleBackoff
	if req.BackoffMs != nil && *req.BackoffMs > 0 {
		backoffMs = *req.BackoffMs
	}

	sched := &store.Schedule{
		ID:               uuid.New(),
		OrgID:            org.ID,
		ServerInstanceID: instanceID,
		CronExpression:   req.CronExpression,
		WindowStart:      req.WindowStart,
		WindowEnd:        req.WindowEnd,
		JobType:          jobType,
		Payload:          req.Payload,
		Enabled:          true,
		MaxRetries:       maxRetries,
		BackoffMs:        backoffMs,
		CreatedAt:        time.Now().UTC(),
	}

	if err := h.store.CreateSchedule(ctx, sched); err != nil {
		h.httpError(w, "Failed to create schedule", http.StatusInternalServerError)
		return
	}

	next, err := h.scheduler.Arm(ctx, sched)
	if err != nil {
		h.httpError(w, "Failed to arm schedule", http.StatusInternalServerError)
		return
	}
	sched.NextRunAt = &next

	h.respondJson(w, http.StatusCreated, scheduleResponse(sched))
}

// ListSchedules handles GET /api/orgs/{orgID}/schedules.
func (h *Handlers) ListSchedules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org, ok := middleware.OrgFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	schedules, err := h.store.ListSchedules(ctx, org.ID)
	if err != nil {
		h.httpError(w, "Failed to list schedules", http.StatusInternalServerError)
		return
	}

	resp := make([]api.ScheduleResponse, 0, len(schedules))
	for i := range schedules {
		resp = append(resp, scheduleResponse(&schedules[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

func scheduleResponse(s *store.Schedule) api.ScheduleResponse {
	return api.ScheduleResponse{
		ID:               s.ID.String(),
		ServerInstanceID: s.ServerInstanceID.String(),
		CronExpression:   s.CronExpression,
		WindowStart:      s.WindowStart,
		WindowEnd:        s.WindowEnd,
		JobType:          string(s.JobType),
		Enabled:          s.Enabled,
		LastRunAt:        s.LastRunAt,
		LastRunStatus:    s.LastRunStatus,
		RunCount:         s.RunCount,
		FailureCount:     s.FailureCount,
		NextRunAt:        s.NextRunAt,
	}
}
