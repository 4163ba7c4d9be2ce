package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"fleetplane/internal/controlplane/middleware"
	"fleetplane/internal/store"
	"fleetplane/pkg/api"

	"github.com/google/uuid"
)

// CreateServerInstance handles POST /api/orgs/{orgID}/server-instances.
func (h *Handlers) CreateServerInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org, ok := middleware.OrgFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req api.CreateServerInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	hostID, err := uuid.Parse(req.HostID)
	if err != nil {
		h.httpError(w, "Invalid host ID", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		h.httpError(w, "Name is required", http.StatusBadRequest)
		return
	}

	gameType, err := h.store.GetGameTypeBySlug(ctx, req.GameType)
	if err != nil {
		h.httpError(w, "Unknown game type", http.StatusBadRequest)
		return
	}

	si := &store.ServerInstance{
		ID:           uuid.New(),
		OrgID:        org.ID,
		HostID:       hostID,
		GameTypeID:   gameType.ID,
		GameTypeSlug: gameType.Slug,
		Name:         req.Name,
		InstallPath:  req.InstallPath,
		StartCommand: req.StartCommand,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.store.CreateServerInstance(ctx, si); err != nil {
		h.httpError(w, "Failed to create server instance", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusCreated, instanceResponse(si))
}

// ListServerInstances handles GET /api/orgs/{orgID}/server-instances.
func (h *Handlers) ListServerInstances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org, ok := middleware.OrgFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	instances, err := h.store.ListServerInstances(ctx, org.ID)
	if err != nil {
		h.httpError(w, "Failed to list server instances", http.StatusInternalServerError)
		return
	}

	resp := make([]api.ServerInstanceResponse, 0, len(instances))
	for i := range instances {
		resp = append(resp, instanceResponse(&instances[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetServerInstance handles GET /api/orgs/{orgID}/server-instances/{id}.
func (h *Handlers) GetServerInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org, ok := middleware.OrgFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid server instance ID", http.StatusBadRequest)
		return
	}

	si, err := h.store.GetServerInstance(ctx, org.ID, id)
	if err != nil {
		h.httpError(w, "Server instance not found", http.StatusNotFound)
		return
	}
	h.respondJson(w, http.StatusOK, instanceResponse(si))
}

// UpdateServerInstance handles PATCH /api/orgs/{orgID}/server-instances/{id}.
func (h *Handlers) UpdateServerInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org, ok := middleware.OrgFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid server instance ID", http.StatusBadRequest)
		return
	}

	var req api.UpdateServerInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	si, err := h.store.GetServerInstance(ctx, org.ID, id)
	if err != nil {
		h.httpError(w, "Server instance not found", http.StatusNotFound)
		return
	}

	if req.Name != nil {
		si.Name = *req.Name
	}
	if req.InstallPath != nil {
		si.InstallPath = *req.InstallPath
	}
	if req.StartCommand != nil {
		si.StartCommand = *req.StartCommand
	}

	if err := h.store.UpdateServerInstance(ctx, si); err != nil {
		h.httpError(w, "Failed to update server instance", http.StatusInternalServerError)
		return
	}
	h.respondJson(w, http.StatusOK, instanceResponse(si))
}

// DeleteServerInstance handles DELETE /api/orgs/{orgID}/server-instances/{id}.
func (h *Handlers) DeleteServerInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org, ok := middleware.OrgFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid server instance ID", http.StatusBadRequest)
		return
	}

	if err := h.store.DeleteServerInstance(ctx, org.ID, id); err != nil {
		h.httpError(w, "Failed to delete server instance", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func instanceResponse(si *store.ServerInstance) api.ServerInstanceResponse {
	return api.ServerInstanceResponse{
		ID:           si.ID.String(),
		HostID:       si.HostID.String(),
		GameType:     si.GameTypeSlug,
		Name:         si.Name,
		InstallPath:  si.InstallPath,
		StartCommand: si.StartCommand,
		CreatedAt:    si.CreatedAt,
	}
}
