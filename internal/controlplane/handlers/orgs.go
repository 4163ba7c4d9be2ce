package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"fleetplane/internal/auth"
	"fleetplane/internal/store"
	"fleetplane/pkg/api"

	"github.com/google/uuid"
)

// CreateOrg handles POST /api/orgs (bootstrap).
// It generates a new API key, hashes it for storage, and returns the raw
// key ONCE.
func (h *Handlers) CreateOrg(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateOrgRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		h.httpError(w, "Name is required", http.StatusBadRequest)
		return
	}

	apiKey, err := auth.GenerateKey("fp_")
	if err != nil {
		h.httpError(w, "Entropy failure", http.StatusInternalServerError)
		return
	}

	org := &store.Org{
		ID:        uuid.New(),
		Name:      req.Name,
		CreatedAt: time.Now(),
	}

	if err := h.store.CreateOrg(ctx, org, auth.HashKey(apiKey)); err != nil {
		h.httpError(w, "Failed to create org", http.StatusInternalServerError)
		return
	}

	// This is the only time the caller sees the raw key.
	h.respondJson(w, http.StatusCreated, api.CreateOrgResponse{
		ID:     org.ID.String(),
		Name:   org.Name,
		ApiKey: apiKey,
	})
}
