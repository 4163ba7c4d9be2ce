package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"fleetplane/internal/controlplane/middleware"
	"fleetplane/internal/pairing"
	"fleetplane/internal/store"
	"fleetplane/pkg/api"

	"github.com/google/uuid"
)

// CreatePairingToken handles POST /api/orgs/{orgID}/pairing-tokens.
// The plaintext token is returned once and never again.
func (h *Handlers) CreatePairingToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org, ok := middleware.OrgFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req api.CreatePairingTokenRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.httpError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}

	issued, err := h.pairing.IssueToken(ctx, org.ID, org.ID, req.TTLSeconds)
	if err != nil {
		h.httpError(w, "Failed to issue pairing token", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusCreated, api.CreatePairingTokenResponse{
		ID:        issued.ID.String(),
		Token:     issued.Plaintext,
		ExpiresAt: issued.ExpiresAt,
	})
}

// RotateKey handles POST /api/orgs/{orgID}/hosts/{hostID}/rotate-key.
// Every credential minted before the rotation stops verifying.
func (h *Handlers) RotateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org, ok := middleware.OrgFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	hostID, err := uuid.Parse(r.PathValue("hostID"))
	if err != nil {
		h.httpError(w, "Invalid host ID", http.StatusBadRequest)
		return
	}

	credential, err := h.pairing.Rotate(ctx, org.ID, hostID)
	if err != nil {
		if errors.Is(err, pairing.ErrHostNotFound) {
			h.httpError(w, "Host not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Failed to rotate key", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, api.RotateKeyResponse{
		HostID:     hostID.String(),
		Credential: credential,
		RotatedAt:  time.Now().UTC(),
	})
}

// AgentPair handles POST /api/agent/pair. It is the only unauthenticated
// agent endpoint; the pairing token is the proof of authorization.
func (h *Handlers) AgentPair(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.PairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Token == "" {
		h.httpError(w, "Token is required", http.StatusBadRequest)
		return
	}

	meta := store.HostMetadata{
		Name:         req.Metadata.Name,
		CPU:          req.Metadata.CPU,
		MemTotalMB:   req.Metadata.MemTotalMB,
		MemFreeMB:    req.Metadata.MemFreeMB,
		DiskPath:     req.Metadata.DiskPath,
		DiskFreeMB:   req.Metadata.DiskFreeMB,
		AgentVersion: req.Metadata.AgentVersion,
	}

	hostID, credential, err := h.pairing.Pair(ctx, req.Token, meta, r.RemoteAddr)
	if err != nil {
		switch {
		case errors.Is(err, pairing.ErrInvalidToken):
			h.httpError(w, "Invalid pairing token", http.StatusUnauthorized)
		case errors.Is(err, pairing.ErrTokenUsed):
			h.httpError(w, "Pairing token already used", http.StatusConflict)
		case errors.Is(err, pairing.ErrTokenExpired):
			h.httpError(w, "Pairing token expired", http.StatusUnauthorized)
		default:
			h.httpError(w, "Pairing failed", http.StatusInternalServerError)
		}
		return
	}

	h.respondJson(w, http.StatusCreated, api.PairResponse{
		HostID:     hostID.String(),
		Credential: credential,
	})
}
