package handlers

import (
	"net/http"

	"fleetplane/pkg/api"
)

// ListGameTypes handles GET /api/game-types.
func (h *Handlers) ListGameTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.store.ListGameTypes(r.Context())
	if err != nil {
		h.httpError(w, "Failed to list game types", http.StatusInternalServerError)
		return
	}

	resp := make([]api.GameTypeResponse, 0, len(types))
	for _, gt := range types {
		resp = append(resp, api.GameTypeResponse{
			ID:           gt.ID.String(),
			Slug:         gt.Slug,
			Name:         gt.Name,
			Capabilities: gt.Capabilities,
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}
