// Package handlers contains HTTP handlers for the control plane API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"fleetplane/internal/batch"
	"fleetplane/internal/dispatch"
	"fleetplane/internal/pairing"
	"fleetplane/internal/scheduler"
	"fleetplane/internal/store"
	"fleetplane/pkg/api"
)

// StoreFactory combines the store interfaces the handlers read directly.
// State transitions go through the service layers instead.
type StoreFactory interface {
	Ping(ctx context.Context) error
	store.OrgStore
	store.GameTypeStore
	store.ServerInstanceStore
	store.ScheduleStore
	store.JobStore
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store      StoreFactory
	pairing    *pairing.Authority
	dispatcher *dispatch.Dispatcher
	batches    *batch.Aggregator
	scheduler  *scheduler.Scheduler
}

// New creates a new Handlers instance.
func New(s StoreFactory, p *pairing.Authority, d *dispatch.Dispatcher, b *batch.Aggregator, sc *scheduler.Scheduler) *Handlers {
	return &Handlers{store: s, pairing: p, dispatcher: d, batches: b, scheduler: sc}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// serviceError maps service sentinel errors onto HTTP statuses.
func (h *Handlers) serviceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.httpError(w, "Not found", http.StatusNotFound)
	case errors.Is(err, store.ErrForbidden):
		h.httpError(w, "Forbidden", http.StatusForbidden)
	case errors.Is(err, store.ErrInvalidState):
		h.httpError(w, "Invalid state", http.StatusConflict)
	case errors.Is(err, batch.ErrUnknownBatchType), errors.Is(err, batch.ErrNoInstances):
		h.httpError(w, err.Error(), http.StatusBadRequest)
	default:
		h.httpError(w, fallback, http.StatusInternalServerError)
	}
}
