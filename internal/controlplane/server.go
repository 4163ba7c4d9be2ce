// Package controlplane contains the HTTP server for the operator and agent
// APIs.
package controlplane

import (
	"context"
	"net/http"
	"time"

	"fleetplane/internal/controlplane/handlers"
	"fleetplane/internal/controlplane/middleware"
)

// Server is the HTTP server for the control plane API.
type Server struct {
	httpServer *http.Server
}

// New creates a new control plane server. metricsHandler serves /metrics;
// pass nil to leave the endpoint unregistered.
func New(addr string, h *handlers.Handlers, store handlers.StoreFactory, verifier middleware.CredentialVerifier, metricsHandler http.Handler) *Server {
	authMW := middleware.AuthMiddleware(store)
	rateMW := middleware.RateLimitMiddleware()
	agentMW := middleware.AgentAuthMiddleware(verifier)

	operator := func(hf http.HandlerFunc) http.Handler {
		return authMW(rateMW(hf))
	}
	agent := func(hf http.HandlerFunc) http.Handler {
		return agentMW(hf)
	}

	mux := http.NewServeMux()

	// Bootstrap. Returns the org API key once.
	mux.HandleFunc("POST /api/orgs", h.CreateOrg)

	// Operator APIs, org API key authenticated.
	mux.Handle("POST /api/orgs/{orgID}/pairing-tokens", operator(h.CreatePairingToken))
	mux.Handle("POST /api/orgs/{orgID}/hosts/{hostID}/rotate-key", operator(h.RotateKey))

	mux.Handle("POST /api/orgs/{orgID}/schedules", operator(h.CreateSchedule))
	mux.Handle("GET /api/orgs/{orgID}/schedules", operator(h.ListSchedules))

	mux.Handle("POST /api/orgs/{orgID}/batches", operator(h.CreateBatch))
	mux.Handle("GET /api/orgs/{orgID}/batches", operator(h.ListBatches))
	mux.Handle("GET /api/orgs/{orgID}/batches/{id}", operator(h.GetBatch))
	mux.Handle("GET /api/orgs/{orgID}/batches/{id}/jobs", operator(h.GetBatchJobs))
	mux.Handle("POST /api/orgs/{orgID}/batches/{id}/cancel", operator(h.CancelBatch))

	mux.Handle("GET /api/orgs/{orgID}/jobs", operator(h.ListJobs))

	mux.Handle("POST /api/orgs/{orgID}/server-instances", operator(h.CreateServerInstance))
	mux.Handle("GET /api/orgs/{orgID}/server-instances", operator(h.ListServerInstances))
	mux.Handle("GET /api/orgs/{orgID}/server-instances/{id}", operator(h.GetServerInstance))
	mux.Handle("PATCH /api/orgs/{orgID}/server-instances/{id}", operator(h.UpdateServerInstance))
	mux.Handle("DELETE /api/orgs/{orgID}/server-instances/{id}", operator(h.DeleteServerInstance))

	mux.HandleFunc("GET /api/game-types", h.ListGameTypes)

	// Agent APIs. Pairing exchanges a single-use token for a credential;
	// everything else requires the credential.
	mux.HandleFunc("POST /api/agent/pair", h.AgentPair)
	mux.Handle("POST /api/agent/jobs/next", agent(h.AgentNextJobs))
	mux.Handle("POST /api/agent/runs/{runID}/result", agent(h.AgentReportResult))

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	requestID := middleware.RequestIDMiddleware()

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      requestID(mux),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
