// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
// The shutdown function should be called on application exit for graceful cleanup.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// Counters holds the control-plane counters. All are safe for concurrent use.
type Counters struct {
	ScheduleFires    metric.Int64Counter
	JobsCreated      metric.Int64Counter
	RunsCompleted    metric.Int64Counter
	BatchesFinalized metric.Int64Counter
	PairingAttempts  metric.Int64Counter
}

// NewCounters registers the control-plane counters on the global meter.
func NewCounters() (*Counters, error) {
	meter := otel.Meter("fleetplane")

	fires, err := meter.Int64Counter("fleetplane.schedule.fires",
		metric.WithDescription("Schedule fires processed, by outcome"))
	if err != nil {
		return nil, err
	}

	jobs, err := meter.Int64Counter("fleetplane.jobs.created",
		metric.WithDescription("Jobs created, by origin"))
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter("fleetplane.runs.completed",
		metric.WithDescription("Job runs reaching a terminal state, by status"))
	if err != nil {
		return nil, err
	}

	batches, err := meter.Int64Counter("fleetplane.batches.finalized",
		metric.WithDescription("Batches reaching a terminal status"))
	if err != nil {
		return nil, err
	}

	pairings, err := meter.Int64Counter("fleetplane.pairing.attempts",
		metric.WithDescription("Agent pairing attempts, by outcome"))
	if err != nil {
		return nil, err
	}

	return &Counters{
		ScheduleFires:    fires,
		JobsCreated:      jobs,
		RunsCompleted:    runs,
		BatchesFinalized: batches,
		PairingAttempts:  pairings,
	}, nil
}
