// Package batch fans a bulk operation out into per-instance jobs and keeps
// the batch counters and terminal status consistent as runs report back.
package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fleetplane/internal/dispatch"
	"fleetplane/internal/observability"
	"fleetplane/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrUnknownBatchType means the requested type is outside the closed set.
	ErrUnknownBatchType = errors.New("unknown batch type")

	// ErrNoInstances means the request named no server instances.
	ErrNoInstances = errors.New("batch requires at least one server instance")
)

// Store is the persistence surface the aggregator needs.
type Store interface {
	store.BatchStore
	store.JobStore
	store.JobRunStore
	store.ServerInstanceStore
	store.AuditStore
}

// ProgressEmitter publishes batch progress after every counter move.
type ProgressEmitter interface {
	EmitProgress(ctx context.Context, b *store.Batch)
}

// LogEmitter is the default ProgressEmitter; it writes progress to the
// structured log.
type LogEmitter struct {
	Log *slog.Logger
}

func (e *LogEmitter) EmitProgress(ctx context.Context, b *store.Batch) {
	e.Log.InfoContext(ctx, "batch progress",
		"batch_id", b.ID,
		"status", b.Status,
		"total", b.TotalCount,
		"pending", b.PendingCount,
		"running", b.RunningCount,
		"success", b.SuccessCount,
		"failed", b.FailedCount,
		"cancelled", b.CancelledCount,
	)
}

// Aggregator owns batch lifecycle: creation, counter moves and finalization.
type Aggregator struct {
	store      Store
	queue      store.TaskQueue
	dispatcher *dispatch.Dispatcher
	emitter    ProgressEmitter
	counters   *observability.Counters
	log        *slog.Logger
}

// New creates an Aggregator and registers it as the dispatcher's batch
// notifier.
func New(s Store, q store.TaskQueue, d *dispatch.Dispatcher, e ProgressEmitter, counters *observability.Counters, log *slog.Logger) *Aggregator {
	a := &Aggregator{store: s, queue: q, dispatcher: d, emitter: e, counters: counters, log: log}
	d.SetNotifier(a)
	return a
}

// CreateBatchParams describes one bulk operation.
type CreateBatchParams struct {
	OrgID       uuid.UUID
	Type        string
	InstanceIDs []uuid.UUID
	Payload     json.RawMessage
	CreatedByID *uuid.UUID
	MaxRetries  *int
	BackoffMs   *int
}

// CreateBatch validates the request, persists the batch with every counter
// in pending, then dispatches one job per instance. An instance whose job
// cannot be dispatched is recorded as failed immediately.
func (a *Aggregator) CreateBatch(ctx context.Context, p CreateBatchParams) (*store.Batch, error) {
	batchType, ok := store.ParseBatchType(p.Type)
	if !ok {
		return nil, fmt.Errorf("%q: %w", p.Type, ErrUnknownBatchType)
	}
	if len(p.InstanceIDs) == 0 {
		return nil, ErrNoInstances
	}

	instances, err := a.store.GetServerInstancesByIDs(ctx, p.OrgID, p.InstanceIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load server instances: %w", err)
	}
	if len(instances) != len(p.InstanceIDs) {
		return nil, fmt.Errorf("%d of %d server instances: %w",
			len(p.InstanceIDs)-len(instances), len(p.InstanceIDs), store.ErrNotFound)
	}

	b := &store.Batch{
		ID:           uuid.New(),
		OrgID:        p.OrgID,
		Type:         batchType,
		Status:       store.BatchStatusRunning,
		TotalCount:   len(instances),
		PendingCount: len(instances),
		CreatedByID:  p.CreatedByID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.CreateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	for _, instance := range instances {
		_, _, err := a.dispatcher.CreateJob(ctx, dispatch.CreateJobParams{
			OrgID:            p.OrgID,
			ServerInstanceID: instance.ID,
			Type:             batchType.JobType(),
			Payload:          p.Payload,
			BatchID:          &b.ID,
			CreatedByID:      p.CreatedByID,
			MaxRetries:       p.MaxRetries,
			BackoffMs:        p.BackoffMs,
			Origin:           "batch",
		})
		if err != nil {
			a.log.ErrorContext(ctx, "batch job dispatch failed",
				"batch_id", b.ID, "server_instance_id", instance.ID, "err", err)
			if nerr := a.OnRunCompleted(ctx, b.ID, store.RunStatusFailed, store.RunStatusPending); nerr != nil {
				a.log.ErrorContext(ctx, "failed to record dispatch failure", "batch_id", b.ID, "err", nerr)
			}
		}
	}

	a.audit(ctx, p.OrgID, p.CreatedByID, "batch_created", b.ID.String(), map[string]interface{}{
		"type":  string(batchType),
		"total": b.TotalCount,
	})

	updated, err := a.store.GetBatch(ctx, p.OrgID, b.ID)
	if err != nil {
		return b, nil
	}
	return updated, nil
}

// OnRunStarted moves one count pending -> running and emits progress.
func (a *Aggregator) OnRunStarted(ctx context.Context, batchID uuid.UUID) error {
	b, err := a.store.ApplyRunStarted(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to apply run start: %w", err)
	}
	a.emitter.EmitProgress(ctx, b)
	return nil
}

// OnRunCompleted moves one count out of priorStatus into newStatus. When no
// pending or running counts remain and the batch is still running, it is
// finalized: completed when every run succeeded, completed_with_failures
// otherwise.
func (a *Aggregator) OnRunCompleted(ctx context.Context, batchID uuid.UUID, newStatus, priorStatus store.RunStatus) error {
	b, err := a.store.ApplyRunCompleted(ctx, batchID, newStatus, priorStatus)
	if err != nil {
		return fmt.Errorf("failed to apply run completion: %w", err)
	}
	a.emitter.EmitProgress(ctx, b)

	if b.Status != store.BatchStatusRunning || b.PendingCount != 0 || b.RunningCount != 0 {
		return nil
	}

	final := store.BatchStatusCompleted
	if b.FailedCount > 0 {
		final = store.BatchStatusCompletedWithFailures
	}
	finalized, err := a.store.FinalizeBatch(ctx, batchID, final)
	if err != nil {
		return fmt.Errorf("failed to finalize batch: %w", err)
	}

	a.counters.BatchesFinalized.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(final))))
	a.emitter.EmitProgress(ctx, finalized)
	a.log.InfoContext(ctx, "batch finalized", "batch_id", batchID, "status", final)
	return nil
}

// CancelBatch cancels a running batch: every still-pending run is cancelled
// and its delivery task withdrawn, and the batch moves to cancelled. Runs
// already picked up by an agent keep running and may still report results.
func (a *Aggregator) CancelBatch(ctx context.Context, orgID, batchID uuid.UUID, actorID *uuid.UUID) (*store.Batch, error) {
	b, err := a.store.GetBatch(ctx, orgID, batchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("batch %s: %w", batchID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	if b.Status != store.BatchStatusRunning {
		return nil, fmt.Errorf("batch is %s: %w", b.Status, store.ErrInvalidState)
	}

	pending, err := a.store.ListPendingBatchRuns(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending runs: %w", err)
	}

	cancelled := 0
	for _, run := range pending {
		ok, err := a.store.CancelPendingRun(ctx, run.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to cancel run %s: %w", run.ID, err)
		}
		if !ok {
			// Claimed by a host between the list and the cancel.
			continue
		}
		cancelled++
		if err := a.queue.Cancel(ctx, dispatch.DeliveryQueuePrefix+orgID.String(), run.ID.String()); err != nil {
			a.log.WarnContext(ctx, "failed to withdraw delivery task", "run_id", run.ID, "err", err)
		}
	}

	updated, err := a.store.CancelBatch(ctx, batchID, cancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel batch: %w", err)
	}

	a.counters.BatchesFinalized.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(store.BatchStatusCancelled))))
	a.emitter.EmitProgress(ctx, updated)
	a.audit(ctx, orgID, actorID, "batch_cancelled", batchID.String(), map[string]interface{}{
		"cancelled_runs": cancelled,
	})

	a.log.InfoContext(ctx, "batch cancelled", "batch_id", batchID, "cancelled_runs", cancelled)
	return updated, nil
}

// GetBatch returns the batch scoped to the org.
func (a *Aggregator) GetBatch(ctx context.Context, orgID, batchID uuid.UUID) (*store.Batch, error) {
	b, err := a.store.GetBatch(ctx, orgID, batchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("batch %s: %w", batchID, store.ErrNotFound)
		}
		return nil, err
	}
	return b, nil
}

// ListBatches returns the org's most recent batches.
func (a *Aggregator) ListBatches(ctx context.Context, orgID uuid.UUID, limit int) ([]store.Batch, error) {
	return a.store.ListBatches(ctx, orgID, limit)
}

// ListBatchJobs returns the batch's jobs with their latest runs, after
// confirming the batch belongs to the org.
func (a *Aggregator) ListBatchJobs(ctx context.Context, orgID, batchID uuid.UUID) ([]store.JobWithRun, error) {
	if _, err := a.GetBatch(ctx, orgID, batchID); err != nil {
		return nil, err
	}
	return a.store.ListBatchJobs(ctx, batchID)
}

func (a *Aggregator) audit(ctx context.Context, orgID uuid.UUID, actorID *uuid.UUID, action, resourceID string, details map[string]interface{}) {
	payload, _ := json.Marshal(details)
	rec := &store.AuditRecord{
		ID:           uuid.New(),
		OrgID:        orgID,
		ActorID:      actorID,
		Action:       action,
		ResourceType: "batch",
		ResourceID:   resourceID,
		Details:      payload,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.AppendAudit(ctx, rec); err != nil {
		a.log.WarnContext(ctx, "audit append failed", "action", action, "err", err)
	}
}
