// Package dispatch turns job requests into persisted jobs, pending runs and
// delivery tasks, and applies the run state machine as agents report back.
package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fleetplane/internal/observability"
	"fleetplane/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultMaxRetries = 2
	defaultBackoffMs  = 2000
)

// DeliveryQueuePrefix namespaces delivery tasks; the full queue key is
// "jobs:<orgID>".
const DeliveryQueuePrefix = "jobs:"

// Store is the persistence surface the dispatcher needs.
type Store interface {
	store.ServerInstanceStore
	store.JobStore
	store.JobRunStore
	store.AuditStore
	BeginTx(ctx context.Context) (store.Tx, error)
}

// BatchNotifier receives run transitions for jobs that belong to a batch.
type BatchNotifier interface {
	OnRunStarted(ctx context.Context, batchID uuid.UUID) error
	OnRunCompleted(ctx context.Context, batchID uuid.UUID, newStatus, priorStatus store.RunStatus) error
}

// Dispatcher owns job creation and the run state machine.
type Dispatcher struct {
	store    Store
	queue    store.TaskQueue
	notifier BatchNotifier
	counters *observability.Counters
	log      *slog.Logger
}

// New creates a Dispatcher. The batch notifier is wired afterwards with
// SetNotifier because the aggregator itself dispatches jobs.
func New(s Store, q store.TaskQueue, counters *observability.Counters, log *slog.Logger) *Dispatcher {
	return &Dispatcher{store: s, queue: q, counters: counters, log: log}
}

// SetNotifier registers the batch aggregator for run transition callbacks.
func (d *Dispatcher) SetNotifier(n BatchNotifier) {
	d.notifier = n
}

// CreateJobParams describes one job to dispatch.
type CreateJobParams struct {
	OrgID            uuid.UUID
	ServerInstanceID uuid.UUID
	Type             store.JobType
	Payload          json.RawMessage
	BatchID          *uuid.UUID
	CreatedByID      *uuid.UUID

	// MaxRetries is the redelivery budget beyond the first attempt.
	// Nil means two retries, three attempts in total.
	MaxRetries *int

	// BackoffMs overrides the fixed redelivery backoff. Nil means 2000ms.
	BackoffMs *int

	// Origin tags the jobs-created metric: "api", "batch" or "schedule".
	Origin string
}

// deliveryPayload is what an agent receives when it claims a delivery task.
type deliveryPayload struct {
	RunID            uuid.UUID       `json:"run_id"`
	JobID            uuid.UUID       `json:"job_id"`
	Type             store.JobType   `json:"type"`
	ServerInstanceID uuid.UUID       `json:"server_instance_id"`
	InstallPath      string          `json:"install_path,omitempty"`
	StartCommand     string          `json:"start_command,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// CreateJob persists a job with a pending run bound to the instance's host
// and enqueues a delivery task, all in one transaction. The task's dedupe
// key is the run ID, so a retried request cannot double-deliver.
func (d *Dispatcher) CreateJob(ctx context.Context, p CreateJobParams) (*store.Job, *store.JobRun, error) {
	instance, err := d.store.GetServerInstance(ctx, p.OrgID, p.ServerInstanceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("server instance %s: %w", p.ServerInstanceID, store.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("failed to load server instance: %w", err)
	}

	maxRetries := defaultMaxRetries
	if p.MaxRetries != nil && *p.MaxRetries >= 0 {
		maxRetries = *p.MaxRetries
	}
	backoffMs := defaultBackoffMs
	if p.BackoffMs != nil && *p.BackoffMs > 0 {
		backoffMs = *p.BackoffMs
	}

	now := time.Now().UTC()
	job := &store.Job{
		ID:               uuid.New(),
		OrgID:            p.OrgID,
		BatchID:          p.BatchID,
		ServerInstanceID: instance.ID,
		Type:             p.Type,
		Payload:          p.Payload,
		CreatedByID:      p.CreatedByID,
		CreatedAt:        now,
	}
	run := &store.JobRun{
		ID:        uuid.New(),
		JobID:     job.ID,
		HostID:    instance.HostID,
		Status:    store.RunStatusPending,
		CreatedAt: now,
	}

	payload, err := json.Marshal(deliveryPayload{
		RunID:            run.ID,
		JobID:            job.ID,
		Type:             job.Type,
		ServerInstanceID: instance.ID,
		InstallPath:      instance.InstallPath,
		StartCommand:     instance.StartCommand,
		Payload:          p.Payload,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode delivery payload: %w", err)
	}

	tx, err := d.store.BeginTx(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := d.store.CreateJob(ctx, tx, job); err != nil {
		return nil, nil, fmt.Errorf("failed to create job: %w", err)
	}
	if err := d.store.CreateJobRun(ctx, tx, run); err != nil {
		return nil, nil, fmt.Errorf("failed to create job run: %w", err)
	}

	err = d.queue.Enqueue(ctx, tx, DeliveryQueuePrefix+p.OrgID.String(), run.ID.String(), payload, store.EnqueueOptions{
		Attempts:  maxRetries + 1,
		BackoffMs: backoffMs,
		HostID:    &instance.HostID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to enqueue delivery: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit job: %w", err)
	}

	origin := p.Origin
	if origin == "" {
		origin = "api"
	}
	d.counters.JobsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("origin", origin)))

	details, _ := json.Marshal(map[string]interface{}{
		"type":               job.Type,
		"server_instance_id": instance.ID.String(),
		"run_id":             run.ID.String(),
		"origin":             origin,
	})
	audit := &store.AuditRecord{
		ID:           uuid.New(),
		OrgID:        p.OrgID,
		ActorID:      p.CreatedByID,
		Action:       "job_created",
		ResourceType: "job",
		ResourceID:   job.ID.String(),
		Details:      details,
		CreatedAt:    time.Now().UTC(),
	}
	if err := d.store.AppendAudit(ctx, audit); err != nil {
		d.log.WarnContext(ctx, "audit append failed", "action", "job_created", "err", err)
	}

	d.log.InfoContext(ctx, "job dispatched",
		"job_id", job.ID, "run_id", run.ID, "type", job.Type, "host_id", instance.HostID)
	return job, run, nil
}

// DeliveredJob is one unit of work handed to a polling agent.
type DeliveredJob struct {
	RunID            uuid.UUID       `json:"run_id"`
	JobID            uuid.UUID       `json:"job_id"`
	Type             store.JobType   `json:"type"`
	ServerInstanceID uuid.UUID       `json:"server_instance_id"`
	InstallPath      string          `json:"install_path,omitempty"`
	StartCommand     string          `json:"start_command,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	AttemptsLeft     int             `json:"attempts_left"`
}

// NextJobs claims up to limit delivery tasks addressed to the host and
// transitions each claimed run to running. Tasks whose run already reached
// a terminal state are dropped from the queue instead of delivered.
func (d *Dispatcher) NextJobs(ctx context.Context, hostID uuid.UUID, limit int) ([]DeliveredJob, error) {
	tasks, err := d.queue.ClaimForHost(ctx, hostID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim delivery tasks: %w", err)
	}

	var out []DeliveredJob
	for _, task := range tasks {
		var dp deliveryPayload
		if err := json.Unmarshal(task.Payload, &dp); err != nil {
			d.log.ErrorContext(ctx, "undecodable delivery payload, dropping task",
				"task_id", task.ID, "err", err)
			if err := d.queue.Complete(ctx, task.ID); err != nil {
				d.log.WarnContext(ctx, "failed to drop task", "task_id", task.ID, "err", err)
			}
			continue
		}

		deliverable, err := d.markRunStarted(ctx, dp.RunID, hostID)
		if err != nil {
			return nil, err
		}
		if !deliverable {
			if err := d.queue.Complete(ctx, task.ID); err != nil {
				d.log.WarnContext(ctx, "failed to drop task", "task_id", task.ID, "err", err)
			}
			continue
		}

		out = append(out, DeliveredJob{
			RunID:            dp.RunID,
			JobID:            dp.JobID,
			Type:             dp.Type,
			ServerInstanceID: dp.ServerInstanceID,
			InstallPath:      dp.InstallPath,
			StartCommand:     dp.StartCommand,
			Payload:          dp.Payload,
			AttemptsLeft:     task.AttemptsLeft,
		})
	}
	return out, nil
}

// markRunStarted moves the run to running on first delivery. Redeliveries of
// an already-running run stay deliverable; runs in a terminal state do not.
func (d *Dispatcher) markRunStarted(ctx context.Context, runID, hostID uuid.UUID) (bool, error) {
	started, err := d.store.StartJobRun(ctx, runID, hostID)
	if err != nil {
		return false, fmt.Errorf("failed to start run %s: %w", runID, err)
	}
	if started {
		d.notifyStarted(ctx, runID)
		return true, nil
	}

	run, err := d.store.GetJobRunByID(ctx, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return run.Status == store.RunStatusRunning && run.HostID == hostID, nil
}

func (d *Dispatcher) notifyStarted(ctx context.Context, runID uuid.UUID) {
	if d.notifier == nil {
		return
	}
	run, err := d.store.GetJobRunByID(ctx, runID)
	if err != nil {
		d.log.WarnContext(ctx, "failed to load run for batch notification", "run_id", runID, "err", err)
		return
	}
	job, err := d.store.GetJobByID(ctx, run.JobID)
	if err != nil {
		d.log.WarnContext(ctx, "failed to load job for batch notification", "job_id", run.JobID, "err", err)
		return
	}
	if job.BatchID == nil {
		return
	}
	if err := d.notifier.OnRunStarted(ctx, *job.BatchID); err != nil {
		d.log.ErrorContext(ctx, "batch start notification failed", "batch_id", *job.BatchID, "err", err)
	}
}

// ReportResult records an agent's report for a run. The host must own the
// run, the run must currently be running and the status must be success or
// failed; cancellation is an operator action, never an agent report. On
// success the pending redelivery task is removed and, for batch jobs, the
// batch counters move.
func (d *Dispatcher) ReportResult(ctx context.Context, hostID, runID uuid.UUID, status store.RunStatus, result store.RunResult) error {
	if status != store.RunStatusSuccess && status != store.RunStatusFailed {
		return fmt.Errorf("status %q: %w", status, store.ErrInvalidState)
	}

	run, err := d.store.GetJobRunByID(ctx, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
		}
		return fmt.Errorf("failed to load run: %w", err)
	}
	if run.HostID != hostID {
		return fmt.Errorf("run %s: %w", runID, store.ErrForbidden)
	}

	finished, err := d.store.FinishJobRun(ctx, runID, status, result)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if !finished {
		return fmt.Errorf("run %s is not running: %w", runID, store.ErrInvalidState)
	}

	job, err := d.store.GetJobByID(ctx, run.JobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	if err := d.queue.Cancel(ctx, DeliveryQueuePrefix+job.OrgID.String(), runID.String()); err != nil {
		d.log.WarnContext(ctx, "failed to cancel delivery task", "run_id", runID, "err", err)
	}

	d.counters.RunsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))

	if job.BatchID != nil && d.notifier != nil {
		if err := d.notifier.OnRunCompleted(ctx, *job.BatchID, status, store.RunStatusRunning); err != nil {
			d.log.ErrorContext(ctx, "batch completion notification failed", "batch_id", *job.BatchID, "err", err)
		}
	}

	d.log.InfoContext(ctx, "run finished", "run_id", runID, "status", status)
	return nil
}

// ReapExhaustedDeliveries fails runs whose delivery tasks ran out of
// attempts without a result. Called periodically from the server loop.
func (d *Dispatcher) ReapExhaustedDeliveries(ctx context.Context, limit int) (int, error) {
	tasks, err := d.queue.ReapExhausted(ctx, DeliveryQueuePrefix, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to reap delivery tasks: %w", err)
	}

	failed := 0
	for _, task := range tasks {
		runID, err := uuid.Parse(task.DedupeKey)
		if err != nil {
			d.log.ErrorContext(ctx, "reaped task with malformed dedupe key", "task_id", task.ID, "key", task.DedupeKey)
			continue
		}
		didFail, err := d.failExhaustedRun(ctx, runID)
		if err != nil {
			d.log.ErrorContext(ctx, "failed to fail exhausted run", "run_id", runID, "err", err)
			continue
		}
		if didFail {
			failed++
		}
	}
	return failed, nil
}

func (d *Dispatcher) failExhaustedRun(ctx context.Context, runID uuid.UUID) (bool, error) {
	run, err := d.store.GetJobRunByID(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("failed to load run: %w", err)
	}
	if run.Status.Terminal() {
		return false, nil
	}
	prior := run.Status

	finished, err := d.store.FailExhaustedRun(ctx, runID, "delivery attempts exhausted")
	if err != nil {
		return false, err
	}
	if !finished {
		// Raced with a late report; the report wins.
		return false, nil
	}

	d.counters.RunsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "failed")))

	job, err := d.store.GetJobByID(ctx, run.JobID)
	if err != nil {
		return true, fmt.Errorf("failed to load job: %w", err)
	}
	if job.BatchID != nil && d.notifier != nil {
		if err := d.notifier.OnRunCompleted(ctx, *job.BatchID, store.RunStatusFailed, prior); err != nil {
			return true, fmt.Errorf("batch notification: %w", err)
		}
	}

	d.log.WarnContext(ctx, "run failed after exhausting delivery attempts", "run_id", runID)
	return true, nil
}
