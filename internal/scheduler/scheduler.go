// Package scheduler arms cron schedules as delayed queue tasks and turns
// fires into dispatched jobs.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fleetplane/internal/cron"
	"fleetplane/internal/dispatch"
	"fleetplane/internal/observability"
	"fleetplane/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// QueueKey is the queue claimed by the in-process fire pool.
const QueueKey = "scheduler"

const (
	fireAttempts  = 3
	fireBackoffMs = 15000
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	store.ScheduleStore
}

// Scheduler computes fire times, keeps them armed in the queue and handles
// fires as they come due.
type Scheduler struct {
	store      Store
	queue      store.TaskQueue
	dispatcher *dispatch.Dispatcher
	counters   *observability.Counters
	log        *slog.Logger

	now func() time.Time
}

// New creates a Scheduler.
func New(s Store, q store.TaskQueue, d *dispatch.Dispatcher, counters *observability.Counters, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:      s,
		queue:      q,
		dispatcher: d,
		counters:   counters,
		log:        log,
		now:        time.Now,
	}
}

// firePayload is the body of an armed fire task.
type firePayload struct {
	ScheduleID uuid.UUID `json:"schedule_id"`
	FireAt     time.Time `json:"fire_at"`
}

// Hydrate arms every enabled schedule. Called once at startup; the dedupe
// key makes re-arming a fire that survived a restart a no-op. Schedules
// whose expression yields no fire are skipped, not fatal.
func (s *Scheduler) Hydrate(ctx context.Context) (int, error) {
	schedules, err := s.store.ListEnabledSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list enabled schedules: %w", err)
	}

	armed := 0
	for i := range schedules {
		if _, err := s.Arm(ctx, &schedules[i]); err != nil {
			s.log.WarnContext(ctx, "failed to arm schedule", "schedule_id", schedules[i].ID, "err", err)
			continue
		}
		armed++
	}

	s.log.InfoContext(ctx, "scheduler hydrated", "schedules", len(schedules), "armed", armed)
	return armed, nil
}

// Arm computes the schedule's next clamped fire time, enqueues the delayed
// fire task and persists next_run_at. The dedupe key pins one task per
// (schedule, fire instant).
func (s *Scheduler) Arm(ctx context.Context, sched *store.Schedule) (time.Time, error) {
	fireAt, err := s.nextFire(sched)
	if err != nil {
		return time.Time{}, err
	}

	payload, err := json.Marshal(firePayload{ScheduleID: sched.ID, FireAt: fireAt})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to encode fire payload: %w", err)
	}

	dedupe := fmt.Sprintf("schedule:%s:%d", sched.ID, fireAt.UnixMilli())
	err = s.queue.Enqueue(ctx, nil, QueueKey, dedupe, payload, store.EnqueueOptions{
		Delay:     time.Until(fireAt),
		Attempts:  fireAttempts,
		BackoffMs: fireBackoffMs,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to enqueue fire: %w", err)
	}

	if err := s.store.SetNextRun(ctx, sched.ID, fireAt); err != nil {
		return time.Time{}, fmt.Errorf("failed to persist next run: %w", err)
	}
	return fireAt, nil
}

func (s *Scheduler) nextFire(sched *store.Schedule) (time.Time, error) {
	next, err := cron.NextRun(sched.CronExpression, s.now())
	if err != nil {
		return time.Time{}, err
	}
	return cron.ClampToWindow(next, sched.WindowStart, sched.WindowEnd), nil
}

// OnFire handles one due fire task. A schedule deleted or disabled since
// arming is dropped silently. A dispatch failure is stamped on the schedule
// and returned so the queue redelivers the fire; the next fire is armed
// either way.
func (s *Scheduler) OnFire(ctx context.Context, payload json.RawMessage) error {
	var fire firePayload
	if err := json.Unmarshal(payload, &fire); err != nil {
		return fmt.Errorf("undecodable fire payload: %w", err)
	}

	sched, err := s.store.GetScheduleByID(ctx, fire.ScheduleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.log.DebugContext(ctx, "fire for deleted schedule dropped", "schedule_id", fire.ScheduleID)
			return nil
		}
		return fmt.Errorf("failed to load schedule: %w", err)
	}
	if !sched.Enabled {
		s.log.DebugContext(ctx, "fire for disabled schedule dropped", "schedule_id", sched.ID)
		return nil
	}

	job, _, dispatchErr := s.dispatcher.CreateJob(ctx, dispatch.CreateJobParams{
		OrgID:            sched.OrgID,
		ServerInstanceID: sched.ServerInstanceID,
		Type:             sched.JobType,
		Payload:          sched.Payload,
		MaxRetries:       &sched.MaxRetries,
		BackoffMs:        &sched.BackoffMs,
		Origin:           "schedule",
	})

	next, armErr := s.Arm(ctx, sched)
	var nextPtr *time.Time
	if armErr == nil {
		nextPtr = &next
	} else {
		s.log.WarnContext(ctx, "failed to re-arm schedule", "schedule_id", sched.ID, "err", armErr)
	}

	if dispatchErr != nil {
		if err := s.store.RecordFireFailure(ctx, sched.ID, nil, nextPtr); err != nil {
			s.log.ErrorContext(ctx, "failed to record fire failure", "schedule_id", sched.ID, "err", err)
		}
		s.counters.ScheduleFires.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		return fmt.Errorf("failed to dispatch scheduled job: %w", dispatchErr)
	}

	if err := s.store.RecordFireSuccess(ctx, sched.ID, job.ID, nextPtr); err != nil {
		s.log.ErrorContext(ctx, "failed to record fire success", "schedule_id", sched.ID, "err", err)
	}
	s.counters.ScheduleFires.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))

	s.log.InfoContext(ctx, "schedule fired", "schedule_id", sched.ID, "job_id", job.ID, "next_run", nextPtr)
	return nil
}

// ReapExhaustedFires drops fire tasks that ran out of redelivery attempts
// and stamps the miss on the schedule. The next fire was already armed by
// the failing attempts, so nothing is re-armed here.
func (s *Scheduler) ReapExhaustedFires(ctx context.Context, limit int) (int, error) {
	tasks, err := s.queue.ReapExhausted(ctx, QueueKey, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to reap fire tasks: %w", err)
	}

	for _, task := range tasks {
		var fire firePayload
		if err := json.Unmarshal(task.Payload, &fire); err != nil {
			s.log.ErrorContext(ctx, "reaped fire with undecodable payload", "task_id", task.ID)
			continue
		}
		if err := s.store.RecordFireFailure(ctx, fire.ScheduleID, nil, nil); err != nil {
			s.log.ErrorContext(ctx, "failed to record exhausted fire", "schedule_id", fire.ScheduleID, "err", err)
		}
		s.counters.ScheduleFires.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "exhausted")))
	}
	return len(tasks), nil
}
