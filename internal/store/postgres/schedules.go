package postgres

import (
	"context"
	"time"

	"fleetplane/internal/store"

	"github.com/google/uuid"
)

const scheduleColumns = `
	id, org_id, server_instance_id, cron_expression, window_start, window_end,
	job_type, payload, enabled, max_retries, backoff_ms,
	last_run_at, last_run_status, last_run_job_id, run_count, failure_count,
	next_run_at, created_at
`

func (s *Store) CreateSchedule(ctx context.Context, sch *store.Schedule) error {
	query := `
		INSERT INTO schedules (id, org_id, server_instance_id, cron_expression, window_start, window_end,
			job_type, payload, enabled, max_retries, backoff_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.db.ExecContext(ctx, query,
		sch.ID,
		sch.OrgID,
		sch.ServerInstanceID,
		sch.CronExpression,
		sch.WindowStart,
		sch.WindowEnd,
		string(sch.JobType),
		normalizeJSON(sch.Payload),
		sch.Enabled,
		sch.MaxRetries,
		sch.BackoffMs,
		sch.CreatedAt,
	)
	return err
}

func (s *Store) ListSchedules(ctx context.Context, orgID uuid.UUID) ([]store.Schedule, error) {
	query := "SELECT " + scheduleColumns + " FROM schedules WHERE org_id = $1 ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []store.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *sch)
	}
	return list, rows.Err()
}

func (s *Store) GetScheduleByID(ctx context.Context, id uuid.UUID) (*store.Schedule, error) {
	query := "SELECT " + scheduleColumns + " FROM schedules WHERE id = $1"
	return scanSchedule(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) ListEnabledSchedules(ctx context.Context) ([]store.Schedule, error) {
	query := "SELECT " + scheduleColumns + " FROM schedules WHERE enabled"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []store.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *sch)
	}
	return list, rows.Err()
}

func (s *Store) SetNextRun(ctx context.Context, id uuid.UUID, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE schedules SET next_run_at = $2 WHERE id = $1", id, next)
	return err
}

// RecordFireSuccess stamps the fire and bumps run_count in the database so
// concurrent fires of different schedules never clobber each other.
func (s *Store) RecordFireSuccess(ctx context.Context, id, jobID uuid.UUID, next *time.Time) error {
	query := `
		UPDATE schedules
		SET last_run_at = NOW(),
		    last_run_status = $2,
		    last_run_job_id = $3,
		    run_count = run_count + 1,
		    next_run_at = COALESCE($4, next_run_at)
		WHERE id = $1
	`

	_, err := s.db.ExecContext(ctx, query, id, store.ScheduleRunSuccess, jobID, next)
	return err
}

func (s *Store) RecordFireFailure(ctx context.Context, id uuid.UUID, jobID *uuid.UUID, next *time.Time) error {
	query := `
		UPDATE schedules
		SET last_run_at = NOW(),
		    last_run_status = $2,
		    last_run_job_id = $3,
		    failure_count = failure_count + 1,
		    next_run_at = COALESCE($4, next_run_at)
		WHERE id = $1
	`

	_, err := s.db.ExecContext(ctx, query, id, store.ScheduleRunFailed, jobID, next)
	return err
}

func scanSchedule(row rowScanner) (*store.Schedule, error) {
	var sch store.Schedule
	var jobType string
	err := row.Scan(
		&sch.ID,
		&sch.OrgID,
		&sch.ServerInstanceID,
		&sch.CronExpression,
		&sch.WindowStart,
		&sch.WindowEnd,
		&jobType,
		&sch.Payload,
		&sch.Enabled,
		&sch.MaxRetries,
		&sch.BackoffMs,
		&sch.LastRunAt,
		&sch.LastRunStatus,
		&sch.LastRunJobID,
		&sch.RunCount,
		&sch.FailureCount,
		&sch.NextRunAt,
		&sch.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	sch.JobType = store.JobType(jobType)
	return &sch, nil
}
