package postgres

import (
	"context"

	"fleetplane/internal/store"

	"github.com/google/uuid"
)

func (s *Store) CreateJobRun(ctx context.Context, tx store.DBTransaction, run *store.JobRun) error {
	query := `
		INSERT INTO job_runs (id, job_id, host_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.getExecutor(tx).ExecContext(ctx, query,
		run.ID,
		run.JobID,
		run.HostID,
		string(run.Status),
		run.CreatedAt,
	)
	return err
}

func (s *Store) GetJobRunByID(ctx context.Context, id uuid.UUID) (*store.JobRun, error) {
	query := `
		SELECT id, job_id, host_id, status, started_at, finished_at,
		       duration_ms, error_message, output, created_at
		FROM job_runs WHERE id = $1
	`
	return scanJobRun(s.db.QueryRowContext(ctx, query, id))
}

// StartJobRun guards the pending -> running transition in SQL. Duplicate
// pickup signals and pickups after cancellation simply affect zero rows.
func (s *Store) StartJobRun(ctx context.Context, runID, hostID uuid.UUID) (bool, error) {
	query := `
		UPDATE job_runs
		SET status = $3, started_at = NOW()
		WHERE id = $1 AND host_id = $2 AND status = $4
	`

	res, err := s.db.ExecContext(ctx, query, runID, hostID, store.RunStatusRunning, store.RunStatusPending)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishJobRun guards the running -> terminal transition; a second report
// for the same run affects zero rows.
func (s *Store) FinishJobRun(ctx context.Context, runID uuid.UUID, status store.RunStatus, result store.RunResult) (bool, error) {
	query := `
		UPDATE job_runs
		SET status = $2, finished_at = NOW(),
		    duration_ms = $3, error_message = $4, output = $5
		WHERE id = $1 AND status = $6
	`

	res, err := s.db.ExecContext(ctx, query,
		runID,
		string(status),
		result.DurationMs,
		result.ErrorMessage,
		result.Output,
		store.RunStatusRunning,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) CancelPendingRun(ctx context.Context, runID uuid.UUID) (bool, error) {
	query := `
		UPDATE job_runs
		SET status = $2, finished_at = NOW()
		WHERE id = $1 AND status = $3
	`

	res, err := s.db.ExecContext(ctx, query, runID, store.RunStatusCancelled, store.RunStatusPending)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FailExhaustedRun fails a run that never produced a result, whether it was
// still pending or had been picked up. Terminal runs affect zero rows.
func (s *Store) FailExhaustedRun(ctx context.Context, runID uuid.UUID, errorMessage string) (bool, error) {
	query := `
		UPDATE job_runs
		SET status = $2, finished_at = NOW(), error_message = $3
		WHERE id = $1 AND status IN ($4, $5)
	`

	res, err := s.db.ExecContext(ctx, query,
		runID,
		store.RunStatusFailed,
		errorMessage,
		store.RunStatusPending,
		store.RunStatusRunning,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ListPendingBatchRuns(ctx context.Context, batchID uuid.UUID) ([]store.JobRun, error) {
	query := `
		SELECT r.id, r.job_id, r.host_id, r.status, r.started_at, r.finished_at,
		       r.duration_ms, r.error_message, r.output, r.created_at
		FROM job_runs r
		JOIN jobs j ON j.id = r.job_id
		WHERE j.batch_id = $1 AND r.status = $2
	`

	rows, err := s.db.QueryContext(ctx, query, batchID, store.RunStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []store.JobRun
	for rows.Next() {
		run, err := scanJobRun(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *run)
	}
	return list, rows.Err()
}

func scanJobRun(row rowScanner) (*store.JobRun, error) {
	var r store.JobRun
	var status string
	err := row.Scan(
		&r.ID,
		&r.JobID,
		&r.HostID,
		&status,
		&r.StartedAt,
		&r.FinishedAt,
		&r.DurationMs,
		&r.ErrorMessage,
		&r.Output,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = store.RunStatus(status)
	return &r, nil
}
