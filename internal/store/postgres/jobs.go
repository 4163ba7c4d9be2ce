package postgres

import (
	"context"
	"encoding/json"
	"time"

	"fleetplane/internal/store"

	"github.com/google/uuid"
)

func normalizeJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func (s *Store) CreateJob(ctx context.Context, tx store.DBTransaction, job *store.Job) error {
	query := `
		INSERT INTO jobs (id, org_id, batch_id, server_instance_id, type, payload, created_by_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.getExecutor(tx).ExecContext(ctx, query,
		job.ID,
		job.OrgID,
		job.BatchID,
		job.ServerInstanceID,
		string(job.Type),
		normalizeJSON(job.Payload),
		job.CreatedByID,
		job.CreatedAt,
	)
	return err
}

func (s *Store) GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	query := `
		SELECT id, org_id, batch_id, server_instance_id, type, payload, created_by_id, created_at
		FROM jobs WHERE id = $1
	`

	var j store.Job
	var jobType string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&j.ID,
		&j.OrgID,
		&j.BatchID,
		&j.ServerInstanceID,
		&jobType,
		&j.Payload,
		&j.CreatedByID,
		&j.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Type = store.JobType(jobType)
	return &j, nil
}

// jobWithRunQuery joins each job with its most recent run via a lateral
// subquery, so listings carry run status without N+1 lookups.
const jobWithRunQuery = `
	SELECT j.id, j.org_id, j.batch_id, j.server_instance_id, j.type, j.payload,
	       j.created_by_id, j.created_at, si.name,
	       r.id, r.job_id, r.host_id, r.status, r.started_at, r.finished_at,
	       r.duration_ms, r.error_message, r.output, r.created_at
	FROM jobs j
	JOIN server_instances si ON si.id = j.server_instance_id
	LEFT JOIN LATERAL (
		SELECT * FROM job_runs
		WHERE job_runs.job_id = j.id
		ORDER BY created_at DESC
		LIMIT 1
	) r ON TRUE
`

func (s *Store) ListJobs(ctx context.Context, orgID uuid.UUID, limit int) ([]store.JobWithRun, error) {
	if limit <= 0 {
		limit = 20
	}

	query := jobWithRunQuery + " WHERE j.org_id = $1 ORDER BY j.created_at DESC LIMIT $2"
	rows, err := s.db.QueryContext(ctx, query, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectJobsWithRuns(rows)
}

func (s *Store) ListBatchJobs(ctx context.Context, batchID uuid.UUID) ([]store.JobWithRun, error) {
	query := jobWithRunQuery + " WHERE j.batch_id = $1 ORDER BY j.created_at ASC"
	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectJobsWithRuns(rows)
}

type sqlRows interface {
	rowScanner
	Next() bool
	Err() error
}

func collectJobsWithRuns(rows sqlRows) ([]store.JobWithRun, error) {
	var list []store.JobWithRun
	for rows.Next() {
		var jw store.JobWithRun
		var jobType string
		var runID, runJobID, runHostID *uuid.UUID
		var runStatus *string
		var runCreatedAt *time.Time
		var run store.JobRun

		err := rows.Scan(
			&jw.ID,
			&jw.OrgID,
			&jw.BatchID,
			&jw.ServerInstanceID,
			&jobType,
			&jw.Payload,
			&jw.CreatedByID,
			&jw.CreatedAt,
			&jw.ServerName,
			&runID,
			&runJobID,
			&runHostID,
			&runStatus,
			&run.StartedAt,
			&run.FinishedAt,
			&run.DurationMs,
			&run.ErrorMessage,
			&run.Output,
			&runCreatedAt,
		)
		if err != nil {
			return nil, err
		}

		jw.Type = store.JobType(jobType)
		if runID != nil {
			run.ID = *runID
			run.JobID = *runJobID
			run.HostID = *runHostID
			run.Status = store.RunStatus(*runStatus)
			run.CreatedAt = *runCreatedAt
			jw.Run = &run
		}
		list = append(list, jw)
	}
	return list, rows.Err()
}
