package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fleetplane/internal/store"

	"github.com/google/uuid"
)

const batchColumns = `
	id, org_id, type, status, total_count, pending_count, running_count,
	success_count, failed_count, cancelled_count, created_by_id, created_at, completed_at
`

func (s *Store) CreateBatch(ctx context.Context, b *store.Batch) error {
	query := `
		INSERT INTO job_batches (id, org_id, type, status, total_count, pending_count,
			running_count, success_count, failed_count, cancelled_count, created_by_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.db.ExecContext(ctx, query,
		b.ID,
		b.OrgID,
		string(b.Type),
		string(b.Status),
		b.TotalCount,
		b.PendingCount,
		b.RunningCount,
		b.SuccessCount,
		b.FailedCount,
		b.CancelledCount,
		b.CreatedByID,
		b.CreatedAt,
	)
	return err
}

func (s *Store) GetBatch(ctx context.Context, orgID, id uuid.UUID) (*store.Batch, error) {
	query := "SELECT " + batchColumns + " FROM job_batches WHERE id = $1 AND org_id = $2"
	return scanBatch(s.db.QueryRowContext(ctx, query, id, orgID))
}

func (s *Store) ListBatches(ctx context.Context, orgID uuid.UUID, limit int) ([]store.Batch, error) {
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT " + batchColumns + " FROM job_batches WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2"
	rows, err := s.db.QueryContext(ctx, query, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []store.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *b)
	}
	return list, rows.Err()
}

// ApplyRunStarted moves one count from pending to running. The arithmetic
// happens in the UPDATE itself so concurrent completions never lose moves.
func (s *Store) ApplyRunStarted(ctx context.Context, batchID uuid.UUID) (*store.Batch, error) {
	query := `
		UPDATE job_batches
		SET pending_count = pending_count - 1,
		    running_count = running_count + 1
		WHERE id = $1
		RETURNING ` + batchColumns

	return scanBatch(s.db.QueryRowContext(ctx, query, batchID))
}

func (s *Store) ApplyRunCompleted(ctx context.Context, batchID uuid.UUID, newStatus, priorStatus store.RunStatus) (*store.Batch, error) {
	var incr string
	switch newStatus {
	case store.RunStatusSuccess:
		incr = "success_count = success_count + 1"
	case store.RunStatusFailed:
		incr = "failed_count = failed_count + 1"
	case store.RunStatusCancelled:
		incr = "cancelled_count = cancelled_count + 1"
	default:
		return nil, fmt.Errorf("status %q is not terminal", newStatus)
	}

	decr := "pending_count = pending_count - 1"
	if priorStatus == store.RunStatusRunning {
		decr = "running_count = running_count - 1"
	}

	query := fmt.Sprintf(`
		UPDATE job_batches
		SET %s, %s
		WHERE id = $1
		RETURNING %s
	`, incr, decr, batchColumns)

	return scanBatch(s.db.QueryRowContext(ctx, query, batchID))
}

// FinalizeBatch moves a running batch to its terminal status. The status
// guard lives in the UPDATE so a batch that reached a terminal state
// between the caller's read and this write stays terminal.
func (s *Store) FinalizeBatch(ctx context.Context, batchID uuid.UUID, status store.BatchStatus) (*store.Batch, error) {
	query := `
		UPDATE job_batches
		SET status = $2, completed_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING ` + batchColumns

	b, err := scanBatch(s.db.QueryRowContext(ctx, query, batchID, string(status), string(store.BatchStatusRunning)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s is not running: %w", batchID, store.ErrInvalidState)
	}
	return b, err
}

func (s *Store) CancelBatch(ctx context.Context, batchID uuid.UUID, n int) (*store.Batch, error) {
	query := `
		UPDATE job_batches
		SET status = $2,
		    pending_count = pending_count - $3,
		    cancelled_count = cancelled_count + $3,
		    completed_at = NOW()
		WHERE id = $1 AND status = $4
		RETURNING ` + batchColumns

	b, err := scanBatch(s.db.QueryRowContext(ctx, query, batchID,
		string(store.BatchStatusCancelled), n, string(store.BatchStatusRunning)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s is not running: %w", batchID, store.ErrInvalidState)
	}
	return b, err
}

func scanBatch(row rowScanner) (*store.Batch, error) {
	var b store.Batch
	var batchType, status string
	err := row.Scan(
		&b.ID,
		&b.OrgID,
		&batchType,
		&status,
		&b.TotalCount,
		&b.PendingCount,
		&b.RunningCount,
		&b.SuccessCount,
		&b.FailedCount,
		&b.CancelledCount,
		&b.CreatedByID,
		&b.CreatedAt,
		&b.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Type = store.BatchType(batchType)
	b.Status = store.BatchStatus(status)
	return &b, nil
}
