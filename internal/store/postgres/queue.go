package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"fleetplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Enqueue adds a task. The unique (queue_key, dedupe_key) pair deduplicates
// re-enqueues of the same logical task.
func (s *Store) Enqueue(ctx context.Context, tx store.DBTransaction, queueKey, dedupeKey string, payload json.RawMessage, opts store.EnqueueOptions) error {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}

	query := `
		INSERT INTO task_queue (queue_key, dedupe_key, host_id, payload, visible_after, attempts_left, backoff_ms)
		VALUES ($1, $2, $3, $4, NOW() + ($5 * INTERVAL '1 millisecond'), $6, $7)
		ON CONFLICT (queue_key, dedupe_key) DO NOTHING
	`

	_, err := s.getExecutor(tx).ExecContext(ctx, query,
		queueKey,
		dedupeKey,
		opts.HostID,
		normalizeJSON(payload),
		opts.Delay.Milliseconds(),
		opts.Attempts,
		opts.BackoffMs,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task %s/%s: %w", queueKey, dedupeKey, err)
	}
	return nil
}

// Cancel removes a task that has not completed. A task already claimed and
// completed by a worker is simply gone; that race is not an error.
func (s *Store) Cancel(ctx context.Context, queueKey, dedupeKey string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM task_queue WHERE queue_key = $1 AND dedupe_key = $2", queueKey, dedupeKey)
	return err
}

// Claim atomically claims up to limit visible tasks on the queue using
// SELECT ... FOR UPDATE SKIP LOCKED. Each claim consumes one attempt and
// pushes visibility by the task's backoff so an unfinished attempt is
// redelivered no earlier than its backoff.
func (s *Store) Claim(ctx context.Context, queueKey string, limit int) ([]store.Task, error) {
	return s.claim(ctx, "queue_key = $2", queueKey, limit)
}

// ClaimForHost claims visible delivery tasks addressed to the host.
func (s *Store) ClaimForHost(ctx context.Context, hostID uuid.UUID, limit int) ([]store.Task, error) {
	return s.claim(ctx, "host_id = $2", hostID, limit)
}

func (s *Store) claim(ctx context.Context, where string, arg interface{}, limit int) ([]store.Task, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	selectQuery := fmt.Sprintf(`
		SELECT id, queue_key, dedupe_key, host_id, payload, attempts_left, backoff_ms
		FROM task_queue
		WHERE visible_after <= NOW() AND attempts_left > 0 AND %s
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, where)

	rows, err := tx.QueryContext(ctx, selectQuery, limit, arg)
	if err != nil {
		return nil, fmt.Errorf("claim query failed: %w", err)
	}
	defer rows.Close()

	var tasks []store.Task
	var ids []int64
	for rows.Next() {
		var t store.Task
		if err := rows.Scan(&t.ID, &t.QueueKey, &t.DedupeKey, &t.HostID, &t.Payload, &t.AttemptsLeft, &t.BackoffMs); err != nil {
			return nil, fmt.Errorf("claim scan failed: %w", err)
		}
		t.AttemptsLeft--
		tasks = append(tasks, t)
		ids = append(ids, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim rows error: %w", err)
	}

	if len(tasks) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE task_queue
		SET attempts_left = attempts_left - 1,
		    visible_after = NOW() + (backoff_ms * INTERVAL '1 millisecond')
		WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("claim update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return tasks, nil
}

// Complete removes a finished task.
func (s *Store) Complete(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM task_queue WHERE id = $1", taskID)
	return err
}

// ReapExhausted deletes and returns tasks whose attempt budget is spent and
// whose last claim's visibility has lapsed, so callers can run failure
// handling exactly once per task.
func (s *Store) ReapExhausted(ctx context.Context, queueKeyPrefix string, limit int) ([]store.Task, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		DELETE FROM task_queue
		WHERE id IN (
			SELECT id FROM task_queue
			WHERE attempts_left <= 0 AND visible_after <= NOW() AND queue_key LIKE $1
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		RETURNING id, queue_key, dedupe_key, host_id, payload, attempts_left, backoff_ms
	`

	rows, err := s.db.QueryContext(ctx, query, queueKeyPrefix+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("reap query failed: %w", err)
	}
	defer rows.Close()

	var tasks []store.Task
	for rows.Next() {
		var t store.Task
		if err := rows.Scan(&t.ID, &t.QueueKey, &t.DedupeKey, &t.HostID, &t.Payload, &t.AttemptsLeft, &t.BackoffMs); err != nil {
			return nil, fmt.Errorf("reap scan failed: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Count tracks the number of queued tasks.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_queue").Scan(&n)
	return n, err
}
