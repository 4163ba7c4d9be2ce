package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx.
// This allows passing either a connection pool or an active transaction to
// the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// OrgStore handles organizations and their API key authentication.
type OrgStore interface {
	// CreateOrg inserts a new org. Only the hash of the API key is stored.
	CreateOrg(ctx context.Context, org *Org, hashedKey string) error

	// GetOrgByID returns an org by its ID.
	GetOrgByID(ctx context.Context, id uuid.UUID) (*Org, error)

	// GetOrgByAPIKeyHash returns an org by its API key hash.
	GetOrgByAPIKeyHash(ctx context.Context, hash string) (*Org, error)
}

// HostStore handles paired hosts and agent key versions.
type HostStore interface {
	// CreateHost inserts a newly paired host.
	CreateHost(ctx context.Context, tx DBTransaction, host *Host) error

	// GetHostByID returns a host by its ID.
	GetHostByID(ctx context.Context, id uuid.UUID) (*Host, error)

	// GetHostInOrg returns the host only if it belongs to the org.
	GetHostInOrg(ctx context.Context, orgID, hostID uuid.UUID) (*Host, error)

	// BumpAgentKeyVersion atomically increments the host's key version and
	// returns the new version. Credentials minted at prior versions become
	// unverifiable the instant the increment commits.
	BumpAgentKeyVersion(ctx context.Context, hostID uuid.UUID) (int, error)
}

// PairingTokenStore handles single-use pairing tokens.
type PairingTokenStore interface {
	// CreatePairingToken inserts a new token record (hash only).
	CreatePairingToken(ctx context.Context, token *PairingToken) error

	// GetPairingTokenByHash looks a token up by its hash.
	GetPairingTokenByHash(ctx context.Context, hash string) (*PairingToken, error)

	// ConsumePairingToken marks the token used by hostID. It returns false
	// when the token was already consumed; under concurrent redemptions
	// exactly one caller wins.
	ConsumePairingToken(ctx context.Context, tx DBTransaction, tokenID, hostID uuid.UUID) (bool, error)
}

// GameTypeStore is the game registry.
type GameTypeStore interface {
	ListGameTypes(ctx context.Context) ([]GameType, error)
	GetGameTypeBySlug(ctx context.Context, slug string) (*GameType, error)
}

// ServerInstanceStore handles server instance configuration.
type ServerInstanceStore interface {
	CreateServerInstance(ctx context.Context, si *ServerInstance) error
	ListServerInstances(ctx context.Context, orgID uuid.UUID) ([]ServerInstance, error)
	GetServerInstance(ctx context.Context, orgID, id uuid.UUID) (*ServerInstance, error)
	UpdateServerInstance(ctx context.Context, si *ServerInstance) error
	DeleteServerInstance(ctx context.Context, orgID, id uuid.UUID) error

	// GetServerInstancesByIDs returns the org's instances matching ids.
	// Callers compare lengths to detect missing or foreign instances.
	GetServerInstancesByIDs(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]ServerInstance, error)
}

// ScheduleStore handles recurring job definitions and their fire bookkeeping.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	ListSchedules(ctx context.Context, orgID uuid.UUID) ([]Schedule, error)
	GetScheduleByID(ctx context.Context, id uuid.UUID) (*Schedule, error)

	// ListEnabledSchedules returns every enabled schedule across orgs.
	ListEnabledSchedules(ctx context.Context) ([]Schedule, error)

	// SetNextRun persists the computed next fire time.
	SetNextRun(ctx context.Context, id uuid.UUID, next time.Time) error

	// RecordFireSuccess stamps a successful fire and increments run_count
	// in a single statement.
	RecordFireSuccess(ctx context.Context, id, jobID uuid.UUID, next *time.Time) error

	// RecordFireFailure stamps a failed fire and increments failure_count
	// in a single statement. jobID is nil when no job was created.
	RecordFireFailure(ctx context.Context, id uuid.UUID, jobID *uuid.UUID, next *time.Time) error
}

// JobStore handles job records.
type JobStore interface {
	CreateJob(ctx context.Context, tx DBTransaction, job *Job) error
	GetJobByID(ctx context.Context, id uuid.UUID) (*Job, error)

	// ListJobs returns the org's most recent jobs with their latest run.
	ListJobs(ctx context.Context, orgID uuid.UUID, limit int) ([]JobWithRun, error)

	// ListBatchJobs returns every job in the batch with its latest run.
	ListBatchJobs(ctx context.Context, batchID uuid.UUID) ([]JobWithRun, error)
}

// JobRunStore owns job-run state transitions. Every transition is a guarded
// UPDATE so concurrent signals cannot move a run out of a terminal state.
type JobRunStore interface {
	CreateJobRun(ctx context.Context, tx DBTransaction, run *JobRun) error
	GetJobRunByID(ctx context.Context, id uuid.UUID) (*JobRun, error)

	// StartJobRun transitions pending -> running for the host's run and
	// stamps started_at. Returns false when the run is not pending or does
	// not belong to the host (duplicate pickup signals are no-ops).
	StartJobRun(ctx context.Context, runID, hostID uuid.UUID) (bool, error)

	// FinishJobRun transitions running -> status and stamps finished_at
	// and the result. Returns false when the run is not currently running.
	FinishJobRun(ctx context.Context, runID uuid.UUID, status RunStatus, result RunResult) (bool, error)

	// CancelPendingRun transitions pending -> cancelled. Returns false when
	// the run already left pending (claimed by a host in the meantime).
	CancelPendingRun(ctx context.Context, runID uuid.UUID) (bool, error)

	// FailExhaustedRun transitions a non-terminal run to failed with the
	// given error message. Returns false when the run is already terminal,
	// so a late result report always wins over the reaper.
	FailExhaustedRun(ctx context.Context, runID uuid.UUID, errorMessage string) (bool, error)

	// ListPendingBatchRuns returns the still-pending runs of a batch's jobs.
	ListPendingBatchRuns(ctx context.Context, batchID uuid.UUID) ([]JobRun, error)
}

// BatchStore handles batch records. Counter moves are single-statement SQL
// arithmetic, never read-modify-write in application memory.
type BatchStore interface {
	CreateBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, orgID, id uuid.UUID) (*Batch, error)
	ListBatches(ctx context.Context, orgID uuid.UUID, limit int) ([]Batch, error)

	// ApplyRunStarted moves one count pending -> running and returns the
	// updated batch.
	ApplyRunStarted(ctx context.Context, batchID uuid.UUID) (*Batch, error)

	// ApplyRunCompleted increments the counter for newStatus and decrements
	// the counter for priorStatus (pending or running) atomically, then
	// returns the updated batch.
	ApplyRunCompleted(ctx context.Context, batchID uuid.UUID, newStatus RunStatus, priorStatus RunStatus) (*Batch, error)

	// FinalizeBatch sets a terminal status and stamps completed_at.
	// Only a running batch can be finalized; anything else is
	// ErrInvalidState.
	FinalizeBatch(ctx context.Context, batchID uuid.UUID, status BatchStatus) (*Batch, error)

	// CancelBatch sets status cancelled, moves n counts pending ->
	// cancelled and stamps completed_at, in one statement. Only a running
	// batch can be cancelled; anything else is ErrInvalidState.
	CancelBatch(ctx context.Context, batchID uuid.UUID, n int) (*Batch, error)
}

// AuditStore appends to the audit trail.
type AuditStore interface {
	AppendAudit(ctx context.Context, rec *AuditRecord) error
}
