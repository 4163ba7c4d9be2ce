// Package store contains the database layer for fleetplane.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Org represents an organization operating a fleet of game-server hosts.
// All operations must be scoped by OrgID.
type Org struct {
	ID             uuid.UUID
	Name           string
	RateLimit      int
	RateLimitBurst int
	CreatedAt      time.Time
}

// Host represents a machine running the remote agent. AgentKeyVersion is
// monotonic; bumping it invalidates every credential minted before the bump.
type Host struct {
	ID              uuid.UUID
	OrgID           uuid.UUID
	Name            string
	AgentKeyVersion int
	Metadata        HostMetadata
	CreatedAt       time.Time
}

// HostMetadata is reported by the agent at pairing time.
type HostMetadata struct {
	Name         string `json:"name,omitempty"`
	CPU          string `json:"cpu,omitempty"`
	MemTotalMB   int    `json:"mem_total_mb,omitempty"`
	MemFreeMB    int    `json:"mem_free_mb,omitempty"`
	DiskPath     string `json:"disk_path,omitempty"`
	DiskFreeMB   int    `json:"disk_free_mb,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
}

// GameType is an entry in the game registry (e.g. 7dtd, minecraft).
type GameType struct {
	ID           uuid.UUID
	Slug         string
	Name         string
	Capabilities []string
}

// ServerInstance is one configured game server on a host.
type ServerInstance struct {
	ID           uuid.UUID
	OrgID        uuid.UUID
	HostID       uuid.UUID
	GameTypeID   uuid.UUID
	GameTypeSlug string
	Name         string
	InstallPath  string
	StartCommand string
	CreatedAt    time.Time
}

// Schedule is a recurring job definition. It is disabled rather than
// deleted to halt firing.
type Schedule struct {
	ID               uuid.UUID
	OrgID            uuid.UUID
	ServerInstanceID uuid.UUID
	CronExpression   string
	WindowStart      string // "HH:MM", empty when no execution window
	WindowEnd        string
	JobType          JobType
	Payload          json.RawMessage
	Enabled          bool
	MaxRetries       int
	BackoffMs        int
	LastRunAt        *time.Time
	LastRunStatus    string
	LastRunJobID     *uuid.UUID
	RunCount         int
	FailureCount     int
	NextRunAt        *time.Time
	CreatedAt        time.Time
}

// Schedule last-run statuses.
const (
	ScheduleRunSuccess = "success"
	ScheduleRunFailed  = "scheduler_failed"
)

// Job is one unit of work against one server instance. Immutable after
// creation except through its JobRun.
type Job struct {
	ID               uuid.UUID
	OrgID            uuid.UUID
	BatchID          *uuid.UUID
	ServerInstanceID uuid.UUID
	Type             JobType
	Payload          json.RawMessage
	CreatedByID      *uuid.UUID
	CreatedAt        time.Time
}

// JobWithRun is a job joined with its latest run, for listings.
type JobWithRun struct {
	Job
	ServerName string
	Run        *JobRun
}

// JobType identifies the action an agent performs.
type JobType string

const (
	JobTypeServerStart    JobType = "SERVER_START"
	JobTypeServerStop     JobType = "SERVER_STOP"
	JobTypeServerRestart  JobType = "SERVER_RESTART"
	JobTypeServerUpdate   JobType = "SERVER_UPDATE"
	JobTypeBulkModInstall JobType = "BULK_MOD_INSTALL"
	JobTypeCustom         JobType = "custom"
)

// ParseJobType returns the job type for s, or false when s is not one of
// the known types.
func ParseJobType(s string) (JobType, bool) {
	switch JobType(s) {
	case JobTypeServerStart, JobTypeServerStop, JobTypeServerRestart,
		JobTypeServerUpdate, JobTypeBulkModInstall, JobTypeCustom:
		return JobType(s), true
	}
	return "", false
}

// JobRun is one delivery attempt of a Job to a host.
type JobRun struct {
	ID           uuid.UUID
	JobID        uuid.UUID
	HostID       uuid.UUID
	Status       RunStatus
	StartedAt    *time.Time
	FinishedAt   *time.Time
	DurationMs   *int64
	ErrorMessage *string
	Output       *string
	CreatedAt    time.Time
}

// RunStatus is the job-run state machine. Runs move
// pending -> running -> {success, failed, cancelled}; terminal states never
// transition again.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed || s == RunStatusCancelled
}

// RunResult is what an agent reports when a run finishes.
type RunResult struct {
	DurationMs   *int64
	ErrorMessage *string
	Output       *string
}

// Batch is a set of jobs launched together. The five counters always sum
// to TotalCount.
type Batch struct {
	ID             uuid.UUID
	OrgID          uuid.UUID
	Type           BatchType
	Status         BatchStatus
	TotalCount     int
	PendingCount   int
	RunningCount   int
	SuccessCount   int
	FailedCount    int
	CancelledCount int
	CreatedByID    *uuid.UUID
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// BatchStatus is the batch state machine.
type BatchStatus string

const (
	BatchStatusRunning               BatchStatus = "running"
	BatchStatusCompleted             BatchStatus = "completed"
	BatchStatusCompletedWithFailures BatchStatus = "completed_with_failures"
	BatchStatusCancelled             BatchStatus = "cancelled"
)

// BatchType is the closed set of bulk operations. Unknown types are
// rejected at the API boundary.
type BatchType string

const (
	BatchTypeRestartWave    BatchType = "restart_wave"
	BatchTypeUpdateWave     BatchType = "update_wave"
	BatchTypeBulkModInstall BatchType = "bulk_mod_install"
	BatchTypeCustom         BatchType = "custom"
)

// ParseBatchType returns the batch type for s, or false when s is not one
// of the known types.
func ParseBatchType(s string) (BatchType, bool) {
	switch BatchType(s) {
	case BatchTypeRestartWave, BatchTypeUpdateWave, BatchTypeBulkModInstall, BatchTypeCustom:
		return BatchType(s), true
	}
	return "", false
}

// JobType maps a batch type to the job type its jobs carry. The mapping is
// total over the closed set.
func (t BatchType) JobType() JobType {
	switch t {
	case BatchTypeRestartWave:
		return JobTypeServerRestart
	case BatchTypeUpdateWave:
		return JobTypeServerUpdate
	case BatchTypeBulkModInstall:
		return JobTypeBulkModInstall
	default:
		return JobTypeCustom
	}
}

// PairingToken is a single-use, hashed, time-bounded secret that bootstraps
// a new host's credential. Expired tokens are inert but not deleted.
type PairingToken struct {
	ID           uuid.UUID
	OrgID        uuid.UUID
	TokenHash    string
	ExpiresAt    time.Time
	UsedAt       *time.Time
	UsedByHostID *uuid.UUID
	CreatedByID  *uuid.UUID
	CreatedAt    time.Time
}

// AuditRecord is an append-only trail entry.
type AuditRecord struct {
	ID           uuid.UUID
	OrgID        uuid.UUID
	ActorID      *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   string
	Details      json.RawMessage
	ClientAddr   string
	CreatedAt    time.Time
}
