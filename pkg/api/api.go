// Package api contains shared JSON request/response structs.
// This package is shared between the CLI, the control plane and agents.
package api

import (
	"encoding/json"
	"time"
)

// CreateOrgRequest is the request body for bootstrapping a new org.
type CreateOrgRequest struct {
	Name string `json:"name"`
}

// CreateOrgResponse is the response body after creating an org.
// ApiKey is returned exactly once.
type CreateOrgResponse struct {
	ID     string `json:"org_id"`
	Name   string `json:"name"`
	ApiKey string `json:"api_key"`
}

// CreatePairingTokenRequest is the request body for issuing a pairing token.
type CreatePairingTokenRequest struct {
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// CreatePairingTokenResponse carries the plaintext token exactly once.
type CreatePairingTokenResponse struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PairRequest is the agent's pairing request.
type PairRequest struct {
	Token    string       `json:"token"`
	Metadata HostMetadata `json:"metadata"`
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

// PairResponse returns the host identity and its credential.
type PairResponse struct {
	HostID     string `json:"host_id"`
	Credential string `json:"credential"`
}

// RotateKeyResponse carries the freshly minted credential after a rotation.
type RotateKeyResponse struct {
	HostID     string    `json:"host_id"`
	Credential string    `json:"credential"`
	RotatedAt  time.Time `json:"rotated_at"`
}

// CreateScheduleRequest is the request body for creating a schedule.
type CreateScheduleRequest struct {
	ServerInstanceID string          `json:"server_instance_id"`
	CronExpression   string          `json:"cron_expression"`
	WindowStart      string          `json:"window_start,omitempty"`
	WindowEnd        string          `json:"window_end,omitempty"`
	JobType          string          `json:"job_type"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	MaxRetries       *int            `json:"max_retries,omitempty"`
	BackoffMs        *int            `json:"backoff_ms,omitempty"`
}

// ScheduleResponse represents a schedule in API responses.
type ScheduleResponse struct {
	ID               string     `json:"id"`
	ServerInstanceID string     `json:"server_instance_id"`
	CronExpression   string     `json:"cron_expression"`
	WindowStart      string     `json:"window_start,omitempty"`
	WindowEnd        string     `json:"window_end,omitempty"`
	JobType          string     `json:"job_type"`
	Enabled          bool       `json:"enabled"`
	LastRunAt        *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus    string     `json:"last_run_status,omitempty"`
	RunCount         int        `json:"run_count"`
	FailureCount     int        `json:"failure_count"`
	NextRunAt        *time.Time `json:"next_run_at,omitempty"`
}

// CreateBatchRequest is the request body for launching a bulk operation.
type CreateBatchRequest struct {
	Type              string          `json:"type"`
	ServerInstanceIDs []string        `json:"server_instance_ids"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	MaxRetries        *int            `json:"max_retries,omitempty"`
	BackoffMs         *int            `json:"backoff_ms,omitempty"`
}

// BatchResponse represents a batch with its live counters.
type BatchResponse struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	TotalCount     int        `json:"total_count"`
	PendingCount   int        `json:"pending_count"`
	RunningCount   int        `json:"running_count"`
	SuccessCount   int        `json:"success_count"`
	FailedCount    int        `json:"failed_count"`
	CancelledCount int        `json:"cancelled_count"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// JobResponse represents a job with its latest run embedded.
type JobResponse struct {
	ID               string          `json:"id"`
	BatchID          string          `json:"batch_id,omitempty"`
	ServerInstanceID string          `json:"server_instance_id"`
	ServerName       string          `json:"server_name,omitempty"`
	Type             string          `json:"type"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	Run              *JobRunResponse `json:"run,omitempty"`
}

// JobRunResponse represents a job run in API responses.
type JobRunResponse struct {
	ID           string     `json:"id"`
	HostID       string     `json:"host_id"`
	Status       string     `json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	DurationMs   *int64     `json:"duration_ms,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	Output       *string    `json:"output,omitempty"`
}

// CreateServerInstanceRequest is the request body for registering a server
// instance on a host.
type CreateServerInstanceRequest struct {
	HostID       string `json:"host_id"`
	GameType     string `json:"game_type"`
	Name         string `json:"name"`
	InstallPath  string `json:"install_path,omitempty"`
	StartCommand string `json:"start_command,omitempty"`
}

// UpdateServerInstanceRequest carries the mutable instance fields; nil
// fields are left unchanged.
type UpdateServerInstanceRequest struct {
	Name         *string `json:"name,omitempty"`
	InstallPath  *string `json:"install_path,omitempty"`
	StartCommand *string `json:"start_command,omitempty"`
}

// ServerInstanceResponse represents a server instance in API responses.
type ServerInstanceResponse struct {
	ID           string    `json:"id"`
	HostID       string    `json:"host_id"`
	GameType     string    `json:"game_type"`
	Name         string    `json:"name"`
	InstallPath  string    `json:"install_path,omitempty"`
	StartCommand string    `json:"start_command,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// GameTypeResponse is one entry of the game registry.
type GameTypeResponse struct {
	ID           string   `json:"id"`
	Slug         string   `json:"slug"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// AgentJob is one unit of work delivered to a polling agent.
type AgentJob struct {
	RunID            string          `json:"run_id"`
	JobID            string          `json:"job_id"`
	Type             string          `json:"type"`
	ServerInstanceID string          `json:"server_instance_id"`
	InstallPath      string          `json:"install_path,omitempty"`
	StartCommand     string          `json:"start_command,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	AttemptsLeft     int             `json:"attempts_left"`
}

// AgentJobsResponse is the body of a successful poll.
type AgentJobsResponse struct {
	Jobs []AgentJob `json:"jobs"`
}

// ReportResultRequest is the agent's terminal report for a run.
type ReportResultRequest struct {
	Status       string  `json:"status"`
	DurationMs   *int64  `json:"duration_ms,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	Output       *string `json:"output,omitempty"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
