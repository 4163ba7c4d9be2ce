package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"fleetplane/internal/batch"
	"fleetplane/internal/dispatch"
	"fleetplane/internal/observability"
	"fleetplane/internal/pairing"
	"fleetplane/internal/scheduler"
	"fleetplane/internal/store"

	"github.com/google/uuid"
)

type fakeTx struct{}

func (fakeTx) ExecContext(context.Context, string, ...interface{}) (sql.Result, error) {
	return nil, nil
}
func (fakeTx) QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error) {
	return nil, nil
}
func (fakeTx) QueryRowContext(context.Context, string, ...interface{}) *sql.Row { return nil }
func (fakeTx) Commit() error                                                   { return nil }
func (fakeTx) Rollback() error                                                 { return nil }

// mockStore implements every store interface the handlers and their
// services touch.
type mockStore struct {
	mu        sync.Mutex
	orgs      map[uuid.UUID]*store.Org
	orgKeys   map[string]*store.Org // api key hash -> org
	hosts     map[uuid.UUID]*store.Host
	tokens    map[string]*store.PairingToken
	gameTypes map[string]*store.GameType
	instances map[uuid.UUID]*store.ServerInstance
	schedules map[uuid.UUID]*store.Schedule
	jobs      map[uuid.UUID]*store.Job
	runs      map[uuid.UUID]*store.JobRun
	batches   map[uuid.UUID]*store.Batch
	audits    []*store.AuditRecord

	pingErr      error
	createOrgErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		orgs:      make(map[uuid.UUID]*store.Org),
		orgKeys:   make(map[string]*store.Org),
		hosts:     make(map[uuid.UUID]*store.Host),
		tokens:    make(map[string]*store.PairingToken),
		gameTypes: make(map[string]*store.GameType),
		instances: make(map[uuid.UUID]*store.ServerInstance),
		schedules: make(map[uuid.UUID]*store.Schedule),
		jobs:      make(map[uuid.UUID]*store.Job),
		runs:      make(map[uuid.UUID]*store.JobRun),
		batches:   make(map[uuid.UUID]*store.Batch),
	}
}

func (m *mockStore) Ping(context.Context) error                { return m.pingErr }
func (m *mockStore) BeginTx(context.Context) (store.Tx, error) { return fakeTx{}, nil }

func (m *mockStore) CreateOrg(_ context.Context, org *store.Org, hashedKey string) error {
	if m.createOrgErr != nil {
		return m.createOrgErr
	}
	m.orgs[org.ID] = org
	m.orgKeys[hashedKey] = org
	return nil
}

func (m *mockStore) GetOrgByID(_ context.Context, id uuid.UUID) (*store.Org, error) {
	org, ok := m.orgs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return org, nil
}

func (m *mockStore) GetOrgByAPIKeyHash(_ context.Context, hash string) (*store.Org, error) {
	org, ok := m.orgKeys[hash]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return org, nil
}

func (m *mockStore) CreateHost(_ context.Context, _ store.DBTransaction, h *store.Host) error {
	m.hosts[h.ID] = h
	return nil
}

func (m *mockStore) GetHostByID(_ context.Context, id uuid.UUID) (*store.Host, error) {
	h, ok := m.hosts[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return h, nil
}

func (m *mockStore) GetHostInOrg(_ context.Context, orgID, hostID uuid.UUID) (*store.Host, error) {
	h, ok := m.hosts[hostID]
	if !ok || h.OrgID != orgID {
		return nil, sql.ErrNoRows
	}
	return h, nil
}

func (m *mockStore) BumpAgentKeyVersion(_ context.Context, hostID uuid.UUID) (int, error) {
	h, ok := m.hosts[hostID]
	if !ok {
		return 0, sql.ErrNoRows
	}
	h.AgentKeyVersion++
	return h.AgentKeyVersion, nil
}

func (m *mockStore) CreatePairingToken(_ context.Context, t *store.PairingToken) error {
	m.tokens[t.TokenHash] = t
	return nil
}

func (m *mockStore) GetPairingTokenByHash(_ context.Context, hash string) (*store.PairingToken, error) {
	t, ok := m.tokens[hash]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return t, nil
}

func (m *mockStore) ConsumePairingToken(_ context.Context, _ store.DBTransaction, tokenID, hostID uuid.UUID) (bool, error) {
	for _, t := range m.tokens {
		if t.ID == tokenID {
			if t.UsedAt != nil {
				return false, nil
			}
			now := time.Now()
			t.UsedAt = &now
			t.UsedByHostID = &hostID
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStore) ListGameTypes(context.Context) ([]store.GameType, error) {
	var out []store.GameType
	for _, gt := range m.gameTypes {
		out = append(out, *gt)
	}
	return out, nil
}

func (m *mockStore) GetGameTypeBySlug(_ context.Context, slug string) (*store.GameType, error) {
	gt, ok := m.gameTypes[slug]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return gt, nil
}

func (m *mockStore) CreateServerInstance(_ context.Context, si *store.ServerInstance) error {
	m.instances[si.ID] = si
	return nil
}

func (m *mockStore) ListServerInstances(_ context.Context, orgID uuid.UUID) ([]store.ServerInstance, error) {
	var out []store.ServerInstance
	for _, si := range m.instances {
		if si.OrgID == orgID {
			out = append(out, *si)
		}
	}
	return out, nil
}

func (m *mockStore) GetServerInstance(_ context.Context, orgID, id uuid.UUID) (*store.ServerInstance, error) {
	si, ok := m.instances[id]
	if !ok || si.OrgID != orgID {
		return nil, sql.ErrNoRows
	}
	return si, nil
}

func (m *mockStore) UpdateServerInstance(_ context.Context, si *store.ServerInstance) error {
	m.instances[si.ID] = si
	return nil
}

func (m *mockStore) DeleteServerInstance(_ context.Context, orgID, id uuid.UUID) error {
	delete(m.instances, id)
	return nil
}

func (m *mockStore) GetServerInstancesByIDs(_ context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]store.ServerInstance, error) {
	var out []store.ServerInstance
	for _, id := range ids {
		if si, ok := m.instances[id]; ok && si.OrgID == orgID {
			out = append(out, *si)
		}
	}
	return out, nil
}

func (m *mockStore) CreateSchedule(_ context.Context, s *store.Schedule) error {
	m.schedules[s.ID] = s
	return nil
}

func (m *mockStore) ListSchedules(_ context.Context, orgID uuid.UUID) ([]store.Schedule, error) {
	var out []store.Schedule
	for _, s := range m.schedules {
		if s.OrgID == orgID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *mockStore) GetScheduleByID(_ context.Context, id uuid.UUID) (*store.Schedule, error) {
	s, ok := m.schedules[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return s, nil
}

func (m *mockStore) ListEnabledSchedules(context.Context) ([]store.Schedule, error) {
	var out []store.Schedule
	for _, s := range m.schedules {
		if s.Enabled {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *mockStore) SetNextRun(_ context.Context, id uuid.UUID, next time.Time) error {
	if s, ok := m.schedules[id]; ok {
		s.NextRunAt = &next
	}
	return nil
}

func (m *mockStore) RecordFireSuccess(_ context.Context, id, jobID uuid.UUID, next *time.Time) error {
	if s, ok := m.schedules[id]; ok {
		s.RunCount++
		s.LastRunStatus = store.ScheduleRunSuccess
		s.LastRunJobID = &jobID
		if next != nil {
			s.NextRunAt = next
		}
	}
	return nil
}

func (m *mockStore) RecordFireFailure(_ context.Context, id uuid.UUID, jobID *uuid.UUID, next *time.Time) error {
	if s, ok := m.schedules[id]; ok {
		s.FailureCount++
		s.LastRunStatus = store.ScheduleRunFailed
		if next != nil {
			s.NextRunAt = next
		}
	}
	return nil
}

func (m *mockStore) CreateJob(_ context.Context, _ store.DBTransaction, j *store.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
	return nil
}

func (m *mockStore) GetJobByID(_ context.Context, id uuid.UUID) (*store.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return j, nil
}

func (m *mockStore) ListJobs(_ context.Context, orgID uuid.UUID, limit int) ([]store.JobWithRun, error) {
	var out []store.JobWithRun
	for _, j := range m.jobs {
		if j.OrgID != orgID || len(out) == limit {
			continue
		}
		jw := store.JobWithRun{Job: *j}
		for _, r := range m.runs {
			if r.JobID == j.ID {
				run := *r
				jw.Run = &run
			}
		}
		out = append(out, jw)
	}
	return out, nil
}

func (m *mockStore) ListBatchJobs(_ context.Context, batchID uuid.UUID) ([]store.JobWithRun, error) {
	var out []store.JobWithRun
	for _, j := range m.jobs {
		if j.BatchID == nil || *j.BatchID != batchID {
			continue
		}
		jw := store.JobWithRun{Job: *j}
		for _, r := range m.runs {
			if r.JobID == j.ID {
				run := *r
				jw.Run = &run
			}
		}
		out = append(out, jw)
	}
	return out, nil
}

func (m *mockStore) CreateJobRun(_ context.Context, _ store.DBTransaction, r *store.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = r
	return nil
}

func (m *mockStore) GetJobRunByID(_ context.Context, id uuid.UUID) (*store.JobRun, error) {
	r, ok := m.runs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return r, nil
}

func (m *mockStore) StartJobRun(_ context.Context, runID, hostID uuid.UUID) (bool, error) {
	r, ok := m.runs[runID]
	if !ok || r.HostID != hostID || r.Status != store.RunStatusPending {
		return false, nil
	}
	r.Status = store.RunStatusRunning
	return true, nil
}

func (m *mockStore) FinishJobRun(_ context.Context, runID uuid.UUID, status store.RunStatus, result store.RunResult) (bool, error) {
	r, ok := m.runs[runID]
	if !ok || r.Status != store.RunStatusRunning {
		return false, nil
	}
	r.Status = status
	r.ErrorMessage = result.ErrorMessage
	r.Output = result.Output
	r.DurationMs = result.DurationMs
	return true, nil
}

func (m *mockStore) CancelPendingRun(_ context.Context, runID uuid.UUID) (bool, error) {
	r, ok := m.runs[runID]
	if !ok || r.Status != store.RunStatusPending {
		return false, nil
	}
	r.Status = store.RunStatusCancelled
	return true, nil
}

func (m *mockStore) FailExhaustedRun(_ context.Context, runID uuid.UUID, msg string) (bool, error) {
	r, ok := m.runs[runID]
	if !ok || r.Status.Terminal() {
		return false, nil
	}
	r.Status = store.RunStatusFailed
	r.ErrorMessage = &msg
	return true, nil
}

func (m *mockStore) ListPendingBatchRuns(_ context.Context, batchID uuid.UUID) ([]store.JobRun, error) {
	var out []store.JobRun
	for _, r := range m.runs {
		j, ok := m.jobs[r.JobID]
		if ok && j.BatchID != nil && *j.BatchID == batchID && r.Status == store.RunStatusPending {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *mockStore) CreateBatch(_ context.Context, b *store.Batch) error {
	m.batches[b.ID] = b
	return nil
}

func (m *mockStore) GetBatch(_ context.Context, orgID, id uuid.UUID) (*store.Batch, error) {
	b, ok := m.batches[id]
	if !ok || b.OrgID != orgID {
		return nil, sql.ErrNoRows
	}
	cp := *b
	return &cp, nil
}

func (m *mockStore) ListBatches(_ context.Context, orgID uuid.UUID, _ int) ([]store.Batch, error) {
	var out []store.Batch
	for _, b := range m.batches {
		if b.OrgID == orgID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (m *mockStore) ApplyRunStarted(_ context.Context, batchID uuid.UUID) (*store.Batch, error) {
	b := m.batches[batchID]
	b.PendingCount--
	b.RunningCount++
	cp := *b
	return &cp, nil
}

func (m *mockStore) ApplyRunCompleted(_ context.Context, batchID uuid.UUID, newStatus, priorStatus store.RunStatus) (*store.Batch, error) {
	b := m.batches[batchID]
	switch priorStatus {
	case store.RunStatusPending:
		b.PendingCount--
	case store.RunStatusRunning:
		b.RunningCount--
	}
	switch newStatus {
	case store.RunStatusSuccess:
		b.SuccessCount++
	case store.RunStatusFailed:
		b.FailedCount++
	case store.RunStatusCancelled:
		b.CancelledCount++
	}
	cp := *b
	return &cp, nil
}

func (m *mockStore) FinalizeBatch(_ context.Context, batchID uuid.UUID, status store.BatchStatus) (*store.Batch, error) {
	b := m.batches[batchID]
	if b.Status != store.BatchStatusRunning {
		return nil, fmt.Errorf("batch %s is not running: %w", batchID, store.ErrInvalidState)
	}
	b.Status = status
	cp := *b
	return &cp, nil
}

func (m *mockStore) CancelBatch(_ context.Context, batchID uuid.UUID, n int) (*store.Batch, error) {
	b := m.batches[batchID]
	if b.Status != store.BatchStatusRunning {
		return nil, fmt.Errorf("batch %s is not running: %w", batchID, store.ErrInvalidState)
	}
	b.Status = store.BatchStatusCancelled
	b.PendingCount -= n
	b.CancelledCount += n
	cp := *b
	return &cp, nil
}

func (m *mockStore) AppendAudit(_ context.Context, rec *store.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, rec)
	return nil
}

type mockQueue struct {
	mu     sync.Mutex
	tasks  []store.Task
	nextID int64
}

func (q *mockQueue) Enqueue(_ context.Context, _ store.DBTransaction, queueKey, dedupeKey string, payload json.RawMessage, opts store.EnqueueOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.QueueKey == queueKey && t.DedupeKey == dedupeKey {
			return nil
		}
	}
	q.nextID++
	q.tasks = append(q.tasks, store.Task{
		ID:           q.nextID,
		QueueKey:     queueKey,
		DedupeKey:    dedupeKey,
		HostID:       opts.HostID,
		Payload:      payload,
		AttemptsLeft: opts.Attempts,
		BackoffMs:    opts.BackoffMs,
	})
	return nil
}

func (q *mockQueue) Cancel(_ context.Context, queueKey, dedupeKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.tasks[:0]
	for _, t := range q.tasks {
		if t.QueueKey != queueKey || t.DedupeKey != dedupeKey {
			kept = append(kept, t)
		}
	}
	q.tasks = kept
	return nil
}

func (q *mockQueue) Claim(context.Context, string, int) ([]store.Task, error) { return nil, nil }

func (q *mockQueue) ClaimForHost(_ context.Context, hostID uuid.UUID, limit int) ([]store.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []store.Task
	for i := range q.tasks {
		if len(out) == limit {
			break
		}
		t := &q.tasks[i]
		if t.HostID != nil && *t.HostID == hostID && t.AttemptsLeft > 0 {
			t.AttemptsLeft--
			out = append(out, *t)
		}
	}
	return out, nil
}

func (q *mockQueue) Complete(_ context.Context, taskID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.tasks[:0]
	for _, t := range q.tasks {
		if t.ID != taskID {
			kept = append(kept, t)
		}
	}
	q.tasks = kept
	return nil
}

func (q *mockQueue) ReapExhausted(context.Context, string, int) ([]store.Task, error) {
	return nil, nil
}

func (q *mockQueue) Count(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.tasks)), nil
}

// env wires real services over the mock store, the way main does.
type env struct {
	store     *mockStore
	queue     *mockQueue
	handlers  *Handlers
	authority *pairing.Authority
	org       *store.Org
}

func newEnv(t *testing.T) *env {
	t.Helper()
	counters, err := observability.NewCounters()
	if err != nil {
		t.Fatalf("NewCounters() error = %v", err)
	}

	s := newMockStore()
	q := &mockQueue{}
	log := slog.Default()

	authority := pairing.New(s, []byte("test-secret"), counters, log)
	dispatcher := dispatch.New(s, q, counters, log)
	aggregator := batch.New(s, q, dispatcher, &batch.LogEmitter{Log: log}, counters, log)
	sched := scheduler.New(s, q, dispatcher, counters, log)

	h := New(s, authority, dispatcher, aggregator, sched)

	org := &store.Org{ID: uuid.New(), Name: "test-org"}
	s.orgs[org.ID] = org

	return &env{store: s, queue: q, handlers: h, authority: authority, org: org}
}

func (e *env) seedInstance(t *testing.T, hostID uuid.UUID) *store.ServerInstance {
	t.Helper()
	si := &store.ServerInstance{
		ID:           uuid.New(),
		OrgID:        e.org.ID,
		HostID:       hostID,
		GameTypeSlug: "7dtd",
		Name:         "navezgane",
		InstallPath:  "/srv/7dtd",
		StartCommand: "./startserver.sh",
	}
	e.store.instances[si.ID] = si
	return si
}
