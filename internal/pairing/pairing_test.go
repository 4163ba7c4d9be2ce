package pairing

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"testing"
	"time"

	"fleetplane/internal/auth"
	"fleetplane/internal/observability"
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

type failingCommitTx struct {
	fakeTx
	err error
}

func (t failingCommitTx) Commit() error { return t.err }

type mockStore struct {
	hosts    map[uuid.UUID]*store.Host
	tokens   map[string]*store.PairingToken
	consumed bool
	audits   []*store.AuditRecord

	consumeResult bool
	commitErr     error
}

func newMockStore() *mockStore {
	return &mockStore{
		hosts:         make(map[uuid.UUID]*store.Host),
		tokens:        make(map[string]*store.PairingToken),
		consumeResult: true,
	}
}

func (m *mockStore) BeginTx(context.Context) (store.Tx, error) {
	if m.commitErr != nil {
		return failingCommitTx{err: m.commitErr}, nil
	}
	return fakeTx{}, nil
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
	if !m.consumeResult {
		return false, nil
	}
	m.consumed = true
	for _, t := range m.tokens {
		if t.ID == tokenID {
			now := time.Now()
			t.UsedAt = &now
			t.UsedByHostID = &hostID
		}
	}
	return true, nil
}

func (m *mockStore) AppendAudit(_ context.Context, rec *store.AuditRecord) error {
	m.audits = append(m.audits, rec)
	return nil
}

func testAuthority(t *testing.T, s Store) *Authority {
	t.Helper()
	counters, err := observability.NewCounters()
	if err != nil {
		t.Fatalf("NewCounters() error = %v", err)
	}
	return New(s, []byte("test-secret"), counters, slog.Default())
}

func TestIssueTokenClampsTTL(t *testing.T) {
	tests := []struct {
		name    string
		ttl     int
		wantMin time.Duration
		wantMax time.Duration
	}{
		{"default", 0, 14 * time.Minute, 16 * time.Minute},
		{"below minimum", 5, 59 * time.Second, 61 * time.Second},
		{"above maximum", 1000000, 23 * time.Hour, 25 * time.Hour},
		{"in range", 3600, 59 * time.Minute, 61 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := testAuthority(t, newMockStore())

			issued, err := a.IssueToken(context.Background(), uuid.New(), uuid.New(), tt.ttl)
			if err != nil {
				t.Fatalf("IssueToken() error = %v", err)
			}

			until := time.Until(issued.ExpiresAt)
			if until < tt.wantMin || until > tt.wantMax {
				t.Errorf("expiry %v from now, want between %v and %v", until, tt.wantMin, tt.wantMax)
			}
			if issued.Plaintext == "" {
				t.Error("expected plaintext token")
			}
		})
	}
}

func TestIssueTokenStoresHashOnly(t *testing.T) {
	s := newMockStore()
	a := testAuthority(t, s)

	issued, err := a.IssueToken(context.Background(), uuid.New(), uuid.New(), 0)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	if _, ok := s.tokens[issued.Plaintext]; ok {
		t.Error("plaintext token was persisted")
	}
	if _, ok := s.tokens[auth.HashKey(issued.Plaintext)]; !ok {
		t.Error("token hash not persisted")
	}
}

func TestPairCreatesHostAndMintsCredential(t *testing.T) {
	s := newMockStore()
	a := testAuthority(t, s)
	orgID := uuid.New()

	issued, err := a.IssueToken(context.Background(), orgID, uuid.New(), 0)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	meta := store.HostMetadata{Name: "rack-7", CPU: "Ryzen 9", AgentVersion: "1.4.0"}
	hostID, credential, err := a.Pair(context.Background(), issued.Plaintext, meta, "10.0.0.5")
	if err != nil {
		t.Fatalf("Pair() error = %v", err)
	}

	host, ok := s.hosts[hostID]
	if !ok {
		t.Fatal("host not created")
	}
	if host.OrgID != orgID {
		t.Errorf("host org = %v, want %v", host.OrgID, orgID)
	}
	if host.AgentKeyVersion != 1 {
		t.Errorf("key version = %d, want 1", host.AgentKeyVersion)
	}
	if !s.consumed {
		t.Error("token not consumed")
	}

	id, err := a.Verify(context.Background(), credential)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.HostID != hostID || id.OrgID != orgID {
		t.Errorf("identity = %+v, want host %v org %v", id, hostID, orgID)
	}

	if len(s.audits) != 1 || s.audits[0].Action != "agent_pair" {
		t.Errorf("expected one agent_pair audit record, got %d", len(s.audits))
	}
}

func TestPairCommitFailureReturnsNoCredential(t *testing.T) {
	s := newMockStore()
	a := testAuthority(t, s)
	orgID := uuid.New()

	issued, err := a.IssueToken(context.Background(), orgID, uuid.New(), 0)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	s.commitErr = errors.New("connection reset")
	_, credential, err := a.Pair(context.Background(), issued.Plaintext, store.HostMetadata{}, "10.0.0.5")
	if err == nil {
		t.Fatal("expected an error when the pairing transaction fails to commit")
	}
	if credential != "" {
		t.Error("a credential escaped a rolled-back pairing")
	}
	if len(s.audits) != 0 {
		t.Errorf("expected no audit records, got %d", len(s.audits))
	}
}

func TestPairRejections(t *testing.T) {
	s := newMockStore()
	a := testAuthority(t, s)
	orgID := uuid.New()

	t.Run("unknown token", func(t *testing.T) {
		_, _, err := a.Pair(context.Background(), "no-such-token", store.HostMetadata{}, "")
		if !errors.Is(err, ErrInvalidToken) {
			t.Errorf("error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("used token", func(t *testing.T) {
		issued, _ := a.IssueToken(context.Background(), orgID, uuid.New(), 0)
		if _, _, err := a.Pair(context.Background(), issued.Plaintext, store.HostMetadata{}, ""); err != nil {
			t.Fatalf("first Pair() error = %v", err)
		}

		_, _, err := a.Pair(context.Background(), issued.Plaintext, store.HostMetadata{}, "")
		if !errors.Is(err, ErrTokenUsed) {
			t.Errorf("error = %v, want ErrTokenUsed", err)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		issued, _ := a.IssueToken(context.Background(), orgID, uuid.New(), 0)
		s.tokens[auth.HashKey(issued.Plaintext)].ExpiresAt = time.Now().Add(-time.Minute)

		_, _, err := a.Pair(context.Background(), issued.Plaintext, store.HostMetadata{}, "")
		if !errors.Is(err, ErrTokenExpired) {
			t.Errorf("error = %v, want ErrTokenExpired", err)
		}
	})

	t.Run("lost redemption race", func(t *testing.T) {
		issued, _ := a.IssueToken(context.Background(), orgID, uuid.New(), 0)
		s.consumeResult = false

		_, _, err := a.Pair(context.Background(), issued.Plaintext, store.HostMetadata{}, "")
		if !errors.Is(err, ErrTokenUsed) {
			t.Errorf("error = %v, want ErrTokenUsed", err)
		}
	})
}

func TestVerifyRejectsBadCredentials(t *testing.T) {
	s := newMockStore()
	a := testAuthority(t, s)
	orgID := uuid.New()

	issued, _ := a.IssueToken(context.Background(), orgID, uuid.New(), 0)
	hostID, credential, err := a.Pair(context.Background(), issued.Plaintext, store.HostMetadata{}, "")
	if err != nil {
		t.Fatalf("Pair() error = %v", err)
	}

	t.Run("garbage", func(t *testing.T) {
		if _, err := a.Verify(context.Background(), "not.a.credential"); !errors.Is(err, ErrInvalidCredential) {
			t.Errorf("error = %v, want ErrInvalidCredential", err)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := testAuthority(t, s)
		other.secret = []byte("different-secret")
		if _, err := other.Verify(context.Background(), credential); !errors.Is(err, ErrInvalidCredential) {
			t.Errorf("error = %v, want ErrInvalidCredential", err)
		}
	})

	t.Run("host deleted", func(t *testing.T) {
		saved := s.hosts[hostID]
		delete(s.hosts, hostID)
		defer func() { s.hosts[hostID] = saved }()

		if _, err := a.Verify(context.Background(), credential); !errors.Is(err, ErrInvalidCredential) {
			t.Errorf("error = %v, want ErrInvalidCredential", err)
		}
	})
}

func TestRotateInvalidatesPriorCredentials(t *testing.T) {
	s := newMockStore()
	a := testAuthority(t, s)
	orgID := uuid.New()

	issued, _ := a.IssueToken(context.Background(), orgID, uuid.New(), 0)
	hostID, first, err := a.Pair(context.Background(), issued.Plaintext, store.HostMetadata{}, "")
	if err != nil {
		t.Fatalf("Pair() error = %v", err)
	}

	second, err := a.Rotate(context.Background(), orgID, hostID)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	if _, err := a.Verify(context.Background(), first); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("pre-rotation credential still verifies, error = %v", err)
	}
	if _, err := a.Verify(context.Background(), second); err != nil {
		t.Errorf("post-rotation credential rejected: %v", err)
	}

	// Every earlier credential stays dead across repeated rotations.
	third, err := a.Rotate(context.Background(), orgID, hostID)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	for _, dead := range []string{first, second} {
		if _, err := a.Verify(context.Background(), dead); !errors.Is(err, ErrInvalidCredential) {
			t.Errorf("stale credential still verifies after second rotation")
		}
	}
	if _, err := a.Verify(context.Background(), third); err != nil {
		t.Errorf("current credential rejected: %v", err)
	}
}

func TestRotateUnknownHost(t *testing.T) {
	a := testAuthority(t, newMockStore())

	_, err := a.Rotate(context.Background(), uuid.New(), uuid.New())
	if !errors.Is(err, ErrHostNotFound) {
		t.Errorf("error = %v, want ErrHostNotFound", err)
	}
}
