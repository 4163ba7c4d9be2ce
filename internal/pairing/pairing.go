// Package pairing issues and verifies agent credentials. Pairing tokens are
// stored as one-way hashes and consumed exactly once; agent credentials are
// signed tokens carrying a key version, revoked wholesale by bumping the
// host's version.
package pairing

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fleetplane/internal/auth"
	"fleetplane/internal/logger"
	"fleetplane/internal/observability"
	"fleetplane/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrInvalidToken means the presented pairing token matches no record.
	ErrInvalidToken = errors.New("invalid pairing token")

	// ErrTokenUsed means the pairing token was already redeemed.
	ErrTokenUsed = errors.New("pairing token already used")

	// ErrTokenExpired means the pairing token is past its expiry.
	ErrTokenExpired = errors.New("pairing token expired")

	// ErrInvalidCredential covers every credential verification failure.
	// Callers never learn which check failed.
	ErrInvalidCredential = errors.New("invalid agent credential")

	// ErrHostNotFound means the host is absent from the org.
	ErrHostNotFound = errors.New("host not found")
)

const (
	tokenBytes = 32

	// Pairing token TTL bounds in seconds.
	minTTL     = 60
	maxTTL     = 86400
	defaultTTL = 900
)

// Store is the persistence surface the authority needs.
type Store interface {
	store.HostStore
	store.PairingTokenStore
	store.AuditStore
	BeginTx(ctx context.Context) (store.Tx, error)
}

// Authority owns pairing and credential verification.
type Authority struct {
	store    Store
	secret   []byte
	counters *observability.Counters
	log      *slog.Logger
}

// New creates an Authority signing credentials with secret.
func New(s Store, secret []byte, counters *observability.Counters, log *slog.Logger) *Authority {
	return &Authority{store: s, secret: secret, counters: counters, log: log}
}

// IssuedToken is the result of IssueToken. Plaintext is returned exactly
// once and never persisted.
type IssuedToken struct {
	ID        uuid.UUID
	Plaintext string
	ExpiresAt time.Time
}

// IssueToken generates a single-use pairing token for the org. ttlSeconds
// is clamped to [60, 86400]; zero means the 15 minute default.
func (a *Authority) IssueToken(ctx context.Context, orgID, issuerID uuid.UUID, ttlSeconds int) (*IssuedToken, error) {
	if ttlSeconds == 0 {
		ttlSeconds = defaultTTL
	}
	if ttlSeconds < minTTL {
		ttlSeconds = minTTL
	}
	if ttlSeconds > maxTTL {
		ttlSeconds = maxTTL
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("entropy failure: %w", err)
	}
	plaintext := base64.RawURLEncoding.EncodeToString(raw)

	token := &store.PairingToken{
		ID:          uuid.New(),
		OrgID:       orgID,
		TokenHash:   auth.HashKey(plaintext),
		ExpiresAt:   time.Now().Add(time.Duration(ttlSeconds) * time.Second),
		CreatedByID: &issuerID,
		CreatedAt:   time.Now().UTC(),
	}

	if err := a.store.CreatePairingToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to store pairing token: %w", err)
	}

	return &IssuedToken{
		ID:        token.ID,
		Plaintext: plaintext,
		ExpiresAt: token.ExpiresAt,
	}, nil
}

// Pair redeems a pairing token: creates the host at key version 1, consumes
// the token, mints the first credential and audits the event. The token
// consumption is single-winner, so two concurrent redemptions of the same
// token produce exactly one host.
func (a *Authority) Pair(ctx context.Context, plaintext string, meta store.HostMetadata, clientAddr string) (uuid.UUID, string, error) {
	hostID, credential, err := a.pair(ctx, plaintext, meta, clientAddr)
	outcome := "success"
	if err != nil {
		outcome = "rejected"
	}
	a.counters.PairingAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	return hostID, credential, err
}

func (a *Authority) pair(ctx context.Context, plaintext string, meta store.HostMetadata, clientAddr string) (uuid.UUID, string, error) {
	record, err := a.store.GetPairingTokenByHash(ctx, auth.HashKey(plaintext))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, "", ErrInvalidToken
		}
		return uuid.Nil, "", fmt.Errorf("failed to look up pairing token: %w", err)
	}

	if record.UsedAt != nil {
		return uuid.Nil, "", ErrTokenUsed
	}
	if record.ExpiresAt.Before(time.Now()) {
		return uuid.Nil, "", ErrTokenExpired
	}

	name := meta.Name
	if name == "" {
		name = "Host " + time.Now().UTC().Format("2006-01-02T15:04:05")
	}

	host := &store.Host{
		ID:              uuid.New(),
		OrgID:           record.OrgID,
		Name:            name,
		AgentKeyVersion: 1,
		Metadata:        meta,
		CreatedAt:       time.Now().UTC(),
	}

	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := a.store.CreateHost(ctx, tx, host); err != nil {
		return uuid.Nil, "", fmt.Errorf("failed to create host: %w", err)
	}

	consumed, err := a.store.ConsumePairingToken(ctx, tx, record.ID, host.ID)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("failed to consume pairing token: %w", err)
	}
	if !consumed {
		// Lost the race to a concurrent redemption.
		return uuid.Nil, "", ErrTokenUsed
	}

	// Sign before committing so a signing failure rolls the whole pairing
	// back instead of leaving a consumed token with no credential issued.
	credential, err := a.signCredential(host.ID, host.OrgID, host.AgentKeyVersion)
	if err != nil {
		return uuid.Nil, "", err
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, "", fmt.Errorf("failed to commit pairing: %w", err)
	}

	a.audit(ctx, record.OrgID, "agent_pair", host.ID.String(), clientAddr, map[string]interface{}{
		"pairing_token_id": record.ID.String(),
		"host_name":        name,
	})

	a.log.InfoContext(ctx, "host paired", "host_id", host.ID, "org_id", host.OrgID)
	return host.ID, credential, nil
}

// Identity is the verified agent identity extracted from a credential.
type Identity struct {
	HostID uuid.UUID
	OrgID  uuid.UUID
}

// Verify checks the credential's signature and structure, then confirms the
// host exists, belongs to the embedded org and still runs the embedded key
// version. All failures collapse to ErrInvalidCredential.
func (a *Authority) Verify(ctx context.Context, credential string) (*Identity, error) {
	var claims agentClaims
	token, err := jwt.ParseWithClaims(credential, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredential
	}

	if claims.TokenType != "agent" || claims.Subject == "" || claims.OrgID == "" {
		return nil, ErrInvalidCredential
	}

	hostID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	orgID, err := uuid.Parse(claims.OrgID)
	if err != nil {
		return nil, ErrInvalidCredential
	}

	host, err := a.store.GetHostByID(ctx, hostID)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	if host.OrgID != orgID {
		return nil, ErrInvalidCredential
	}
	if host.AgentKeyVersion != claims.KeyVersion {
		// Credential minted before a rotation.
		return nil, ErrInvalidCredential
	}

	return &Identity{HostID: hostID, OrgID: orgID}, nil
}

// Rotate bumps the host's key version and mints a fresh credential at the
// new version. Every credential minted at a prior version becomes
// permanently unverifiable the instant the increment commits.
func (a *Authority) Rotate(ctx context.Context, orgID, hostID uuid.UUID) (string, error) {
	host, err := a.store.GetHostInOrg(ctx, orgID, hostID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrHostNotFound
		}
		return "", fmt.Errorf("failed to look up host: %w", err)
	}

	version, err := a.store.BumpAgentKeyVersion(ctx, host.ID)
	if err != nil {
		return "", fmt.Errorf("failed to bump key version: %w", err)
	}

	credential, err := a.signCredential(host.ID, orgID, version)
	if err != nil {
		return "", err
	}

	a.audit(ctx, orgID, "agent_key_rotated", host.ID.String(), "", map[string]interface{}{
		"key_version": version,
	})

	a.log.InfoContext(ctx, "agent key rotated", "host_id", host.ID, "key_version", version)
	return credential, nil
}

type agentClaims struct {
	OrgID      string `json:"org"`
	KeyVersion int    `json:"ver"`
	TokenType  string `json:"typ"`
	jwt.RegisteredClaims
}

func (a *Authority) signCredential(hostID, orgID uuid.UUID, keyVersion int) (string, error) {
	claims := agentClaims{
		OrgID:      orgID.String(),
		KeyVersion: keyVersion,
		TokenType:  "agent",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  hostID.String(),
			ID:       fmt.Sprintf("%d", keyVersion),
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign credential: %w", err)
	}
	return signed, nil
}

func (a *Authority) audit(ctx context.Context, orgID uuid.UUID, action, resourceID, clientAddr string, details map[string]interface{}) {
	payload, _ := json.Marshal(details)
	rec := &store.AuditRecord{
		ID:           uuid.New(),
		OrgID:        orgID,
		Action:       action,
		ResourceType: "host",
		ResourceID:   resourceID,
		Details:      payload,
		ClientAddr:   clientAddr,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.AppendAudit(ctx, rec); err != nil {
		logger.FromContext(ctx, a.log).WarnContext(ctx, "audit append failed", "action", action, "err", err)
	}
}
