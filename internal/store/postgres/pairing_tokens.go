package postgres

import (
	"context"

	"fleetplane/internal/store"

	"github.com/google/uuid"
)

func (s *Store) CreatePairingToken(ctx context.Context, token *store.PairingToken) error {
	query := `
		INSERT INTO pairing_tokens (id, org_id, token_hash, expires_at, created_by_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.db.ExecContext(ctx, query,
		token.ID,
		token.OrgID,
		token.TokenHash,
		token.ExpiresAt,
		token.CreatedByID,
		token.CreatedAt,
	)
	return err
}

func (s *Store) GetPairingTokenByHash(ctx context.Context, hash string) (*store.PairingToken, error) {
	query := `
		SELECT id, org_id, token_hash, expires_at, used_at, used_by_host_id, created_by_id, created_at
		FROM pairing_tokens WHERE token_hash = $1
	`

	var t store.PairingToken
	err := s.db.QueryRowContext(ctx, query, hash).Scan(
		&t.ID,
		&t.OrgID,
		&t.TokenHash,
		&t.ExpiresAt,
		&t.UsedAt,
		&t.UsedByHostID,
		&t.CreatedByID,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ConsumePairingToken marks the token used. The used_at IS NULL guard makes
// the consumption single-winner under concurrent redemptions.
func (s *Store) ConsumePairingToken(ctx context.Context, tx store.DBTransaction, tokenID, hostID uuid.UUID) (bool, error) {
	query := `
		UPDATE pairing_tokens
		SET used_at = NOW(), used_by_host_id = $2
		WHERE id = $1 AND used_at IS NULL
	`

	res, err := s.getExecutor(tx).ExecContext(ctx, query, tokenID, hostID)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
