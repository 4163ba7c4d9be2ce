package postgres

import (
	"context"

	"fleetplane/internal/store"

	"github.com/google/uuid"
)

func (s *Store) CreateOrg(ctx context.Context, org *store.Org, hashedKey string) error {
	query := `
		INSERT INTO orgs (id, name, api_key_hash, rate_limit, rate_limit_burst, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.db.ExecContext(ctx, query,
		org.ID,
		org.Name,
		hashedKey,
		org.RateLimit,
		org.RateLimitBurst,
		org.CreatedAt,
	)
	return err
}

func (s *Store) GetOrgByID(ctx context.Context, id uuid.UUID) (*store.Org, error) {
	query := "SELECT id, name, rate_limit, rate_limit_burst, created_at FROM orgs WHERE id = $1"
	return s.scanOrg(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) GetOrgByAPIKeyHash(ctx context.Context, hash string) (*store.Org, error) {
	query := "SELECT id, name, rate_limit, rate_limit_burst, created_at FROM orgs WHERE api_key_hash = $1"
	return s.scanOrg(s.db.QueryRowContext(ctx, query, hash))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanOrg(row rowScanner) (*store.Org, error) {
	var o store.Org
	err := row.Scan(
		&o.ID,
		&o.Name,
		&o.RateLimit,
		&o.RateLimitBurst,
		&o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
