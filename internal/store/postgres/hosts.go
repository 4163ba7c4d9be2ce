package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"fleetplane/internal/store"

	"github.com/google/uuid"
)

func (s *Store) CreateHost(ctx context.Context, tx store.DBTransaction, host *store.Host) error {
	meta, err := json.Marshal(host.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal host metadata: %w", err)
	}

	query := `
		INSERT INTO hosts (id, org_id, name, agent_key_version, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = s.getExecutor(tx).ExecContext(ctx, query,
		host.ID,
		host.OrgID,
		host.Name,
		host.AgentKeyVersion,
		meta,
		host.CreatedAt,
	)
	return err
}

func (s *Store) GetHostByID(ctx context.Context, id uuid.UUID) (*store.Host, error) {
	query := `
		SELECT id, org_id, name, agent_key_version, metadata, created_at
		FROM hosts WHERE id = $1
	`
	return s.scanHost(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) GetHostInOrg(ctx context.Context, orgID, hostID uuid.UUID) (*store.Host, error) {
	query := `
		SELECT id, org_id, name, agent_key_version, metadata, created_at
		FROM hosts WHERE id = $1 AND org_id = $2
	`
	return s.scanHost(s.db.QueryRowContext(ctx, query, hostID, orgID))
}

// BumpAgentKeyVersion increments the version in the database so the new
// value is never computed from a possibly stale read.
func (s *Store) BumpAgentKeyVersion(ctx context.Context, hostID uuid.UUID) (int, error) {
	query := `
		UPDATE hosts
		SET agent_key_version = agent_key_version + 1
		WHERE id = $1
		RETURNING agent_key_version
	`

	var version int
	if err := s.db.QueryRowContext(ctx, query, hostID).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Store) scanHost(row rowScanner) (*store.Host, error) {
	var h store.Host
	var meta []byte
	err := row.Scan(
		&h.ID,
		&h.OrgID,
		&h.Name,
		&h.AgentKeyVersion,
		&meta,
		&h.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &h.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal host metadata: %w", err)
		}
	}
	return &h, nil
}
