package postgres

import (
	"context"

	"fleetplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const serverInstanceColumns = `
	si.id, si.org_id, si.host_id, si.game_type_id, gt.slug,
	si.name, si.install_path, si.start_command, si.created_at
`

func (s *Store) CreateServerInstance(ctx context.Context, si *store.ServerInstance) error {
	query := `
		INSERT INTO server_instances (id, org_id, host_id, game_type_id, name, install_path, start_command, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.ExecContext(ctx, query,
		si.ID,
		si.OrgID,
		si.HostID,
		si.GameTypeID,
		si.Name,
		si.InstallPath,
		si.StartCommand,
		si.CreatedAt,
	)
	return err
}

func (s *Store) ListServerInstances(ctx context.Context, orgID uuid.UUID) ([]store.ServerInstance, error) {
	query := `
		SELECT ` + serverInstanceColumns + `
		FROM server_instances si
		JOIN game_types gt ON gt.id = si.game_type_id
		WHERE si.org_id = $1
		ORDER BY si.created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []store.ServerInstance
	for rows.Next() {
		si, err := scanServerInstance(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *si)
	}
	return list, rows.Err()
}

func (s *Store) GetServerInstance(ctx context.Context, orgID, id uuid.UUID) (*store.ServerInstance, error) {
	query := `
		SELECT ` + serverInstanceColumns + `
		FROM server_instances si
		JOIN game_types gt ON gt.id = si.game_type_id
		WHERE si.id = $1 AND si.org_id = $2
	`
	return scanServerInstance(s.db.QueryRowContext(ctx, query, id, orgID))
}

func (s *Store) UpdateServerInstance(ctx context.Context, si *store.ServerInstance) error {
	query := `
		UPDATE server_instances
		SET host_id = $3, game_type_id = $4, name = $5, install_path = $6, start_command = $7
		WHERE id = $1 AND org_id = $2
	`

	_, err := s.db.ExecContext(ctx, query,
		si.ID,
		si.OrgID,
		si.HostID,
		si.GameTypeID,
		si.Name,
		si.InstallPath,
		si.StartCommand,
	)
	return err
}

func (s *Store) DeleteServerInstance(ctx context.Context, orgID, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM server_instances WHERE id = $1 AND org_id = $2", id, orgID)
	return err
}

func (s *Store) GetServerInstancesByIDs(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]store.ServerInstance, error) {
	query := `
		SELECT ` + serverInstanceColumns + `
		FROM server_instances si
		JOIN game_types gt ON gt.id = si.game_type_id
		WHERE si.org_id = $1 AND si.id = ANY($2)
	`

	rows, err := s.db.QueryContext(ctx, query, orgID, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []store.ServerInstance
	for rows.Next() {
		si, err := scanServerInstance(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *si)
	}
	return list, rows.Err()
}

func scanServerInstance(row rowScanner) (*store.ServerInstance, error) {
	var si store.ServerInstance
	err := row.Scan(
		&si.ID,
		&si.OrgID,
		&si.HostID,
		&si.GameTypeID,
		&si.GameTypeSlug,
		&si.Name,
		&si.InstallPath,
		&si.StartCommand,
		&si.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &si, nil
}
