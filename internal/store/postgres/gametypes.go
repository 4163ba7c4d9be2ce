package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"fleetplane/internal/store"
)

func (s *Store) ListGameTypes(ctx context.Context) ([]store.GameType, error) {
	query := "SELECT id, slug, name, capabilities FROM game_types ORDER BY slug ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []store.GameType
	for rows.Next() {
		gt, err := scanGameType(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *gt)
	}
	return list, rows.Err()
}

func (s *Store) GetGameTypeBySlug(ctx context.Context, slug string) (*store.GameType, error) {
	query := "SELECT id, slug, name, capabilities FROM game_types WHERE slug = $1"
	return scanGameType(s.db.QueryRowContext(ctx, query, slug))
}

func scanGameType(row rowScanner) (*store.GameType, error) {
	var gt store.GameType
	var caps []byte
	if err := row.Scan(&gt.ID, &gt.Slug, &gt.Name, &caps); err != nil {
		return nil, err
	}
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &gt.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
		}
	}
	return &gt, nil
}
