package postgres

import (
	"context"

	"fleetplane/internal/store"
)

func (s *Store) AppendAudit(ctx context.Context, rec *store.AuditRecord) error {
	query := `
		INSERT INTO audit_log (id, org_id, actor_id, action, resource_type, resource_id, details, client_addr, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.OrgID,
		rec.ActorID,
		rec.Action,
		rec.ResourceType,
		rec.ResourceID,
		normalizeJSON(rec.Details),
		rec.ClientAddr,
		rec.CreatedAt,
	)
	return err
}
