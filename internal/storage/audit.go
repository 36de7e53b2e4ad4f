package storage

import (
	"context"
	"strings"

	"field-access-control/internal/domain"
)

const auditColumns = `id, entity_type, entity_id, action, actor, prior_status, new_status, detail, at`

func (p *SQLProvider) AppendAudit(ctx context.Context, event *domain.AuditEvent) error {
	return p.insert(ctx, `INSERT INTO audit_log (entity_type, entity_id, action, actor, prior_status, new_status, detail, at)
		VALUES (:entity_type, :entity_id, :action, :actor, :prior_status, :new_status, :detail, :at)`, event)
}

func (p *SQLProvider) ListAudit(ctx context.Context, filter AuditFilter) ([]domain.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT ` + auditColumns + ` FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var events []domain.AuditEvent
	err := p.selectAll(ctx, &events, query, args...)
	return events, err
}
