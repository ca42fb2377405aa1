package repository

import (
	"context"

	"crm-billing-core/internal/domain/model"
)

// AuditRepository is a fire-and-forget sink for reconciliation decisions.
// Callers log and continue on failure; an audit write must never block or
// fail a reconciliation.
type AuditRepository interface {
	Record(ctx context.Context, tx Tx, e *model.AuditEntry) error
}
