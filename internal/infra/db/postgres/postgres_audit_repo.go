package postgres

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"

	"crm-billing-core/internal/domain"
	"crm-billing-core/internal/domain/model"
	"crm-billing-core/internal/domain/ports/repository"
)

var _ repository.AuditRepository = (*auditRepo)(nil)

type auditRepo struct{ pool *pgxpool.Pool }

func NewAuditRepo(pool *pgxpool.Pool) *auditRepo {
	return &auditRepo{pool: pool}
}

// Record inserts one reconciliation decision. Callers treat failures as
// log-and-continue; nothing upstream depends on this write.
func (r *auditRepo) Record(ctx context.Context, tx repository.Tx, e *model.AuditEntry) error {
	const q = `
INSERT INTO reconciliation_audit (id, payment_id, gateway, channel, outcome, provider_status, raw_payload, subscription_ref, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW());`
	_, err := execSQL(ctx, r.pool, tx, q, e.ID, e.PaymentID, e.Gateway, string(e.Channel), e.Outcome, e.ProviderStatus, e.RawPayload, e.SubscriptionRef)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}
