package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"crm-billing-core/internal/domain"
	"crm-billing-core/internal/domain/model"
	"crm-billing-core/internal/domain/ports/repository"
)

var _ repository.PaymentRepository = (*paymentRepo)(nil)

type paymentRepo struct{ pool *pgxpool.Pool }

func NewPaymentRepo(pool *pgxpool.Pool) *paymentRepo {
	return &paymentRepo{pool: pool}
}

const paymentColumns = `id, subscription_ref, gateway, amount, currency, external_ref, status, created_at, updated_at, paid_at, return_url, description, meta`

func scanPayment(row pgx.Row) (*model.Payment, error) {
	p := &model.Payment{}
	if err := row.Scan(&p.ID, &p.SubscriptionRef, &p.Gateway, &p.Amount, &p.Currency, &p.ExternalRef, &p.Status, &p.CreatedAt, &p.UpdatedAt, &p.PaidAt, &p.ReturnURL, &p.Description, &p.Meta); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return p, nil
}

func (r *paymentRepo) Save(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	const q = `
INSERT INTO payments (
  id, subscription_ref, gateway, amount, currency, external_ref, status, created_at, updated_at, paid_at, return_url, description, meta
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
) ON CONFLICT (id) DO UPDATE SET
  external_ref=$6, updated_at=$9, paid_at=$10, meta=$13;`

	_, err := execSQL(ctx, r.pool, tx, q, p.ID, p.SubscriptionRef, p.Gateway, p.Amount, p.Currency, p.ExternalRef, p.Status, p.CreatedAt, p.UpdatedAt, p.PaidAt, p.ReturnURL, p.Description, p.Meta)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *paymentRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanPayment(row)
}

func (r *paymentRepo) FindByExternalRef(ctx context.Context, tx repository.Tx, gateway, externalRef string) (*model.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE gateway=$1 AND external_ref=$2 LIMIT 1;`
	row, err := pickRow(ctx, r.pool, tx, q, gateway, externalRef)
	if err != nil {
		return nil, err
	}
	return scanPayment(row)
}

func (r *paymentRepo) FindLatestPending(ctx context.Context, tx repository.Tx, subscriptionRef, gateway string) (*model.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE subscription_ref=$1 AND gateway=$2 AND status='pending' ORDER BY created_at DESC LIMIT 1;`
	row, err := pickRow(ctx, r.pool, tx, q, subscriptionRef, gateway)
	if err != nil {
		return nil, err
	}
	return scanPayment(row)
}

func (r *paymentRepo) FindLatestBySubscription(ctx context.Context, tx repository.Tx, subscriptionRef string) (*model.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE subscription_ref=$1 ORDER BY created_at DESC LIMIT 1;`
	row, err := pickRow(ctx, r.pool, tx, q, subscriptionRef)
	if err != nil {
		return nil, err
	}
	return scanPayment(row)
}

// UpdateStatusIfPending atomically updates status only when the current
// status is 'pending'. The returned bool is the idempotency signal: exactly
// one caller observes true per row, no matter how many notifications race.
func (r *paymentRepo) UpdateStatusIfPending(
	ctx context.Context, tx repository.Tx, id string, status model.PaymentStatus, externalRef *string, paidAt *time.Time,
) (bool, error) {
	const q = `
    UPDATE payments
       SET status = $2,
           external_ref = COALESCE($3, external_ref),
           paid_at = COALESCE($4, paid_at),
           updated_at = NOW()
     WHERE id = $1
       AND status = 'pending';`

	cmd, err := execSQL(ctx, r.pool, tx, q, id, string(status), externalRef, paidAt)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return false, err
		}
		return false, domain.ErrOperationFailed
	}
	return cmd.RowsAffected() >= 1, nil
}

func (r *paymentRepo) ListPendingOlderThan(ctx context.Context, tx repository.Tx, olderThan time.Time, limit int) ([]*model.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE status='pending' AND created_at < $1 ORDER BY created_at ASC LIMIT $2;`
	rows, err := queryRows(ctx, r.pool, tx, q, olderThan, limit)
	if err != nil {
		switch err {
		case domain.ErrInvalidArgument, domain.ErrInvalidExecContext:
			return nil, err
		default:
			return nil, domain.ErrOperationFailed
		}
	}
	defer rows.Close()

	var out []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *paymentRepo) ListCompletedUnactivated(ctx context.Context, tx repository.Tx, limit int) ([]*model.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + prefixedPaymentColumns("p") + `
  FROM payments p
  JOIN subscriptions s ON s.id = p.subscription_ref
 WHERE p.status='completed' AND s.is_active = FALSE
 ORDER BY p.updated_at ASC LIMIT $1;`
	rows, err := queryRows(ctx, r.pool, tx, q, limit)
	if err != nil {
		switch err {
		case domain.ErrInvalidArgument, domain.ErrInvalidExecContext:
			return nil, err
		default:
			return nil, domain.ErrOperationFailed
		}
	}
	defer rows.Close()

	var out []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func prefixedPaymentColumns(alias string) string {
	return alias + ".id, " + alias + ".subscription_ref, " + alias + ".gateway, " + alias + ".amount, " + alias + ".currency, " + alias + ".external_ref, " + alias + ".status, " + alias + ".created_at, " + alias + ".updated_at, " + alias + ".paid_at, " + alias + ".return_url, " + alias + ".description, " + alias + ".meta"
}
