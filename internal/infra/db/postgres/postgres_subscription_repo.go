package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"crm-billing-core/internal/domain"
	"crm-billing-core/internal/domain/model"
	"crm-billing-core/internal/domain/ports/repository"
)

var _ repository.SubscriptionRepository = (*subscriptionRepo)(nil)

type subscriptionRepo struct{ pool *pgxpool.Pool }

func NewSubscriptionRepo(pool *pgxpool.Pool) *subscriptionRepo {
	return &subscriptionRepo{pool: pool}
}

func (r *subscriptionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Subscription, error) {
	const q = `SELECT id, company_ref, plan_ref, is_active, start_date, end_date, created_at, updated_at FROM subscriptions WHERE id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	s := &model.Subscription{}
	if err := row.Scan(&s.ID, &s.CompanyRef, &s.PlanRef, &s.IsActive, &s.StartDate, &s.EndDate, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return s, nil
}

// ActivateIfInactive flips is_active only when it is currently false. The
// conditional write keeps activation idempotent even when the coordinator's
// own guard is bypassed (out-of-band retries, defense in depth).
func (r *subscriptionRepo) ActivateIfInactive(ctx context.Context, tx repository.Tx, id string) (bool, error) {
	const q = `UPDATE subscriptions SET is_active = TRUE, updated_at = NOW() WHERE id=$1 AND is_active = FALSE;`
	cmd, err := execSQL(ctx, r.pool, tx, q, id)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return false, err
		}
		return false, domain.ErrOperationFailed
	}
	return cmd.RowsAffected() >= 1, nil
}

var _ repository.CompanyRepository = (*companyRepo)(nil)

type companyRepo struct{ pool *pgxpool.Pool }

func NewCompanyRepo(pool *pgxpool.Pool) *companyRepo {
	return &companyRepo{pool: pool}
}

func (r *companyRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Company, error) {
	const q = `SELECT id, name, registration_completed, created_at FROM companies WHERE id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	c := &model.Company{}
	if err := row.Scan(&c.ID, &c.Name, &c.RegistrationCompleted, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return c, nil
}

func (r *companyRepo) MarkRegistrationCompleted(ctx context.Context, tx repository.Tx, id string) error {
	const q = `UPDATE companies SET registration_completed = TRUE WHERE id=$1 AND registration_completed = FALSE;`
	_, err := execSQL(ctx, r.pool, tx, q, id)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}
