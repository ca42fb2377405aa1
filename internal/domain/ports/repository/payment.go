package repository

import (
	"context"
	"time"

	"crm-billing-core/internal/domain/model"
)

// PaymentRepository is the persistence port for the payment ledger.
//
// Writes after creation go exclusively through UpdateStatusIfPending: a
// single conditional UPDATE whose row count tells the caller whether it was
// the request that flipped the row. That atomicity is the engine's only
// concurrency control on the hot path.
type PaymentRepository interface {
	Save(ctx context.Context, tx Tx, p *model.Payment) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Payment, error)
	FindByExternalRef(ctx context.Context, tx Tx, gateway, externalRef string) (*model.Payment, error)
	// FindLatestPending returns the most recently created PENDING row for
	// (subscriptionRef, gateway); used when the provider correlation id was
	// not known at creation time.
	FindLatestPending(ctx context.Context, tx Tx, subscriptionRef, gateway string) (*model.Payment, error)
	FindLatestBySubscription(ctx context.Context, tx Tx, subscriptionRef string) (*model.Payment, error)
	// UpdateStatusIfPending atomically updates status only when the current
	// status is 'pending'. Returns whether the row actually changed.
	UpdateStatusIfPending(ctx context.Context, tx Tx, id string, status model.PaymentStatus, externalRef *string, paidAt *time.Time) (bool, error)
	ListPendingOlderThan(ctx context.Context, tx Tx, olderThan time.Time, limit int) ([]*model.Payment, error)
	// ListCompletedUnactivated returns completed payments whose subscription
	// is still inactive; the activation retry worker drains these.
	ListCompletedUnactivated(ctx context.Context, tx Tx, limit int) ([]*model.Payment, error)
}
