package repository

import (
	"context"

	"crm-billing-core/internal/domain/model"
)

// SubscriptionRepository reads entitlement records and owns the single
// activation write this core is allowed to make.
type SubscriptionRepository interface {
	FindByID(ctx context.Context, tx Tx, id string) (*model.Subscription, error)
	// ActivateIfInactive sets is_active=true only when it is currently
	// false. Returns whether the flag flipped.
	ActivateIfInactive(ctx context.Context, tx Tx, id string) (bool, error)
}

// CompanyRepository stamps the registration-completed flag the first time a
// company's subscription payment goes through.
type CompanyRepository interface {
	FindByID(ctx context.Context, tx Tx, id string) (*model.Company, error)
	MarkRegistrationCompleted(ctx context.Context, tx Tx, id string) error
}

// PlanRepository is the read-only pricing lookup used at checkout time.
type PlanRepository interface {
	FindByID(ctx context.Context, tx Tx, id string) (*model.Plan, error)
}
