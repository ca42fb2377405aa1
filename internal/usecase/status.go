// File: internal/usecase/status.go
package usecase

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"crm-billing-core/internal/domain"
	"crm-billing-core/internal/domain/model"
	"crm-billing-core/internal/domain/ports/repository"
	"crm-billing-core/internal/infra/logging"
)

// Compile-time check
var _ StatusUseCase = (*statusUC)(nil)

// StatusView is the poll endpoint's answer: the subscription flag first,
// the latest payment's state second. Once the subscription is active the
// flag alone is authoritative and no provider call is made.
type StatusView struct {
	SubscriptionActive bool                `json:"subscription_active"`
	PaymentStatus      model.PaymentStatus `json:"payment_status,omitempty"`
	ProviderStatus     string              `json:"provider_status,omitempty"`
	Gateway            string              `json:"gateway,omitempty"`
}

type StatusUseCase interface {
	// Status reports the activation flag and latest payment state for a
	// subscription. A still-pending payment triggers one opportunistic
	// poll-channel reconciliation; provider trouble degrades to reporting
	// the stored state rather than failing the request.
	Status(ctx context.Context, subscriptionRef string) (*StatusView, error)
}

type statusUC struct {
	subs       repository.SubscriptionRepository
	payments   repository.PaymentRepository
	reconciler ReconcileUseCase
	log        *zerolog.Logger
}

func NewStatusUseCase(
	subs repository.SubscriptionRepository,
	payments repository.PaymentRepository,
	reconciler ReconcileUseCase,
	logger *zerolog.Logger,
) *statusUC {
	l := logger.With().Str("component", "status").Logger()
	return &statusUC{subs: subs, payments: payments, reconciler: reconciler, log: &l}
}

func (u *statusUC) Status(ctx context.Context, subscriptionRef string) (*StatusView, error) {
	defer logging.TraceDuration(u.log, "StatusUC.Status")()
	sub, err := u.subs.FindByID(ctx, nil, subscriptionRef)
	if err != nil {
		return nil, err
	}

	view := &StatusView{SubscriptionActive: sub.IsActive}

	p, err := u.payments.FindLatestBySubscription(ctx, nil, subscriptionRef)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return view, nil
		}
		return nil, err
	}
	view.PaymentStatus = p.Status
	view.Gateway = p.Gateway

	// Activation flag wins: an active subscription never polls the
	// provider, whatever the ledger row says.
	if sub.IsActive || p.Status.Terminal() {
		return view, nil
	}

	ev := &model.ReconciliationEvent{
		Gateway:         p.Gateway,
		SubscriptionRef: subscriptionRef,
		ReceivedVia:     model.ChannelPoll,
	}
	if p.ExternalRef != nil {
		ev.ExternalRef = *p.ExternalRef
	}
	res, err := u.reconciler.Reconcile(ctx, ev)
	if err != nil {
		// Poll is best-effort; show the stored state and let the stale
		// payment worker retry later.
		u.log.Warn().Err(err).
			Str("subscription_ref", subscriptionRef).
			Str("payment_id", p.ID).
			Msg("opportunistic poll reconcile failed")
		return view, nil
	}

	view.PaymentStatus = res.Payment.Status
	view.ProviderStatus = res.ProviderStatus
	if res.Outcome == OutcomeAppliedCompleted || res.Activated {
		fresh, err := u.subs.FindByID(ctx, nil, subscriptionRef)
		if err == nil {
			view.SubscriptionActive = fresh.IsActive
		}
	}
	return view, nil
}
