// File: internal/usecase/activation.go
package usecase

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"crm-billing-core/internal/domain/model"
	"crm-billing-core/internal/domain/ports/repository"
	"crm-billing-core/internal/infra/logging"
	"crm-billing-core/internal/infra/metrics"
)

// Compile-time check
var _ ActivationUseCase = (*activationUC)(nil)

// ActivationHook is invoked after a subscription flips to active and the
// surrounding transaction has committed. Hooks run at most once per
// activation; a panicking hook is contained and logged.
type ActivationHook func(ctx context.Context, subscriptionRef string, p *model.Payment)

type ActivationUseCase interface {
	// Activate flips is_active false->true and stamps the company's
	// registration flag, all inside the caller's tx. Returns whether this
	// call performed the flip. Safe to call any number of times.
	Activate(ctx context.Context, tx repository.Tx, subscriptionRef string, p *model.Payment) (bool, error)
	// NotifyActivated fires registered hooks. Callers invoke it only after
	// the activating transaction committed, and only when Activate
	// reported the flip.
	NotifyActivated(ctx context.Context, subscriptionRef string, p *model.Payment)
	RegisterHook(h ActivationHook)
	// RetryPass re-attempts activation for completed payments whose
	// subscription is still inactive. Returns how many it activated.
	RetryPass(ctx context.Context, limit int) (int, error)
}

type activationUC struct {
	subs      repository.SubscriptionRepository
	companies repository.CompanyRepository
	payments  repository.PaymentRepository
	txm       repository.TransactionManager
	log       *zerolog.Logger

	mu    sync.RWMutex
	hooks []ActivationHook
}

func NewActivationUseCase(
	subs repository.SubscriptionRepository,
	companies repository.CompanyRepository,
	payments repository.PaymentRepository,
	txm repository.TransactionManager,
	logger *zerolog.Logger,
) *activationUC {
	l := logger.With().Str("component", "activation").Logger()
	return &activationUC{subs: subs, companies: companies, payments: payments, txm: txm, log: &l}
}

func (u *activationUC) RegisterHook(h ActivationHook) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.hooks = append(u.hooks, h)
}

func (u *activationUC) Activate(ctx context.Context, tx repository.Tx, subscriptionRef string, p *model.Payment) (bool, error) {
	flipped, err := u.subs.ActivateIfInactive(ctx, tx, subscriptionRef)
	if err != nil {
		metrics.IncActivation("error")
		return false, err
	}
	if !flipped {
		metrics.IncActivation("noop")
		return false, nil
	}

	// Registration-completed piggybacks on the first successful activation.
	// Its failure is logged, not propagated: the activation already
	// happened and must not roll back over a CRM-side cosmetic flag.
	sub, err := u.subs.FindByID(ctx, tx, subscriptionRef)
	if err == nil && sub.CompanyRef != "" {
		if err := u.companies.MarkRegistrationCompleted(ctx, tx, sub.CompanyRef); err != nil {
			u.log.Error().Err(err).
				Str("company_ref", sub.CompanyRef).
				Str("subscription_ref", subscriptionRef).
				Msg("failed to stamp registration-completed")
		}
	} else if err != nil {
		u.log.Error().Err(err).Str("subscription_ref", subscriptionRef).Msg("activated subscription not readable")
	}

	metrics.IncActivation("activated")
	u.log.Info().
		Str("subscription_ref", subscriptionRef).
		Str("payment_id", paymentID(p)).
		Msg("subscription activated")
	return true, nil
}

func (u *activationUC) NotifyActivated(ctx context.Context, subscriptionRef string, p *model.Payment) {
	u.mu.RLock()
	hooks := make([]ActivationHook, len(u.hooks))
	copy(hooks, u.hooks)
	u.mu.RUnlock()

	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					u.log.Error().
						Interface("panic", r).
						Str("subscription_ref", subscriptionRef).
						Msg("activation hook panicked")
				}
			}()
			h(ctx, subscriptionRef, p)
		}()
	}
}

func (u *activationUC) RetryPass(ctx context.Context, limit int) (int, error) {
	defer logging.TraceDuration(u.log, "ActivationUC.RetryPass")()
	metrics.IncActivationRetry()
	stuck, err := u.payments.ListCompletedUnactivated(ctx, nil, limit)
	if err != nil {
		return 0, err
	}

	activated := 0
	for _, p := range stuck {
		p := p
		var flipped bool
		err := u.txm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			var err error
			flipped, err = u.Activate(ctx, tx, p.SubscriptionRef, p)
			return err
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return activated, err
			}
			u.log.Error().Err(err).
				Str("payment_id", p.ID).
				Str("subscription_ref", p.SubscriptionRef).
				Msg("activation retry failed")
			continue
		}
		if flipped {
			activated++
			u.NotifyActivated(ctx, p.SubscriptionRef, p)
		}
	}
	return activated, nil
}

func paymentID(p *model.Payment) string {
	if p == nil {
		return ""
	}
	return p.ID
}
