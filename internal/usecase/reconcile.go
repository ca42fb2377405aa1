// File: internal/usecase/reconcile.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"crm-billing-core/internal/domain"
	"crm-billing-core/internal/domain/model"
	"crm-billing-core/internal/domain/ports/adapter"
	"crm-billing-core/internal/domain/ports/repository"
	"crm-billing-core/internal/infra/logging"
	"crm-billing-core/internal/infra/metrics"
	infraredis "crm-billing-core/internal/infra/redis"
)

// Compile-time check
var _ ReconcileUseCase = (*reconcileUC)(nil)

// GatewayResolver maps a gateway name from an inbound URL to its adapter.
type GatewayResolver interface {
	Resolve(name string) (adapter.PaymentGateway, error)
}

// Locker serializes provider re-queries for one external ref across
// instances. It is an optimization only: correctness comes from the
// ledger's conditional update, not from holding the lock.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	Unlock(ctx context.Context, key, token string) error
}

// Outcome labels what one Reconcile call did. The same vocabulary feeds
// metrics and the audit trail.
type Outcome string

const (
	OutcomeAppliedCompleted Outcome = "applied_completed"
	OutcomeAppliedFailed    Outcome = "applied_failed"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeStillPending     Outcome = "still_pending"
	OutcomeInProgress       Outcome = "in_progress"
)

// ReconcileResult reports what one event did to the resolved payment.
type ReconcileResult struct {
	Payment        *model.Payment
	Outcome        Outcome
	ProviderStatus string // provider vocabulary from the deciding source
	Activated      bool
}

type ReconcileUseCase interface {
	// Reconcile drives one inbound event through verify, resolve,
	// (optional) re-query, transition and side effects. It is safe to call
	// with the same event any number of times and from any number of
	// processes at once: the ledger transition applies exactly once and
	// every other call observes a duplicate.
	Reconcile(ctx context.Context, ev *model.ReconciliationEvent) (*ReconcileResult, error)
}

type reconcileUC struct {
	gateways  GatewayResolver
	verifier  adapter.NotificationVerifier
	ledger    *Ledger
	activator ActivationUseCase
	audits    repository.AuditRepository
	txm       repository.TransactionManager
	locker    Locker // optional
	log       *zerolog.Logger
}

func NewReconcileUseCase(
	gateways GatewayResolver,
	verifier adapter.NotificationVerifier,
	ledger *Ledger,
	activator ActivationUseCase,
	audits repository.AuditRepository,
	txm repository.TransactionManager,
	locker Locker,
	logger *zerolog.Logger,
) *reconcileUC {
	l := logger.With().Str("component", "reconcile").Logger()
	return &reconcileUC{
		gateways:  gateways,
		verifier:  verifier,
		ledger:    ledger,
		activator: activator,
		audits:    audits,
		txm:       txm,
		locker:    locker,
		log:       &l,
	}
}

func (u *reconcileUC) Reconcile(ctx context.Context, ev *model.ReconciliationEvent) (*ReconcileResult, error) {
	defer logging.TraceDuration(u.log, "ReconcileUC.Reconcile")()
	start := time.Now()
	channel := string(ev.ReceivedVia)
	defer func() {
		metrics.ReconcileDuration.WithLabelValues(channel).Observe(time.Since(start).Seconds())
	}()

	gw, err := u.gateways.Resolve(ev.Gateway)
	if err != nil {
		metrics.IncReconcileEvent(ev.Gateway, channel, "rejected")
		return nil, err
	}

	trust, err := u.verifier.Verify(ev)
	if err != nil {
		metrics.IncReconcileEvent(ev.Gateway, channel, "rejected")
		u.audit(ctx, ev, nil, "rejected")
		return nil, err
	}

	p, err := u.ledger.Resolve(ctx, nil, ev)
	if err != nil {
		if errors.Is(err, domain.ErrReconciliation) {
			metrics.ReconcileUnresolved.WithLabelValues(ev.Gateway, channel).Inc()
			metrics.IncReconcileEvent(ev.Gateway, channel, "unresolved")
			u.audit(ctx, ev, nil, "unresolved")
		}
		return nil, err
	}

	// A terminal row never changes again; repeated notifications for it are
	// the normal multi-channel duplicate case, not an error.
	if p.Status.Terminal() {
		metrics.IncReconcileEvent(ev.Gateway, channel, string(OutcomeDuplicate))
		u.audit(ctx, ev, p, string(OutcomeDuplicate))
		return &ReconcileResult{Payment: p, Outcome: OutcomeDuplicate, ProviderStatus: ev.ProviderStatus}, nil
	}

	verdict, providerStatus, fetched, outcome, err := u.establishVerdict(ctx, gw, trust, ev, p)
	if err != nil {
		return nil, err
	}
	if outcome == OutcomeInProgress {
		return &ReconcileResult{Payment: p, Outcome: OutcomeInProgress}, nil
	}

	// Cross-check amounts whenever the authoritative side reported one.
	// A mismatch is a verification failure: reject, touch nothing.
	if fetched != nil && fetched.Amount > 0 && fetched.Currency == p.Currency && fetched.Amount != p.Amount {
		metrics.IncVerifyFailure(ev.Gateway, channel, "amount_mismatch")
		metrics.IncReconcileEvent(ev.Gateway, channel, "rejected")
		u.audit(ctx, ev, p, "rejected")
		return nil, fmt.Errorf("%w: ledger=%d provider=%d %s",
			domain.ErrAmountMismatch, p.Amount, fetched.Amount, p.Currency)
	}

	if verdict == model.PaymentStatusPending {
		metrics.IncReconcileEvent(ev.Gateway, channel, string(OutcomeStillPending))
		return &ReconcileResult{Payment: p, Outcome: OutcomeStillPending, ProviderStatus: providerStatus}, nil
	}

	extRef := externalRefFor(ev, fetched, p)
	var paidAt *time.Time
	if verdict == model.PaymentStatusCompleted {
		now := time.Now()
		paidAt = &now
	}

	var applied, activated bool
	err = u.txm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		var err error
		applied, err = u.ledger.TryTransition(ctx, tx, p, verdict, extRef, paidAt)
		if err != nil || !applied {
			return err
		}
		if verdict == model.PaymentStatusCompleted {
			activated, err = u.activator.Activate(ctx, tx, p.SubscriptionRef, p)
			if err != nil {
				// The payment is real even if activation broke; commit the
				// transition and let the retry worker pick the sub up.
				u.log.Error().Err(err).
					Str("payment_id", p.ID).
					Str("subscription_ref", p.SubscriptionRef).
					Msg("activation failed after completed payment")
				activated = false
				return nil
			}
		}
		return nil
	})
	if err != nil {
		metrics.IncReconcileEvent(ev.Gateway, channel, "error")
		return nil, err
	}

	if !applied {
		metrics.IncReconcileEvent(ev.Gateway, channel, string(OutcomeDuplicate))
		u.audit(ctx, ev, p, string(OutcomeDuplicate))
		return &ReconcileResult{Payment: p, Outcome: OutcomeDuplicate}, nil
	}

	outcome = OutcomeAppliedFailed
	if verdict == model.PaymentStatusCompleted {
		outcome = OutcomeAppliedCompleted
	}
	if activated {
		u.activator.NotifyActivated(ctx, p.SubscriptionRef, p)
	}

	metrics.IncReconcileEvent(ev.Gateway, channel, string(outcome))
	u.auditWithStatus(ctx, ev, p, string(outcome), providerStatus)
	u.log.Info().
		Str("payment_id", p.ID).
		Str("gateway", ev.Gateway).
		Str("channel", channel).
		Str("outcome", string(outcome)).
		Bool("activated", activated).
		Msg("reconciled payment")
	return &ReconcileResult{Payment: p, Outcome: outcome, ProviderStatus: providerStatus, Activated: activated}, nil
}

// establishVerdict decides the canonical status for the event. Payload
// verdicts are honored only on authenticated channels; everything else is
// treated as a hint and re-fetched from the provider's status endpoint.
func (u *reconcileUC) establishVerdict(
	ctx context.Context,
	gw adapter.PaymentGateway,
	trust adapter.TrustLevel,
	ev *model.ReconciliationEvent,
	p *model.Payment,
) (model.PaymentStatus, string, *adapter.PaymentResult, Outcome, error) {
	if trust == adapter.TrustPayload && ev.Verdict != "" {
		fetched := &adapter.PaymentResult{Amount: ev.Amount, Currency: ev.Currency}
		return ev.Verdict, ev.ProviderStatus, fetched, "", nil
	}

	extRef := ev.ExternalRef
	if extRef == "" && p.ExternalRef != nil {
		extRef = *p.ExternalRef
	}
	if extRef == "" {
		return "", "", nil, "", fmt.Errorf("%w: no external ref to re-query", domain.ErrReconciliation)
	}

	if u.locker != nil {
		key := infraredis.ReconcileLockKey(ev.Gateway, extRef)
		token, err := u.locker.TryLock(ctx, key, 30*time.Second)
		if err != nil {
			if errors.Is(err, infraredis.ErrLockHeld) {
				metrics.IncReconcileEvent(ev.Gateway, string(ev.ReceivedVia), string(OutcomeInProgress))
				return "", "", nil, OutcomeInProgress, nil
			}
			// Redis being down must not stop reconciliation.
			u.log.Warn().Err(err).Str("key", key).Msg("reconcile lock unavailable, proceeding")
		} else {
			defer func() { _ = u.locker.Unlock(ctx, key, token) }()
		}
	}

	res, err := gw.FetchStatus(ctx, extRef)
	if err != nil {
		metrics.IncReconcileEvent(ev.Gateway, string(ev.ReceivedVia), "error")
		return "", "", nil, "", err
	}
	return model.PaymentStatus(res.Verdict), res.ProviderStatus, res, "", nil
}

func externalRefFor(ev *model.ReconciliationEvent, fetched *adapter.PaymentResult, p *model.Payment) *string {
	if ev.ExternalRef != "" {
		ref := ev.ExternalRef
		return &ref
	}
	if fetched != nil && fetched.ExternalRef != "" {
		ref := fetched.ExternalRef
		return &ref
	}
	return p.ExternalRef
}

func (u *reconcileUC) audit(ctx context.Context, ev *model.ReconciliationEvent, p *model.Payment, outcome string) {
	u.auditWithStatus(ctx, ev, p, outcome, ev.ProviderStatus)
}

// auditWithStatus records the decision and never fails the caller.
func (u *reconcileUC) auditWithStatus(ctx context.Context, ev *model.ReconciliationEvent, p *model.Payment, outcome, providerStatus string) {
	if u.audits == nil {
		return
	}
	entry := &model.AuditEntry{
		ID:              uuid.NewString(),
		Gateway:         ev.Gateway,
		Channel:         ev.ReceivedVia,
		Outcome:         outcome,
		ProviderStatus:  providerStatus,
		RawPayload:      ev.RawBody,
		SubscriptionRef: ev.SubscriptionRef,
	}
	if p != nil {
		entry.PaymentID = p.ID
		if entry.SubscriptionRef == "" {
			entry.SubscriptionRef = p.SubscriptionRef
		}
	}
	if err := u.audits.Record(ctx, nil, entry); err != nil {
		u.log.Error().Err(err).Str("outcome", outcome).Msg("audit write failed")
	}
}
