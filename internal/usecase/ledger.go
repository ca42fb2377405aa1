// File: internal/usecase/ledger.go
package usecase

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"crm-billing-core/internal/domain"
	"crm-billing-core/internal/domain/model"
	"crm-billing-core/internal/domain/ports/repository"
	"crm-billing-core/internal/infra/metrics"
)

// Ledger owns every write to the payments table. Rows are created PENDING
// and leave that state exactly once, through TryTransition's conditional
// update; the returned applied flag is the caller's license to run side
// effects.
type Ledger struct {
	payments repository.PaymentRepository
	log      *zerolog.Logger

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewLedger(payments repository.PaymentRepository, logger *zerolog.Logger) *Ledger {
	l := logger.With().Str("component", "ledger").Logger()
	return &Ledger{
		payments: payments,
		log:      &l,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

func (l *Ledger) newID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ulid.MustNew(ulid.Now(), l.entropy).String()
}

// CreatePending inserts a fresh ledger row. ID, timestamps and status are
// assigned here; callers fill in the business fields.
func (l *Ledger) CreatePending(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	if p.SubscriptionRef == "" || p.Gateway == "" || p.Amount <= 0 || p.Currency == "" {
		return fmt.Errorf("%w: payment missing subscription_ref/gateway/amount/currency", domain.ErrInvalidArgument)
	}
	now := time.Now()
	p.ID = l.newID()
	p.Status = model.PaymentStatusPending
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := l.payments.Save(ctx, tx, p); err != nil {
		return err
	}
	metrics.IncPayment(p.Gateway, string(model.PaymentStatusPending))
	return nil
}

// Resolve maps an inbound event to the ledger row it talks about:
// exact (gateway, external_ref) first, then the latest PENDING row for
// (subscription_ref, gateway). An event matching neither is unresolvable
// and must not create rows or mutate anything.
func (l *Ledger) Resolve(ctx context.Context, tx repository.Tx, ev *model.ReconciliationEvent) (*model.Payment, error) {
	if ev.ExternalRef != "" {
		p, err := l.payments.FindByExternalRef(ctx, tx, ev.Gateway, ev.ExternalRef)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	if ev.SubscriptionRef != "" {
		p, err := l.payments.FindLatestPending(ctx, tx, ev.SubscriptionRef, ev.Gateway)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	l.log.Warn().
		Str("gateway", ev.Gateway).
		Str("external_ref", ev.ExternalRef).
		Str("subscription_ref", ev.SubscriptionRef).
		Str("channel", string(ev.ReceivedVia)).
		Bytes("raw", ev.RawBody).
		Msg("event does not resolve to any payment")
	return nil, fmt.Errorf("%w: gateway=%s external_ref=%q subscription_ref=%q",
		domain.ErrReconciliation, ev.Gateway, ev.ExternalRef, ev.SubscriptionRef)
}

// TryTransition moves p from PENDING to a terminal status. The repository
// performs a single conditional UPDATE; applied=false means some other
// request won the race (or the row was already terminal) and the caller
// must not run side effects. On applied=true p is updated in place.
func (l *Ledger) TryTransition(ctx context.Context, tx repository.Tx, p *model.Payment, to model.PaymentStatus, externalRef *string, paidAt *time.Time) (bool, error) {
	if !to.Terminal() {
		return false, fmt.Errorf("%w: transition target %q is not terminal", domain.ErrInvalidArgument, to)
	}
	applied, err := l.payments.UpdateStatusIfPending(ctx, tx, p.ID, to, externalRef, paidAt)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	if externalRef != nil {
		p.ExternalRef = externalRef
	}
	p.PaidAt = paidAt
	metrics.IncPayment(p.Gateway, string(to))
	if to == model.PaymentStatusCompleted {
		metrics.AddPaymentRevenue(p.Currency, p.Amount)
	}
	return true, nil
}
