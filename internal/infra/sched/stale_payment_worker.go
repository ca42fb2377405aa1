// File: internal/infra/sched/stale_payment_worker.go
package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"crm-billing-core/internal/config"
	"crm-billing-core/internal/domain/model"
	"crm-billing-core/internal/domain/ports/repository"
	"crm-billing-core/internal/infra/worker"
	"crm-billing-core/internal/usecase"
)

// StalePaymentWorker periodically scans for pending payments older than the
// cutoff and pushes each through the reconciliation coordinator on the poll
// channel. This covers lost webhooks, users who never came back from the
// hosted page, and crashes mid-reconcile. Each scan row becomes one pool
// task; dropped tasks are retried by the next scan.
type StalePaymentWorker struct {
	reconciler usecase.ReconcileUseCase
	payments   repository.PaymentRepository
	pool       *worker.Pool
	interval   time.Duration
	staleAfter time.Duration
	batchLimit int
	log        *zerolog.Logger
}

func NewStalePaymentWorker(
	reconciler usecase.ReconcileUseCase,
	payments repository.PaymentRepository,
	pool *worker.Pool,
	cfg config.ReconcilerConfig,
	logger *zerolog.Logger,
) *StalePaymentWorker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	batchLimit := cfg.BatchLimit
	if batchLimit <= 0 {
		batchLimit = 200
	}
	l := logger.With().Str("component", "stale-payment-worker").Logger()
	return &StalePaymentWorker{
		reconciler: reconciler,
		payments:   payments,
		pool:       pool,
		interval:   interval,
		staleAfter: staleAfter,
		batchLimit: batchLimit,
		log:        &l,
	}
}

func (w *StalePaymentWorker) Start(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("stale payment worker stopping")
			return
		case <-t.C:
			w.tick(ctx)
		}
	}
}

func (w *StalePaymentWorker) tick(ctx context.Context) {
	cutoff := time.Now().Add(-w.staleAfter)
	pending, err := w.payments.ListPendingOlderThan(ctx, nil, cutoff, w.batchLimit)
	if err != nil {
		w.log.Error().Err(err).Msg("list stale pending payments failed")
		return
	}
	for _, p := range pending {
		p := p
		if p.ExternalRef == nil || *p.ExternalRef == "" {
			// Nothing to ask the provider about; the row stays pending
			// until a notification correlates it by subscription ref.
			continue
		}
		ev := &model.ReconciliationEvent{
			Gateway:         p.Gateway,
			ExternalRef:     *p.ExternalRef,
			SubscriptionRef: p.SubscriptionRef,
			ReceivedVia:     model.ChannelPoll,
		}
		err := w.pool.Submit(func(ctx context.Context) error {
			if _, err := w.reconciler.Reconcile(ctx, ev); err != nil {
				w.log.Warn().Err(err).
					Str("payment_id", p.ID).
					Str("gateway", p.Gateway).
					Msg("stale payment reconcile failed")
			}
			return nil
		})
		if err != nil {
			w.log.Warn().Err(err).Msg("pool saturated, deferring to next scan")
			return
		}
	}
}
