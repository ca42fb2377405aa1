// File: internal/infra/sched/activation_retry_worker.go
package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"crm-billing-core/internal/usecase"
)

// ActivationRetryWorker drains completed payments whose subscription is
// still inactive. That state only exists when activation broke after the
// ledger flip (db hiccup, crash between commit and hooks), so the scan is
// normally empty.
type ActivationRetryWorker struct {
	activator  usecase.ActivationUseCase
	interval   time.Duration
	batchLimit int
	log        *zerolog.Logger
}

func NewActivationRetryWorker(activator usecase.ActivationUseCase, interval time.Duration, batchLimit int, logger *zerolog.Logger) *ActivationRetryWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if batchLimit <= 0 {
		batchLimit = 100
	}
	l := logger.With().Str("component", "activation-retry-worker").Logger()
	return &ActivationRetryWorker{activator: activator, interval: interval, batchLimit: batchLimit, log: &l}
}

func (w *ActivationRetryWorker) Start(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("activation retry worker stopping")
			return
		case <-t.C:
			n, err := w.activator.RetryPass(ctx, w.batchLimit)
			if err != nil {
				w.log.Error().Err(err).Msg("activation retry pass failed")
				continue
			}
			if n > 0 {
				w.log.Info().Int("activated", n).Msg("activation retry pass recovered subscriptions")
			}
		}
	}
}
