//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crm-billing-core/internal/domain"
	"crm-billing-core/internal/domain/model"
	"crm-billing-core/internal/domain/ports/adapter"
	"crm-billing-core/internal/infra/redis"
	"crm-billing-core/internal/usecase"
)

type reconcileDeps struct {
	payments  *MockPaymentRepo
	subs      *MockSubscriptionRepo
	companies *MockCompanyRepo
	audits    *MockAuditRepo
	gateway   *MockGateway
	verifier  *MockVerifier
	tm        *MockTxManager
	ledger    *usecase.Ledger
	activator usecase.ActivationUseCase
	uc        usecase.ReconcileUseCase
}

func newReconcileDeps() *reconcileDeps {
	logger := newTestLogger()
	d := &reconcileDeps{
		payments:  NewMockPaymentRepo(),
		subs:      NewMockSubscriptionRepo(),
		companies: NewMockCompanyRepo(),
		audits:    &MockAuditRepo{},
		gateway:   &MockGateway{GatewayName: "paytabs"},
		verifier:  &MockVerifier{Trust: adapter.TrustRequery},
		tm:        NewMockTxManager(),
	}
	d.ledger = usecase.NewLedger(d.payments, logger)
	d.activator = usecase.NewActivationUseCase(d.subs, d.companies, d.payments, d.tm, logger)
	d.uc = usecase.NewReconcileUseCase(
		NewMockResolver(d.gateway), d.verifier, d.ledger, d.activator, d.audits, d.tm, nil, logger)
	return d
}

// seedPending puts a PENDING payment and its inactive subscription in place.
func (d *reconcileDeps) seedPending(t *testing.T, externalRef string) *model.Payment {
	t.Helper()
	d.subs.Put(&model.Subscription{
		ID:         "sub-1",
		CompanyRef: "co-1",
		PlanRef:    "plan-1",
		StartDate:  time.Now(),
		EndDate:    time.Now().AddDate(0, 1, 0),
	})
	d.companies.Put(&model.Company{ID: "co-1", Name: "Acme"})
	p := &model.Payment{
		SubscriptionRef: "sub-1",
		Gateway:         "paytabs",
		Amount:          37700,
		Currency:        "IQD",
	}
	if err := d.ledger.CreatePending(context.Background(), nil, p); err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	if externalRef != "" {
		ref := externalRef
		p.ExternalRef = &ref
		if err := d.payments.Save(context.Background(), nil, p); err != nil {
			t.Fatalf("seed external ref: %v", err)
		}
	}
	return p
}

func approvedResult(ref string, amount int64) *adapter.PaymentResult {
	return &adapter.PaymentResult{
		ExternalRef:     ref,
		SubscriptionRef: "sub-1",
		Amount:          amount,
		Currency:        "IQD",
		Verdict:         adapter.VerdictCompleted,
		ProviderStatus:  "A",
	}
}

func TestReconcile_RequeryCompletesAndActivates(t *testing.T) {
	ctx := context.Background()

	t.Run("return redirect resolves by subscription ref and activates", func(t *testing.T) {
		// --- Arrange ---
		d := newReconcileDeps()
		p := d.seedPending(t, "") // external_ref unset, like a fresh paytabs session
		d.gateway.FetchStatusFunc = func(ctx context.Context, ref string) (*adapter.PaymentResult, error) {
			return approvedResult(ref, 37700), nil
		}
		ev := &model.ReconciliationEvent{
			Gateway:         "paytabs",
			ExternalRef:     "T1",
			SubscriptionRef: "sub-1",
			ReceivedVia:     model.ChannelReturnRedirect,
		}

		// --- Act ---
		res, err := d.uc.Reconcile(ctx, ev)

		// --- Assert ---
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if res.Outcome != usecase.OutcomeAppliedCompleted {
			t.Fatalf("expected applied_completed, got %s", res.Outcome)
		}
		if !res.Activated {
			t.Error("expected the subscription to be activated")
		}
		stored := d.payments.Get(p.ID)
		if stored.Status != model.PaymentStatusCompleted {
			t.Errorf("expected stored status completed, got %s", stored.Status)
		}
		if stored.ExternalRef == nil || *stored.ExternalRef != "T1" {
			t.Error("expected external_ref T1 to be stamped on the row")
		}
		sub, _ := d.subs.FindByID(ctx, nil, "sub-1")
		if !sub.IsActive {
			t.Error("expected subscription to be active")
		}
		co, _ := d.companies.FindByID(ctx, nil, "co-1")
		if !co.RegistrationCompleted {
			t.Error("expected company registration flag to be stamped")
		}
	})

	t.Run("duplicate notifications activate exactly once", func(t *testing.T) {
		// --- Arrange ---
		d := newReconcileDeps()
		d.seedPending(t, "")
		d.gateway.FetchStatusFunc = func(ctx context.Context, ref string) (*adapter.PaymentResult, error) {
			return approvedResult(ref, 37700), nil
		}
		ev := &model.ReconciliationEvent{
			Gateway:         "paytabs",
			ExternalRef:     "T1",
			SubscriptionRef: "sub-1",
			ReceivedVia:     model.ChannelServerCallback,
		}

		// --- Act: same event delivered five times ---
		var applied, duplicate int
		for i := 0; i < 5; i++ {
			res, err := d.uc.Reconcile(ctx, ev)
			if err != nil {
				t.Fatalf("delivery %d: %v", i, err)
			}
			switch res.Outcome {
			case usecase.OutcomeAppliedCompleted:
				applied++
			case usecase.OutcomeDuplicate:
				duplicate++
			}
		}

		// --- Assert ---
		if applied != 1 || duplicate != 4 {
			t.Errorf("expected 1 applied / 4 duplicates, got %d / %d", applied, duplicate)
		}
		if d.subs.ActivationCount != 1 {
			t.Errorf("expected exactly one activation, got %d", d.subs.ActivationCount)
		}
	})

	t.Run("return then webhook for the same transaction", func(t *testing.T) {
		// Payment created without external ref; return redirect carries the
		// tran ref first, webhook repeats it two seconds later.
		// --- Arrange ---
		d := newReconcileDeps()
		p := d.seedPending(t, "")
		d.gateway.FetchStatusFunc = func(ctx context.Context, ref string) (*adapter.PaymentResult, error) {
			return approvedResult(ref, 37700), nil
		}

		// --- Act ---
		ret := &model.ReconciliationEvent{
			Gateway:         "paytabs",
			ExternalRef:     "T1",
			SubscriptionRef: "sub-1",
			ReceivedVia:     model.ChannelReturnRedirect,
		}
		first, err := d.uc.Reconcile(ctx, ret)
		if err != nil {
			t.Fatalf("return redirect: %v", err)
		}

		d.verifier.Trust = adapter.TrustPayload
		hook := &model.ReconciliationEvent{
			Gateway:     "paytabs",
			ExternalRef: "T1",
			Verdict:     model.PaymentStatusCompleted,
			ReceivedVia: model.ChannelServerCallback,
		}
		second, err := d.uc.Reconcile(ctx, hook)
		if err != nil {
			t.Fatalf("webhook: %v", err)
		}

		// --- Assert ---
		if first.Outcome != usecase.OutcomeAppliedCompleted {
			t.Errorf("expected first delivery applied, got %s", first.Outcome)
		}
		if second.Outcome != usecase.OutcomeDuplicate {
			t.Errorf("expected second delivery duplicate, got %s", second.Outcome)
		}
		if d.subs.ActivationCount != 1 {
			t.Errorf("expected one activation, got %d", d.subs.ActivationCount)
		}
		if got := d.payments.Get(p.ID).Status; got != model.PaymentStatusCompleted {
			t.Errorf("expected completed, got %s", got)
		}
	})
}

func TestReconcile_TrustAndSafety(t *testing.T) {
	ctx := context.Background()

	t.Run("verification failure rejects without touching the ledger", func(t *testing.T) {
		// --- Arrange ---
		d := newReconcileDeps()
		p := d.seedPending(t, "T1")
		d.verifier.Err = domain.ErrAuthVerification

		// --- Act ---
		_, err := d.uc.Reconcile(ctx, &model.ReconciliationEvent{
			Gateway:     "paytabs",
			ExternalRef: "T1",
			ReceivedVia: model.ChannelWebhook,
		})

		// --- Assert ---
		if !errors.Is(err, domain.ErrAuthVerification) {
			t.Fatalf("expected ErrAuthVerification, got %v", err)
		}
		if got := d.payments.Get(p.ID).Status; got != model.PaymentStatusPending {
			t.Errorf("ledger must stay pending, got %s", got)
		}
		if d.gateway.Fetches() != 0 {
			t.Error("rejected event must not reach the provider")
		}
	})

	t.Run("unresolvable event mutates nothing and creates no row", func(t *testing.T) {
		// --- Arrange ---
		d := newReconcileDeps()
		d.seedPending(t, "T1")

		// --- Act ---
		_, err := d.uc.Reconcile(ctx, &model.ReconciliationEvent{
			Gateway:     "paytabs",
			ExternalRef: "T-unknown",
			ReceivedVia: model.ChannelWebhook,
		})

		// --- Assert ---
		if !errors.Is(err, domain.ErrReconciliation) {
			t.Fatalf("expected ErrReconciliation, got %v", err)
		}
		if d.subs.ActivationCount != 0 {
			t.Error("unresolvable event must not activate anything")
		}
		outcomes := d.audits.Outcomes()
		if len(outcomes) != 1 || outcomes[0] != "unresolved" {
			t.Errorf("expected one unresolved audit entry, got %v", outcomes)
		}
	})

	t.Run("pending provider verdict leaves the row pending", func(t *testing.T) {
		// --- Arrange ---
		d := newReconcileDeps()
		p := d.seedPending(t, "T1")
		d.gateway.FetchStatusFunc = func(ctx context.Context, ref string) (*adapter.PaymentResult, error) {
			return &adapter.PaymentResult{
				ExternalRef: ref, Verdict: adapter.VerdictPending, ProviderStatus: "P",
			}, nil
		}

		// --- Act ---
		res, err := d.uc.Reconcile(ctx, &model.ReconciliationEvent{
			Gateway:     "paytabs",
			ExternalRef: "T1",
			ReceivedVia: model.ChannelPoll,
		})

		// --- Assert ---
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if res.Outcome != usecase.OutcomeStillPending {
			t.Errorf("expected still_pending, got %s", res.Outcome)
		}
		if got := d.payments.Get(p.ID).Status; got != model.PaymentStatusPending {
			t.Errorf("expected pending, got %s", got)
		}
		if d.subs.ActivationCount != 0 {
			t.Error("pending verdict must not activate")
		}
	})

	t.Run("provider rejection maps to failed without activation", func(t *testing.T) {
		// --- Arrange ---
		d := newReconcileDeps()
		p := d.seedPending(t, "T1")
		d.gateway.FetchStatusFunc = func(ctx context.Context, ref string) (*adapter.PaymentResult, error) {
			return &adapter.PaymentResult{
				ExternalRef: ref, Verdict: adapter.VerdictFailed,
				ProviderStatus: "D", Reason: "insufficient funds",
			}, nil
		}

		// --- Act ---
		res, err := d.uc.Reconcile(ctx, &model.ReconciliationEvent{
			Gateway:     "paytabs",
			ExternalRef: "T1",
			ReceivedVia: model.ChannelServerCallback,
		})

		// --- Assert ---
		if err != nil {
			t.Fatalf("rejection is a result, not an error: %v", err)
		}
		if res.Outcome != usecase.OutcomeAppliedFailed {
			t.Errorf("expected applied_failed, got %s", res.Outcome)
		}
		if got := d.payments.Get(p.ID).Status; got != model.PaymentStatusFailed {
			t.Errorf("expected failed, got %s", got)
		}
		if d.subs.ActivationCount != 0 {
			t.Error("failed payment must not activate")
		}
	})

	t.Run("failed rows are never resurrected", func(t *testing.T) {
		// --- Arrange ---
		d := newReconcileDeps()
		p := d.seedPending(t, "T1")
		if _, err := d.payments.UpdateStatusIfPending(ctx, nil, p.ID, model.PaymentStatusFailed, nil, nil); err != nil {
			t.Fatalf("seed failed status: %v", err)
		}
		d.gateway.FetchStatusFunc = func(ctx context.Context, ref string) (*adapter.PaymentResult, error) {
			return approvedResult(ref, 37700), nil
		}

		// --- Act ---
		res, err := d.uc.Reconcile(ctx, &model.ReconciliationEvent{
			Gateway:     "paytabs",
			ExternalRef: "T1",
			ReceivedVia: model.ChannelWebhook,
		})

		// --- Assert ---
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if res.Outcome != usecase.OutcomeDuplicate {
			t.Errorf("expected duplicate no-op, got %s", res.Outcome)
		}
		if got := d.payments.Get(p.ID).Status; got != model.PaymentStatusFailed {
			t.Errorf("failed row must stay failed, got %s", got)
		}
		if d.subs.ActivationCount != 0 {
			t.Error("no activation may come from a failed row")
		}
	})

	t.Run("provider amount mismatch is rejected", func(t *testing.T) {
		// --- Arrange ---
		d := newReconcileDeps()
		p := d.seedPending(t, "T1")
		d.gateway.FetchStatusFunc = func(ctx context.Context, ref string) (*adapter.PaymentResult, error) {
			return approvedResult(ref, 99), nil
		}

		// --- Act ---
		_, err := d.uc.Reconcile(ctx, &model.ReconciliationEvent{
			Gateway:     "paytabs",
			ExternalRef: "T1",
			ReceivedVia: model.ChannelWebhook,
		})

		// --- Assert ---
		if !errors.Is(err, domain.ErrAmountMismatch) {
			t.Fatalf("expected ErrAmountMismatch, got %v", err)
		}
		if got := d.payments.Get(p.ID).Status; got != model.PaymentStatusPending {
			t.Errorf("mismatch must not touch the row, got %s", got)
		}
	})

	t.Run("transport failure surfaces for provider retry", func(t *testing.T) {
		// --- Arrange ---
		d := newReconcileDeps()
		p := d.seedPending(t, "T1")
		d.gateway.FetchStatusFunc = func(ctx context.Context, ref string) (*adapter.PaymentResult, error) {
			return nil, domain.ErrProviderTransport
		}

		// --- Act ---
		_, err := d.uc.Reconcile(ctx, &model.ReconciliationEvent{
			Gateway:     "paytabs",
			ExternalRef: "T1",
			ReceivedVia: model.ChannelServerCallback,
		})

		// --- Assert ---
		if !errors.Is(err, domain.ErrProviderTransport) {
			t.Fatalf("expected ErrProviderTransport, got %v", err)
		}
		if got := d.payments.Get(p.ID).Status; got != model.PaymentStatusPending {
			t.Errorf("no partial state on timeout, got %s", got)
		}
	})
}

func TestReconcile_ConcurrentDeliveries(t *testing.T) {
	// Webhook, return redirect and poll all land at once; whatever the
	// interleaving, exactly one wins and exactly one activation happens.
	ctx := context.Background()
	d := newReconcileDeps()
	d.seedPending(t, "T1")
	d.gateway.FetchStatusFunc = func(ctx context.Context, ref string) (*adapter.PaymentResult, error) {
		return approvedResult(ref, 37700), nil
	}

	channels := []model.Channel{
		model.ChannelWebhook,
		model.ChannelReturnRedirect,
		model.ChannelServerCallback,
		model.ChannelPoll,
		model.ChannelWebhook,
		model.ChannelReturnRedirect,
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := make(map[usecase.Outcome]int)
	for _, ch := range channels {
		ch := ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.uc.Reconcile(ctx, &model.ReconciliationEvent{
				Gateway:         "paytabs",
				ExternalRef:     "T1",
				SubscriptionRef: "sub-1",
				ReceivedVia:     ch,
			})
			if err != nil {
				t.Errorf("concurrent reconcile: %v", err)
				return
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if outcomes[usecase.OutcomeAppliedCompleted] != 1 {
		t.Errorf("expected exactly one applied_completed, got %v", outcomes)
	}
	if d.subs.ActivationCount != 1 {
		t.Errorf("expected exactly one activation, got %d", d.subs.ActivationCount)
	}
}

func TestReconcile_LockedRequerySkips(t *testing.T) {
	// A held reconcile lock defers the requery instead of hammering the
	// provider; the row stays pending for the next channel to finish.
	ctx := context.Background()
	d := newReconcileDeps()
	locker := NewMockLocker()
	d.uc = usecase.NewReconcileUseCase(
		NewMockResolver(d.gateway), d.verifier, d.ledger, d.activator, d.audits, d.tm, locker, newTestLogger())
	p := d.seedPending(t, "T1")

	if _, err := locker.TryLock(ctx, redis.ReconcileLockKey("paytabs", "T1"), time.Minute); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	res, err := d.uc.Reconcile(ctx, &model.ReconciliationEvent{
		Gateway:     "paytabs",
		ExternalRef: "T1",
		ReceivedVia: model.ChannelServerCallback,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.Outcome != usecase.OutcomeInProgress {
		t.Errorf("expected in_progress, got %s", res.Outcome)
	}
	if d.gateway.Fetches() != 0 {
		t.Error("held lock must prevent the provider call")
	}
	if got := d.payments.Get(p.ID).Status; got != model.PaymentStatusPending {
		t.Errorf("expected pending, got %s", got)
	}
}

func TestReconcile_LockerOutageStillReconciles(t *testing.T) {
	// A redis transport failure degrades to an unserialized requery; it must
	// never look like contention, or the event would be acked with nothing done.
	ctx := context.Background()
	d := newReconcileDeps()
	locker := NewMockLocker()
	locker.Err = errors.New("dial tcp 127.0.0.1:6379: connection refused")
	d.uc = usecase.NewReconcileUseCase(
		NewMockResolver(d.gateway), d.verifier, d.ledger, d.activator, d.audits, d.tm, locker, newTestLogger())
	d.seedPending(t, "T1")
	d.gateway.FetchStatusFunc = func(ctx context.Context, ref string) (*adapter.PaymentResult, error) {
		return approvedResult(ref, 37700), nil
	}

	res, err := d.uc.Reconcile(ctx, &model.ReconciliationEvent{
		Gateway:     "paytabs",
		ExternalRef: "T1",
		ReceivedVia: model.ChannelServerCallback,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.Outcome != usecase.OutcomeAppliedCompleted {
		t.Fatalf("expected applied_completed, got %s", res.Outcome)
	}
	if d.gateway.Fetches() != 1 {
		t.Errorf("expected one provider requery, got %d", d.gateway.Fetches())
	}
}
