//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v4"

	"crm-billing-core/internal/domain/model"
	"crm-billing-core/internal/domain/ports/repository"
	"crm-billing-core/internal/usecase"
)

type activationDeps struct {
	subs      *MockSubscriptionRepo
	companies *MockCompanyRepo
	payments  *MockPaymentRepo
	tm        *MockTxManager
	uc        usecase.ActivationUseCase
}

func newActivationDeps() *activationDeps {
	d := &activationDeps{
		subs:      NewMockSubscriptionRepo(),
		companies: NewMockCompanyRepo(),
		payments:  NewMockPaymentRepo(),
		tm:        NewMockTxManager(),
	}
	d.subs.Put(&model.Subscription{ID: "sub-1", CompanyRef: "co-1"})
	d.companies.Put(&model.Company{ID: "co-1", Name: "Acme"})
	d.uc = usecase.NewActivationUseCase(d.subs, d.companies, d.payments, d.tm, newTestLogger())
	return d
}

func TestActivation_Activate(t *testing.T) {
	ctx := context.Background()

	t.Run("flips once and stamps the company", func(t *testing.T) {
		// --- Arrange ---
		d := newActivationDeps()

		// --- Act ---
		first, err1 := d.uc.Activate(ctx, nil, "sub-1", &model.Payment{ID: "p-1"})
		second, err2 := d.uc.Activate(ctx, nil, "sub-1", &model.Payment{ID: "p-1"})

		// --- Assert ---
		if err1 != nil || err2 != nil {
			t.Fatalf("expected no errors, got %v / %v", err1, err2)
		}
		if !first {
			t.Error("first call must perform the flip")
		}
		if second {
			t.Error("second call must be a no-op")
		}
		if d.subs.ActivationCount != 1 {
			t.Errorf("expected one flip, got %d", d.subs.ActivationCount)
		}
		co, _ := d.companies.FindByID(ctx, nil, "co-1")
		if !co.RegistrationCompleted {
			t.Error("expected registration-completed stamp")
		}
	})

	t.Run("company stamp failure does not undo the activation", func(t *testing.T) {
		// --- Arrange ---
		d := newActivationDeps()
		d.companies.Err = errors.New("crm schema offline")

		// --- Act ---
		flipped, err := d.uc.Activate(ctx, nil, "sub-1", nil)

		// --- Assert ---
		if err != nil {
			t.Fatalf("stamp failure must not propagate, got %v", err)
		}
		if !flipped {
			t.Error("expected the flip to report success")
		}
		sub, _ := d.subs.FindByID(ctx, nil, "sub-1")
		if !sub.IsActive {
			t.Error("expected the subscription to stay active")
		}
	})

	t.Run("repository error surfaces", func(t *testing.T) {
		// --- Arrange ---
		d := newActivationDeps()
		want := errors.New("deadlock detected")
		d.subs.ActivateIfInactiveFunc = func(ctx context.Context, tx repository.Tx, id string) (bool, error) {
			return false, want
		}

		// --- Act ---
		_, err := d.uc.Activate(ctx, nil, "sub-1", nil)

		// --- Assert ---
		if !errors.Is(err, want) {
			t.Errorf("expected the repo error, got %v", err)
		}
	})
}

func TestActivation_Hooks(t *testing.T) {
	ctx := context.Background()

	t.Run("hooks fire in order with the activating payment", func(t *testing.T) {
		// --- Arrange ---
		d := newActivationDeps()
		var calls []string
		d.uc.RegisterHook(func(ctx context.Context, subRef string, p *model.Payment) {
			calls = append(calls, "first:"+subRef+":"+p.ID)
		})
		d.uc.RegisterHook(func(ctx context.Context, subRef string, p *model.Payment) {
			calls = append(calls, "second:"+subRef+":"+p.ID)
		})

		// --- Act ---
		d.uc.NotifyActivated(ctx, "sub-1", &model.Payment{ID: "p-1"})

		// --- Assert ---
		if len(calls) != 2 || calls[0] != "first:sub-1:p-1" || calls[1] != "second:sub-1:p-1" {
			t.Errorf("unexpected hook calls: %v", calls)
		}
	})

	t.Run("a panicking hook does not stop the rest", func(t *testing.T) {
		// --- Arrange ---
		d := newActivationDeps()
		ran := false
		d.uc.RegisterHook(func(ctx context.Context, subRef string, p *model.Payment) {
			panic("notifier exploded")
		})
		d.uc.RegisterHook(func(ctx context.Context, subRef string, p *model.Payment) {
			ran = true
		})

		// --- Act ---
		d.uc.NotifyActivated(ctx, "sub-1", &model.Payment{ID: "p-1"})

		// --- Assert ---
		if !ran {
			t.Error("hooks after a panic must still run")
		}
	})
}

func TestActivation_RetryPass(t *testing.T) {
	ctx := context.Background()

	t.Run("activates stuck completed payments", func(t *testing.T) {
		// --- Arrange ---
		d := newActivationDeps()
		d.subs.Put(&model.Subscription{ID: "sub-2", CompanyRef: "co-1"})
		d.payments.CompletedUnactivated = []*model.Payment{
			{ID: "p-1", SubscriptionRef: "sub-1", Status: model.PaymentStatusCompleted, CreatedAt: time.Now()},
			{ID: "p-2", SubscriptionRef: "sub-2", Status: model.PaymentStatusCompleted, CreatedAt: time.Now()},
		}
		var notified []string
		d.uc.RegisterHook(func(ctx context.Context, subRef string, p *model.Payment) {
			notified = append(notified, subRef)
		})

		// --- Act ---
		activated, err := d.uc.RetryPass(ctx, 100)

		// --- Assert ---
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if activated != 2 {
			t.Errorf("expected 2 activations, got %d", activated)
		}
		if len(notified) != 2 {
			t.Errorf("expected hooks for both, got %v", notified)
		}
	})

	t.Run("already active subscriptions are skipped quietly", func(t *testing.T) {
		// --- Arrange ---
		d := newActivationDeps()
		if _, err := d.subs.ActivateIfInactive(ctx, nil, "sub-1"); err != nil {
			t.Fatalf("seed active: %v", err)
		}
		d.subs.ActivationCount = 0
		d.payments.CompletedUnactivated = []*model.Payment{
			{ID: "p-1", SubscriptionRef: "sub-1", Status: model.PaymentStatusCompleted},
		}

		// --- Act ---
		activated, err := d.uc.RetryPass(ctx, 100)

		// --- Assert ---
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if activated != 0 {
			t.Errorf("expected 0 activations, got %d", activated)
		}
		if d.subs.ActivationCount != 0 {
			t.Errorf("expected no flips, got %d", d.subs.ActivationCount)
		}
	})

	t.Run("cancellation aborts the pass", func(t *testing.T) {
		// --- Arrange ---
		d := newActivationDeps()
		d.payments.CompletedUnactivated = []*model.Payment{
			{ID: "p-1", SubscriptionRef: "sub-1", Status: model.PaymentStatusCompleted},
		}
		d.tm.WithTxFunc = func(ctx context.Context, txOpt pgx.TxOptions, fn func(context.Context, repository.Tx) error) error {
			return context.Canceled
		}

		// --- Act ---
		_, err := d.uc.RetryPass(ctx, 100)

		// --- Assert ---
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}
