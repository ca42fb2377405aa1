// File: internal/usecase/checkout.go
package usecase

import (
	"context"
	"fmt"
	"math"
	"net/url"

	"github.com/rs/zerolog"

	"crm-billing-core/internal/config"
	"crm-billing-core/internal/domain"
	"crm-billing-core/internal/domain/model"
	"crm-billing-core/internal/domain/ports/adapter"
	"crm-billing-core/internal/domain/ports/repository"
	"crm-billing-core/internal/infra/logging"
	"crm-billing-core/internal/infra/metrics"
)

// Compile-time check
var _ CheckoutUseCase = (*checkoutUC)(nil)

// CheckoutSession is what the caller needs to send the user off to pay.
type CheckoutSession struct {
	Payment     *model.Payment
	RedirectURL string
	FormFields  map[string]string
}

type CheckoutUseCase interface {
	// Start prices the subscription, opens a session with the gateway and
	// records the PENDING ledger row. An already-active subscription is
	// rejected before any provider call.
	Start(ctx context.Context, subscriptionRef, gatewayName string) (*CheckoutSession, error)
}

type checkoutUC struct {
	subs     repository.SubscriptionRepository
	plans    repository.PlanRepository
	gateways GatewayResolver
	ledger   *Ledger
	baseURL  string
	usdToIQD float64
	log      *zerolog.Logger
}

func NewCheckoutUseCase(
	subs repository.SubscriptionRepository,
	plans repository.PlanRepository,
	gateways GatewayResolver,
	ledger *Ledger,
	server config.ServerConfig,
	exchange config.ExchangeConfig,
	logger *zerolog.Logger,
) *checkoutUC {
	l := logger.With().Str("component", "checkout").Logger()
	return &checkoutUC{
		subs:     subs,
		plans:    plans,
		gateways: gateways,
		ledger:   ledger,
		baseURL:  server.PublicBaseURL,
		usdToIQD: exchange.USDToIQD,
		log:      &l,
	}
}

func (u *checkoutUC) Start(ctx context.Context, subscriptionRef, gatewayName string) (*CheckoutSession, error) {
	defer logging.TraceDuration(u.log, "CheckoutUC.Start")()
	gw, err := u.gateways.Resolve(gatewayName)
	if err != nil {
		return nil, err
	}

	sub, err := u.subs.FindByID(ctx, nil, subscriptionRef)
	if err != nil {
		return nil, err
	}
	if sub.IsActive {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubscriptionActive, subscriptionRef)
	}

	plan, err := u.plans.FindByID(ctx, nil, sub.PlanRef)
	if err != nil {
		return nil, err
	}

	priceUSD := plan.MonthlyPriceUSD
	if sub.Yearly() {
		priceUSD = plan.YearlyPriceUSD
	}
	amount, currency := u.price(gw.Name(), priceUSD)

	handle, err := gw.InitiateSession(ctx, adapter.SessionRequest{
		SubscriptionRef: subscriptionRef,
		Amount:          amount,
		Currency:        currency,
		Description:     fmt.Sprintf("%s subscription", plan.Name),
		ReturnURL:       u.returnURL(gw.Name()),
		NotifyURL:       u.notifyURL(gw.Name()),
	})
	if err != nil {
		metrics.IncCheckoutSession(gw.Name(), "error")
		return nil, err
	}

	p := &model.Payment{
		SubscriptionRef: subscriptionRef,
		Gateway:         gw.Name(),
		Amount:          amount,
		Currency:        currency,
		ReturnURL:       u.returnURL(gw.Name()),
		Description:     fmt.Sprintf("%s subscription for %s", plan.Name, subscriptionRef),
	}
	if handle.ExternalRef != "" {
		ref := handle.ExternalRef
		p.ExternalRef = &ref
	}
	if err := u.ledger.CreatePending(ctx, nil, p); err != nil {
		// The provider session exists but we have no row to reconcile it
		// into; the stale-session simply expires on the provider side.
		metrics.IncCheckoutSession(gw.Name(), "error")
		return nil, err
	}

	metrics.IncCheckoutSession(gw.Name(), "created")
	u.log.Info().
		Str("payment_id", p.ID).
		Str("subscription_ref", subscriptionRef).
		Str("gateway", gw.Name()).
		Int64("amount", amount).
		Str("currency", currency).
		Msg("checkout session created")
	return &CheckoutSession{Payment: p, RedirectURL: handle.RedirectURL, FormFields: handle.FormFields}, nil
}

// price converts the USD plan price into the gateway's settlement currency
// exactly once; the converted figure is what the ledger stores and what
// every later provider report is compared against.
func (u *checkoutUC) price(gateway string, priceUSDCents int64) (int64, string) {
	if gateway == "stripe" {
		return priceUSDCents, "USD"
	}
	// IQD has no minor unit in practice; round to whole dinars.
	iqd := int64(math.Round(float64(priceUSDCents) / 100.0 * u.usdToIQD))
	return iqd, "IQD"
}

func (u *checkoutUC) returnURL(gateway string) string {
	return u.baseURL + "/" + url.PathEscape(gateway) + "-return"
}

func (u *checkoutUC) notifyURL(gateway string) string {
	return u.baseURL + "/webhooks/" + url.PathEscape(gateway)
}
