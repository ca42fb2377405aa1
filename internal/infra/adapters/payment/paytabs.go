// File: internal/infra/adapters/payment/paytabs.go
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"crm-billing-core/internal/config"
	"crm-billing-core/internal/domain"
	"crm-billing-core/internal/domain/model"
	"crm-billing-core/internal/domain/ports/adapter"
)

var _ adapter.PaymentGateway = (*PayTabsGateway)(nil)

// PayTabsGateway drives the PayTabs hosted payment page. The subscription
// reference travels as cart_id and comes back on every notification, which
// is what lets the ledger resolve payments created before PayTabs assigned
// a tran_ref.
type PayTabsGateway struct {
	profileID string
	serverKey string
	baseURL   string
	client    *http.Client
}

func NewPayTabsGateway(cfg config.GatewayConfig, callTimeout time.Duration) (*PayTabsGateway, error) {
	if cfg.ProfileID == "" || cfg.ServerKey == "" {
		return nil, fmt.Errorf("%w: paytabs profile_id/server_key", domain.ErrGatewayConfig)
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://secure.paytabs.com"
	}
	return &PayTabsGateway{
		profileID: cfg.ProfileID,
		serverKey: cfg.ServerKey,
		baseURL:   base,
		client:    &http.Client{Timeout: callTimeout},
	}, nil
}

func (g *PayTabsGateway) Name() string { return "paytabs" }

func (g *PayTabsGateway) authHeaders() map[string]string {
	return map[string]string{"Authorization": g.serverKey}
}

func (g *PayTabsGateway) InitiateSession(ctx context.Context, req adapter.SessionRequest) (*adapter.SessionHandle, error) {
	payload := map[string]any{
		"profile_id":    g.profileID,
		"tran_type":     "sale",
		"tran_class":    "ecom",
		"cart_id":       req.SubscriptionRef,
		"cart_currency": req.Currency,
		"cart_amount":   amountForWire(req.Currency, req.Amount),
		"cart_description": req.Description,
		"return":        req.ReturnURL,
		"callback":      req.NotifyURL,
	}
	var out struct {
		TranRef     string `json:"tran_ref"`
		RedirectURL string `json:"redirect_url"`
		Message     string `json:"message"`
	}
	if err := postJSON(ctx, g.client, g.Name(), "initiate", g.baseURL+"/payment/request", g.authHeaders(), payload, &out); err != nil {
		return nil, err
	}
	if out.TranRef == "" || out.RedirectURL == "" {
		return nil, fmt.Errorf("%w: paytabs request rejected: %s", domain.ErrGatewayConfig, out.Message)
	}
	return &adapter.SessionHandle{ExternalRef: out.TranRef, RedirectURL: out.RedirectURL}, nil
}

func (g *PayTabsGateway) FetchStatus(ctx context.Context, externalRef string) (*adapter.PaymentResult, error) {
	payload := map[string]any{
		"profile_id": g.profileID,
		"tran_ref":   externalRef,
	}
	var out struct {
		TranRef       string  `json:"tran_ref"`
		CartID        string  `json:"cart_id"`
		CartAmount    string  `json:"cart_amount"`
		CartCurrency  string  `json:"cart_currency"`
		PaymentResult struct {
			ResponseStatus  string `json:"response_status"`
			ResponseMessage string `json:"response_message"`
		} `json:"payment_result"`
	}
	if err := postJSON(ctx, g.client, g.Name(), "query", g.baseURL+"/payment/query", g.authHeaders(), payload, &out); err != nil {
		return nil, err
	}
	if out.TranRef == "" {
		return nil, fmt.Errorf("%w: paytabs query returned no transaction", domain.ErrProviderTransport)
	}

	amt, err := parseCartAmount(out.CartAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: paytabs query cart_amount %q", domain.ErrProviderTransport, out.CartAmount)
	}
	res := &adapter.PaymentResult{
		ExternalRef:     out.TranRef,
		SubscriptionRef: out.CartID,
		Amount:          amountFromWire(out.CartCurrency, amt),
		Currency:        out.CartCurrency,
		ProviderStatus:  out.PaymentResult.ResponseStatus,
	}
	res.Verdict = payTabsVerdict(out.PaymentResult.ResponseStatus)
	if res.Verdict == adapter.VerdictFailed {
		res.Reason = out.PaymentResult.ResponseMessage
	}
	return res, nil
}

func (g *PayTabsGateway) ParseNotification(channel model.Channel, body []byte, query map[string]string) (*model.ReconciliationEvent, error) {
	ev := &model.ReconciliationEvent{Gateway: g.Name(), ReceivedVia: channel, RawBody: body}

	if channel == model.ChannelReturnRedirect {
		// Return redirect carries only form/query hints.
		ev.ExternalRef = query["tranRef"]
		ev.SubscriptionRef = query["cartId"]
		ev.ProviderStatus = query["respStatus"]
		if ev.ExternalRef == "" && ev.SubscriptionRef == "" {
			return nil, fmt.Errorf("%w: paytabs return without tranRef or cartId", domain.ErrReconciliation)
		}
		return ev, nil
	}

	var cb struct {
		TranRef       string `json:"tran_ref"`
		CartID        string `json:"cart_id"`
		CartAmount    string `json:"cart_amount"`
		CartCurrency  string `json:"cart_currency"`
		PaymentResult struct {
			ResponseStatus string `json:"response_status"`
		} `json:"payment_result"`
	}
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, errors.Join(domain.ErrReconciliation, err)
	}
	if cb.TranRef == "" {
		return nil, fmt.Errorf("%w: paytabs callback without tran_ref", domain.ErrReconciliation)
	}
	amt, err := parseCartAmount(cb.CartAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: paytabs callback cart_amount %q", domain.ErrReconciliation, cb.CartAmount)
	}
	ev.ExternalRef = cb.TranRef
	ev.SubscriptionRef = cb.CartID
	ev.ProviderStatus = cb.PaymentResult.ResponseStatus
	ev.Amount = amountFromWire(cb.CartCurrency, amt)
	ev.Currency = cb.CartCurrency
	ev.Verdict = model.PaymentStatus(payTabsVerdict(cb.PaymentResult.ResponseStatus))
	return ev, nil
}

// parseCartAmount reads PayTabs' decimal-string amount. An absent amount is
// fine (no cross-check possible); a malformed one is not, because a zero
// would silently disable the amount cross-check.
func parseCartAmount(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// payTabsVerdict maps the response_status vocabulary: A approved, H hold,
// P pending, everything else declined.
func payTabsVerdict(status string) adapter.Verdict {
	switch status {
	case "A":
		return adapter.VerdictCompleted
	case "P", "H":
		return adapter.VerdictPending
	default:
		return adapter.VerdictFailed
	}
}
