// File: internal/infra/adapters/payment/stripe.go
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crm-billing-core/internal/config"
	"crm-billing-core/internal/domain"
	"crm-billing-core/internal/domain/model"
	"crm-billing-core/internal/domain/ports/adapter"
)

var _ adapter.PaymentGateway = (*StripeGateway)(nil)

// StripeGateway uses Checkout Sessions. The subscription reference rides in
// client_reference_id. Stripe is the only provider here whose webhook is
// HMAC-signed end to end, so its webhook payload may be trusted directly.
type StripeGateway struct {
	secretKey string
	baseURL   string
	client    *http.Client
}

func NewStripeGateway(cfg config.GatewayConfig, callTimeout time.Duration) (*StripeGateway, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("%w: stripe secret_key", domain.ErrGatewayConfig)
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.stripe.com"
	}
	return &StripeGateway{
		secretKey: cfg.SecretKey,
		baseURL:   base,
		client:    &http.Client{Timeout: callTimeout},
	}, nil
}

func (g *StripeGateway) Name() string { return "stripe" }

func (g *StripeGateway) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + g.secretKey}
}

func (g *StripeGateway) InitiateSession(ctx context.Context, req adapter.SessionRequest) (*adapter.SessionHandle, error) {
	fields := url.Values{}
	fields.Set("mode", "payment")
	fields.Set("client_reference_id", req.SubscriptionRef)
	fields.Set("success_url", req.ReturnURL)
	fields.Set("cancel_url", req.ReturnURL)
	fields.Set("line_items[0][quantity]", "1")
	fields.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	fields.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.Amount, 10))
	fields.Set("line_items[0][price_data][product_data][name]", req.Description)

	var out struct {
		ID    string `json:"id"`
		URL   string `json:"url"`
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := postForm(ctx, g.client, g.Name(), "initiate", g.baseURL+"/v1/checkout/sessions", g.authHeaders(), fields, &out); err != nil {
		return nil, err
	}
	if out.Error.Type != "" {
		return nil, fmt.Errorf("%w: stripe: %s", domain.ErrGatewayConfig, out.Error.Message)
	}
	if out.ID == "" || out.URL == "" {
		return nil, fmt.Errorf("%w: stripe session missing id/url", domain.ErrProviderTransport)
	}
	return &adapter.SessionHandle{ExternalRef: out.ID, RedirectURL: out.URL}, nil
}

func (g *StripeGateway) FetchStatus(ctx context.Context, externalRef string) (*adapter.PaymentResult, error) {
	var out struct {
		ID                string `json:"id"`
		Status            string `json:"status"`         // open|complete|expired
		PaymentStatus     string `json:"payment_status"` // paid|unpaid|no_payment_required
		ClientReferenceID string `json:"client_reference_id"`
		AmountTotal       int64  `json:"amount_total"`
		Currency          string `json:"currency"`
	}
	if err := getJSON(ctx, g.client, g.Name(), "query", g.baseURL+"/v1/checkout/sessions/"+url.PathEscape(externalRef), g.authHeaders(), &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: stripe session not found", domain.ErrProviderTransport)
	}

	res := &adapter.PaymentResult{
		ExternalRef:     out.ID,
		SubscriptionRef: out.ClientReferenceID,
		Amount:          out.AmountTotal,
		Currency:        strings.ToUpper(out.Currency),
		ProviderStatus:  out.Status + "/" + out.PaymentStatus,
	}
	switch {
	case out.PaymentStatus == "paid":
		res.Verdict = adapter.VerdictCompleted
	case out.Status == "expired":
		res.Verdict = adapter.VerdictFailed
		res.Reason = "checkout session expired"
	default:
		res.Verdict = adapter.VerdictPending
	}
	return res, nil
}

func (g *StripeGateway) ParseNotification(channel model.Channel, body []byte, query map[string]string) (*model.ReconciliationEvent, error) {
	ev := &model.ReconciliationEvent{Gateway: g.Name(), ReceivedVia: channel, RawBody: body}

	if channel == model.ChannelReturnRedirect {
		ev.ExternalRef = query["session_id"]
		if ev.ExternalRef == "" {
			return nil, fmt.Errorf("%w: stripe return without session_id", domain.ErrReconciliation)
		}
		return ev, nil
	}

	var wh struct {
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID                string `json:"id"`
				ClientReferenceID string `json:"client_reference_id"`
				PaymentStatus     string `json:"payment_status"`
				AmountTotal       int64  `json:"amount_total"`
				Currency          string `json:"currency"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, errors.Join(domain.ErrReconciliation, err)
	}
	if wh.Data.Object.ID == "" {
		return nil, fmt.Errorf("%w: stripe event without session id", domain.ErrReconciliation)
	}
	ev.ExternalRef = wh.Data.Object.ID
	ev.SubscriptionRef = wh.Data.Object.ClientReferenceID
	ev.ProviderStatus = wh.Type + "/" + wh.Data.Object.PaymentStatus
	ev.Amount = wh.Data.Object.AmountTotal
	ev.Currency = strings.ToUpper(wh.Data.Object.Currency)
	switch {
	case wh.Data.Object.PaymentStatus == "paid":
		ev.Verdict = model.PaymentStatusCompleted
	case wh.Type == "checkout.session.expired":
		ev.Verdict = model.PaymentStatusFailed
	default:
		ev.Verdict = model.PaymentStatusPending
	}
	return ev, nil
}
