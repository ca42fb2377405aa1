// File: internal/infra/adapters/payment/qicard.go
package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"crm-billing-core/internal/config"
	"crm-billing-core/internal/domain"
	"crm-billing-core/internal/domain/model"
	"crm-billing-core/internal/domain/ports/adapter"
)

var _ adapter.PaymentGateway = (*QiCardGateway)(nil)

// QiCardGateway talks Basic-Auth to the QiCard merchant API. Its server
// callback payload is unsigned, so the coordinator never acts on it without
// re-querying the status endpoint.
type QiCardGateway struct {
	username string
	password string
	baseURL  string
	client   *http.Client
}

func NewQiCardGateway(cfg config.GatewayConfig, callTimeout time.Duration) (*QiCardGateway, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("%w: qicard username/password", domain.ErrGatewayConfig)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: qicard base_url", domain.ErrGatewayConfig)
	}
	return &QiCardGateway{
		username: cfg.Username,
		password: cfg.Password,
		baseURL:  cfg.BaseURL,
		client:   &http.Client{Timeout: callTimeout},
	}, nil
}

func (g *QiCardGateway) Name() string { return "qicard" }

func (g *QiCardGateway) authHeaders() map[string]string {
	cred := base64.StdEncoding.EncodeToString([]byte(g.username + ":" + g.password))
	return map[string]string{"Authorization": "Basic " + cred}
}

func (g *QiCardGateway) InitiateSession(ctx context.Context, req adapter.SessionRequest) (*adapter.SessionHandle, error) {
	payload := map[string]any{
		"amount":          req.Amount, // whole IQD
		"currency":        req.Currency,
		"orderId":         req.SubscriptionRef,
		"description":     req.Description,
		"successUrl":      req.ReturnURL,
		"failureUrl":      req.ReturnURL,
		"notificationUrl": req.NotifyURL,
	}
	var out struct {
		PaymentID string `json:"paymentId"`
		FormURL   string `json:"formUrl"`
		Message   string `json:"message"`
	}
	if err := postJSON(ctx, g.client, g.Name(), "initiate", g.baseURL+"/api/v1/payments", g.authHeaders(), payload, &out); err != nil {
		return nil, err
	}
	if out.PaymentID == "" || out.FormURL == "" {
		return nil, fmt.Errorf("%w: qicard create rejected: %s", domain.ErrGatewayConfig, out.Message)
	}
	return &adapter.SessionHandle{ExternalRef: out.PaymentID, RedirectURL: out.FormURL}, nil
}

func (g *QiCardGateway) FetchStatus(ctx context.Context, externalRef string) (*adapter.PaymentResult, error) {
	var out struct {
		PaymentID string  `json:"paymentId"`
		OrderID   string  `json:"orderId"`
		Status    string  `json:"status"` // CREATED|PENDING|SUCCESS|FAILED|EXPIRED
		Amount    float64 `json:"amount"`
		Currency  string  `json:"currency"`
		Reason    string  `json:"reason"`
	}
	endpoint := g.baseURL + "/api/v1/payments/" + url.PathEscape(externalRef) + "/status"
	if err := getJSON(ctx, g.client, g.Name(), "query", endpoint, g.authHeaders(), &out); err != nil {
		return nil, err
	}
	if out.PaymentID == "" {
		return nil, fmt.Errorf("%w: qicard payment not found", domain.ErrProviderTransport)
	}

	res := &adapter.PaymentResult{
		ExternalRef:     out.PaymentID,
		SubscriptionRef: out.OrderID,
		Amount:          amountFromWire(out.Currency, out.Amount),
		Currency:        out.Currency,
		ProviderStatus:  out.Status,
	}
	switch out.Status {
	case "SUCCESS":
		res.Verdict = adapter.VerdictCompleted
	case "CREATED", "PENDING":
		res.Verdict = adapter.VerdictPending
	default: // FAILED, EXPIRED, CANCELLED
		res.Verdict = adapter.VerdictFailed
		res.Reason = out.Reason
	}
	return res, nil
}

func (g *QiCardGateway) ParseNotification(channel model.Channel, body []byte, query map[string]string) (*model.ReconciliationEvent, error) {
	ev := &model.ReconciliationEvent{Gateway: g.Name(), ReceivedVia: channel, RawBody: body}

	if channel == model.ChannelReturnRedirect {
		ev.ExternalRef = query["paymentId"]
		ev.SubscriptionRef = query["orderId"]
		if ev.ExternalRef == "" && ev.SubscriptionRef == "" {
			return nil, fmt.Errorf("%w: qicard return without correlation", domain.ErrReconciliation)
		}
		return ev, nil
	}

	var cb struct {
		PaymentID string `json:"paymentId"`
		OrderID   string `json:"orderId"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, errors.Join(domain.ErrReconciliation, err)
	}
	if cb.PaymentID == "" {
		return nil, fmt.Errorf("%w: qicard callback without paymentId", domain.ErrReconciliation)
	}
	ev.ExternalRef = cb.PaymentID
	ev.SubscriptionRef = cb.OrderID
	ev.ProviderStatus = cb.Status
	return ev, nil
}
