// File: internal/infra/adapters/payment/fib.go
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"crm-billing-core/internal/config"
	"crm-billing-core/internal/domain"
	"crm-billing-core/internal/domain/model"
	"crm-billing-core/internal/domain/ports/adapter"
	"crm-billing-core/internal/infra/metrics"
)

var _ adapter.PaymentGateway = (*FIBGateway)(nil)

// FIBGateway integrates the First Iraqi Bank payment API. Every call carries
// an OAuth2 client-credentials bearer token; tokens are shared across
// instances through the TokenCache so a fleet does not hammer the token
// endpoint.
type FIBGateway struct {
	clientID     string
	clientSecret string
	baseURL      string
	client       *http.Client
	tokens       TokenCache

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewFIBGateway(cfg config.GatewayConfig, callTimeout time.Duration, tokens TokenCache) (*FIBGateway, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: fib client_id/client_secret", domain.ErrGatewayConfig)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: fib base_url", domain.ErrGatewayConfig)
	}
	return &FIBGateway{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		baseURL:      cfg.BaseURL,
		client:       &http.Client{Timeout: callTimeout},
		tokens:       tokens,
	}, nil
}

func (g *FIBGateway) Name() string { return "fib" }

// bearer returns a valid access token, preferring the shared cache, then the
// in-process copy, then a fresh fetch from the token endpoint.
func (g *FIBGateway) bearer(ctx context.Context) (string, error) {
	if g.tokens != nil {
		if tok, err := g.tokens.Get(ctx, g.Name()); err == nil && tok != "" {
			metrics.IncTokenFetch(g.Name(), "cache_hit")
			return tok, nil
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token != "" && time.Now().Before(g.tokenExp) {
		return g.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", g.clientID)
	form.Set("client_secret", g.clientSecret)

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	err := postForm(ctx, g.client, g.Name(), "token", g.baseURL+"/auth/realms/fib-online-shop/protocol/openid-connect/token", nil, form, &out)
	if err != nil {
		metrics.IncTokenFetch(g.Name(), "error")
		return "", err
	}
	if out.AccessToken == "" {
		metrics.IncTokenFetch(g.Name(), "error")
		return "", fmt.Errorf("%w: fib token endpoint returned no token", domain.ErrGatewayConfig)
	}
	metrics.IncTokenFetch(g.Name(), "fetched")

	ttl := time.Duration(out.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	g.token = out.AccessToken
	g.tokenExp = time.Now().Add(ttl - 30*time.Second)
	if g.tokens != nil {
		_ = g.tokens.Put(ctx, g.Name(), out.AccessToken, ttl)
	}
	return out.AccessToken, nil
}

func (g *FIBGateway) authHeaders(ctx context.Context) (map[string]string, error) {
	tok, err := g.bearer(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + tok}, nil
}

func (g *FIBGateway) InitiateSession(ctx context.Context, req adapter.SessionRequest) (*adapter.SessionHandle, error) {
	headers, err := g.authHeaders(ctx)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"monetaryValue": map[string]any{
			"amount":   req.Amount, // whole IQD
			"currency": req.Currency,
		},
		"statusCallbackUrl": req.NotifyURL,
		"redirectUri":       req.ReturnURL,
		"description":       req.Description + " #" + req.SubscriptionRef,
	}
	var out struct {
		PaymentID       string `json:"paymentId"`
		PersonalAppLink string `json:"personalAppLink"`
		ReadableCode    string `json:"readableCode"`
	}
	if err := postJSON(ctx, g.client, g.Name(), "initiate", g.baseURL+"/protected/v1/payments", headers, payload, &out); err != nil {
		return nil, err
	}
	if out.PaymentID == "" {
		return nil, fmt.Errorf("%w: fib create returned no paymentId", domain.ErrGatewayConfig)
	}
	return &adapter.SessionHandle{ExternalRef: out.PaymentID, RedirectURL: out.PersonalAppLink}, nil
}

func (g *FIBGateway) FetchStatus(ctx context.Context, externalRef string) (*adapter.PaymentResult, error) {
	headers, err := g.authHeaders(ctx)
	if err != nil {
		return nil, err
	}
	var out struct {
		PaymentID     string `json:"paymentId"`
		Status        string `json:"status"` // PAID|UNPAID|DECLINED
		DeclineReason string `json:"decliningReason"`
		MonetaryValue struct {
			Amount   float64 `json:"amount"`
			Currency string  `json:"currency"`
		} `json:"monetaryValue"`
		Description string `json:"description"`
	}
	endpoint := g.baseURL + "/protected/v1/payments/" + url.PathEscape(externalRef) + "/status"
	if err := getJSON(ctx, g.client, g.Name(), "query", endpoint, headers, &out); err != nil {
		return nil, err
	}
	if out.PaymentID == "" {
		out.PaymentID = externalRef
	}

	res := &adapter.PaymentResult{
		ExternalRef:     out.PaymentID,
		SubscriptionRef: refFromDescription(out.Description),
		Amount:          amountFromWire(out.MonetaryValue.Currency, out.MonetaryValue.Amount),
		Currency:        out.MonetaryValue.Currency,
		ProviderStatus:  out.Status,
	}
	switch out.Status {
	case "PAID":
		res.Verdict = adapter.VerdictCompleted
	case "UNPAID":
		res.Verdict = adapter.VerdictPending
	default: // DECLINED
		res.Verdict = adapter.VerdictFailed
		res.Reason = out.DeclineReason
	}
	return res, nil
}

func (g *FIBGateway) ParseNotification(channel model.Channel, body []byte, query map[string]string) (*model.ReconciliationEvent, error) {
	ev := &model.ReconciliationEvent{Gateway: g.Name(), ReceivedVia: channel, RawBody: body}

	if channel == model.ChannelReturnRedirect {
		ev.ExternalRef = query["paymentId"]
		if ev.ExternalRef == "" {
			return nil, fmt.Errorf("%w: fib return without paymentId", domain.ErrReconciliation)
		}
		return ev, nil
	}

	var cb struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, errors.Join(domain.ErrReconciliation, err)
	}
	if cb.ID == "" {
		return nil, fmt.Errorf("%w: fib callback without id", domain.ErrReconciliation)
	}
	ev.ExternalRef = cb.ID
	ev.ProviderStatus = cb.Status
	return ev, nil
}

// refFromDescription recovers the subscription ref embedded in the payment
// description at session init, since FIB carries no merchant order field.
func refFromDescription(desc string) string {
	if i := strings.LastIndex(desc, "#"); i >= 0 {
		return strings.TrimSpace(desc[i+1:])
	}
	return ""
}
