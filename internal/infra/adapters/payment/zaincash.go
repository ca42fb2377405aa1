// File: internal/infra/adapters/payment/zaincash.go
package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"crm-billing-core/internal/config"
	"crm-billing-core/internal/domain"
	"crm-billing-core/internal/domain/model"
	"crm-billing-core/internal/domain/ports/adapter"
)

var _ adapter.PaymentGateway = (*ZainCashGateway)(nil)

// ZainCashGateway integrates the ZainCash wallet. Every request to the
// provider is a JWT signed with the merchant secret; the return redirect
// carries a JWT back, which the verifier checks (and reconciliation still
// re-queries /transaction/get, since the redirect passes through a browser).
type ZainCashGateway struct {
	merchantID string
	secret     string
	msisdn     string
	baseURL    string
	client     *http.Client
}

func NewZainCashGateway(cfg config.GatewayConfig, callTimeout time.Duration) (*ZainCashGateway, error) {
	if cfg.MerchantID == "" || cfg.Secret == "" || cfg.MSISDN == "" {
		return nil, fmt.Errorf("%w: zaincash merchant_id/secret/msisdn", domain.ErrGatewayConfig)
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.zaincash.iq"
		if cfg.Env == "test" {
			base = "https://test.zaincash.iq"
		}
	}
	return &ZainCashGateway{
		merchantID: cfg.MerchantID,
		secret:     cfg.Secret,
		msisdn:     cfg.MSISDN,
		baseURL:    base,
		client:     &http.Client{Timeout: callTimeout},
	}, nil
}

func (g *ZainCashGateway) Name() string { return "zaincash" }

func (g *ZainCashGateway) sign(claims jwt.MapClaims) (string, error) {
	now := time.Now()
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(4 * time.Hour).Unix()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(g.secret))
}

func (g *ZainCashGateway) InitiateSession(ctx context.Context, req adapter.SessionRequest) (*adapter.SessionHandle, error) {
	token, err := g.sign(jwt.MapClaims{
		"amount":      req.Amount, // whole IQD
		"serviceType": req.Description,
		"msisdn":      g.msisdn,
		"orderId":     req.SubscriptionRef,
		"redirectUrl": req.ReturnURL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: zaincash token sign: %v", domain.ErrGatewayConfig, err)
	}

	fields := url.Values{}
	fields.Set("token", token)
	fields.Set("merchantId", g.merchantID)
	fields.Set("lang", "en")
	var out struct {
		ID  string `json:"id"`
		Err struct {
			Msg string `json:"msg"`
		} `json:"err"`
	}
	if err := postForm(ctx, g.client, g.Name(), "initiate", g.baseURL+"/transaction/init", nil, fields, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: zaincash init rejected: %s", domain.ErrGatewayConfig, out.Err.Msg)
	}
	return &adapter.SessionHandle{
		ExternalRef: out.ID,
		RedirectURL: g.baseURL + "/transaction/pay?id=" + out.ID,
	}, nil
}

func (g *ZainCashGateway) FetchStatus(ctx context.Context, externalRef string) (*adapter.PaymentResult, error) {
	token, err := g.sign(jwt.MapClaims{
		"id":     externalRef,
		"msisdn": g.msisdn,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: zaincash token sign: %v", domain.ErrGatewayConfig, err)
	}

	fields := url.Values{}
	fields.Set("token", token)
	fields.Set("merchantId", g.merchantID)
	var out struct {
		ID      string  `json:"id"`
		Status  string  `json:"status"`
		Amount  float64 `json:"amount"`
		OrderID string  `json:"orderid"`
		Msg     string  `json:"msg"`
	}
	if err := postForm(ctx, g.client, g.Name(), "query", g.baseURL+"/transaction/get", nil, fields, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: zaincash transaction not found", domain.ErrProviderTransport)
	}

	res := &adapter.PaymentResult{
		ExternalRef:     out.ID,
		SubscriptionRef: out.OrderID,
		Amount:          amountFromWire("IQD", out.Amount),
		Currency:        "IQD",
		ProviderStatus:  out.Status,
	}
	switch out.Status {
	case "success", "completed":
		res.Verdict = adapter.VerdictCompleted
	case "pending":
		res.Verdict = adapter.VerdictPending
	default: // failed, rejected, ...
		res.Verdict = adapter.VerdictFailed
		res.Reason = out.Msg
	}
	return res, nil
}

func (g *ZainCashGateway) ParseNotification(channel model.Channel, body []byte, query map[string]string) (*model.ReconciliationEvent, error) {
	token := query["token"]
	if token == "" {
		return nil, fmt.Errorf("%w: zaincash notification without token", domain.ErrReconciliation)
	}
	// Claims are extracted unverified here purely as correlation hints; the
	// verifier owns signature/expiry checks.
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: zaincash token unreadable: %v", domain.ErrReconciliation, err)
	}
	ev := &model.ReconciliationEvent{
		Gateway:     g.Name(),
		ReceivedVia: channel,
		RawBody:     body,
		Headers:     map[string]string{"token": token},
	}
	if v, ok := claims["id"].(string); ok {
		ev.ExternalRef = v
	}
	if v, ok := claims["orderid"].(string); ok {
		ev.SubscriptionRef = v
	}
	if v, ok := claims["status"].(string); ok {
		ev.ProviderStatus = v
	}
	if ev.ExternalRef == "" && ev.SubscriptionRef == "" {
		return nil, fmt.Errorf("%w: zaincash token carries no correlation", domain.ErrReconciliation)
	}
	return ev, nil
}
