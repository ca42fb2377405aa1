package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crm-billing-core/internal/domain"
	"crm-billing-core/internal/infra/metrics"
)

// TokenCache shares OAuth bearer tokens between instances; satisfied by the
// redis implementation. Adapters fall back to per-process fetching when nil.
type TokenCache interface {
	Get(ctx context.Context, gateway string) (string, error)
	Put(ctx context.Context, gateway, token string, expiresIn time.Duration) error
}

// postJSON sends a JSON body and decodes a JSON response into out.
// Network failures come back wrapped in domain.ErrProviderTransport so
// callers can classify them as retryable without knowing http internals.
func postJSON(ctx context.Context, client *http.Client, gateway, op, endpoint string, headers map[string]string, payload any, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doJSON(client, gateway, op, req, out)
}

// postForm sends form-encoded fields and decodes a JSON response into out.
func postForm(ctx context.Context, client *http.Client, gateway, op, endpoint string, headers map[string]string, fields url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(fields.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doJSON(client, gateway, op, req, out)
}

// getJSON fetches and decodes a JSON response into out.
func getJSON(ctx context.Context, client *http.Client, gateway, op, endpoint string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doJSON(client, gateway, op, req, out)
}

func doJSON(client *http.Client, gateway, op string, req *http.Request, out any) error {
	start := time.Now()
	resp, err := client.Do(req)
	metrics.ObserveProviderCall(gateway, op, time.Since(start).Seconds(), err == nil)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrProviderTransport, gateway, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s %s: read body: %v", domain.ErrProviderTransport, gateway, op, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s %s: http %d", domain.ErrGatewayConfig, gateway, op, resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s %s: http %d", domain.ErrProviderTransport, gateway, op, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s %s: decode: %v", domain.ErrProviderTransport, gateway, op, err)
	}
	return nil
}

// amountForWire renders ledger minor units in the decimal form a provider
// expects. IQD is handled as whole dinars; USD as cents.
func amountForWire(currency string, amount int64) float64 {
	if strings.EqualFold(currency, "IQD") {
		return float64(amount)
	}
	return float64(amount) / 100
}

// amountFromWire is the inverse mapping for amounts echoed by a provider.
func amountFromWire(currency string, amount float64) int64 {
	if strings.EqualFold(currency, "IQD") {
		return int64(amount + 0.5)
	}
	return int64(amount*100 + 0.5)
}
