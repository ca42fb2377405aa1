// File: internal/infra/adapters/payment/noop.go
package payment

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"crm-billing-core/internal/domain"
	"crm-billing-core/internal/domain/model"
	"crm-billing-core/internal/domain/ports/adapter"
)

var _ adapter.PaymentGateway = (*NoopGateway)(nil)

// NoopGateway is an in-memory gateway for development environments without
// provider credentials. Sessions succeed immediately on the first status
// query, which makes end-to-end flows walkable on a laptop.
type NoopGateway struct {
	seq uint64

	mu       sync.Mutex
	sessions map[string]adapter.SessionRequest
}

func NewNoopGateway() *NoopGateway {
	return &NoopGateway{sessions: make(map[string]adapter.SessionRequest)}
}

func (g *NoopGateway) Name() string { return "noop" }

func (g *NoopGateway) InitiateSession(_ context.Context, req adapter.SessionRequest) (*adapter.SessionHandle, error) {
	ref := fmt.Sprintf("noop-%06d", atomic.AddUint64(&g.seq, 1))
	g.mu.Lock()
	g.sessions[ref] = req
	g.mu.Unlock()
	return &adapter.SessionHandle{
		ExternalRef: ref,
		RedirectURL: req.ReturnURL + "?external_ref=" + ref,
	}, nil
}

func (g *NoopGateway) FetchStatus(_ context.Context, externalRef string) (*adapter.PaymentResult, error) {
	g.mu.Lock()
	req, ok := g.sessions[externalRef]
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown noop session %s", domain.ErrProviderTransport, externalRef)
	}
	return &adapter.PaymentResult{
		ExternalRef:     externalRef,
		SubscriptionRef: req.SubscriptionRef,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Verdict:         adapter.VerdictCompleted,
		ProviderStatus:  "OK",
	}, nil
}

func (g *NoopGateway) ParseNotification(channel model.Channel, body []byte, query map[string]string) (*model.ReconciliationEvent, error) {
	ref := query["external_ref"]
	if ref == "" {
		return nil, fmt.Errorf("%w: noop notification without external_ref", domain.ErrReconciliation)
	}
	return &model.ReconciliationEvent{
		Gateway:     g.Name(),
		ExternalRef: ref,
		ReceivedVia: channel,
		RawBody:     body,
	}, nil
}
