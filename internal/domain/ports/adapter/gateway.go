package adapter

import (
	"context"

	"crm-billing-core/internal/domain/model"
)

// Verdict is the canonical status vocabulary every provider response is
// mapped into. Adapters own the mapping; nothing above them sees provider
// status strings except for audit purposes.
type Verdict string

const (
	VerdictCompleted Verdict = "completed"
	VerdictFailed    Verdict = "failed"
	VerdictPending   Verdict = "pending"
)

// PaymentResult is the canonical outcome of a provider status lookup or a
// parsed notification. A provider-reported rejection is not an error: it
// arrives as VerdictFailed with a Reason (expected negative outcome).
type PaymentResult struct {
	ExternalRef     string
	SubscriptionRef string // decoded from cart/order metadata when the provider echoes it
	Amount          int64
	Currency        string
	Verdict         Verdict
	ProviderStatus  string // untranslated, for logs and audit
	Reason          string // set when VerdictFailed
	Raw             map[string]interface{}
}

// SessionRequest describes one checkout attempt to initiate with a provider.
type SessionRequest struct {
	SubscriptionRef string
	Amount          int64 // already converted to the gateway currency
	Currency        string
	Description     string
	ReturnURL       string
	NotifyURL       string
}

// SessionHandle is what the caller needs to send the user to the hosted
// payment page. Some providers redirect by URL, others by posted form.
type SessionHandle struct {
	ExternalRef string // may be empty until the provider assigns one
	RedirectURL string
	FormFields  map[string]string
}

// PaymentGateway is the hex port for payment providers.
//
// Every method that talks to the provider carries a bounded timeout via ctx
// and returns domain.ErrProviderTransport (wrapped) on network failure and
// domain.ErrGatewayConfig on missing/invalid credentials.
type PaymentGateway interface {
	Name() string

	// InitiateSession creates a payment attempt on the provider side.
	InitiateSession(ctx context.Context, req SessionRequest) (*SessionHandle, error)

	// FetchStatus queries the provider's authoritative status endpoint.
	// This is the trusted server-to-server path browser channels rely on.
	FetchStatus(ctx context.Context, externalRef string) (*PaymentResult, error)

	// ParseNotification turns a provider-shaped inbound request into a
	// normalized event. It must not trust or mutate anything.
	ParseNotification(channel model.Channel, body []byte, query map[string]string) (*model.ReconciliationEvent, error)
}
