package model

// Channel identifies how a provider notification reached us. The trust we
// place in the payload depends on it: only push webhooks carry a signature
// we can check; anything that travels through a user's browser is a hint.
type Channel string

const (
	ChannelWebhook        Channel = "webhook"
	ChannelReturnRedirect Channel = "return_redirect"
	ChannelServerCallback Channel = "server_callback"
	ChannelPoll           Channel = "poll"
)

// ReconciliationEvent is a normalized inbound provider notification.
// The coordinator never sees raw provider JSON; adapters fill this in.
type ReconciliationEvent struct {
	Gateway         string
	ExternalRef     string // provider transaction id, may be empty on some return channels
	SubscriptionRef string // decoded from the provider's cart/order field when present
	ProviderStatus  string // provider vocabulary, kept for the audit trail
	Amount          int64
	Currency        string
	ReceivedVia     Channel
	// Verdict is set only when the payload itself carries a definitive
	// status in the adapter's canonical vocabulary. Empty means the payload
	// did not decide and the coordinator must re-query regardless of trust.
	Verdict PaymentStatus
	RawBody []byte            // exact bytes received, for HMAC checks and audit
	Headers map[string]string // signature-bearing headers, lower-cased keys
}

// AuditEntry is a fire-and-forget record of a reconciliation decision.
type AuditEntry struct {
	ID              string // UUID
	PaymentID       string
	Gateway         string
	Channel         Channel
	Outcome         string // applied_completed | applied_failed | duplicate | rejected | unresolved
	ProviderStatus  string
	RawPayload      []byte
	SubscriptionRef string
}
