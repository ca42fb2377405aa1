package adapter

import "crm-billing-core/internal/domain/model"

// TrustLevel is the verifier's ruling on an inbound notification.
type TrustLevel int

const (
	// TrustPayload means the notification is authenticated (HMAC/JWT held)
	// and its payload may be acted on directly.
	TrustPayload TrustLevel = iota
	// TrustRequery means the channel or configuration does not allow
	// trusting the payload; the caller must re-fetch status from the
	// provider before mutating anything.
	TrustRequery
)

// NotificationVerifier authenticates that an inbound notification genuinely
// originated from the claimed provider. Implementations are fail-closed: a
// missing secret rejects rather than waving the event through.
type NotificationVerifier interface {
	Verify(event *model.ReconciliationEvent) (TrustLevel, error)
}
