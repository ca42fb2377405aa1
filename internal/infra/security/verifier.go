// File: internal/infra/security/verifier.go
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"crm-billing-core/internal/config"
	"crm-billing-core/internal/domain"
	"crm-billing-core/internal/domain/model"
	"crm-billing-core/internal/domain/ports/adapter"
	"crm-billing-core/internal/infra/metrics"
)

var _ adapter.NotificationVerifier = (*Verifier)(nil)

// Verifier rules on inbound notifications per gateway and channel.
//
// Trust model:
//   - POLL and every browser-reachable channel (return redirect, unauthenticated
//     server callback) are payload-hints only: the ruling is TrustRequery and
//     the coordinator must re-fetch status server-to-server.
//   - Push webhooks carrying an HMAC signature may be trusted on the payload
//     once the signature checks out.
//   - Token-bearing return channels (ZainCash) get their JWT verified up
//     front; a bad or expired token is rejected before any requery happens.
//
// Fail closed: a channel whose strategy needs a secret that is not configured
// rejects the event. It never downgrades to "trust anyway".
type Verifier struct {
	payments config.PaymentsConfig
	log      *zerolog.Logger
}

func NewVerifier(payments config.PaymentsConfig, logger *zerolog.Logger) *Verifier {
	l := logger.With().Str("component", "Verifier").Logger()
	return &Verifier{payments: payments, log: &l}
}

func (v *Verifier) Verify(event *model.ReconciliationEvent) (adapter.TrustLevel, error) {
	if event.ReceivedVia == model.ChannelPoll {
		return adapter.TrustRequery, nil
	}

	switch event.Gateway {
	case "stripe":
		return v.verifyStripe(event)
	case "paytabs":
		return v.verifyPayTabs(event)
	case "zaincash":
		return v.verifyZainCash(event)
	case "qicard", "fib":
		// No payload signature on these channels; the status endpoint is
		// the source of truth.
		return adapter.TrustRequery, nil
	default:
		return adapter.TrustRequery, fmt.Errorf("%w: %s", domain.ErrUnknownGateway, event.Gateway)
	}
}

func (v *Verifier) verifyStripe(event *model.ReconciliationEvent) (adapter.TrustLevel, error) {
	if event.ReceivedVia != model.ChannelWebhook {
		return adapter.TrustRequery, nil
	}
	secret := v.payments.Stripe.WebhookSecret
	if secret == "" {
		metrics.IncVerifyFailure(event.Gateway, string(event.ReceivedVia), "missing_secret")
		v.log.Error().Msg("stripe webhook secret not configured; rejecting")
		return adapter.TrustRequery, domain.ErrAuthVerification
	}
	header := event.Headers["stripe-signature"]
	ts, sig := parseStripeSignature(header)
	if ts == "" || sig == "" {
		metrics.IncVerifyFailure(event.Gateway, string(event.ReceivedVia), "bad_hmac")
		return adapter.TrustRequery, domain.ErrAuthVerification
	}
	signed := ts + "." + string(event.RawBody)
	if !checkHMACHex(secret, []byte(signed), sig) {
		metrics.IncVerifyFailure(event.Gateway, string(event.ReceivedVia), "bad_hmac")
		return adapter.TrustRequery, domain.ErrAuthVerification
	}
	return adapter.TrustPayload, nil
}

func (v *Verifier) verifyPayTabs(event *model.ReconciliationEvent) (adapter.TrustLevel, error) {
	if event.ReceivedVia == model.ChannelReturnRedirect {
		// Browser redirect: always re-verify via the query endpoint.
		return adapter.TrustRequery, nil
	}
	secret := v.payments.PayTabs.ServerKey
	if secret == "" {
		metrics.IncVerifyFailure(event.Gateway, string(event.ReceivedVia), "missing_secret")
		v.log.Error().Msg("paytabs server key not configured; rejecting")
		return adapter.TrustRequery, domain.ErrAuthVerification
	}
	sig := event.Headers["signature"]
	if sig == "" || !checkHMACHex(secret, event.RawBody, sig) {
		metrics.IncVerifyFailure(event.Gateway, string(event.ReceivedVia), "bad_hmac")
		return adapter.TrustRequery, domain.ErrAuthVerification
	}
	return adapter.TrustPayload, nil
}

func (v *Verifier) verifyZainCash(event *model.ReconciliationEvent) (adapter.TrustLevel, error) {
	secret := v.payments.ZainCash.Secret
	if secret == "" {
		metrics.IncVerifyFailure(event.Gateway, string(event.ReceivedVia), "missing_secret")
		v.log.Error().Msg("zaincash secret not configured; rejecting")
		return adapter.TrustRequery, domain.ErrAuthVerification
	}
	token := event.Headers["token"]
	if token == "" {
		metrics.IncVerifyFailure(event.Gateway, string(event.ReceivedVia), "bad_jwt")
		return adapter.TrustRequery, domain.ErrAuthVerification
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		reason := "bad_jwt"
		if strings.Contains(err.Error(), "expired") {
			reason = "expired_jwt"
		}
		metrics.IncVerifyFailure(event.Gateway, string(event.ReceivedVia), reason)
		return adapter.TrustRequery, fmt.Errorf("%w: %v", domain.ErrAuthVerification, err)
	}
	// Token checks out, but it arrived through a browser: the payload is
	// still only a hint.
	return adapter.TrustRequery, nil
}

// checkHMACHex compares a hex-encoded HMAC-SHA256 digest in constant time.
func checkHMACHex(secret string, body []byte, providedHex string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	provided, err := hex.DecodeString(strings.TrimSpace(providedHex))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, provided)
}

// parseStripeSignature pulls t= and v1= out of a Stripe-Signature header.
func parseStripeSignature(header string) (ts, sig string) {
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			sig = kv[1]
		}
	}
	return ts, sig
}

// SignHMACHex produces the hex HMAC-SHA256 digest counterpart of
// checkHMACHex; used by tests and by adapters that must sign outbound
// payloads the same way.
func SignHMACHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
