// File: internal/infra/web/handlers.go
package web

import (
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"crm-billing-core/internal/domain"
	"crm-billing-core/internal/domain/model"
	"crm-billing-core/internal/infra/logging"
	"crm-billing-core/internal/infra/redis"
	"crm-billing-core/internal/usecase"
)

const maxNotificationBody = 1 << 20 // providers send small JSON; cap abuse

type checkoutRequest struct {
	SubscriptionRef string `json:"subscription_ref"`
	Gateway         string `json:"gateway"`
}

type checkoutResponse struct {
	PaymentID   string            `json:"payment_id"`
	RedirectURL string            `json:"redirect_url,omitempty"`
	FormFields  map[string]string `json:"form_fields,omitempty"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SubscriptionRef == "" || req.Gateway == "" {
		http.Error(w, "subscription_ref and gateway are required", http.StatusBadRequest)
		return
	}

	session, err := s.checkout.Start(r.Context(), req.SubscriptionRef, req.Gateway)
	if err != nil {
		s.writeCheckoutError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(checkoutResponse{
		PaymentID:   session.Payment.ID,
		RedirectURL: session.RedirectURL,
		FormFields:  session.FormFields,
	})
}

func (s *Server) writeCheckoutError(w http.ResponseWriter, r *http.Request, err error) {
	log := logging.With(r.Context(), s.log)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "subscription or plan not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrSubscriptionActive):
		http.Error(w, "subscription is already active", http.StatusConflict)
	case errors.Is(err, domain.ErrUnknownGateway):
		http.Error(w, "unknown gateway", http.StatusBadRequest)
	case errors.Is(err, domain.ErrProviderTransport):
		log.Error().Err(err).Msg("checkout transport failure")
		http.Error(w, "provider unavailable", http.StatusBadGateway)
	default:
		log.Error().Err(err).Msg("checkout failed")
		http.Error(w, "checkout failed", http.StatusInternalServerError)
	}
}

// handleWebhook receives server-to-server notifications: signed push
// webhooks and unauthenticated server callbacks alike. The verifier and
// coordinator decide what the payload is worth; the handler only maps the
// outcome to a status code the provider's retry logic understands.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	gateway := chi.URLParam(r, "gateway")
	ctx := logging.WithGateway(r.Context(), gateway)
	log := logging.With(ctx, s.log)

	gw, err := s.gateways.Resolve(gateway)
	if err != nil {
		http.Error(w, "unknown gateway", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	channel := model.ChannelServerCallback
	if gateway == "stripe" {
		channel = model.ChannelWebhook
	}

	ev, err := gw.ParseNotification(channel, body, flattenQuery(r))
	if err != nil {
		log.Warn().Err(err).Bytes("raw", body).Msg("unparseable notification")
		http.Error(w, "unparseable notification", http.StatusBadRequest)
		return
	}
	attachHeaders(ev, r)

	res, err := s.reconciler.Reconcile(ctx, ev)
	if err != nil {
		s.writeReconcileError(w, log, err)
		return
	}
	logging.With(logging.WithPaymentID(ctx, res.Payment.ID), s.log).Debug().
		Str("outcome", string(res.Outcome)).
		Msg("notification processed")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReturn serves the user landing back from the hosted payment page.
// Whatever the query string claims, the state shown comes from a
// server-to-server verification; the browser never decides.
func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	gateway := chi.URLParam(r, "gateway")
	ctx := logging.WithGateway(r.Context(), gateway)
	log := logging.With(ctx, s.log)

	gw, err := s.gateways.Resolve(gateway)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	body, _ := io.ReadAll(io.LimitReader(r.Body, maxNotificationBody))
	ev, err := gw.ParseNotification(model.ChannelReturnRedirect, body, flattenQuery(r))
	if err != nil {
		log.Warn().Err(err).Msg("return redirect without usable correlation")
		s.renderResult(w, http.StatusBadRequest, false, "We could not identify your payment. If you were charged, it will be confirmed automatically within a few minutes.")
		return
	}
	attachHeaders(ev, r)

	res, err := s.reconciler.Reconcile(ctx, ev)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAuthVerification):
			s.renderResult(w, http.StatusForbidden, false, "Payment verification failed.")
		case errors.Is(err, domain.ErrReconciliation):
			s.renderResult(w, http.StatusBadRequest, false, "We could not match this payment. If you were charged, it will be confirmed automatically within a few minutes.")
		default:
			log.Error().Err(err).Msg("return reconcile failed")
			s.renderResult(w, http.StatusOK, false, "Your payment is being verified. Check your subscription status in a moment.")
		}
		return
	}

	switch res.Outcome {
	case usecase.OutcomeAppliedCompleted:
		s.renderResult(w, http.StatusOK, true, "Payment confirmed. Your subscription is now active.")
	case usecase.OutcomeDuplicate:
		if res.Payment.Status == model.PaymentStatusCompleted {
			s.renderResult(w, http.StatusOK, true, "Payment already confirmed. Your subscription is active.")
		} else {
			s.renderResult(w, http.StatusOK, false, "This payment did not go through. You can start a new checkout.")
		}
	case usecase.OutcomeAppliedFailed:
		s.renderResult(w, http.StatusOK, false, "The payment was not approved. You can start a new checkout.")
	default:
		s.renderResult(w, http.StatusOK, false, "Your payment is still being processed. Check your subscription status in a moment.")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	subscriptionRef := chi.URLParam(r, "id")
	ctx := logging.WithSubscriptionRef(r.Context(), subscriptionRef)

	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, redis.StatusPollKey(subscriptionRef), s.pollLimit, time.Minute)
		if err != nil {
			// Redis trouble does not take the poll endpoint down.
			logging.With(ctx, s.log).Warn().Err(err).Msg("rate limiter unavailable")
		} else if !ok {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
	}

	view, err := s.status.Status(ctx, subscriptionRef)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		logging.With(ctx, s.log).Error().Err(err).Msg("status lookup failed")
		http.Error(w, "status lookup failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(view)
}

// writeReconcileError maps coordinator errors onto the status codes
// provider retry logic expects: 401/403 stop retries of a forged event,
// 400 stops retries of garbage, 5xx asks the provider to try again.
func (s *Server) writeReconcileError(w http.ResponseWriter, log *zerolog.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrAuthVerification):
		http.Error(w, "verification failed", http.StatusUnauthorized)
	case errors.Is(err, domain.ErrAmountMismatch):
		http.Error(w, "verification failed", http.StatusForbidden)
	case errors.Is(err, domain.ErrReconciliation):
		http.Error(w, "unknown payment", http.StatusBadRequest)
	case errors.Is(err, domain.ErrUnknownGateway):
		http.Error(w, "unknown gateway", http.StatusNotFound)
	case errors.Is(err, domain.ErrProviderTransport):
		log.Warn().Err(err).Msg("provider requery failed; asking for redelivery")
		http.Error(w, "temporarily unavailable", http.StatusBadGateway)
	default:
		log.Error().Err(err).Msg("reconcile failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// flattenQuery folds query and form values into the single-valued map
// adapters consume. Form fields matter for providers that POST their
// return redirects.
func flattenQuery(r *http.Request) map[string]string {
	out := make(map[string]string)
	_ = r.ParseForm()
	for k, vs := range r.Form {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

// attachHeaders copies signature-bearing headers onto the event without
// clobbering anything the adapter already extracted.
func attachHeaders(ev *model.ReconciliationEvent, r *http.Request) {
	if ev.Headers == nil {
		ev.Headers = make(map[string]string)
	}
	for k, vs := range r.Header {
		if len(vs) == 0 {
			continue
		}
		key := strings.ToLower(k)
		if _, exists := ev.Headers[key]; !exists {
			ev.Headers[key] = vs[0]
		}
	}
}

var resultPage = template.Must(template.New("result").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8" />
<meta name="viewport" content="width=device-width,initial-scale=1" />
<title>Payment {{if .OK}}Successful{{else}}Result{{end}}</title>
<style>
body{font-family:system-ui,Arial,sans-serif;margin:2rem;}
.card{max-width:560px;border:1px solid #ddd;border-radius:12px;padding:24px;}
.ok{color:#057a55} .fail{color:#b00020}
.small{font-size:12px;color:#666}
</style>
</head>
<body>
<div class="card">
  <h2 class="{{if .OK}}ok{{else}}fail{{end}}">{{if .OK}}Payment Successful{{else}}Payment Result{{end}}</h2>
  <p>{{.Msg}}</p>
  <div class="small">You can close this page and return to the application.</div>
</div>
</body>
</html>`))

func (s *Server) renderResult(w http.ResponseWriter, code int, ok bool, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	_ = resultPage.Execute(w, struct {
		OK  bool
		Msg string
	}{OK: ok, Msg: msg})
}
