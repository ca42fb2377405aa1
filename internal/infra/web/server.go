// File: internal/infra/web/server.go
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"crm-billing-core/internal/config"
	"crm-billing-core/internal/infra/logging"
	"crm-billing-core/internal/usecase"
)

// RateLimiter is the poll-endpoint throttle; the redis implementation
// satisfies it. A nil limiter disables throttling (dev mode).
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Server is the inbound HTTP edge: provider webhooks and returns, the
// frontend poll endpoint, checkout initiation, health and metrics.
type Server struct {
	checkout   usecase.CheckoutUseCase
	reconciler usecase.ReconcileUseCase
	status     usecase.StatusUseCase
	gateways   usecase.GatewayResolver
	limiter    RateLimiter
	pollLimit  int
	httpServer *http.Server
	log        *zerolog.Logger
}

func NewServer(
	cfg config.ServerConfig,
	rl config.RateLimitConfig,
	checkout usecase.CheckoutUseCase,
	reconciler usecase.ReconcileUseCase,
	status usecase.StatusUseCase,
	gateways usecase.GatewayResolver,
	limiter RateLimiter,
	logger *zerolog.Logger,
) *Server {
	l := logger.With().Str("component", "web").Logger()
	s := &Server{
		checkout:   checkout,
		reconciler: reconciler,
		status:     status,
		gateways:   gateways,
		limiter:    limiter,
		pollLimit:  rl.StatusPollPerMinute,
		log:        &l,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.traceMiddleware)

	// Provider server-to-server notifications. Some providers POST, some
	// GET with query parameters; both land here.
	r.Post("/webhooks/{gateway}", s.handleWebhook)
	r.Get("/webhooks/{gateway}", s.handleWebhook)

	// Browser returns from the hosted payment page.
	r.Get("/{gateway}-return", s.handleReturn)
	r.Post("/{gateway}-return", s.handleReturn)

	r.Post("/payments/checkout", s.handleCheckout)
	r.Get("/payments/subscription/{id}/status", s.handleStatus)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// traceMiddleware tags every request with a trace id so reconciliation
// decisions can be followed across log lines.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithTraceID(r.Context(), uuid.NewString())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
