package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		paymentsTotal,
		paymentsRevenueTotal,
		checkoutSessionsTotal,
	)
}

var (
	paymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_total",
			Help: "Ledger transitions by gateway and final status (completed/failed).",
		},
		[]string{"gateway", "status"},
	)

	paymentsRevenueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_revenue_total",
			Help: "The total monetary value of completed payments, labeled by currency.",
		},
		[]string{"currency"},
	)

	checkoutSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_sessions_total",
			Help: "Checkout sessions initiated per gateway and result (ok/config_error/transport_error/rejected).",
		},
		[]string{"gateway", "result"},
	)
)

func IncPayment(gateway, status string) {
	paymentsTotal.WithLabelValues(norm(gateway), norm(status)).Inc()
}

func AddPaymentRevenue(currency string, amount int64) {
	paymentsRevenueTotal.WithLabelValues(norm(currency)).Add(float64(amount))
}

func IncCheckoutSession(gateway, result string) {
	checkoutSessionsTotal.WithLabelValues(norm(gateway), norm(result)).Inc()
}
