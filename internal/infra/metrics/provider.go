package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(providerCallLatency, providerTokenFetches)
}

var (
	providerCallLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_call_duration_seconds",
			Help:    "Outbound provider call latency by gateway, operation and success.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"gateway", "op", "success"},
	)

	// result: hit|fetched|error
	providerTokenFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_token_fetches_total",
			Help: "OAuth client-credentials token cache activity per gateway.",
		},
		[]string{"gateway", "result"},
	)
)

func ObserveProviderCall(gateway, op string, seconds float64, success bool) {
	s := "false"
	if success {
		s = "true"
	}
	providerCallLatency.WithLabelValues(norm(gateway), norm(op), s).Observe(seconds)
}

func IncTokenFetch(gateway, result string) {
	providerTokenFetches.WithLabelValues(norm(gateway), norm(result)).Inc()
}
