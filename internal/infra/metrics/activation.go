package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(activationsTotal, activationRetries)
}

var (
	// result: activated|already_active|error
	activationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_activations_total",
			Help: "Subscription activation attempts by result.",
		},
		[]string{"result"},
	)

	activationRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "activation_retry_runs_total",
			Help: "Out-of-band activation retries performed by the worker.",
		},
	)
)

func IncActivation(result string) {
	activationsTotal.WithLabelValues(norm(result)).Inc()
}

func IncActivationRetry() { activationRetries.Inc() }
