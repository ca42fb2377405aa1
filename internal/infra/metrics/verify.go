package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(verifyFailures)
}

// reason: missing_secret|bad_hmac|bad_jwt|expired_jwt|amount_mismatch|unknown
var verifyFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "notification_verify_failures_total",
		Help: "Rejected inbound notifications by gateway, channel and reason.",
	},
	[]string{"gateway", "channel", "reason"},
)

func IncVerifyFailure(gateway, channel, reason string) {
	verifyFailures.WithLabelValues(norm(gateway), norm(channel), norm(reason)).Inc()
}
