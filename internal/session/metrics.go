package session

import "github.com/prometheus/client_golang/prometheus"

var (
	loginSuccess = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gofan_session_login_success_total",
			Help: "Successful vendor logins",
		},
		[]string{"provider"},
	)
	loginFailure = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gofan_session_login_failure_total",
			Help: "Failed vendor logins by reason",
		},
		[]string{"provider", "reason"},
	)
	retryScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gofan_session_retry_scheduled_total",
			Help: "Login retries scheduled, by trigger",
		},
		[]string{"provider", "trigger"},
	)
	tokenValid = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gofan_session_token_valid",
			Help: "Access token presence (1=valid, 0=invalid)",
		},
		[]string{"provider"},
	)
)

// MetricsCollectors returns collectors for the session module.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		loginSuccess,
		loginFailure,
		retryScheduled,
		tokenValid,
	}
}
