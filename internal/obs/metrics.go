package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Trust-domain metrics.
var (
	TokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_tokens_issued_total",
			Help: "Tokens issued, by type.",
		},
		[]string{"type"},
	)

	TokensRevoked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_tokens_revoked_total",
			Help: "Tokens revoked, by reason.",
		},
		[]string{"reason"},
	)

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trust_sessions_active",
		Help: "Currently active sessions.",
	})

	Lockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trust_lockouts_total",
		Help: "Identifier lockouts triggered.",
	})

	SecurityEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_security_events_total",
			Help: "Security anomalies observed, by category.",
		},
		[]string{"category"},
	)

	SweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_sweep_runs_total",
			Help: "Background sweep executions, by task and outcome.",
		},
		[]string{"task", "outcome"},
	)
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		TokensIssued,
		TokensRevoked,
		SessionsActive,
		Lockouts,
		SecurityEvents,
		SweepRuns,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
