package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	GenerationsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generations_submitted_total",
			Help: "Generation jobs accepted and charged",
		},
		[]string{"model"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_webhook_events_total",
			Help: "Inbound provider webhook callbacks by outcome",
		},
		[]string{"outcome"}, // completed|failed|already_terminal|unknown|invalid|persist_error
	)
	ReconcileOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_jobs_total",
			Help: "Stale jobs examined by the reconciliation poller, by outcome",
		},
		[]string{"outcome"}, // recovered|failed|in_progress|skipped|errored
	)
	RefundsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credit_refunds_total",
			Help: "Refund transactions issued",
		},
	)
)

// Handler serves the /metrics endpoint.
var Handler = promhttp.Handler

func Init() {
	prometheus.MustRegister(GenerationsSubmitted)
	prometheus.MustRegister(WebhookEvents)
	prometheus.MustRegister(ReconcileOutcomes)
	prometheus.MustRegister(RefundsIssued)
}
