package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Billing counters. Outcome labels are small closed sets; user and job ids
// never become labels.
var (
	Reservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "renderbill",
		Name:      "wallet_reservations_total",
		Help:      "Wallet reservation attempts by outcome.",
	}, []string{"outcome"}) // ok, insufficient_funds, currency_mismatch, error

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "renderbill",
		Name:      "webhook_events_total",
		Help:      "Processed webhook deliveries by event type and outcome.",
	}, []string{"event_type", "outcome"}) // processed, duplicate, failed

	Refunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "renderbill",
		Name:      "wallet_refunds_total",
		Help:      "Wallet refunds issued by origin.",
	}, []string{"origin"}) // failure, manual, processor

	JobsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "renderbill",
		Name:      "jobs_created_total",
		Help:      "Jobs accepted by payment method.",
	}, []string{"payment_method"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
