// Package metrics holds the Prometheus collectors for the login flow.
// Registered on the default registry at init; exposed by main on GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CallbackOutcomes counts finished Google callbacks by result:
	// "success" or the failure class (e.g. "audience_mismatch").
	CallbackOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idlink",
			Name:      "callback_outcomes_total",
			Help:      "Google callback results by outcome class.",
		},
		[]string{"result"},
	)

	// LinkDecisions counts which branch the identity linker took.
	LinkDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idlink",
			Name:      "link_decisions_total",
			Help:      "Identity linking decisions by branch.",
		},
		[]string{"decision"}, // existing_bound, existing_unbound, auto_link, create_new
	)

	// LinkRetries counts linking transactions retried after a uniqueness conflict.
	LinkRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "idlink",
			Name:      "link_conflict_retries_total",
			Help:      "Linking transactions retried after a unique constraint conflict.",
		},
	)

	// KeySetFetches counts outbound fetches of the provider signing keys.
	KeySetFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idlink",
			Name:      "keyset_fetches_total",
			Help:      "Provider key set fetches by result.",
		},
		[]string{"result"}, // ok, error
	)

	// RateLimitRejected counts callback requests rejected by the per-IP limiter.
	RateLimitRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "idlink",
			Name:      "rate_limit_rejected_total",
			Help:      "Callback requests rejected by the per-IP rate limiter.",
		},
	)
)
