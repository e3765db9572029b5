package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconciles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_reconciles_total",
			Help: "Reconciler sweeps by outcome.",
		},
		[]string{"outcome"},
	)

	renewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_renewals_total",
			Help: "Subscription renewal attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

func recordReconcile(outcome string) {
	reconciles.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func recordRenewal(outcome string) {
	renewals.With(prometheus.Labels{"outcome": outcome}).Inc()
}
