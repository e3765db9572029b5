package ingress

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingress_notifications_total",
			Help: "Notifications received by outcome.",
		},
		[]string{"outcome"},
	)

	dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingress_dispatches_total",
			Help: "Destination dispatches by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
)

func recordNotification(outcome string) {
	notifications.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func recordDispatch(kind, outcome string) {
	dispatches.With(prometheus.Labels{"kind": kind, "outcome": outcome}).Inc()
}
