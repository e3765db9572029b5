package forward

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var forwards = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "forward_deliveries_total",
		Help: "Envelope deliveries by target host and outcome.",
	},
	[]string{"host", "outcome"},
)

func recordForward(host, outcome string) {
	forwards.With(prometheus.Labels{"host": host, "outcome": outcome}).Inc()
}
