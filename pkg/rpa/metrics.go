package rpa

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpa_queue_submissions_total",
			Help: "Queue item submissions by queue and outcome.",
		},
		[]string{"queue", "status"},
	)

	queueSubmissionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpa_queue_submission_retries_total",
			Help: "Retried submission attempts by queue.",
		},
		[]string{"queue"},
	)
)

func recordSubmission(queue string, result Result) {
	queueSubmissions.With(prometheus.Labels{
		"queue":  queue,
		"status": string(result.Status),
	}).Inc()
}

func recordRetry(queue string) {
	queueSubmissionRetries.With(prometheus.Labels{"queue": queue}).Inc()
}
