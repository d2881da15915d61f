package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "calsyncd",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	syncOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "calsyncd",
			Name:      "sync_operations_total",
			Help:      "Processed queue items by provider, operation and outcome.",
		},
		[]string{"provider", "operation", "outcome"},
	)

	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "calsyncd",
			Name:      "sync_duration_seconds",
			Help:      "Queue item processing time by provider.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "calsyncd",
			Name:      "queue_depth",
			Help:      "Queue items by status.",
		},
		[]string{"status"},
	)

	webhookRenewals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "calsyncd",
			Name:      "webhook_renewals_total",
			Help:      "Webhook renewal attempts by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, syncOperations, syncDuration, queueDepth, webhookRenewals)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncSync counts one processed queue item.
func IncSync(provider, operation, outcome string) {
	syncOperations.WithLabelValues(provider, operation, outcome).Inc()
}

// ObserveSyncDuration records how long one queue item took.
func ObserveSyncDuration(provider string, seconds float64) {
	syncDuration.WithLabelValues(provider).Observe(seconds)
}

// SetQueueDepth records the current number of items in a status.
func SetQueueDepth(status string, n int) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

// IncWebhookRenewal counts one webhook renewal attempt.
func IncWebhookRenewal(provider, outcome string) {
	webhookRenewals.WithLabelValues(provider, outcome).Inc()
}
