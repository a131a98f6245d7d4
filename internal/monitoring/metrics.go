package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the broker. Scraped from the ops listener.
var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ipc_connections_total",
		Help: "Total number of TCP connections accepted",
	})

	ConnectionsThrottled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ipc_connections_throttled_total",
		Help: "Total number of connections rejected by the accept-rate guard",
	})

	// Request metrics
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ipc_requests_total",
		Help: "Total requests processed, by action and result status",
	}, []string{"action", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ipc_request_duration_seconds",
		Help:    "Request processing time inside the broker mutex",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"action"})

	// Message lifecycle
	MessagesQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ipc_messages_queued_total",
		Help: "Total messages accepted into a recipient queue",
	})

	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ipc_messages_delivered_total",
		Help: "Total messages drained by check",
	})

	MessagesSpilled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ipc_messages_spilled_total",
		Help: "Total oversized messages written to large-message files",
	})

	MessagesExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ipc_messages_expired_total",
		Help: "Total messages dropped by the TTL sweep",
	})

	QueueFullRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ipc_queue_full_total",
		Help: "Total sends rejected because the recipient queue was at capacity",
	})

	ForwardsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ipc_forwards_expired_total",
		Help: "Total name forwards removed by the TTL sweep",
	})

	PersistenceErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ipc_persistence_errors_total",
		Help: "Total database write failures absorbed without failing the request",
	})

	// State gauges, refreshed after every handled request
	QueuedMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ipc_queued_messages",
		Help: "Messages currently pending across all queues",
	})

	ActiveQueues = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ipc_queues",
		Help: "Number of per-recipient queues, including future-delivery slots",
	})

	ActiveInstances = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ipc_active_instances",
		Help: "Registered instances",
	})

	ActiveForwards = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ipc_name_forwards",
		Help: "Live rename forwards",
	})

	// Process metrics, refreshed by the system sampler
	ProcessMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ipc_process_memory_bytes",
		Help: "Resident set size of the broker process",
	})

	ProcessCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ipc_process_cpu_percent",
		Help: "CPU usage of the broker process",
	})

	Goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ipc_goroutines",
		Help: "Current goroutine count",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsThrottled,
		requestsTotal,
		requestDuration,
		MessagesQueued,
		MessagesDelivered,
		MessagesSpilled,
		MessagesExpired,
		QueueFullRejections,
		ForwardsExpired,
		PersistenceErrors,
		QueuedMessages,
		ActiveQueues,
		ActiveInstances,
		ActiveForwards,
		ProcessMemoryBytes,
		ProcessCPUPercent,
		Goroutines,
	)
}

// RecordRequest tracks one processed request.
func RecordRequest(action, status string, duration time.Duration) {
	requestsTotal.WithLabelValues(action, status).Inc()
	requestDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
