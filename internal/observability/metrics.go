package observability

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce          sync.Once
	httpRequestsTotal     *prometheus.CounterVec
	httpLatencySeconds    *prometheus.HistogramVec
	httpErrorsTotal       *prometheus.CounterVec
	chatConnectionsTotal  prometheus.Counter
	chatConnectionsActive prometheus.Gauge
	chatJoinsTotal        *prometheus.CounterVec
	chatMessagesTotal     *prometheus.CounterVec
	chatErrorsTotal       *prometheus.CounterVec
	chatFanoutFailures    prometheus.Counter
	chatDroppedEvents     prometheus.Counter
	chatRelaysReordered   prometheus.Counter
	uploadRequestsTotal   *prometheus.CounterVec
	uploadRejectedTotal   *prometheus.CounterVec
	uploadLatencySeconds  prometheus.Histogram
)

// RegisterMetrics initialises the Prometheus collectors used by the API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		chatConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appointment_chat_connections_total",
			Help: "Total number of appointment chat websocket connections accepted.",
		})

		chatConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "appointment_chat_connections_active",
			Help: "Number of currently open appointment chat connections.",
		})

		chatJoinsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appointment_chat_joins_total",
			Help: "Join attempts by outcome.",
		}, []string{"result"})

		chatMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appointment_chat_messages_total",
			Help: "Persisted chat messages by kind.",
		}, []string{"kind"})

		chatErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appointment_chat_errors_total",
			Help: "Chat errors reported to clients by reason.",
		}, []string{"reason"})

		chatFanoutFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appointment_chat_fanout_failures_total",
			Help: "Cross-node chat relay failures.",
		})

		chatDroppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appointment_chat_dropped_events_total",
			Help: "Outbound chat events dropped for slow or closed connections.",
		})

		chatRelaysReordered = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appointment_chat_relays_reordered_total",
			Help: "Relayed chat messages skipped because they arrived behind a newer one.",
		})

		uploadRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_upload_requests_total",
			Help: "Accepted chat image uploads by detected type.",
		}, []string{"type"})

		uploadRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_upload_rejected_total",
			Help: "Rejected chat image uploads by reason.",
		}, []string{"reason"})

		uploadLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_upload_latency_seconds",
			Help:    "Latency distribution for chat image uploads.",
			Buckets: prometheus.DefBuckets,
		})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			chatConnectionsTotal, chatConnectionsActive, chatJoinsTotal, chatMessagesTotal,
			chatErrorsTotal, chatFanoutFailures, chatDroppedEvents, chatRelaysReordered,
			uploadRequestsTotal, uploadRejectedTotal, uploadLatencySeconds,
		)
	})
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() fiber.Handler {
	RegisterMetrics()
	return adaptor.HTTPHandler(promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// ChatConnectionsTotal counts accepted chat connections.
func ChatConnectionsTotal() prometheus.Counter {
	RegisterMetrics()
	return chatConnectionsTotal
}

// ChatConnectionsActive tracks open chat connections.
func ChatConnectionsActive() prometheus.Gauge {
	RegisterMetrics()
	return chatConnectionsActive
}

// ChatJoins counts join attempts by result.
func ChatJoins() *prometheus.CounterVec {
	RegisterMetrics()
	return chatJoinsTotal
}

// ChatMessagesSent counts persisted messages by kind.
func ChatMessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesTotal
}

// ChatErrors counts errors emitted to clients.
func ChatErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return chatErrorsTotal
}

// ChatFanoutFailures counts failed cross-node publishes.
func ChatFanoutFailures() prometheus.Counter {
	RegisterMetrics()
	return chatFanoutFailures
}

// ChatDroppedEvents counts outbound events that could not be queued.
func ChatDroppedEvents() prometheus.Counter {
	RegisterMetrics()
	return chatDroppedEvents
}

// ChatRelaysReordered counts relayed messages older than one already delivered in the room.
func ChatRelaysReordered() prometheus.Counter {
	RegisterMetrics()
	return chatRelaysReordered
}

// UploadRequests counts accepted uploads.
func UploadRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRequestsTotal
}

// UploadRejected counts rejected uploads.
func UploadRejected() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRejectedTotal
}

// UploadLatency exposes the upload latency histogram.
func UploadLatency() prometheus.Histogram {
	RegisterMetrics()
	return uploadLatencySeconds
}
