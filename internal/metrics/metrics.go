package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	// ReportsCreatedTotal counts committed report rows by source (upload|synthetic|reprocess).
	ReportsCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "defecthub",
		Subsystem: "ingest",
		Name:      "reports_created_total",
		Help:      "Total number of report rows committed, labeled by source.",
	}, []string{"source"})

	// UploadFailuresTotal counts ingestion batches aborted by an object store write.
	UploadFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "defecthub",
		Subsystem: "ingest",
		Name:      "upload_failures_total",
		Help:      "Total number of ingestion batches aborted because a photo upload failed.",
	})

	// OutboxPublishedTotal counts jobs relayed from the outbox to the queue.
	OutboxPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "defecthub",
		Subsystem: "outbox",
		Name:      "published_total",
		Help:      "Total number of outbox jobs published to the processing queue.",
	})

	OutboxPublishErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "defecthub",
		Subsystem: "outbox",
		Name:      "publish_error_total",
		Help:      "Total number of failed outbox publish attempts.",
	})

	// WorkerInFlight is the current number of jobs being processed.
	WorkerInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "defecthub",
		Subsystem: "worker",
		Name:      "in_flight",
		Help:      "Current number of jobs being processed by worker goroutines.",
	})

	// WorkerProcessedTotal counts handled jobs by outcome.
	WorkerProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "defecthub",
		Subsystem: "worker",
		Name:      "processed_total",
		Help:      "Total number of jobs handled by workers, labeled by result.",
	}, []string{"result"})

	// WorkerDurationSeconds is the time per job including analysis.
	WorkerDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "defecthub",
		Subsystem: "worker",
		Name:      "processing_duration_seconds",
		Help:      "Time to process one job (fetch + analysis + status updates).",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60, 120, 300},
	}, []string{"result"})

	// RabbitMQConnected is 1 when the consumer considers itself connected.
	RabbitMQConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "defecthub",
		Subsystem: "queue",
		Name:      "rabbitmq_connected",
		Help:      "Whether the RabbitMQ consumer is currently connected (best-effort).",
	})

	// DeliveriesTotal counts broker deliveries by ack action.
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "defecthub",
		Subsystem: "queue",
		Name:      "deliveries_total",
		Help:      "Total number of RabbitMQ deliveries, labeled by action (ack|retry|nack).",
	}, []string{"action"})

	// ExportReportsTotal counts reports handled by archive exports.
	ExportReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "defecthub",
		Subsystem: "export",
		Name:      "reports_total",
		Help:      "Total number of reports visited by exports, labeled by outcome (included|skipped).",
	}, []string{"outcome"})

	// StatusSubscribers is the number of open status subscriptions.
	StatusSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "defecthub",
		Subsystem: "status",
		Name:      "subscribers",
		Help:      "Current number of open report status subscriptions.",
	})
)

// Register registers collectors with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ReportsCreatedTotal,
			UploadFailuresTotal,
			OutboxPublishedTotal,
			OutboxPublishErrorTotal,
			WorkerInFlight,
			WorkerProcessedTotal,
			WorkerDurationSeconds,
			RabbitMQConnected,
			DeliveriesTotal,
			ExportReportsTotal,
			StatusSubscribers,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
