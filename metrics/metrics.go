package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// RabbitMQConnected is 1 when the subscriber considers itself connected.
	RabbitMQConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dealproc",
		Subsystem: "consumer",
		Name:      "rabbitmq_connected",
		Help:      "Whether the deal processor RabbitMQ subscriber is currently connected (best-effort).",
	})

	// RabbitMQLastConnectSeconds is a unix timestamp (seconds) of last successful connect.
	RabbitMQLastConnectSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dealproc",
		Subsystem: "consumer",
		Name:      "rabbitmq_last_connect_timestamp_seconds",
		Help:      "Unix timestamp (seconds) of the last successful RabbitMQ connect (best-effort).",
	})

	// RabbitMQLastDeliverySeconds is a unix timestamp (seconds) of last observed delivery.
	RabbitMQLastDeliverySeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dealproc",
		Subsystem: "consumer",
		Name:      "rabbitmq_last_delivery_timestamp_seconds",
		Help:      "Unix timestamp (seconds) of the last RabbitMQ delivery observed by the subscriber (best-effort).",
	})

	// ProcessedTotal counts processed deliveries by outcome.
	ProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealproc",
		Subsystem: "consumer",
		Name:      "rabbitmq_processed_total",
		Help:      "Total number of RabbitMQ deliveries processed by the deal processor, labeled by result.",
	}, []string{"result"})

	// ProcessingDurationSeconds is end-to-end time per delivery, measured inside the worker.
	ProcessingDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dealproc",
		Subsystem: "consumer",
		Name:      "rabbitmq_processing_duration_seconds",
		Help:      "End-to-end time to process a RabbitMQ delivery (callback + ack/nack).",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"result"})

	AckErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dealproc",
		Subsystem: "consumer",
		Name:      "rabbitmq_ack_error_total",
		Help:      "Total number of RabbitMQ ack errors.",
	})

	NackErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dealproc",
		Subsystem: "consumer",
		Name:      "rabbitmq_nack_error_total",
		Help:      "Total number of RabbitMQ nack errors.",
	})

	RetryPublishErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dealproc",
		Subsystem: "consumer",
		Name:      "rabbitmq_retry_publish_error_total",
		Help:      "Total number of retry-exchange publish errors.",
	})

	WorkerInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dealproc",
		Subsystem: "consumer",
		Name:      "worker_in_flight",
		Help:      "Number of messages currently being processed by workers.",
	})

	// DealsPersistedTotal counts deals committed to the database.
	DealsPersistedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dealproc",
		Subsystem: "processor",
		Name:      "deals_persisted_total",
		Help:      "Total number of deals committed to the deals table.",
	})

	// BatchDurationSeconds is time to process one committed batch.
	BatchDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dealproc",
		Subsystem: "processor",
		Name:      "batch_duration_seconds",
		Help:      "Time to normalize and commit one batch of photo messages.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})
)

// Register registers deal processor metrics with the default Prometheus
// registry. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			RabbitMQConnected,
			RabbitMQLastConnectSeconds,
			RabbitMQLastDeliverySeconds,
			ProcessedTotal,
			ProcessingDurationSeconds,
			AckErrorTotal,
			NackErrorTotal,
			RetryPublishErrorTotal,
			WorkerInFlight,
			DealsPersistedTotal,
			BatchDurationSeconds,
		)
	})
}
