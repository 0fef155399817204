package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry encapsulates all bus metrics and provides a clean interface
// for recording them without global state
type Registry struct {
	registry *prometheus.Registry

	// Client metrics
	publishTotal    *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	deliveriesTotal *prometheus.CounterVec

	// Dispatcher metrics
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	deadLetterTotal  *prometheus.CounterVec

	// Correlation metrics
	correlationPending   prometheus.Gauge
	correlationOutcomes  *prometheus.CounterVec
	correlationOrphans   prometheus.Counter
	gatewayCallDuration  *prometheus.HistogramVec
	dedupeOperationTotal *prometheus.CounterVec

	// Storage metrics
	databaseOperationTotal    *prometheus.CounterVec
	databaseOperationDuration *prometheus.HistogramVec
	leaseOperationTotal       *prometheus.CounterVec

	// System health metrics
	systemInfo *prometheus.GaugeVec
	startTime  prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,

		publishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_client_publish_total",
				Help: "Total number of publish operations",
			},
			[]string{"topic", "status"}, // status: success, error
		),

		publishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bus_client_publish_duration_seconds",
				Help:    "Time spent publishing events",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),

		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_client_deliveries_total",
				Help: "Total number of deliveries seen by subscribers",
			},
			[]string{"topic", "group", "status"}, // status: handled, duplicate, decode_error, error
		),

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_dispatch_total",
				Help: "Total number of events dispatched to handlers",
			},
			[]string{"topic", "event_type", "status"}, // status: success, error, panic, unhandled
		),

		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bus_dispatch_duration_seconds",
				Help:    "Time spent in event handlers",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic", "event_type"},
		),

		deadLetterTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_dead_letter_total",
				Help: "Total number of deliveries routed to a dead-letter topic",
			},
			[]string{"topic", "status"},
		),

		correlationPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bus_correlation_pending",
				Help: "Current number of calls awaiting a response",
			},
		),

		correlationOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_correlation_resolutions_total",
				Help: "Total number of settled calls by outcome",
			},
			[]string{"outcome"}, // outcome: response, type_mismatch, timeout, cancelled, closed
		),

		correlationOrphans: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bus_correlation_orphans_total",
				Help: "Total number of responses discarded because no call was pending",
			},
		),

		gatewayCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bus_gateway_call_duration_seconds",
				Help:    "Round-trip time of request/reply calls",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"request_type", "outcome"},
		),

		dedupeOperationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_dedupe_operation_total",
				Help: "Total number of idempotency claims",
			},
			[]string{"backend", "result"}, // result: first, duplicate, error
		),

		databaseOperationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_database_operation_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"}, // operation: next_offset, insert_message, get_cursor, etc.
		),

		databaseOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bus_database_operation_duration_seconds",
				Help:    "Time spent on database operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"operation"},
		),

		leaseOperationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_lease_operation_total",
				Help: "Total number of lease operations",
			},
			[]string{"operation", "status"}, // operation: create, delete; status: success, exists, error
		),

		systemInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bus_system_info",
				Help: "System information (value is always 1, labels contain info)",
			},
			[]string{"service", "version"},
		),

		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bus_start_time_seconds",
				Help: "Unix timestamp when the application started",
			},
		),
	}

	// add default Go metrics (memory, GC, goroutines, etc.)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		r.publishTotal,
		r.publishDuration,
		r.deliveriesTotal,
		r.dispatchTotal,
		r.dispatchDuration,
		r.deadLetterTotal,
		r.correlationPending,
		r.correlationOutcomes,
		r.correlationOrphans,
		r.gatewayCallDuration,
		r.dedupeOperationTotal,
		r.databaseOperationTotal,
		r.databaseOperationDuration,
		r.leaseOperationTotal,
		r.systemInfo,
		r.startTime,
	)

	r.startTime.SetToCurrentTime()

	return r
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.registry,
	})
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// RecordPublish records a client publish operation
func (r *Registry) RecordPublish(topic string, duration time.Duration, err error) {
	r.publishTotal.WithLabelValues(topic, status(err)).Inc()
	r.publishDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordDelivery records what the client did with one delivery
func (r *Registry) RecordDelivery(topic, group, status string) {
	r.deliveriesTotal.WithLabelValues(topic, group, status).Inc()
}

// RecordDispatch records one handler invocation. status is one of success,
// error, panic or unhandled.
func (r *Registry) RecordDispatch(topic, eventType, status string, duration time.Duration) {
	r.dispatchTotal.WithLabelValues(topic, eventType, status).Inc()
	if status != "unhandled" {
		r.dispatchDuration.WithLabelValues(topic, eventType).Observe(duration.Seconds())
	}
}

// RecordDeadLetter records a dead-letter publish
func (r *Registry) RecordDeadLetter(topic string, err error) {
	r.deadLetterTotal.WithLabelValues(topic, status(err)).Inc()
}

// SetCorrelationPending implements correlation.Observer
func (r *Registry) SetCorrelationPending(n int) {
	r.correlationPending.Set(float64(n))
}

// RecordCorrelationOutcome implements correlation.Observer
func (r *Registry) RecordCorrelationOutcome(outcome string) {
	r.correlationOutcomes.WithLabelValues(outcome).Inc()
}

// RecordCorrelationOrphan implements correlation.Observer
func (r *Registry) RecordCorrelationOrphan() {
	r.correlationOrphans.Inc()
}

// RecordCall records a gateway round trip
func (r *Registry) RecordCall(requestType, outcome string, duration time.Duration) {
	r.gatewayCallDuration.WithLabelValues(requestType, outcome).Observe(duration.Seconds())
}

// RecordDedupe records an idempotency claim against backend
func (r *Registry) RecordDedupe(backend string, first bool, err error) {
	result := "first"
	switch {
	case err != nil:
		result = "error"
	case !first:
		result = "duplicate"
	}

	r.dedupeOperationTotal.WithLabelValues(backend, result).Inc()
}

// RecordDedupeRelease records a claim dropped after its handler failed
func (r *Registry) RecordDedupeRelease(backend string, err error) {
	result := "released"
	if err != nil {
		result = "error"
	}

	r.dedupeOperationTotal.WithLabelValues(backend, result).Inc()
}

// RecordDatabaseOperation records a database operation
func (r *Registry) RecordDatabaseOperation(operation string, duration time.Duration, err error) {
	r.databaseOperationTotal.WithLabelValues(operation, status(err)).Inc()
	r.databaseOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordLeaseOperation records a lease operation
func (r *Registry) RecordLeaseOperation(operation, status string) {
	r.leaseOperationTotal.WithLabelValues(operation, status).Inc()
}

// SetSystemInfo sets system information metrics
func (r *Registry) SetSystemInfo(service, version string) {
	r.systemInfo.WithLabelValues(service, version).Set(1)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
