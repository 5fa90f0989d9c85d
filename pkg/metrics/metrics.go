package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ProxyAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_attempts_total",
			Help: "Total number of outbound proxy attempts (count)",
		},
		[]string{"service", "outcome"},
	)

	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Total number of proxied requests by final outcome (count)",
		},
		[]string{"service", "method", "outcome"},
	)

	ProxyRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxy_request_duration_ms",
			Help:    "End-to-end proxied request duration including retries in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"service"},
	)

	ProxyRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_retries_total",
			Help: "Total number of proxy retries scheduled after a transient failure (count)",
		},
		[]string{"service", "kind"},
	)

	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_uploads_total",
			Help: "Total number of proxied file uploads (count)",
		},
		[]string{"service", "outcome"},
	)

	UploadSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxy_upload_size_bytes",
			Help:    "Size of proxied file uploads in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"service"},
	)

	HealthProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "health_probe_duration_ms",
			Help:    "Duration of downstream health probes in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
		[]string{"service", "status"},
	)

	ServiceHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "service_healthy",
			Help: "Last observed health of a downstream service (1=healthy, 0=unhealthy)",
		},
		[]string{"service"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of envelopes published (count)",
		},
		[]string{"service", "topic", "status"},
	)

	EventsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_consumed_total",
			Help: "Total number of envelopes handled by subscriptions (count)",
		},
		[]string{"service", "topic", "status"},
	)

	MalformedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_malformed_total",
			Help: "Total number of malformed envelopes dropped at the consumer (count)",
		},
		[]string{"service", "topic"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"service", "topic", "status"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of handler retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	EventHandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "event_handler_duration_ms",
			Help:    "Duration of subscription handler invocations in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"service", "topic"},
	)

	EventPublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "event_publish_duration_ms",
			Help:    "Duration of transport writes in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)

	EventSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "event_size_bytes",
			Help:    "Size of event payloads in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"service", "topic", "direction"},
	)

	ActiveSubscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "event_subscriptions_active",
			Help: "Number of live (topic, consumer group) subscriptions (count)",
		},
		[]string{"service"},
	)

	ConsumerLifecycleEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_lifecycle_events_total",
			Help: "Total number of consumer lifecycle events observed (count)",
		},
		[]string{"service", "topic", "event"},
	)

	BusState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "event_bus_state",
			Help: "Event bus producer state (0=disconnected, 1=connecting, 2=connected) (state code)",
		},
		[]string{"service"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	RegistryUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_updates_total",
			Help: "Total number of service registry hot-patches by result (count)",
		},
		[]string{"service", "result"},
	)
)

func RegisterProxyMetrics() {
	prometheus.MustRegister(ProxyAttemptsTotal)
	prometheus.MustRegister(ProxyRequestsTotal)
	prometheus.MustRegister(ProxyRequestDuration)
	prometheus.MustRegister(ProxyRetriesTotal)
	prometheus.MustRegister(UploadsTotal)
	prometheus.MustRegister(UploadSizeBytes)
	prometheus.MustRegister(HealthProbeDuration)
	prometheus.MustRegister(ServiceHealthy)
}

func RegisterBrokerMetrics() {
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsConsumedTotal)
	prometheus.MustRegister(MalformedEventsTotal)
	prometheus.MustRegister(DLQMessagesTotal)
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(EventHandlerDuration)
	prometheus.MustRegister(EventPublishDuration)
	prometheus.MustRegister(EventSizeBytes)
	prometheus.MustRegister(ActiveSubscriptions)
	prometheus.MustRegister(ConsumerLifecycleEventsTotal)
	prometheus.MustRegister(BusState)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func RegisterGatewayMetrics() {
	prometheus.MustRegister(RateLimitRequestsTotal)
	prometheus.MustRegister(RegistryUpdatesTotal)
}

func IncProxyAttempt(service, outcome string) {
	ProxyAttemptsTotal.WithLabelValues(service, outcome).Inc()
}

func IncProxyRequest(service, method, outcome string) {
	ProxyRequestsTotal.WithLabelValues(service, method, outcome).Inc()
}

func ObserveProxyDuration(service string, duration time.Duration) {
	ProxyRequestDuration.WithLabelValues(service).Observe(float64(duration.Milliseconds()))
}

func IncProxyRetry(service, kind string) {
	ProxyRetriesTotal.WithLabelValues(service, kind).Inc()
}

func ObserveHealthProbe(service, status string, duration time.Duration) {
	HealthProbeDuration.WithLabelValues(service, status).Observe(float64(duration.Milliseconds()))
	healthy := 0.0
	if status == "healthy" {
		healthy = 1
	}
	ServiceHealthy.WithLabelValues(service).Set(healthy)
}

func IncEventsPublished(service, topic, status string) {
	EventsPublishedTotal.WithLabelValues(service, topic, status).Inc()
}

func IncEventsConsumed(service, topic, status string) {
	EventsConsumedTotal.WithLabelValues(service, topic, status).Inc()
}

func IncMalformedEvent(service, topic string) {
	MalformedEventsTotal.WithLabelValues(service, topic).Inc()
}

func IncDLQMessage(service, topic, status string) {
	DLQMessagesTotal.WithLabelValues(service, topic, status).Inc()
}

func ObserveHandlerDuration(service, topic string, duration time.Duration) {
	EventHandlerDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

func ObservePublishDuration(service, topic string, duration time.Duration) {
	EventPublishDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

func ObserveEventSize(service, topic, direction string, sizeBytes int) {
	EventSizeBytes.WithLabelValues(service, topic, direction).Observe(float64(sizeBytes))
}

func SetActiveSubscriptions(service string, count int) {
	ActiveSubscriptions.WithLabelValues(service).Set(float64(count))
}

func IncLifecycleEvent(service, topic, event string) {
	ConsumerLifecycleEventsTotal.WithLabelValues(service, topic, event).Inc()
}

func SetBusState(service string, state int) {
	BusState.WithLabelValues(service).Set(float64(state))
}

func IncRegistryUpdate(service, result string) {
	RegistryUpdatesTotal.WithLabelValues(service, result).Inc()
}

func StatusLabel(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
