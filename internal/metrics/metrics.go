package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// WebhookDeliveries counts delivery attempt outcomes by event type and resulting status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook delivery attempts by event type and resulting status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks delivery attempt latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000}},
		[]string{"event_type", "status"},
	)
	// WebhookAttemptErrors counts failed attempts by error kind
	WebhookAttemptErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_attempt_errors_total", Help: "Failed webhook attempts by error kind."},
		[]string{"kind"},
	)
	// DispatchCycles counts worker cycles and DispatchClaimed the deliveries they claimed
	DispatchCycles = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "webhook_dispatch_cycles_total", Help: "Dispatch cycles run."},
	)
	DispatchClaimed = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "webhook_dispatch_claimed", Help: "Deliveries claimed per dispatch cycle.", Buckets: []float64{0, 1, 5, 10, 25, 50, 100}},
	)
	// PendingDeliveries is the queue depth observed before the latest cycle
	PendingDeliveries = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "webhook_pending_deliveries", Help: "Pending and retrying deliveries before the last cycle."},
	)

	// BillingEvents counts processed provider events by type and action
	BillingEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "billing_events_total", Help: "Billing events by provider type and action."},
		[]string{"event_type", "action"},
	)
	// BillingRejections counts inbound events rejected before or during resolution
	BillingRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "billing_rejections_total", Help: "Rejected billing events by reason."},
		[]string{"reason"},
	)
	// BillingDowngrades counts projects downgraded by the period end sweep
	BillingDowngrades = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "billing_scheduled_downgrades_total", Help: "Projects downgraded at period end."},
	)

	// RateLimited counts requests refused by the rate limiter
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_rate_limited_total", Help: "Requests refused by the rate limiter."},
		[]string{"path"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		Registry.MustRegister(WebhookAttemptErrors)
		Registry.MustRegister(DispatchCycles)
		Registry.MustRegister(DispatchClaimed)
		Registry.MustRegister(PendingDeliveries)
		Registry.MustRegister(BillingEvents)
		Registry.MustRegister(BillingRejections)
		Registry.MustRegister(BillingDowngrades)
		Registry.MustRegister(RateLimited)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// Handler serves the service registry in the Prometheus exposition format.
func Handler() http.Handler {
	RegisterDefault()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
