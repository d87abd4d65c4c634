package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderalert_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orderalert_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orderalert_notifications_created_total",
			Help: "Admin notifications created for new orders",
		},
	)

	notificationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderalert_notification_transitions_total",
			Help: "Notification status transitions by target status",
		},
		[]string{"status"},
	)

	escalationSweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderalert_escalation_sweeps_total",
			Help: "Escalation scheduler ticks by outcome",
		},
		[]string{"outcome"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderalert_deliveries_total",
			Help: "Delivery attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orderalert_delivery_latency_seconds",
			Help:    "Time spent on a single delivery attempt",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	streamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orderalert_stream_connections",
			Help: "Live admin event-stream connections",
		},
	)

	streamDisconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderalert_stream_disconnects_total",
			Help: "Event-stream connections closed by reason",
		},
		[]string{"reason"},
	)

	eventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orderalert_events_dropped_total",
			Help: "Bus events dropped because a subscriber buffer was full",
		},
		[]string{"subscriber"},
	)

	poolQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orderalert_pool_queue_depth",
			Help: "Background tasks waiting for a worker",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orderalert_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orderalert_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordNotificationCreated counts a new order notification.
func RecordNotificationCreated() {
	notificationsCreated.Inc()
}

// RecordTransition counts a status transition.
func RecordTransition(status string) {
	notificationTransitions.WithLabelValues(status).Inc()
}

// RecordSweep counts a scheduler tick ("ok", "error", "skipped").
func RecordSweep(outcome string) {
	escalationSweeps.WithLabelValues(outcome).Inc()
}

// RecordDelivery records one delivery attempt on a channel ("push", "sms", "email").
func RecordDelivery(channel, result string, took time.Duration) {
	deliveries.WithLabelValues(channel, result).Inc()
	deliveryLatency.WithLabelValues(channel).Observe(took.Seconds())
}

// StreamOpened increments the live connection gauge.
func StreamOpened() {
	streamConnections.Inc()
}

// StreamClosed decrements the live connection gauge.
func StreamClosed(reason string) {
	streamConnections.Dec()
	streamDisconnects.WithLabelValues(reason).Inc()
}

// RecordEventDropped counts a bus event a subscriber could not take.
func RecordEventDropped(subscriber string) {
	eventsDropped.WithLabelValues(subscriber).Inc()
}

// SetPoolQueueDepth sets the background queue depth.
func SetPoolQueueDepth(n int) {
	poolQueueDepth.Set(float64(n))
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// SetBreakerState publishes a circuit breaker state.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// statusWriter wraps http.ResponseWriter to capture status code. It keeps
// Flush so event streams still work behind the middleware.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. The chi
// route pattern is used as the path label to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
