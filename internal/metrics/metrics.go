package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for notifyd
type Metrics struct {
	// API metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	APIErrorsTotal     *prometheus.CounterVec
	IdempotentReplays  prometheus.Counter

	// Dispatcher metrics
	SubscriptionsActive   prometheus.Gauge
	NotificationsTotal    *prometheus.CounterVec
	NotificationsUnheard  *prometheus.CounterVec
	CallbacksInvoked      *prometheus.CounterVec
	CallbackFailuresTotal *prometheus.CounterVec
	DispatchDuration      prometheus.Histogram

	// Scheduler metrics
	SchedulerQueueDepth   prometheus.Gauge
	SchedulerTasksTotal   *prometheus.CounterVec
	SchedulerTaskDuration prometheus.Histogram

	// Stream metrics
	StreamsActive       *prometheus.GaugeVec
	StreamMessagesTotal *prometheus.CounterVec
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifyd_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method", "route"},
	)

	m.APIErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_api_errors_total",
			Help: "Total number of API errors",
		},
		[]string{"route", "error_type"},
	)

	m.IdempotentReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifyd_api_idempotent_replays_total",
			Help: "Notify requests answered from the idempotency cache",
		},
	)

	// Dispatcher metrics
	m.SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifyd_subscriptions_active",
			Help: "Number of registered subscriptions",
		},
	)

	m.NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_notifications_total",
			Help: "Total number of notifications dispatched",
		},
		[]string{"kind"},
	)

	m.NotificationsUnheard = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_notifications_unheard_total",
			Help: "Notifications raised on a source and kind with no subscriptions",
		},
		[]string{"kind"},
	)

	m.CallbacksInvoked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_callbacks_invoked_total",
			Help: "Total number of callback invocations",
		},
		[]string{"mode"}, // sync, async
	)

	m.CallbackFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_callback_failures_total",
			Help: "Total number of failed callback invocations",
		},
		[]string{"kind", "reason"}, // reason: error, panic
	)

	m.DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notifyd_dispatch_duration_seconds",
			Help:    "Time spent running synchronous callbacks for one notification",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // from 0.1ms to ~200ms
		},
	)

	// Scheduler metrics
	m.SchedulerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifyd_scheduler_queue_depth",
			Help: "Number of async callbacks waiting for a worker",
		},
	)

	m.SchedulerTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_scheduler_tasks_total",
			Help: "Total number of async tasks run by the scheduler",
		},
		[]string{"result"}, // ok, error, panic
	)

	m.SchedulerTaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notifyd_scheduler_task_duration_seconds",
			Help:    "Duration of async tasks in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		},
	)

	// Stream metrics
	m.StreamsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notifyd_streams_active",
			Help: "Number of open notification streams",
		},
		[]string{"protocol"}, // websocket, sse
	)

	m.StreamMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_stream_messages_total",
			Help: "Total number of notifications written to streams",
		},
		[]string{"protocol"},
	)

	return m
}
