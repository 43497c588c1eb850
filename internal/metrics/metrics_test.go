package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGetMetrics(t *testing.T) {
	metrics := GetMetrics()
	assert.NotNil(t, metrics, "Metrics should not be nil")

	// Call again to test singleton behavior
	metrics2 := GetMetrics()
	assert.Same(t, metrics, metrics2, "GetMetrics should return the same instance")
}

func TestAllMetricsInitialized(t *testing.T) {
	m := GetMetrics()

	assert.NotNil(t, m.APIRequestsTotal)
	assert.NotNil(t, m.APIRequestDuration)
	assert.NotNil(t, m.APIErrorsTotal)
	assert.NotNil(t, m.IdempotentReplays)

	assert.NotNil(t, m.SubscriptionsActive)
	assert.NotNil(t, m.NotificationsTotal)
	assert.NotNil(t, m.NotificationsUnheard)
	assert.NotNil(t, m.CallbacksInvoked)
	assert.NotNil(t, m.CallbackFailuresTotal)
	assert.NotNil(t, m.DispatchDuration)

	assert.NotNil(t, m.SchedulerQueueDepth)
	assert.NotNil(t, m.SchedulerTasksTotal)
	assert.NotNil(t, m.SchedulerTaskDuration)

	assert.NotNil(t, m.StreamsActive)
	assert.NotNil(t, m.StreamMessagesTotal)
}

func TestCounterIncrements(t *testing.T) {
	m := GetMetrics()

	before := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("metrics-test"))
	m.NotificationsTotal.WithLabelValues("metrics-test").Inc()
	m.NotificationsTotal.WithLabelValues("metrics-test").Add(2)

	assert.Equal(t, before+3, testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("metrics-test")))
}

func BenchmarkMetricsOperations(b *testing.B) {
	registry := prometheus.NewRegistry()

	counterVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchmark_counter_vec",
			Help: "Benchmark counter vec",
		},
		[]string{"kind"},
	)
	registry.MustRegister(counterVec)

	histogram := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "benchmark_histogram",
			Help:    "Benchmark histogram",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
	)
	registry.MustRegister(histogram)

	b.Run("CounterVec.WithLabelValues", func(b *testing.B) {
		kinds := []string{"click", "activation", "keydown"}
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			counterVec.WithLabelValues(kinds[i%len(kinds)]).Inc()
		}
	})

	b.Run("Histogram.Observe", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			histogram.Observe(float64(i) / 1000.0)
		}
	})
}
