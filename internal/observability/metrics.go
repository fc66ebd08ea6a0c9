package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flipmentor"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	sendTotal       *prometheus.CounterVec
	sendDuration    prometheus.Histogram
	pollAttempts    prometheus.Histogram
	runOutcomeTotal *prometheus.CounterVec
	bootstrapTotal  *prometheus.CounterVec

	remoteRequestDuration *prometheus.HistogramVec
	remoteErrorsTotal     *prometheus.CounterVec

	activeSessions prometheus.Gauge
	evictedTotal   prometheus.Counter

	gatewayRequestsTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current number of queued tasks by lane kind.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "queue_enqueue_total",
					Help:      "Total enqueue operations by lane kind.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "queue_dequeue_total",
					Help:      "Total task completions by lane kind and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "queue_task_duration_seconds",
					Help:      "Task execution duration in seconds by lane kind.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			sendTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "send_total",
					Help:      "Total Send calls by outcome.",
				},
				[]string{"outcome"},
			),
			sendDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "send_duration_seconds",
					Help:      "End to end Send duration in seconds.",
					Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
				},
			),
			pollAttempts: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "run_poll_attempts",
					Help:      "Status checks performed per run.",
					Buckets:   []float64{1, 2, 3, 5, 10, 15, 20, 30, 60},
				},
			),
			runOutcomeTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "run_outcome_total",
					Help:      "Total runs by final outcome.",
				},
				[]string{"outcome"},
			),
			bootstrapTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_bootstrap_total",
					Help:      "Session bootstrap attempts by result.",
				},
				[]string{"result"},
			),
			remoteRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "remote_request_duration_seconds",
					Help:      "Remote API request duration in seconds by operation.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"operation"},
			),
			remoteErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "remote_errors_total",
					Help:      "Total failed remote API requests by operation.",
				},
				[]string{"operation"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_sessions",
					Help:      "Clients currently held by the session registry.",
				},
			),
			evictedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "sessions_evicted_total",
					Help:      "Clients evicted by the idle sweeper.",
				},
			),
			gatewayRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "gateway_requests_total",
					Help:      "Gateway RPC requests by method and status.",
				},
				[]string{"method", "status"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.sendTotal,
			m.sendDuration,
			m.pollAttempts,
			m.runOutcomeTotal,
			m.bootstrapTotal,
			m.remoteRequestDuration,
			m.remoteErrorsTotal,
			m.activeSessions,
			m.evictedTotal,
			m.gatewayRequestsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// LaneKind collapses a lane name to its prefix so per-session lanes do not
// explode label cardinality: "session:user-42" becomes "session".
func LaneKind(lane string) string {
	if i := strings.IndexByte(lane, ':'); i > 0 {
		return lane[:i]
	}
	return lane
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	kind := LaneKind(lane)
	m.enqueueTotal.WithLabelValues(kind).Inc()
	m.queueSize.WithLabelValues(kind).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(LaneKind(lane)).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	kind := LaneKind(lane)
	m.dequeueTotal.WithLabelValues(kind, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(kind).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(kind).Set(float64(queueSize))
}

// RecordSend records one Send call. outcome is "ok" or an error kind.
func RecordSend(outcome string, duration time.Duration) {
	m := getMetrics()
	m.sendTotal.WithLabelValues(outcome).Inc()
	m.sendDuration.Observe(duration.Seconds())
}

// RecordRunOutcome records the final state of a polled run.
func RecordRunOutcome(outcome string, attempts int) {
	m := getMetrics()
	m.runOutcomeTotal.WithLabelValues(outcome).Inc()
	m.pollAttempts.Observe(float64(attempts))
}

func RecordBootstrap(success bool) {
	getMetrics().bootstrapTotal.WithLabelValues(statusLabel(success)).Inc()
}

func RecordRemoteRequest(operation string, duration time.Duration, success bool) {
	m := getMetrics()
	m.remoteRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if !success {
		m.remoteErrorsTotal.WithLabelValues(operation).Inc()
	}
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionsEvicted(count int) {
	getMetrics().evictedTotal.Add(float64(count))
}

func RecordGatewayRequest(method string, success bool) {
	getMetrics().gatewayRequestsTotal.WithLabelValues(method, statusLabel(success)).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
