// Package metrics exposes Prometheus instruments for the assignment engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	assignmentAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livedesk_assignment_attempts_total",
			Help: "Assignment attempts by outcome and reason",
		},
		[]string{"trigger", "outcome", "reason"},
	)

	assignmentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livedesk_assignment_duration_seconds",
			Help:    "Duration of one assignment transaction",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"trigger"},
	)

	queuePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livedesk_queue_pending",
		Help: "Conversations waiting for an agent after the last scan",
	})

	queueLongestWait = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livedesk_queue_longest_wait_seconds",
		Help: "Longest wait among pending conversations",
	})

	queueSLA = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livedesk_queue_sla_conversations",
			Help: "Pending conversations per SLA state",
		},
		[]string{"sla_status"},
	)

	queueScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "livedesk_queue_scan_duration_seconds",
		Help:    "Duration of one full queue scan",
		Buckets: prometheus.DefBuckets,
	})

	syncFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livedesk_sync_failures_total",
			Help: "Best-effort real-time pushes that failed",
		},
		[]string{"operation"},
	)

	syncDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livedesk_sync_dropped_total",
			Help: "Real-time pushes discarded because the dispatch queue was full",
		},
		[]string{"operation"},
	)

	agentForcedStatusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livedesk_agent_forced_status_total",
			Help: "Agent status changes made by the sweeper",
		},
		[]string{"reason"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livedesk_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livedesk_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

var (
	registryOnce sync.Once
	registry     *prometheus.Registry
)

// Registry returns the private registry holding every livedesk collector.
func Registry() *prometheus.Registry {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			assignmentAttemptsTotal,
			assignmentDuration,
			queuePending,
			queueLongestWait,
			queueSLA,
			queueScanDuration,
			syncFailuresTotal,
			syncDroppedTotal,
			agentForcedStatusTotal,
			httpRequestsTotal,
			httpRequestDuration,
		)
	})
	return registry
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{})
}

// RecordAssignment counts one attempt. Reason is empty on success.
func RecordAssignment(trigger string, success bool, reason string, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	assignmentAttemptsTotal.WithLabelValues(trigger, outcome, reason).Inc()
	assignmentDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// RecordQueueScan publishes the state of the queue after a scan.
func RecordQueueScan(pending int, longestWait int64, ok, atRisk, breached int, duration time.Duration) {
	queuePending.Set(float64(pending))
	queueLongestWait.Set(float64(longestWait))
	queueSLA.WithLabelValues("ok").Set(float64(ok))
	queueSLA.WithLabelValues("at-risk").Set(float64(atRisk))
	queueSLA.WithLabelValues("breached").Set(float64(breached))
	queueScanDuration.Observe(duration.Seconds())
}

func RecordSyncFailure(operation string) {
	syncFailuresTotal.WithLabelValues(operation).Inc()
}

func RecordSyncDropped(operation string) {
	syncDroppedTotal.WithLabelValues(operation).Inc()
}

// RecordForcedStatus counts sweeper-driven status changes: auto_away,
// session_timeout or schedule.
func RecordForcedStatus(reason string) {
	agentForcedStatusTotal.WithLabelValues(reason).Inc()
}

func RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// GinMiddleware records every request under its route template.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		RecordHTTPRequest(c.Request.Method, endpoint, c.Writer.Status(), time.Since(start))
	}
}
