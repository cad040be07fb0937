package security

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// StoreLatency can be used by store implementations to record operation latency.
	StoreLatency *prometheus.HistogramVec

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// DBPoolOpenConnections tracks the number of currently open database connections.
	DBPoolOpenConnections prometheus.Gauge

	// DBPoolMaxConnections tracks the configured maximum database connections.
	DBPoolMaxConnections prometheus.Gauge

	wsSessions          prometheus.Gauge
	wsAdmissionsTotal   *prometheus.CounterVec
	broadcastsTotal     prometheus.Counter
	deliveryFailures    prometheus.Counter
	jobsProcessedTotal  *prometheus.CounterVec
	messagesPurgedTotal prometheus.Counter
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Label values may not contain commas. Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		k, v := pair[:idx], pair[idx+1:]
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Safe to call multiple times; only the first call registers. Until it is called
// every recorder in this file is a no-op, which keeps unit tests free of global state.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(constLabels)
	})
}

func initMetricsInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	StoreLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_store_operation_duration_seconds",
			Help:    "Store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CacheHitsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_cache_hits_total",
		Help: "Total cache hits",
	})

	CacheMissesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_cache_misses_total",
		Help: "Total cache misses",
	})

	DBPoolOpenConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "db_pool_open_connections",
		Help: "Number of open database connections",
	})

	DBPoolMaxConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "db_pool_max_connections",
		Help: "Maximum number of database connections",
	})

	wsSessions = f.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_sessions",
		Help: "Number of admitted streaming sessions on this node",
	})

	wsAdmissionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_admissions_total",
			Help: "Streaming admission attempts by result",
		},
		[]string{"result"},
	)

	broadcastsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_broadcast_total",
		Help: "Messages published to a conversation group",
	})

	deliveryFailures = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_delivery_failures_total",
		Help: "Per-session delivery attempts that failed",
	})

	jobsProcessedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_jobs_processed_total",
			Help: "Background jobs processed by type and result",
		},
		[]string{"type", "result"},
	)

	messagesPurgedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_purged_total",
		Help: "Messages deleted by the retention sweep",
	})
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method).Observe(duration.Seconds())
	}
}

// RecordAdmission counts an admission attempt and tracks the admitted-session gauge.
func RecordAdmission(admitted bool) {
	if wsAdmissionsTotal == nil {
		return
	}
	if admitted {
		wsAdmissionsTotal.WithLabelValues("admitted").Inc()
		wsSessions.Inc()
		return
	}
	wsAdmissionsTotal.WithLabelValues("rejected").Inc()
}

// RecordDismissal decrements the admitted-session gauge.
func RecordDismissal() {
	if wsSessions != nil {
		wsSessions.Dec()
	}
}

func RecordBroadcast() {
	if broadcastsTotal != nil {
		broadcastsTotal.Inc()
	}
}

func RecordDeliveryFailure() {
	if deliveryFailures != nil {
		deliveryFailures.Inc()
	}
}

// RecordJob counts a processed background job.
func RecordJob(jobType string, err error) {
	if jobsProcessedTotal == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	jobsProcessedTotal.WithLabelValues(jobType, result).Inc()
}

func RecordPurged(n int64) {
	if messagesPurgedTotal != nil && n > 0 {
		messagesPurgedTotal.Add(float64(n))
	}
}

func RecordCacheLookup(hit bool) {
	if CacheHitsTotal == nil {
		return
	}
	if hit {
		CacheHitsTotal.Inc()
	} else {
		CacheMissesTotal.Inc()
	}
}
