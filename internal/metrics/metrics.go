package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oakregistry",
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "oakregistry",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	publishOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oakregistry",
		Name:      "publish_outcomes_total",
		Help:      "Publish attempts by terminal outcome.",
	}, []string{"outcome"})

	publishDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "oakregistry",
		Name:      "publish_duration_seconds",
		Help:      "Wall-clock time of the publish pipeline.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	publishInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "oakregistry",
		Name:      "publish_in_flight",
		Help:      "Publish pipelines currently holding a slot.",
	})

	downloads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "oakregistry",
		Name:      "downloads_total",
		Help:      "Archive downloads served.",
	})

	rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "oakregistry",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the admission rate limiter.",
	})
)

// InitMetrics registers the collectors with the default registry. Safe to call
// more than once.
func InitMetrics() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			publishOutcomes,
			publishDuration,
			publishInFlight,
			downloads,
			rateLimited,
		)
	})
}

// Middleware records request counts and latency keyed by the matched route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

// ObservePublish records the outcome ("committed" or an error kind) and the
// pipeline duration.
func ObservePublish(outcome string, elapsed time.Duration) {
	publishOutcomes.WithLabelValues(outcome).Inc()
	publishDuration.Observe(elapsed.Seconds())
}

// PublishStarted and PublishFinished track occupied pipeline slots.
func PublishStarted()  { publishInFlight.Inc() }
func PublishFinished() { publishInFlight.Dec() }

func ObserveDownload() { downloads.Inc() }

func ObserveRateLimited() { rateLimited.Inc() }

// Register attaches the Prometheus metrics endpoint to the router.
func Register(router *gin.Engine, path string) {
	router.GET(path, gin.WrapH(promhttp.Handler()))
}
