package metric

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const namespaceAPI = "api"

var (
	// APIRequests served requests, by route, method and status
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceAPI,
			Name:      "requests_total",
			Help:      "",
		}, []string{"path", "method", "status"})

	// APIRequestDuration request handling time in milliseconds
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespaceAPI,
			Name:      "request_duration",
			Help:      "",
		}, []string{"path", "method"})
)

func init() {
	prometheus.MustRegister(APIRequests)
	prometheus.MustRegister(APIRequestDuration)
}

// PrometheusMiddleware records APIRequests and APIRequestDuration for every
// request routed by gin
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		APIRequests.WithLabelValues(path, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		MeasureDuration(APIRequestDuration, start, path, c.Request.Method)
	}
}
