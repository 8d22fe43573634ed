package middleware

import (
	"strconv"
	"time"

	"codegrader/internal/common/metrics"

	"github.com/gin-gonic/gin"
)

// MetricsMiddleware collects HTTP request metrics labelled by route template.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		metrics.RequestInProgress.WithLabelValues(method, path).Inc()
		defer metrics.RequestInProgress.WithLabelValues(method, path).Dec()

		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		metrics.RequestCounter.WithLabelValues(status, method, path).Inc()
		metrics.RequestDuration.WithLabelValues(status, method, path).Observe(time.Since(start).Seconds())
	}
}
