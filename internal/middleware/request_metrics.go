package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"attest-backend/internal/metrics"
)

// RequestMetrics counts requests per route template and status and logs
// slow or failed ones.
func RequestMetrics(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()

		elapsed := time.Since(started)
		if status >= 500 || elapsed > 5*time.Second {
			logger.WithFields(logrus.Fields{
				"method":     c.Request.Method,
				"route":      route,
				"status":     status,
				"elapsed_ms": elapsed.Milliseconds(),
				"client_ip":  c.ClientIP(),
			}).Warn("⚠️ Slow or failed request")
		}
	}
}
