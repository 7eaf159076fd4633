package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// PrometheusMiddleware HTTP 请求指标中间件。
// 指标端点和探针不计入，避免监控流量污染业务指标。
func PrometheusMiddleware() gin.HandlerFunc {
	skip := map[string]struct{}{
		"/metrics": {},
		"/health":  {},
		"/ready":   {},
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		start := time.Now()
		requestSize := c.Request.ContentLength

		c.Next()

		// 用路由模板做标签（/api/v1/approvals/:id），裸路径会把
		// 每个 ID 变成一条时间序列
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		APIRequestsTotal.WithLabelValues(method, path, status).Inc()
		APIRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		if requestSize > 0 {
			APIRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
		}
		if respSize := c.Writer.Size(); respSize >= 0 {
			APIResponseSize.WithLabelValues(method, path).Observe(float64(respSize))
		}
	}
}
