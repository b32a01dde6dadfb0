package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pu-ac-cn/uac-ticket/internal/metrics"
)

// Metrics 请求指标中间件，路径取路由模板，未匹配的路由统一记为 unmatched
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordRequest(c.Request.Method, path, c.Writer.Status(), start)
	}
}
