package log

import (
	"time"

	"github.com/gin-gonic/gin"
)

// RequestLogger logs one line per request through the global logger.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := []interface{}{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"bytes", c.Writer.Size(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "errors", c.Errors.String())
		}

		switch {
		case status >= 500:
			var cause error
			if last := c.Errors.Last(); last != nil {
				cause = last.Err
			}
			LogAppErr("request failed", cause, fields...)
		case status >= 400:
			LogAppInfo("request rejected", fields...)
		default:
			LogAppDebug("request served", fields...)
		}
	}
}
