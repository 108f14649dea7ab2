package rhttp

import (
	"fmt"
	"time"

	"github.com/shardlog/shardlog/pkg/rlog"
	"go.uber.org/zap"
)

// LoggerWithRLog 请求日志中间件
func LoggerWithRLog(log rlog.Log) HandlerFunc {
	return func(c *Context) {
		start := time.Now()

		c.Next()

		latency := time.Since(start)
		if latency > time.Minute {
			latency = latency.Truncate(time.Second)
		}

		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery
		if raw != "" {
			path = path + "?" + raw
		}

		log.Debug(fmt.Sprintf("|%s| %d| %s", c.Request.Method, c.Writer.Status(), path),
			zap.String("clientip", c.ClientIP()),
			zap.Int("size", c.Writer.Size()),
			zap.String("latency", latency.String()))
	}
}
