package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentloop/agentloop/internal/common/logger"
)

// RequestLogger emits one log line per request once the handler chain
// finishes. Server errors log at error level, client errors at warn,
// everything else stays at debug to keep steady traffic quiet.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		fields := requestFields(c, serverName, status, time.Since(start))
		switch {
		case status >= 500:
			log.Error("http request", fields...)
		case status >= 400:
			log.Warn("http request", fields...)
		default:
			log.Debug("http request", fields...)
		}
	}
}

func requestFields(c *gin.Context, serverName string, status int, latency time.Duration) []zap.Field {
	// Prefer the route pattern so per-channel paths aggregate cleanly.
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	size := c.Writer.Size()
	if size < 0 {
		size = 0
	}
	return []zap.Field{
		zap.String("server", serverName),
		zap.String("method", c.Request.Method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Duration("latency", latency),
		zap.Int("bytes", size),
	}
}
