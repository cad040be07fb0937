package security

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
)

// AccessLogMiddleware logs each HTTP request with method, path, status, and duration.
// Paths listed in skipPaths are silently passed through without logging.
// The query string is never logged since streaming clients pass their token there.
func AccessLogMiddleware(skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return func(c *gin.Context) {
		if skip[c.Request.URL.Path] {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		fields := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", duration,
			"clientIP", c.ClientIP(),
			"userAgent", c.Request.UserAgent(),
		}
		if userID := GetUserID(c); userID != "" {
			fields = append(fields, "user", userID)
		}
		log.Info("HTTP request", fields...)
	}
}
