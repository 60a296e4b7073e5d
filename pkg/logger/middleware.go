package logger

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GinLogger returns a middleware for logging HTTP requests
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		// Health probes hit every few seconds
		level := zap.InfoLevel
		if c.Writer.Status() < 400 {
			level = zap.DebugLevel
		}

		if ce := Logger.Check(level, "HTTP Request"); ce != nil {
			ce.Write(
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.RequestURI),
				zap.String("ip", c.ClientIP()),
				zap.Int("status", c.Writer.Status()),
				zap.Duration("duration", time.Since(startTime)),
				zap.Int("body_size", c.Writer.Size()),
			)
		}
	}
}
