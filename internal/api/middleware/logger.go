package middleware

import (
	"log/slog"
	"time"

	"github.com/adamscao/sshca/internal/api/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// RequestID assigns every request an id, reusing a well-formed incoming
// X-Request-ID and echoing it on the response
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(response.RequestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// Logger logs one line per request. Query strings and headers are left
// out because they may carry credentials.
func Logger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Duration("latency", time.Since(start)),
			slog.String("client_ip", c.ClientIP()),
			slog.String("request_id", c.GetString(response.RequestIDKey)),
		}
		if caller := CallerFrom(c); caller != nil {
			attrs = append(attrs, slog.String("caller", caller.Kind+":"+caller.Name))
		}
		logger.LogAttrs(c.Request.Context(), level, "http request", attrs...)
	}
}
