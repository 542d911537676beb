package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/adamscao/sshca/internal/api/response"
	"github.com/gin-gonic/gin"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"
)

// SecureHeaders sets the standard hardening headers on every response
func SecureHeaders(logger *slog.Logger) gin.HandlerFunc {
	sm := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	return func(c *gin.Context) {
		if err := sm.Process(c.Writer, c.Request); err != nil {
			logger.Warn("secure headers blocked request", "error", err)
			response.Abort(c, http.StatusBadRequest, "invalid_request", "request blocked")
			return
		}
		c.Next()
	}
}

// RateLimit limits each client IP to requestsPerMinute requests
func RateLimit(requestsPerMinute int) gin.HandlerFunc {
	limiter := httprate.Limit(requestsPerMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited","detail":"too many requests"}`))
		}),
	)
	return wrapHTTP(limiter)
}

// wrapHTTP runs a net/http middleware inside the gin chain. The gin chain
// continues only if the wrapped middleware calls its next handler.
func wrapHTTP(mw func(http.Handler) http.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		passed := false
		mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			passed = true
			c.Request = r
			c.Next()
		})).ServeHTTP(c.Writer, c.Request)
		if !passed {
			c.Abort()
		}
	}
}
