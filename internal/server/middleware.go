package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/fraudwatch/internal/idgen"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/security"
	"github.com/mbd888/fraudwatch/internal/validation"
)

const (
	requestIDHeader = "X-Request-ID"
	maxRequestIDLen = 64
)

// quietPaths are polled by probes and scrapers; they log at debug.
var quietPaths = map[string]bool{
	"/health":       true,
	"/health/live":  true,
	"/health/ready": true,
	"/metrics":      true,
}

func (s *Server) useMiddleware(origins security.Origins) {
	s.router.Use(
		gin.CustomRecovery(s.recoverPanic),
		security.HeadersMiddleware(),
		security.CORSMiddleware(origins),
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		metrics.Middleware(),
		s.tagRequest(),
		s.accessLog(),
	)
}

func (s *Server) recoverPanic(c *gin.Context, recovered any) {
	logging.L(c.Request.Context()).Error("handler panicked",
		"panic", recovered,
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
	)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "unexpected server error",
	})
}

// tagRequest propagates a caller supplied X-Request-ID, or mints one, and
// puts it with the server logger on the request context.
func (s *Server) tagRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = idgen.WithPrefix(idgen.PrefixRequest)
		}
		c.Header(requestIDHeader, id)

		ctx := logging.WithLogger(c.Request.Context(), s.logger)
		c.Request = c.Request.WithContext(logging.WithRequestID(ctx, id))
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context()).With(
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("request", "client_ip", c.ClientIP())
		case status >= http.StatusBadRequest:
			logger.Warn("request")
		case quietPaths[path]:
			logger.Debug("request")
		default:
			logger.Info("request")
		}
	}
}
