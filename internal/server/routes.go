package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/fraudwatch/internal/health"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/report"
	"github.com/mbd888/fraudwatch/internal/webhooks"
)

func (s *Server) routes() {
	r := s.router
	r.GET("/", s.info)
	r.GET("/health", s.healthSummary)
	r.GET("/health/live", s.live)
	r.GET("/health/ready", s.readyCheck)
	r.GET("/metrics", metrics.Handler())

	// Everything below reads the transaction log, so it is rate limited.
	limited := s.limiter.Middleware()
	s.hub.RegisterRoutes(r.Group("", limited))

	reports := report.NewHandler(s.reports)

	v1 := r.Group("/v1", limited)
	v1.GET("/model", s.modelInfo)
	reports.RegisterRoutes(v1)
	s.hub.RegisterAPIRoutes(v1)
	webhooks.NewHandler(s.hooks).RegisterRoutes(v1)

	// Paths the dashboard frontend calls.
	api := r.Group("/api", limited)
	api.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	api.GET("/fraud/report", reports.GetReport)
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Streams   int             `json:"active_streams"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthSummary(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())
	resp := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Checks:    checks,
		Streams:   len(s.hub.Active()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if !ok {
		resp.Status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) live(c *gin.Context) {
	if s.alive.Load() {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
}

// readyCheck is not ready until Run has the listener up, then defers to
// the dependency checks.
func (s *Server) readyCheck(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.Handler()(c)
}

func (s *Server) info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "fraudwatch",
		"description": "Real-time card fraud scoring over a transaction log",
		"version":     Version,
		"streams":     []string{"/ws/metrics", "/ws/transactions"},
		"report":      "/v1/fraud/report",
		"webhooks":    "/v1/webhooks",
	})
}

func (s *Server) modelInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"features":  s.artifact.FeatureNames(),
		"width":     s.artifact.Width(),
		"threshold": s.artifact.Threshold(),
		"fitted_at": s.artifact.FittedAt(),
		"dataset":   s.cfg.DataPath,
	})
}
