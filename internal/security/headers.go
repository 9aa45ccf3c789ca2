// Package security provides response hardening and origin checks for the
// fraudwatch API and its WebSocket streams.
package security

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeadersMiddleware adds security headers to all responses
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		// JSON and WebSocket only: nothing here renders HTML.
		c.Header("Content-Security-Policy", "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		c.Next()
	}
}

// Origins is a parsed CORS allowlist.
type Origins struct {
	any bool
	set map[string]bool
}

// ParseOrigins builds an allowlist from a comma separated list such as
// "http://localhost:3000,https://app.example.com". "*" allows any origin.
func ParseOrigins(raw string) Origins {
	o := Origins{set: make(map[string]bool)}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimRight(strings.TrimSpace(part), "/")
		switch part {
		case "":
		case "*":
			o.any = true
		default:
			o.set[part] = true
		}
	}
	return o
}

// Allowed reports whether a request from origin to host may proceed.
// Non-browser clients (no Origin) and same-host pages are always allowed.
func (o Origins) Allowed(origin, host string) bool {
	if origin == "" || o.any || o.set[origin] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == host
}

// CheckOrigin adapts the allowlist to websocket.Upgrader.CheckOrigin.
func (o Origins) CheckOrigin(r *http.Request) bool {
	return o.Allowed(r.Header.Get("Origin"), r.Host)
}

// CORSMiddleware handles CORS for API endpoints
func CORSMiddleware(o Origins) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if origin != "" && o.Allowed(origin, c.Request.Host) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID")
			c.Header("Access-Control-Max-Age", "86400")
			// Wildcard plus credentials is rejected by browsers.
			if !o.any {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
