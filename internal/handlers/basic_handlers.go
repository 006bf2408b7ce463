package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	serviceName    = "stablepay-backend"
	serviceVersion = "v1.0"
)

// HealthCheck reports one dependency; nil means healthy.
type HealthCheck func(ctx context.Context) error

// BasicHandler health, ping and the index page
type BasicHandler struct {
	checks    map[string]HealthCheck
	startedAt time.Time
	timeout   time.Duration
}

func NewBasicHandler(checks map[string]HealthCheck) *BasicHandler {
	return &BasicHandler{checks: checks, startedAt: time.Now(), timeout: 5 * time.Second}
}

// HealthCheckHandler GET /health
func (h *BasicHandler) HealthCheckHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	code := http.StatusOK
	components := make(gin.H, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			components[name] = gin.H{"status": "unhealthy", "error": err.Error()}
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		components[name] = gin.H{"status": "healthy"}
	}

	c.JSON(code, gin.H{
		"status":         status,
		"service":        serviceName,
		"version":        serviceVersion,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"components":     components,
		"timestamp":      time.Now().UTC(),
	})
}

// RootHandler GET /
func (h *BasicHandler) RootHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": []string{
			"POST /payments/create",
			"GET /payments/status/:tx_hash",
			"GET /payments/by-id/:payment_id",
			"GET /payments/all",
			"GET /payments/by-status/:status",
			"GET /payments/stats",
			"GET /payments/reconciliation",
			"POST /payments/:payment_id/cancel",
			"POST /payments/:payment_id/reconcile",
			"GET /stablecoins/prices",
			"GET /stablecoins/:symbol",
			"GET /network/info",
			"GET /ws/payments",
			"GET /health",
			"GET /metrics",
		},
	})
}

// PingHandler GET /ping
func PingHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

// NotFoundHandler JSON 404 for unknown routes
func NotFoundHandler(c *gin.Context) {
	respondWithError(c, http.StatusNotFound, "NOT_FOUND", "Route not found: "+c.Request.Method+" "+c.Request.URL.Path, nil)
}
