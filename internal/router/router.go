package router

import (
	"net/http"
	"strconv"
	"strings"

	"stablepay-backend/internal/config"
	"stablepay-backend/internal/handlers"
	"stablepay-backend/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsAllowHeaders = "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, Cache-Control, Accept"
)

// Handlers everything the router mounts
type Handlers struct {
	Basic         *handlers.BasicHandler
	Payments      *handlers.PaymentHandler
	Stablecoins   *handlers.StablecoinHandler
	Network       *handlers.NetworkHandler
	AdminAuth     *handlers.AdminAuthHandler
	AdminContract *handlers.AdminContractHandler
	WebSocket     *handlers.WebSocketHandler
}

// Options router-level settings
type Options struct {
	CORS            config.CORSConfig
	AdminAllowedIPs []string
	TrustedProxies  []string
}

// corsMiddleware CORS middleware. An empty origin list allows every origin.
func corsMiddleware(cfg config.CORSConfig) gin.HandlerFunc {
	allowAll := len(cfg.AllowedOrigins) == 0
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 3600
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin == "":
		case allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		default:
			logrus.WithFields(logrus.Fields{
				"request_origin": origin,
				"path":           c.Request.URL.Path,
				"method":         c.Request.Method,
				"remote_addr":    c.ClientIP(),
			}).Warn("🚫 CORS: Request blocked - Origin not in whitelist")
		}

		c.Header("Access-Control-Allow-Methods", corsAllowMethods)
		c.Header("Access-Control-Allow-Headers", corsAllowHeaders)
		// browsers refuse credentials together with a wildcard origin
		if cfg.AllowCredentials && !allowAll {
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		c.Header("Access-Control-Max-Age", strconv.Itoa(maxAge))

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Header("Access-Control-Expose-Headers", "Content-Length, Content-Type")
		c.Next()
	}
}

func SetupRouter(h Handlers, opts Options) *gin.Engine {
	r := gin.Default()

	if err := r.SetTrustedProxies(opts.TrustedProxies); err != nil {
		logrus.Warnf("⚠️ Invalid trusted proxies %v: %v", opts.TrustedProxies, err)
	}

	r.Use(corsMiddleware(opts.CORS))

	logger := logrus.StandardLogger()
	if len(opts.AdminAllowedIPs) > 0 {
		logger.WithFields(logrus.Fields{
			"allowed_ips": opts.AdminAllowedIPs,
			"count":       len(opts.AdminAllowedIPs),
		}).Info("Admin API IP whitelist configured")
	} else {
		logger.Info("No admin.allowed_ips configured, using localhost-only mode")
	}
	localhostOnly := middleware.NewLocalhostOnly(logger, opts.AdminAllowedIPs)

	// ============ Basic ============
	r.GET("/", h.Basic.RootHandler)
	r.GET("/ping", handlers.PingHandler)
	r.GET("/health", h.Basic.HealthCheckHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ============ Payments ============
	payments := r.Group("/payments")
	{
		payments.POST("/create", h.Payments.CreatePaymentHandler)
		payments.GET("/status/:tx_hash", h.Payments.GetPaymentStatusHandler)
		payments.GET("/by-id/:payment_id", h.Payments.GetPaymentHandler)
		payments.GET("/all", h.Payments.GetAllPaymentsHandler)
		payments.GET("/by-status/:status", h.Payments.GetPaymentsByStatusHandler)
		payments.GET("/stats", h.Payments.GetPaymentStatsHandler)
		payments.GET("/reconciliation", h.Payments.GetReconciliationQueueHandler)
		payments.POST("/:payment_id/cancel", h.Payments.CancelPaymentHandler)
		payments.POST("/:payment_id/reconcile", h.Payments.ReconcilePaymentHandler)
	}

	// ============ Stablecoins & network ============
	r.GET("/stablecoins/prices", h.Stablecoins.GetPricesHandler)
	r.GET("/stablecoins/:symbol", h.Stablecoins.GetStablecoinHandler)
	r.GET("/network/info", h.Network.GetNetworkInfoHandler)

	// ============ WebSocket ============
	r.GET("/ws/payments", h.WebSocket.HandleWebSocket)
	r.GET("/ws/stats", h.WebSocket.GetStatsHandler)

	// ============ Admin (IP whitelist) ============
	admin := r.Group("/admin", localhostOnly.Restrict())
	{
		admin.POST("/login", h.AdminAuth.AdminLoginHandler)
		admin.POST("/totp/setup", h.AdminAuth.GenerateTOTPSecretHandler)

		adminAuth := middleware.NewAdminAuthMiddleware(logger, h.AdminAuth.JWTSecret())
		secured := admin.Group("", adminAuth.RequireAdminAuth())
		{
			secured.POST("/tokens", h.AdminContract.AddTokenHandler)
			secured.GET("/tokens/:address", h.AdminContract.GetTokenHandler)
			secured.DELETE("/tokens/:address", h.AdminContract.RemoveTokenHandler)
			secured.POST("/withdraw", h.AdminContract.WithdrawHandler)
			secured.POST("/withdraw-all", h.AdminContract.WithdrawAllHandler)
			secured.POST("/emergency-withdraw", h.AdminContract.EmergencyWithdrawHandler)
			secured.GET("/contract/balance/:token", h.AdminContract.GetContractBalanceHandler)
			secured.GET("/contract/payment-count", h.AdminContract.GetPaymentCountHandler)
			secured.GET("/contract/payments/:ledger_payment_id", h.AdminContract.GetLedgerPaymentHandler)
		}
	}

	r.NoRoute(handlers.NotFoundHandler)

	return r
}
