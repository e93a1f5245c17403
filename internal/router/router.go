package router

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"attest-backend/internal/config"
	"attest-backend/internal/handlers"
	"attest-backend/internal/middleware"
)

// Deps handlers and settings the routes are built from
type Deps struct {
	Receipts  *handlers.ReceiptHandler
	Anchors   *handlers.AnchorHandler
	AdminAuth *handlers.AdminAuthHandler
	CORS      config.CORSConfig
	Admin     config.AdminConfig
	Logger    logrus.FieldLogger
}

// allowedOrigins resolves origins: CORS_ALLOWED_ORIGINS > YAML > "*"
func allowedOrigins(cfg config.CORSConfig) []string {
	if env := os.Getenv("CORS_ALLOWED_ORIGINS"); env != "" {
		var origins []string
		for _, o := range strings.Split(env, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
		return origins
	}
	if len(cfg.AllowedOrigins) > 0 {
		return cfg.AllowedOrigins
	}
	return []string{"*"}
}

// corsMiddleware CORS middleware
func corsMiddleware(cfg config.CORSConfig, logger logrus.FieldLogger) gin.HandlerFunc {
	origins := allowedOrigins(cfg)
	allowAll := len(origins) == 1 && origins[0] == "*"
	maxAge := 3600
	if cfg.MaxAge > 0 {
		maxAge = cfg.MaxAge
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			allowed := false
			for _, o := range origins {
				if o == origin {
					allowed = true
					break
				}
			}
			if allowed {
				c.Header("Access-Control-Allow-Origin", origin)
			} else {
				logger.WithFields(logrus.Fields{
					"request_origin": origin,
					"path":           c.Request.URL.Path,
					"method":         c.Request.Method,
				}).Warn("🚫 CORS: Request blocked - Origin not in whitelist")
			}
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, Accept")
		if cfg.AllowCredentials && !allowAll {
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		c.Header("Access-Control-Max-Age", strconv.Itoa(maxAge))

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func SetupRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestMetrics(deps.Logger))
	r.Use(corsMiddleware(deps.CORS, deps.Logger))

	adminAuth := middleware.NewAdminAuthMiddleware(deps.AdminAuth, deps.Logger)
	localhostOnly := middleware.NewLocalhostOnly(deps.Logger, deps.Admin.AllowedIPs)

	// ============ Health Check ============
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "attest-backend",
		})
	})

	// ============ Prometheus Metrics ============
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	// ============ Receipts ============
	receipts := api.Group("/receipts")
	{
		receipts.POST("", deps.Receipts.CreateReceipt)
		receipts.POST("/batch", deps.Receipts.CreateBatchReceipt)
		receipts.GET("/:id", deps.Receipts.GetReceipt)
		receipts.POST("/:id/counter", deps.Receipts.CounterSign)
		receipts.POST("/:id/void", deps.Receipts.VoidReceipt)
		receipts.POST("/:id/refund", deps.Receipts.RefundReceipt)
		receipts.GET("/:id/verify", deps.Receipts.VerifyReceipt)
	}

	// ============ Anchor confirmations ============
	api.POST("/anchor/confirmations", deps.Anchors.PollConfirmations)
	api.GET("/anchor/confirmations/:txHash", deps.Anchors.GetConfirmation)

	// ============ Admin ============
	api.POST("/admin/login", deps.AdminAuth.AdminLoginHandler)
	api.GET("/admin/totp/setup", localhostOnly.Restrict(), deps.AdminAuth.GenerateTOTPSecretHandler)

	admin := api.Group("/admin", adminAuth.RequireAdminAuth())
	{
		admin.POST("/anchor/sweep", deps.Anchors.Sweep)
		admin.POST("/anchor/jobs/:id/process", deps.Anchors.ProcessJob)
		admin.POST("/anchor/confirmations/poll", deps.Anchors.PollStored)
		admin.GET("/anchor/dead-letters", deps.Anchors.ListDeadLetters)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"message": "Endpoint not found",
			"path":    c.Request.URL.Path,
		})
	})

	return r
}
