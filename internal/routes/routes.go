package routes

import (
	"context"
	"log"
	"net/http"

	"github.com/agripay/backend/internal/config"
	"github.com/agripay/backend/internal/handlers"
	"github.com/agripay/backend/internal/middleware"
	"github.com/agripay/backend/internal/queue"
	"github.com/agripay/backend/internal/services/payment"
	"github.com/gin-gonic/gin"
)

// QueueStatsProvider reports the reconciliation backlog
type QueueStatsProvider interface {
	QueueStats(ctx context.Context) (*queue.QueueStats, error)
}

// RegisterRoutes registers all routes for the application. queueStats may be nil.
func RegisterRoutes(router *gin.Engine, cfg *config.Config, paymentService *payment.Service, rateLimiter *middleware.RateLimiter, queueStats QueueStatsProvider) error {
	// Client IPs feed the rate limiter and the callback allowlist, so forwarded
	// headers count only from configured proxies
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return err
	}
	router.Use(middleware.SecureHeadersMiddleware(cfg.IsProduction()))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		resp := gin.H{"status": "ok"}
		if queueStats != nil {
			stats, err := queueStats.QueueStats(c.Request.Context())
			if err != nil {
				log.Printf("Health check could not read queue stats: %v", err)
				resp["queue"] = "unavailable"
			} else if stats != nil {
				resp["queue"] = stats
			}
		}
		c.JSON(http.StatusOK, resp)
	})

	callbackGuard, err := middleware.NewCallbackGuard(cfg.MPesa.CallbackToken, cfg.MPesa.CallbackAllowlist)
	if err != nil {
		return err
	}

	if callbackGuard.Open() {
		log.Printf("WARNING: STK callbacks are accepted unverified; set MPESA_CALLBACK_TOKEN or MPESA_CALLBACK_ALLOWLIST")
	}

	paymentHandler := handlers.NewPaymentHandler(paymentService)
	SetupPaymentRoutes(router, paymentHandler, PaymentRouteOptions{
		JWTSecret:     cfg.JWT.Secret,
		RateLimiter:   rateLimiter,
		CallbackGuard: callbackGuard,
	})

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"message": "Route not found"})
	})
	return nil
}
