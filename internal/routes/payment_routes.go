package routes

import (
	"github.com/agripay/backend/internal/handlers"
	"github.com/agripay/backend/internal/middleware"
	"github.com/gin-gonic/gin"
)

// PaymentRouteOptions holds the middleware the payment routes are wrapped in
type PaymentRouteOptions struct {
	JWTSecret     string
	RateLimiter   *middleware.RateLimiter
	CallbackGuard *middleware.CallbackGuard
}

// SetupPaymentRoutes sets up M-Pesa payment routes
func SetupPaymentRoutes(router *gin.Engine, paymentHandler *handlers.PaymentHandler, opts PaymentRouteOptions) {
	mpesaGroup := router.Group("/api/payments/mpesa")

	// Provider callback: no session, verified by the callback guard
	callback := []gin.HandlerFunc{paymentHandler.Callback}
	if opts.CallbackGuard != nil {
		callback = append([]gin.HandlerFunc{opts.CallbackGuard.Middleware(paymentHandler.RejectCallback)}, callback...)
	}
	mpesaGroup.POST("/callback", callback...)

	protected := mpesaGroup.Group("")
	protected.Use(middleware.AuthMiddleware(opts.JWTSecret))
	{
		initiate := []gin.HandlerFunc{paymentHandler.Initiate}
		if opts.RateLimiter != nil {
			initiate = append([]gin.HandlerFunc{opts.RateLimiter.IPRateLimiterMiddleware()}, initiate...)
		}
		protected.POST("/initiate", initiate...)
		protected.POST("/status", paymentHandler.Status)
		protected.GET("/:checkoutId", paymentHandler.Get)
	}
}
