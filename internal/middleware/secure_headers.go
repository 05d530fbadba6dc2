package middleware

import (
	"github.com/gin-gonic/gin"
)

// SecureHeadersMiddleware adds the security headers relevant to a JSON API.
// HSTS is only sent when the service is deployed behind TLS.
func SecureHeadersMiddleware(useHSTS bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if useHSTS {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		// Payment state must never be served from a cache
		c.Header("Cache-Control", "no-store")

		c.Next()
	}
}
