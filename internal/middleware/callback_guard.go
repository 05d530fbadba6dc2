package middleware

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/agripay/backend/internal/services/payment/mpesa"
	"github.com/agripay/backend/internal/utils"
	"github.com/gin-gonic/gin"
)

// CallbackRejectedKey is set on the gin context, with the reason, when a
// callback fails origin verification
const CallbackRejectedKey = "callback_rejected"

// CallbackGuard verifies that an inbound STK callback comes from the provider.
// The registered callback URL carries a shared token in its query string; when
// an allowlist is configured the caller IP must also fall inside it.
type CallbackGuard struct {
	token   string
	allowed []*net.IPNet
}

// NewCallbackGuard builds a guard from the shared token and a list of CIDRs or bare IPs
func NewCallbackGuard(token string, allowlist []string) (*CallbackGuard, error) {
	g := &CallbackGuard{token: token}
	for _, entry := range allowlist {
		if !strings.Contains(entry, "/") {
			if ip := net.ParseIP(entry); ip != nil && ip.To4() != nil {
				entry += "/32"
			} else {
				entry += "/128"
			}
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid callback allowlist entry %q: %w", entry, err)
		}
		g.allowed = append(g.allowed, network)
	}
	return g, nil
}

// Open reports whether the guard lets every callback through
func (g *CallbackGuard) Open() bool {
	return g.token == "" && len(g.allowed) == 0
}

// Verify returns a non-empty reason when the request fails verification
func (g *CallbackGuard) Verify(c *gin.Context) string {
	if g.token != "" && !utils.SecureCompare(c.Query("token"), g.token) {
		return "callback token mismatch"
	}
	if len(g.allowed) > 0 {
		ip := net.ParseIP(c.ClientIP())
		if ip == nil || !g.contains(ip) {
			return "caller outside callback allowlist"
		}
	}
	return ""
}

func (g *CallbackGuard) contains(ip net.IP) bool {
	for _, network := range g.allowed {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// Middleware rejects unverified callbacks. A rejected callback is still answered
// with the provider acknowledgement so a misconfigured sender stops redelivering
// and a forger learns nothing; onReject is told about it.
func (g *CallbackGuard) Middleware(onReject func(c *gin.Context, reason string)) gin.HandlerFunc {
	return func(c *gin.Context) {
		if reason := g.Verify(c); reason != "" {
			log.Printf("Rejected STK callback from %s: %s", c.ClientIP(), reason)
			c.Set(CallbackRejectedKey, reason)
			if onReject != nil {
				onReject(c, reason)
			}
			c.AbortWithStatusJSON(http.StatusOK, mpesa.Ack)
			return
		}
		c.Next()
	}
}
