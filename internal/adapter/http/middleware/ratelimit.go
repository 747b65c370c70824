package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"payment-callback-gateway/config"
	redisStore "payment-callback-gateway/internal/adapter/storage/redis"
	"payment-callback-gateway/pkg/apperror"
	"payment-callback-gateway/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Endpoint groups with their own rate limit budget.
const (
	GroupCallback = "callback"
	GroupAdmin    = "admin"
)

// RateLimitStore counts requests per key and window.
type RateLimitStore interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (*redisStore.RateLimitResult, error)
}

// RateLimitRule defines a rate limit for an endpoint group.
type RateLimitRule struct {
	Limit  int64
	Window time.Duration
}

// DefaultRateLimitRules returns the built-in limits per endpoint group.
func DefaultRateLimitRules() map[string]RateLimitRule {
	return map[string]RateLimitRule{
		GroupCallback: {Limit: 600, Window: time.Minute},
		GroupAdmin:    {Limit: 120, Window: time.Minute},
	}
}

// RateLimitRules overlays configured limits on the defaults.
func RateLimitRules(cfg config.RateLimitConfig) map[string]RateLimitRule {
	rules := DefaultRateLimitRules()
	if cfg.CallbackLimit > 0 && cfg.CallbackWindow > 0 {
		rules[GroupCallback] = RateLimitRule{Limit: cfg.CallbackLimit, Window: cfg.CallbackWindow}
	}
	if cfg.AdminLimit > 0 && cfg.AdminWindow > 0 {
		rules[GroupAdmin] = RateLimitRule{Limit: cfg.AdminLimit, Window: cfg.AdminWindow}
	}
	return rules
}

// RateLimiter creates a rate-limiting middleware for a given endpoint group.
// Store errors let the request through.
func RateLimiter(store RateLimitStore, group string, rule RateLimitRule, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s:%s", extractIdentifier(c), group)

		result, err := store.Allow(c.Request.Context(), key, rule.Limit, rule.Window)
		if err != nil {
			log.Warn().Err(err).Str("group", group).Msg("rate limit check failed, allowing request (degraded mode)")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))

		if !result.Allowed {
			retryAfter := result.ResetAt - time.Now().Unix()
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			log.Warn().Str("group", group).Str("client_ip", c.ClientIP()).Msg("rate limit exceeded")
			response.Error(c, apperror.ErrRateLimitExceeded())
			c.Abort()
			return
		}

		c.Next()
	}
}

// extractIdentifier keys admin traffic by operator and everything else by IP.
func extractIdentifier(c *gin.Context) string {
	if actor := Actor(c); actor != "" {
		return "op:" + actor
	}
	return c.ClientIP()
}
