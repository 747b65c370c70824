package handler

import (
	"net/http"

	"payment-callback-gateway/internal/adapter/http/middleware"
	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// CallbackPath is where the gateway delivers notifications.
const CallbackPath = "/callback/gateway"

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	CallbackSvc    ports.CallbackService
	PaymentSvc     ports.PaymentService
	MerchantSvc    ports.MerchantService
	AuditSvc       ports.AuditService
	TokenSvc       ports.TokenService
	RateLimitStore middleware.RateLimitStore // nil = rate limiting disabled
	RateLimitRules map[string]middleware.RateLimitRule
	HealthCheckers []ports.HealthChecker
	Metrics        *metrics.Metrics // nil = no request metrics
	MetricsHandler http.Handler     // nil = /metrics not exposed
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1 MB request body limit
	if deps.Metrics != nil {
		r.Use(deps.Metrics.GinMiddleware())
	}

	r.GET("/health", HealthCheck(deps.HealthCheckers...))
	if deps.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	registerDocs(r)

	rules := deps.RateLimitRules
	if rules == nil {
		rules = middleware.DefaultRateLimitRules()
	}
	// Helper: return rate limiter middleware if store is available, else noop.
	rl := func(group string) gin.HandlerFunc {
		rule, ok := rules[group]
		if deps.RateLimitStore == nil || !ok {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimitStore, group, rule, deps.Logger)
	}

	// --- Gateway notifications (public, signature-authenticated) ---
	callbackHandler := NewCallbackHandler(deps.CallbackSvc, deps.Logger)
	r.GET(CallbackPath, rl(middleware.GroupCallback), callbackHandler.Receive)
	r.POST(CallbackPath, rl(middleware.GroupCallback), callbackHandler.Receive)

	// --- Operator API (JWT) ---
	v1 := r.Group("/api/v1", middleware.AuditDenied(deps.AuditSvc))
	operator := middleware.JWTAuth(deps.TokenSvc, ports.RoleOperator, deps.Logger)
	admin := middleware.JWTAuth(deps.TokenSvc, ports.RoleAdmin, deps.Logger)
	limited := rl(middleware.GroupAdmin)

	paymentHandler := NewPaymentHandler(deps.PaymentSvc, deps.AuditSvc)
	payments := v1.Group("/payments")
	{
		payments.POST("", operator, limited, paymentHandler.Initiate)
		payments.GET("", operator, limited, paymentHandler.List)
		payments.GET("/:id", operator, limited, paymentHandler.Get)
		payments.GET("/:id/audit", operator, limited, paymentHandler.History)
		payments.POST("/:id/reconcile", operator, limited, paymentHandler.Reconcile)
		payments.POST("/:id/override", admin, limited, paymentHandler.Override)
	}

	merchantHandler := NewMerchantHandler(deps.MerchantSvc, deps.AuditSvc)
	merchants := v1.Group("/merchants")
	{
		merchants.POST("", admin, limited, merchantHandler.Register)
		merchants.GET("/:id", operator, limited, merchantHandler.GetProfile)
		merchants.GET("/:id/audit", operator, limited, merchantHandler.History)
		merchants.POST("/:id/credentials/rotate", admin, limited, merchantHandler.RotateCredential)
	}

	return r
}
