// Package app assembles the callback gateway from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"payment-callback-gateway/config"
	"payment-callback-gateway/internal/adapter/gateway"
	"payment-callback-gateway/internal/adapter/http/handler"
	"payment-callback-gateway/internal/adapter/http/middleware"
	"payment-callback-gateway/internal/adapter/storage/memory"
	pgStorage "payment-callback-gateway/internal/adapter/storage/postgres"
	redisStorage "payment-callback-gateway/internal/adapter/storage/redis"
	"payment-callback-gateway/internal/core/domain"
	"payment-callback-gateway/internal/core/ports"
	"payment-callback-gateway/internal/service"
	"payment-callback-gateway/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Option customises Build, mostly for tests.
type Option func(*options)

type options struct {
	httpClient gateway.HTTPClient
	redis      goredis.UniversalClient
	registry   *prometheus.Registry
}

// WithHTTPClient replaces the client used for outbound gateway calls.
func WithHTTPClient(c gateway.HTTPClient) Option {
	return func(o *options) { o.httpClient = c }
}

// WithRedis uses an existing client instead of dialing cfg.Redis.
// The caller keeps ownership of it.
func WithRedis(c goredis.UniversalClient) Option {
	return func(o *options) { o.redis = c }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// App is a fully wired gateway instance.
type App struct {
	Router   *gin.Engine
	Payments ports.PaymentService
	Sweeper  *service.ReconciliationWorker

	cfg  *config.Config
	log  zerolog.Logger
	keys *service.CachedKeyProvider
	bus  ports.KeyInvalidationBus

	wg      sync.WaitGroup
	closers []func()
}

type stores struct {
	transactions ports.TransactionRepository
	merchants    ports.MerchantRepository
	audit        ports.AuditRepository
	transactor   ports.DBTransactor
	health       []ports.HealthChecker
}

// Build connects storage, wires every service and mounts the HTTP routes.
// Background workers do not run until Start.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	rdb, err := a.openRedis(ctx, o.redis)
	if err != nil {
		return nil, err
	}

	reg := o.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m := metrics.New(reg)

	encSvc, err := service.NewAESEncryptionService(cfg.AES.Key)
	if err != nil {
		return nil, fmt.Errorf("encryption service: %w", err)
	}
	tokenSvc := service.NewJWTTokenService(cfg.JWT.Secret, cfg.JWT.Expiry, cfg.JWT.Issuer)
	codec := service.NewSignatureCodec()
	auditSvc := service.NewAuditService(st.audit, log)

	a.keys = service.NewCachedKeyProvider(st.merchants, encSvc, cfg.Keys.GraceWindow, cfg.Keys.CacheTTL, log)

	var (
		receipts  ports.ReceiptCache
		rateStore middleware.RateLimitStore
	)
	if rdb != nil {
		a.bus = redisStorage.NewKeyInvalidationBus(rdb, redisStorage.DefaultKeyChannel, log)
		receipts = redisStorage.NewReceiptCache(rdb)
		if cfg.RateLimit.Enabled {
			rateStore = redisStorage.NewRateLimitStore(rdb)
		}
		st.health = append(st.health, redisStorage.NewHealthCheck(rdb))
	}

	mapping, err := statusMapping(cfg.Gateway)
	if err != nil {
		return nil, err
	}

	validator, err := service.NewCallbackValidator(codec, a.keys, cfg.Signature.CallbackSchemes, log)
	if err != nil {
		return nil, err
	}
	signer, err := service.NewRequestSigner(a.keys, codec, cfg.Signature.RequestScheme, cfg.Signature.QueryScheme)
	if err != nil {
		return nil, err
	}

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	gw := gateway.NewClient(httpClient, cfg.Gateway.Timeout, m, log)

	sm := service.NewStateMachine(st.transactions, m, log)
	reconciler := service.NewReconciler(st.transactions, sm, signer, gw, mapping, service.BackoffPolicy{
		BaseDelay:   cfg.Reconcile.BaseDelay,
		Factor:      cfg.Reconcile.Factor,
		MaxDelay:    cfg.Reconcile.MaxDelay,
		MaxAttempts: cfg.Reconcile.MaxAttempts,
	}, m, log)

	placement := service.DefaultPlacementPolicy()
	if len(cfg.Gateway.PendingCodes) > 0 || len(cfg.Gateway.RedirectCodes) > 0 {
		placement = service.PlacementPolicy{
			PendingCodes:  cfg.Gateway.PendingCodes,
			RedirectCodes: cfg.Gateway.RedirectCodes,
		}
	}

	paymentSvc := service.NewPaymentService(st.transactions, st.merchants, signer, gw, sm, reconciler, auditSvc, placement, log)
	merchantSvc := service.NewMerchantService(st.merchants, st.transactor, encSvc, a.keys, a.bus, auditSvc, log)
	callbackSvc := service.NewCallbackService(validator, st.transactions, sm, receipts, auditSvc, m, service.CallbackConfig{
		ReceiptTTL: cfg.Callback.ReceiptTTL,
		MaxRetries: cfg.Callback.MaxRetries,
	}, log)

	a.Payments = paymentSvc
	a.Sweeper = service.NewReconciliationWorker(st.transactions, paymentSvc, service.SweepConfig{
		Interval: cfg.Reconcile.SweepInterval,
		MinAge:   cfg.Reconcile.SweepMinAge,
		Timeout:  cfg.Reconcile.SweepTimeout,
		Batch:    cfg.Reconcile.SweepBatch,
	}, log)

	a.Router = handler.SetupRouter(handler.RouterDeps{
		CallbackSvc:    callbackSvc,
		PaymentSvc:     paymentSvc,
		MerchantSvc:    merchantSvc,
		AuditSvc:       auditSvc,
		TokenSvc:       tokenSvc,
		RateLimitStore: rateStore,
		RateLimitRules: middleware.RateLimitRules(cfg.RateLimit),
		HealthCheckers: st.health,
		Metrics:        m,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:         log,
	})

	log.Info().
		Str("storage", cfg.Storage.Driver).
		Bool("redis", rdb != nil).
		Str("callback_url", a.CallbackURL()).
		Msg("gateway wired")

	ok = true
	return a, nil
}

// CallbackURL is the absolute URL to register with the gateway.
func (a *App) CallbackURL() string {
	return strings.TrimRight(a.cfg.Server.PublicBaseURL, "/") + handler.CallbackPath
}

// Start launches the stale sweeper and the key invalidation listener.
// They stop when ctx is cancelled; Wait blocks until they have.
func (a *App) Start(ctx context.Context) {
	if a.cfg.Reconcile.SweepEnabled {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.Sweeper.Run(ctx)
		}()
	}

	if a.bus != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			err := a.bus.Subscribe(ctx, a.keys.Invalidate)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error().Err(err).Msg("key invalidation listener stopped")
			}
		}()
	}
}

// Wait blocks until every worker started by Start has returned.
func (a *App) Wait() {
	a.wg.Wait()
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) openStores(ctx context.Context) (*stores, error) {
	switch a.cfg.Storage.Driver {
	case "memory":
		a.log.Warn().Msg("using in-memory storage; state is lost on restart")
		return &stores{
			transactions: memory.NewTransactionRepo(),
			merchants:    memory.NewMerchantRepo(),
			audit:        memory.NewAuditRepo(),
			transactor:   memory.NewTransactor(),
		}, nil
	case "postgres":
		pool, err := pgStorage.NewPool(ctx, a.cfg.Database, a.log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)

		if a.cfg.Database.AutoMigrate {
			if err := pgStorage.Migrate(pool, 0, a.log); err != nil {
				return nil, err
			}
		}
		return &stores{
			transactions: pgStorage.NewTransactionRepo(pool),
			merchants:    pgStorage.NewMerchantRepo(pool),
			audit:        pgStorage.NewAuditRepository(pool),
			transactor:   pgStorage.NewTransactor(pool),
			health:       []ports.HealthChecker{pgStorage.NewHealthCheck(pool)},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", a.cfg.Storage.Driver)
	}
}

// openRedis returns nil when Redis is not configured. With in-memory
// storage an unreachable Redis only disables the features that need it.
func (a *App) openRedis(ctx context.Context, injected goredis.UniversalClient) (goredis.UniversalClient, error) {
	if injected != nil {
		return injected, nil
	}
	if a.cfg.Redis.Host == "" {
		a.log.Warn().Msg("redis not configured; receipts, rate limiting and key fan-out disabled")
		return nil, nil
	}

	rdb, err := redisStorage.NewClient(ctx, a.cfg.Redis, a.log)
	if err != nil {
		if a.cfg.Storage.Driver == "memory" {
			a.log.Warn().Err(err).Msg("redis unreachable; continuing without it")
			return nil, nil
		}
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	return rdb, nil
}

func statusMapping(cfg config.GatewayConfig) (domain.StatusMapping, error) {
	if len(cfg.ResultMapping) == 0 && len(cfg.SuccessMapping) == 0 {
		return domain.DefaultStatusMapping(), nil
	}
	m, err := domain.NewStatusMapping(cfg.ResultMapping, cfg.SuccessMapping)
	if err != nil {
		return domain.StatusMapping{}, fmt.Errorf("gateway status mapping: %w", err)
	}
	return m, nil
}
