package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"blogmesh/internal/broker"
	"blogmesh/internal/config"
	"blogmesh/internal/constants"
	"blogmesh/internal/gateway"
	"blogmesh/internal/logger"
	"blogmesh/internal/proxy"
	"blogmesh/internal/registry"
	"blogmesh/internal/registrysync"
	"blogmesh/pkg/bootstrap"
	"blogmesh/pkg/circuitbreaker"
	"blogmesh/pkg/health"
	"blogmesh/pkg/logging"
	"blogmesh/pkg/metrics"
	"blogmesh/pkg/middleware"
	"blogmesh/pkg/ratelimit"
	"blogmesh/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	registry       *registry.Registry
	proxy          *proxy.Proxy
	router         *gin.Engine
	server         *http.Server
	tracerProvider *tracing.TracerProvider
	stopLimiter    context.CancelFunc
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(serviceName)
	}
	return &App{
		Base: bootstrap.NewBase(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.Config.Tracing, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterProxyMetrics()
	metrics.RegisterBrokerMetrics()
	metrics.RegisterGatewayMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	if err := a.initProxy(); err != nil {
		return fmt.Errorf("failed to initialize proxy: %w", err)
	}

	if err := a.InitBroker(ctx, serviceName); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initRegistrySync(ctx); err != nil {
		return fmt.Errorf("failed to initialize registry sync: %w", err)
	}

	a.initRouter(ctx)
	a.server = a.NewHTTPServer(a.router)

	return nil
}

func (a *App) initProxy() error {
	reg, err := registry.FromConfig(a.Config.Services)
	if err != nil {
		return err
	}
	a.registry = reg

	var opts []proxy.Option
	if a.Config.CircuitBreaker.Enabled {
		breakerCfg := a.Config.CircuitBreaker
		opts = append(opts, proxy.WithCircuitBreakers(circuitbreaker.NewSet(func(name string) circuitbreaker.Config {
			cfg := circuitbreaker.FromConfig(name, breakerCfg)
			cfg.IsSuccessful = proxy.BreakerSuccessful
			return cfg
		})))
	}

	a.proxy = proxy.New(reg, a.Logger.Component("proxy"), opts...)

	initCtx := logging.WithServiceName(context.Background(), serviceName)
	for _, ep := range reg.List() {
		a.Logger.InfowCtx(initCtx, "Registered service endpoint",
			"service", ep.Name,
			"base_url", ep.BaseURL,
			"timeout_ms", ep.TimeoutMs(),
			"max_retries", ep.MaxRetries,
		)
	}
	return nil
}

// initRegistrySync subscribes this replica to registry updates made on any
// gateway replica.
func (a *App) initRegistrySync(ctx context.Context) error {
	instance, err := os.Hostname()
	if err != nil || instance == "" {
		instance = uuid.NewString()
	}

	handler := registrysync.NewHandler(a.registry, a.Logger.Component("registrysync"))
	return a.Bus.Subscribe(ctx, a.eventsTopic(), handler.HandleEndpointUpdated,
		broker.WithGroupID(registrysync.GroupID(serviceName, instance)),
	)
}

func (a *App) eventsTopic() string {
	if a.Config.Gateway.EventsTopic != "" {
		return a.Config.Gateway.EventsTopic
	}
	return constants.TopicGatewayEvents
}

func (a *App) initRouter(ctx context.Context) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(serviceName))
	}

	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(a.Logger))

	if a.Config.Gateway.RateLimit.Enabled {
		limiterCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.stopLimiter = cancel
		rateLimitConfig := ratelimit.FromConfig(a.Config.Gateway.RateLimit)
		router.Use(ratelimit.RateLimitMiddleware(limiterCtx, rateLimitConfig))
		a.Logger.InfowCtx(ctx, "Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewEventBusChecker(a.Bus))

	handler := gateway.NewHandler(a.proxy, a.Bus, healthRegistry, a.Config.Gateway, a.Logger.Component("gateway"))
	handler.RegisterRoutes(router)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router = router
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "Server listening", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		return a.Shutdown(context.WithoutCancel(ctx))
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, serviceName)
	a.Logger.InfowCtx(shutdownCtx, "Shutting down gateway")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.server != nil {
			serverCtx, cancel := context.WithTimeout(ctx, constants.ShutdownTimeout)
			defer cancel()
			if err := a.server.Shutdown(serverCtx); err != nil {
				errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
			}
		}

		if a.stopLimiter != nil {
			a.stopLimiter()
		}

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
