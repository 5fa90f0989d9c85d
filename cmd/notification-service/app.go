package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"blogmesh/internal/broker"
	"blogmesh/internal/config"
	"blogmesh/internal/constants"
	"blogmesh/internal/logger"
	"blogmesh/internal/notification"
	"blogmesh/pkg/bootstrap"
	"blogmesh/pkg/health"
	"blogmesh/pkg/logging"
	"blogmesh/pkg/metrics"
	"blogmesh/pkg/middleware"
	"blogmesh/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	service        *notification.Service
	server         *http.Server
	tracerProvider *tracing.TracerProvider
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

	metrics.RegisterBrokerMetrics()

	if err := a.InitBroker(ctx, serviceName, broker.WithObserver(a.onLifecycle)); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	a.service = notification.NewService(
		notification.NewLogSink(a.Logger.Component("sink")),
		a.Logger.Component("notification"),
	)

	a.initHTTPServer()
	return nil
}

func (a *App) initHTTPServer() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(serviceName))
	}
	router.Use(middleware.RecoveryMiddleware(a.Logger))

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewEventBusChecker(a.Bus))

	router.GET(constants.HealthPath, func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.server = a.NewHTTPServer(router)
}

func (a *App) onLifecycle(ev broker.LifecycleEvent) {
	if ev.Type == broker.LifecycleCrash {
		a.Logger.Errorw("Consumer crashed",
			"topic", ev.Topic,
			"group_id", ev.GroupID,
			"error", ev.Err,
		)
	}
}

func (a *App) Run(ctx context.Context) error {
	topics := a.Config.Notification.Topics
	if len(topics) == 0 {
		topics = []string{constants.TopicUserEvents, constants.TopicPostEvents, constants.TopicCategoryEvents}
	}

	if err := a.service.Subscribe(ctx, a.Bus, topics); err != nil {
		return err
	}
	a.Logger.InfowCtx(logging.WithServiceName(ctx, serviceName), "Consuming domain events", "topics", topics)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
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
	a.Logger.InfowCtx(shutdownCtx, "Shutting down notification service")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.server != nil {
			serverCtx, cancel := context.WithTimeout(ctx, constants.ShutdownTimeout)
			defer cancel()
			if err := a.server.Shutdown(serverCtx); err != nil {
				errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
			}
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
