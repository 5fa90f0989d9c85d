package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"blogmesh/internal/broker"
	"blogmesh/internal/config"
	"blogmesh/internal/logger"
)

// Base holds what every blogmesh process shares: config, logger and the
// event bus client.
type Base struct {
	Config *config.Config
	Logger logger.Logger
	Bus    *broker.Client
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

// InitBroker connects the event bus client for serviceName. The service
// name doubles as the default consumer group.
func (b *Base) InitBroker(ctx context.Context, serviceName string, opts ...broker.Option) error {
	cfg := b.Config.Broker
	if serviceName != "" {
		cfg.ServiceName = serviceName
	}

	bus, err := broker.NewFromConfig(ctx, cfg, b.Logger.Component("broker"), opts...)
	if err != nil {
		return fmt.Errorf("failed to create event bus client: %w", err)
	}

	b.Bus = bus
	return nil
}

func (b *Base) ShutdownBroker(ctx context.Context) []error {
	if b.Bus == nil {
		return nil
	}
	if err := b.Bus.Shutdown(ctx); err != nil {
		return []error{fmt.Errorf("event bus shutdown error: %w", err)}
	}
	return nil
}

// NewHTTPServer builds the HTTP server with the configured port and timeouts.
func (b *Base) NewHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", b.Config.Server.Port),
		Handler:      handler,
		ReadTimeout:  time.Duration(b.Config.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(b.Config.Server.WriteTimeoutSeconds) * time.Second,
	}
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.Info("Shutting down application...")

	var errs []error

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	errs = append(errs, b.ShutdownBroker(ctx)...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.Info("Application exited successfully")
	return nil
}
