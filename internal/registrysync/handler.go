// Package registrysync keeps a gateway replica's service registry in step
// with hot-patches made on any replica.
package registrysync

import (
	"context"
	"fmt"
	"time"

	"blogmesh/internal/broker"
	"blogmesh/internal/logger"
	"blogmesh/internal/registry"
	"blogmesh/pkg/models"
)

type RegistryUpdater interface {
	Get(name string) (registry.Endpoint, bool)
	Update(ep registry.Endpoint) (registry.Endpoint, bool, error)
}

type Handler struct {
	expectedEventType string
	registry          RegistryUpdater
	logger            logger.Logger
}

func NewHandler(reg RegistryUpdater, log logger.Logger) *Handler {
	return &Handler{
		expectedEventType: models.EventRegistryEndpointUpdated,
		registry:          reg,
		logger:            log,
	}
}

// HandleEndpointUpdated applies a registry.endpoint.updated event. Other
// event types on the topic are ignored. A payload that does not validate
// is returned as an error and ends up in the dead letter topic.
func (h *Handler) HandleEndpointUpdated(ctx context.Context, env models.Envelope, d *broker.Delivery) error {
	if env.Type != h.expectedEventType {
		return nil
	}

	var event models.EndpointUpdatedEvent
	if err := env.DecodeData(&event); err != nil {
		return fmt.Errorf("failed to decode endpoint update: %w", err)
	}

	next := registry.Endpoint{
		Name:       event.Service,
		BaseURL:    event.BaseURL,
		Timeout:    time.Duration(event.TimeoutMs) * time.Millisecond,
		MaxRetries: event.MaxRetries,
	}

	if current, ok := h.registry.Get(next.Name); ok && sameEndpoint(current, next) {
		h.logger.DebugwCtx(ctx, "Registry already up to date", "service", next.Name)
		return nil
	}

	if _, _, err := h.registry.Update(next); err != nil {
		return fmt.Errorf("failed to apply endpoint update for %s: %w", event.Service, err)
	}

	h.logger.InfowCtx(ctx, "Applied registry update from event bus",
		"service", next.Name,
		"base_url", next.BaseURL,
		"timeout_ms", event.TimeoutMs,
		"max_retries", next.MaxRetries,
		"source", env.Source,
		"offset", d.Offset,
	)
	return nil
}

func sameEndpoint(a, b registry.Endpoint) bool {
	return a.BaseURL == b.BaseURL && a.Timeout == b.Timeout && a.MaxRetries == b.MaxRetries
}

// GroupID gives each replica its own consumer group so every replica sees
// every update.
func GroupID(serviceName, instance string) string {
	return serviceName + "-registry-" + instance
}
