package registrysync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blogmesh/internal/broker"
	"blogmesh/internal/logger"
	"blogmesh/internal/registry"
	"blogmesh/pkg/models"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Endpoint{
		Name:       "user",
		BaseURL:    "http://localhost:3001",
		Timeout:    5 * time.Second,
		MaxRetries: 3,
	})
	require.NoError(t, err)
	return reg
}

func updateEnvelope(t *testing.T, evt models.EndpointUpdatedEvent) models.Envelope {
	t.Helper()
	env, err := models.NewEnvelopeBuilder(models.EventRegistryEndpointUpdated).WithData(evt).Build()
	require.NoError(t, err)
	return env
}

func TestHandleEndpointUpdated(t *testing.T) {
	reg := newRegistry(t)
	h := NewHandler(reg, logger.NopLogger())

	err := h.HandleEndpointUpdated(context.Background(), updateEnvelope(t, models.EndpointUpdatedEvent{
		Service:    "user",
		BaseURL:    "http://users.internal:3001",
		TimeoutMs:  2500,
		MaxRetries: 4,
	}), &broker.Delivery{})
	require.NoError(t, err)

	ep, ok := reg.Get("user")
	require.True(t, ok)
	assert.Equal(t, "http://users.internal:3001", ep.BaseURL)
	assert.Equal(t, 2500*time.Millisecond, ep.Timeout)
	assert.Equal(t, 4, ep.MaxRetries)
}

func TestHandleEndpointUpdatedIgnoresOtherTypes(t *testing.T) {
	reg := newRegistry(t)
	h := NewHandler(reg, logger.NopLogger())

	err := h.HandleEndpointUpdated(context.Background(), models.Envelope{
		Type: models.EventUserCreated,
		Data: json.RawMessage(`{"id":"u1"}`),
	}, &broker.Delivery{})
	require.NoError(t, err)
	assert.Len(t, reg.List(), 1)
}

func TestHandleEndpointUpdatedRejectsInvalidEndpoint(t *testing.T) {
	reg := newRegistry(t)
	h := NewHandler(reg, logger.NopLogger())

	err := h.HandleEndpointUpdated(context.Background(), updateEnvelope(t, models.EndpointUpdatedEvent{
		Service: "user",
		BaseURL: "ftp://nope",
	}), &broker.Delivery{})
	assert.Error(t, err)

	ep, _ := reg.Get("user")
	assert.Equal(t, "http://localhost:3001", ep.BaseURL)
}

func TestGroupID(t *testing.T) {
	assert.Equal(t, "gateway-registry-a1", GroupID("gateway", "a1"))
}
