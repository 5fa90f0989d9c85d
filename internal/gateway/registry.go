package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"blogmesh/internal/constants"
	"blogmesh/internal/registry"
	"blogmesh/pkg/errors"
	"blogmesh/pkg/logging"
	"blogmesh/pkg/metrics"
	"blogmesh/pkg/models"
)

type EndpointView struct {
	Name       string `json:"name"`
	BaseURL    string `json:"baseUrl"`
	TimeoutMs  int64  `json:"timeoutMs"`
	MaxRetries int    `json:"maxRetries"`
}

// UpdateEndpointRequest patches one registry entry. Empty fields keep the
// current value; maxRetries is applied whenever present, 0 included.
type UpdateEndpointRequest struct {
	BaseURL    string `json:"baseUrl"`
	TimeoutMs  int64  `json:"timeoutMs"`
	MaxRetries *int   `json:"maxRetries"`
}

func toView(ep registry.Endpoint) EndpointView {
	return EndpointView{
		Name:       ep.Name,
		BaseURL:    ep.BaseURL,
		TimeoutMs:  ep.TimeoutMs(),
		MaxRetries: ep.MaxRetries,
	}
}

func (h *Handler) ListEndpoints(c *gin.Context) {
	eps := h.Proxy.Registry().List()
	out := make([]EndpointView, len(eps))
	for i, ep := range eps {
		out[i] = toView(ep)
	}
	c.JSON(http.StatusOK, out)
}

// UpdateEndpoint hot-swaps one registry entry. In-flight requests finish
// against the entry they started with.
func (h *Handler) UpdateEndpoint(c *gin.Context) {
	var req UpdateEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	name := c.Param("service")
	reg := h.Proxy.Registry()

	ep, found := reg.Get(name)
	ep.Name = name
	if !found {
		ep.MaxRetries = constants.DefaultMaxRetries
	}
	if req.BaseURL != "" {
		ep.BaseURL = req.BaseURL
	}
	if req.TimeoutMs > 0 {
		ep.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if req.MaxRetries != nil {
		ep.MaxRetries = *req.MaxRetries
	}

	_, existed, err := reg.Update(ep)
	if err != nil {
		metrics.IncRegistryUpdate(name, "invalid")
		h.HandleError(c, errors.ErrValidation.WithMessage(err.Error()).WithCause(err))
		return
	}
	metrics.IncRegistryUpdate(name, "success")

	updated, _ := reg.Get(name)
	h.Logger.InfowCtx(c.Request.Context(), "Registry endpoint updated",
		"service", updated.Name,
		"base_url", updated.BaseURL,
		"timeout_ms", updated.TimeoutMs(),
		"max_retries", updated.MaxRetries,
		"created", !existed,
	)
	h.publishEndpointUpdated(c, updated)

	status := http.StatusOK
	if !existed {
		status = http.StatusCreated
	}
	c.JSON(status, toView(updated))
}

// publishEndpointUpdated announces the change; a failed publish is logged
// and the update stands.
func (h *Handler) publishEndpointUpdated(c *gin.Context, ep registry.Endpoint) {
	if h.Bus == nil {
		return
	}
	ctx := c.Request.Context()

	env, err := models.NewEnvelopeBuilder(models.EventRegistryEndpointUpdated).
		WithData(models.EndpointUpdatedEvent{
			Service:    ep.Name,
			BaseURL:    ep.BaseURL,
			TimeoutMs:  ep.TimeoutMs(),
			MaxRetries: ep.MaxRetries,
			ChangedBy:  c.ClientIP(),
		}).
		WithCorrelationID(logging.GetRequestID(ctx)).
		Build()
	if err == nil {
		err = h.Bus.Publish(ctx, h.EventsTopic, ep.Name, env)
	}
	if err != nil {
		h.Logger.WarnwCtx(ctx, "Failed to publish registry update",
			"service", ep.Name,
			"topic", h.EventsTopic,
			"error", err,
		)
	}
}
