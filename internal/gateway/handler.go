package gateway

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"blogmesh/internal/config"
	"blogmesh/internal/constants"
	"blogmesh/internal/logger"
	"blogmesh/internal/proxy"
	"blogmesh/internal/registry"
	"blogmesh/pkg/errors"
	"blogmesh/pkg/health"
	"blogmesh/pkg/models"
)

// Forwarder is the outbound proxy surface the gateway uses.
type Forwarder interface {
	Send(ctx context.Context, req proxy.Request) (*proxy.Response, error)
	Upload(ctx context.Context, req proxy.UploadRequest) (*proxy.Response, error)
	Registry() *registry.Registry
}

// Publisher emits gateway events onto the event bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, env models.Envelope) error
}

// hop-by-hop headers are never forwarded in either direction
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
	"Host":                {},
}

type BaseHandler struct {
	Logger logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)

	status := errors.ToHTTPStatus(err)
	response := errors.ToErrorResponse(err)

	c.JSON(status, response)
}

// HandleProxyError writes an upstream 4xx back verbatim and maps every other
// proxy failure onto the gateway's error response.
func (h *BaseHandler) HandleProxyError(c *gin.Context, err error) {
	if pErr, ok := proxy.AsError(err); ok && pErr.Kind == proxy.KindUpstream4xx {
		h.Logger.InfowCtx(c.Request.Context(), "Upstream rejected request",
			"service", pErr.Service,
			"status", pErr.UpstreamStatus,
			"path", c.Request.URL.Path,
		)
		contentType := http.DetectContentType(pErr.Body)
		if len(pErr.Body) > 0 && (pErr.Body[0] == '{' || pErr.Body[0] == '[') {
			contentType = "application/json"
		}
		c.Data(pErr.UpstreamStatus, contentType, pErr.Body)
		return
	}
	h.HandleError(c, proxy.ToAppError(err))
}

type Handler struct {
	BaseHandler
	Proxy       Forwarder
	Bus         Publisher
	Aggregator  *health.Aggregator
	Checks      *health.CheckerRegistry
	EventsTopic string
	Upload      config.UploadConfig
}

func NewHandler(p Forwarder, bus Publisher, checks *health.CheckerRegistry, cfg config.GatewayConfig, log logger.Logger) *Handler {
	upload := cfg.Upload
	if upload.Service == "" {
		upload.Service = constants.ServiceFile
	}
	if upload.Path == "" {
		upload.Path = constants.DefaultUploadPath
	}
	if upload.MaxBytes <= 0 {
		upload.MaxBytes = constants.MaxUploadBytes
	}
	topic := cfg.EventsTopic
	if topic == "" {
		topic = constants.TopicGatewayEvents
	}

	return &Handler{
		BaseHandler: BaseHandler{Logger: log},
		Proxy:       p,
		Bus:         bus,
		Aggregator:  health.NewAggregator(p, log),
		Checks:      checks,
		EventsTopic: topic,
		Upload:      upload,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/health/services", h.ServicesHealth)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/files/upload", h.UploadFile)

		v1.Any("/users", h.Forward(constants.ServiceUser, "/users"))
		v1.Any("/users/*path", h.Forward(constants.ServiceUser, "/users"))
		v1.Any("/posts", h.Forward(constants.ServicePost, "/posts"))
		v1.Any("/posts/*path", h.Forward(constants.ServicePost, "/posts"))
		v1.Any("/categories", h.Forward(constants.ServicePost, "/categories"))
		v1.Any("/categories/*path", h.Forward(constants.ServicePost, "/categories"))
		v1.Any("/files/*path", h.Forward(constants.ServiceFile, "/files"))
		v1.Any("/services/:service/*path", h.ForwardAny)

		reg := v1.Group("/registry")
		{
			reg.GET("", h.ListEndpoints)
			reg.PUT("/:service", h.UpdateEndpoint)
		}
	}
}

// Forward proxies the request to service, rewriting the gateway prefix to
// prefix on the upstream.
func (h *Handler) Forward(service, prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.forward(c, service, prefix+c.Param("path"))
	}
}

// ForwardAny proxies /api/v1/services/:service/*path to any registered
// service.
func (h *Handler) ForwardAny(c *gin.Context) {
	h.forward(c, c.Param("service"), c.Param("path"))
}

func (h *Handler) forward(c *gin.Context, service, path string) {
	if path == "" {
		path = "/"
	}

	var body []byte
	if c.Request.Body != nil {
		var err error
		body, err = io.ReadAll(c.Request.Body)
		if err != nil {
			h.HandleError(c, errors.ErrValidation.WithMessage("failed to read request body").WithCause(err))
			return
		}
	}

	resp, err := h.Proxy.Send(c.Request.Context(), proxy.Request{
		Service: service,
		Path:    path,
		Method:  c.Request.Method,
		Body:    body,
		Header:  forwardHeaders(c.Request.Header),
		Query:   c.Request.URL.Query(),
	})
	if err != nil {
		if stderrors.Is(err, proxy.ErrUnsupportedMethod) {
			c.JSON(http.StatusMethodNotAllowed, errors.ErrorResponse{
				Error:     "method not allowed",
				ErrorCode: "METHOD_NOT_ALLOWED",
			})
			return
		}
		h.HandleProxyError(c, err)
		return
	}

	writeResponse(c, resp)
}

// UploadFile forwards a multipart file to the upload service without retry.
func (h *Handler) UploadFile(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.Upload.MaxBytes)

	fh, err := c.FormFile(constants.DefaultUploadFieldName)
	if err != nil {
		var maxErr *http.MaxBytesError
		if stderrors.As(err, &maxErr) {
			h.HandleError(c, errors.ErrPayloadTooLarge.WithCause(err))
			return
		}
		h.HandleError(c, errors.ErrValidation.WithMessage("file field is required").WithCause(err))
		return
	}

	f, err := fh.Open()
	if err != nil {
		h.HandleError(c, errors.ErrValidation.WithMessage("failed to read uploaded file").WithCause(err))
		return
	}
	defer f.Close()

	fields := make(map[string]string)
	if c.Request.MultipartForm != nil {
		for key, values := range c.Request.MultipartForm.Value {
			if len(values) > 0 {
				fields[key] = values[0]
			}
		}
	}

	resp, err := h.Proxy.Upload(c.Request.Context(), proxy.UploadRequest{
		Service:     h.Upload.Service,
		Path:        h.Upload.Path,
		FieldName:   constants.DefaultUploadFieldName,
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Content:     f,
		Fields:      fields,
		Header:      authHeaders(c.Request.Header),
	})
	if err != nil {
		h.HandleProxyError(c, err)
		return
	}

	writeResponse(c, resp)
}

func writeResponse(c *gin.Context, resp *proxy.Response) {
	for key, values := range resp.Header {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(key)]; hop {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	c.Status(resp.StatusCode)
	if len(resp.Body) > 0 {
		_, _ = c.Writer.Write(resp.Body)
	}
}

// forwardHeaders copies end-to-end request headers. The request id is
// minted again by the proxy per call.
func forwardHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for key, values := range in {
		canonical := http.CanonicalHeaderKey(key)
		if _, hop := hopHeaders[canonical]; hop || canonical == constants.HeaderRequestID {
			continue
		}
		out[canonical] = append([]string(nil), values...)
	}
	return out
}

func authHeaders(in http.Header) http.Header {
	out := http.Header{}
	for _, key := range []string{"Authorization", "Cookie"} {
		if v := in.Values(key); len(v) > 0 {
			out[key] = append([]string(nil), v...)
		}
	}
	return out
}
