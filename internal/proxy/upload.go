package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/google/uuid"

	"blogmesh/internal/constants"
	"blogmesh/pkg/logging"
	"blogmesh/pkg/metrics"
	"blogmesh/pkg/tracing"
)

type UploadRequest struct {
	Service     string
	Path        string
	FieldName   string
	Filename    string
	ContentType string
	Content     io.Reader
	Fields      map[string]string
	Header      http.Header
	Timeout     time.Duration
}

// Upload forwards a file as multipart/form-data in a single POST. Uploads are
// never retried: the body is consumed by the first attempt.
func (p *Proxy) Upload(ctx context.Context, req UploadRequest) (*Response, error) {
	start := time.Now()

	ep, ok := p.registry.Get(req.Service)
	if !ok {
		metrics.UploadsTotal.WithLabelValues(req.Service, string(KindUnreachable)).Inc()
		return nil, &Error{
			Kind:    KindUnreachable,
			Service: req.Service,
			Message: ErrServiceNotConfigured.Error(),
			Cause:   ErrServiceNotConfigured,
		}
	}

	body, contentType, err := encodeMultipart(req)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Service: req.Service, Message: "failed to encode upload", Cause: err}
	}
	metrics.UploadSizeBytes.WithLabelValues(req.Service).Observe(float64(body.Len()))

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = ep.Timeout
	}

	ctx, span := tracing.StartClientSpan(ctx, req.Service, http.MethodPost)
	defer span.End()

	requestID := uuid.New().String()
	ctx = logging.WithRequestID(ctx, requestID)
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := ep.URL(req.Path)
	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, target, body)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Service: req.Service, Message: "failed to build request", Cause: err}
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set(constants.HeaderRequestID, requestID)
	httpReq.Header.Set(constants.HeaderForwardedBy, constants.ForwardedByValue)
	tracing.InjectHTTP(attemptCtx, httpReq.Header)

	resp, pErr := p.roundTrip(ctx, attemptCtx, req.Service, httpReq)
	duration := time.Since(start)

	if pErr != nil {
		pErr.Attempts = 1
		metrics.UploadsTotal.WithLabelValues(req.Service, string(pErr.Kind)).Inc()
		p.logger.ErrorwCtx(ctx, "Upload failed",
			"service", req.Service,
			"url", target,
			"filename", req.Filename,
			"kind", pErr.Kind,
			"upstream_status", pErr.UpstreamStatus,
			"duration_ms", duration.Milliseconds(),
		)
		return nil, pErr
	}

	resp.Attempts = 1
	resp.Duration = duration
	metrics.UploadsTotal.WithLabelValues(req.Service, "success").Inc()
	p.logger.InfowCtx(ctx, "Upload forwarded",
		"service", req.Service,
		"url", target,
		"filename", req.Filename,
		"status", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
	)
	return resp, nil
}

func encodeMultipart(req UploadRequest) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	for k, v := range req.Fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}

	field := req.FieldName
	if field == "" {
		field = constants.DefaultUploadFieldName
	}

	partHeader := textproto.MIMEHeader{}
	partHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, req.Filename))
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	partHeader.Set("Content-Type", contentType)

	part, err := w.CreatePart(partHeader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file part: %w", err)
	}
	if req.Content != nil {
		if _, err := io.Copy(part, req.Content); err != nil {
			return nil, "", fmt.Errorf("failed to copy file content: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}
	return buf, w.FormDataContentType(), nil
}
