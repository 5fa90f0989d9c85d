package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"blogmesh/pkg/models"
)

// InjectHeaders adds the current trace context to event transport headers.
func InjectHeaders(ctx context.Context, headers []models.Header) []models.Header {
	propagator := otel.GetTextMapPropagator()
	if propagator == nil {
		return headers
	}

	carrier := &eventHeaderCarrier{headers: headers}
	propagator.Inject(ctx, carrier)

	return carrier.headers
}

func ExtractHeaders(ctx context.Context, headers []models.Header) context.Context {
	propagator := otel.GetTextMapPropagator()
	if propagator == nil {
		return ctx
	}

	return propagator.Extract(ctx, &eventHeaderCarrier{headers: headers})
}

// InjectHTTP adds the current trace context to an outbound request.
func InjectHTTP(ctx context.Context, header http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}

type eventHeaderCarrier struct {
	headers []models.Header
}

func (c *eventHeaderCarrier) Get(key string) string {
	return models.HeaderValue(c.headers, key)
}

func (c *eventHeaderCarrier) Set(key, value string) {
	for i, h := range c.headers {
		if h.Key == key {
			c.headers[i].Value = []byte(value)
			return
		}
	}
	c.headers = append(c.headers, models.Header{
		Key:   key,
		Value: []byte(value),
	})
}

func (c *eventHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for _, h := range c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

// StartConsumerSpan continues the publisher's trace for one delivered event.
func StartConsumerSpan(ctx context.Context, topic string, headers []models.Header) (context.Context, trace.Span) {
	ctx = ExtractHeaders(ctx, headers)

	tracer := GetTracer("blogmesh-events")
	return tracer.Start(ctx, "consume "+topic, trace.WithSpanKind(trace.SpanKindConsumer))
}

func StartProducerSpan(ctx context.Context, topic string) (context.Context, trace.Span) {
	tracer := GetTracer("blogmesh-events")
	return tracer.Start(ctx, "publish "+topic, trace.WithSpanKind(trace.SpanKindProducer))
}

func StartClientSpan(ctx context.Context, service, method string) (context.Context, trace.Span) {
	tracer := GetTracer("blogmesh-proxy")
	return tracer.Start(ctx, method+" "+service, trace.WithSpanKind(trace.SpanKindClient))
}
