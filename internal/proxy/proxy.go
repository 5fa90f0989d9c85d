package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"blogmesh/internal/constants"
	"blogmesh/internal/logger"
	"blogmesh/internal/registry"
	"blogmesh/pkg/circuitbreaker"
	"blogmesh/pkg/logging"
	"blogmesh/pkg/metrics"
	"blogmesh/pkg/retry"
	"blogmesh/pkg/tracing"
)

// Request describes one logical call to a registered service. It is not
// mutated once passed to Send.
type Request struct {
	Service string
	Path    string
	Method  string
	Body    []byte
	Header  http.Header
	Query   url.Values
	// Timeout overrides the endpoint's per-attempt timeout when positive.
	Timeout time.Duration
}

type Response struct {
	Service    string
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
	Duration   time.Duration
}

type Proxy struct {
	registry *registry.Registry
	client   *http.Client
	logger   logger.Logger
	breakers *circuitbreaker.Set
	newTimer func() backoff.Timer

	backoffInitial    time.Duration
	backoffMax        time.Duration
	backoffMultiplier float64
}

type Option func(*Proxy)

func WithHTTPClient(client *http.Client) Option {
	return func(p *Proxy) {
		p.client = client
	}
}

// WithCircuitBreakers puts a breaker per service in front of every attempt.
func WithCircuitBreakers(set *circuitbreaker.Set) Option {
	return func(p *Proxy) {
		p.breakers = set
	}
}

// WithTimerFactory replaces the timer used for backoff sleeps. Each Send
// gets its own timer from fn.
func WithTimerFactory(fn func() backoff.Timer) Option {
	return func(p *Proxy) {
		p.newTimer = fn
	}
}

func WithBackoff(initial, max time.Duration, multiplier float64) Option {
	return func(p *Proxy) {
		p.backoffInitial = initial
		p.backoffMax = max
		p.backoffMultiplier = multiplier
	}
}

func New(reg *registry.Registry, log logger.Logger, opts ...Option) *Proxy {
	p := &Proxy{
		registry:          reg,
		client:            &http.Client{},
		logger:            log,
		backoffInitial:    constants.DefaultBackoffInitial,
		backoffMax:        constants.DefaultBackoffMax,
		backoffMultiplier: constants.DefaultBackoffMultiplier,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Proxy) Registry() *registry.Registry {
	return p.registry
}

func (p *Proxy) policy(ep registry.Endpoint) retry.Policy {
	attempts := ep.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	return retry.Policy{
		MaxAttempts:     attempts,
		InitialInterval: p.backoffInitial,
		MaxInterval:     p.backoffMax,
		Multiplier:      p.backoffMultiplier,
	}
}

func bodyAllowed(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	default:
		return false
	}
}

func methodAllowed(method string) bool {
	switch method {
	case http.MethodGet, http.MethodDelete:
		return true
	default:
		return bodyAllowed(method)
	}
}

// Send performs req against the registered service, retrying 5xx responses,
// connection failures and per-attempt timeouts with capped exponential
// backoff. 4xx responses are returned after a single attempt.
func (p *Proxy) Send(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	ep, ok := p.registry.Get(req.Service)
	if !ok {
		metrics.IncProxyRequest(req.Service, method, string(KindUnreachable))
		return nil, &Error{
			Kind:    KindUnreachable,
			Service: req.Service,
			Message: ErrServiceNotConfigured.Error(),
			Cause:   ErrServiceNotConfigured,
		}
	}
	if !methodAllowed(method) {
		return nil, &Error{
			Kind:    KindUnknown,
			Service: req.Service,
			Message: fmt.Sprintf("%s: %s", ErrUnsupportedMethod, method),
			Cause:   ErrUnsupportedMethod,
		}
	}

	ctx, span := tracing.StartClientSpan(ctx, req.Service, method)
	defer span.End()

	requestID := uuid.New().String()
	ctx = logging.WithRequestID(ctx, requestID)
	target := ep.URL(req.Path)
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	policy := p.policy(ep)
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = ep.Timeout
	}

	opts := []retry.Option{
		retry.WithNotify(func(attempt int, err error, next time.Duration) {
			kind := KindOf(err)
			metrics.IncProxyRetry(req.Service, string(kind))
			p.logger.WarnwCtx(ctx, "Retrying upstream request",
				"service", req.Service,
				"attempt", attempt,
				"max_attempts", policy.MaxAttempts,
				"kind", kind,
				"backoff_ms", next.Milliseconds(),
			)
		}),
	}
	if p.newTimer != nil {
		opts = append(opts, retry.WithTimer(p.newTimer()))
	}

	var resp *Response
	attempts, err := retry.Do(ctx, policy, func(attempt int) error {
		r, attemptErr := p.attempt(ctx, attemptPlan{
			method:    method,
			target:    target,
			request:   req,
			requestID: requestID,
			timeout:   timeout,
			attempt:   attempt,
			max:       policy.MaxAttempts,
		})
		if attemptErr != nil {
			if !attemptErr.Transient() {
				return retry.NewFatalError(attemptErr)
			}
			return attemptErr
		}
		resp = r
		return nil
	}, opts...)

	duration := time.Since(start)
	metrics.ObserveProxyDuration(req.Service, duration)

	if err != nil {
		pErr, ok := AsError(err)
		if !ok {
			// cancelled while waiting between attempts
			pErr = transportError(ctx, ctx, req.Service, err)
		}
		pErr.Attempts = attempts
		metrics.IncProxyRequest(req.Service, method, string(pErr.Kind))
		p.logger.ErrorwCtx(ctx, "Upstream request failed",
			"service", req.Service,
			"method", method,
			"url", target,
			"kind", pErr.Kind,
			"upstream_status", pErr.UpstreamStatus,
			"attempts", attempts,
			"duration_ms", duration.Milliseconds(),
			"error", pErr.Message,
		)
		return nil, pErr
	}

	resp.Attempts = attempts
	resp.Duration = duration
	metrics.IncProxyRequest(req.Service, method, "success")
	return resp, nil
}

type attemptPlan struct {
	method    string
	target    string
	request   Request
	requestID string
	timeout   time.Duration
	attempt   int
	max       int
}

func (p *Proxy) attempt(ctx context.Context, at attemptPlan) (*Response, *Error) {
	start := time.Now()
	service := at.request.Service

	attemptCtx, cancel := context.WithTimeout(ctx, at.timeout)
	defer cancel()

	var body io.Reader
	if bodyAllowed(at.method) && len(at.request.Body) > 0 {
		body = bytes.NewReader(at.request.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, at.method, at.target, body)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Service: service, Message: "failed to build request", Cause: err}
	}
	for key, values := range at.request.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set(constants.HeaderRequestID, at.requestID)
	httpReq.Header.Set(constants.HeaderForwardedBy, constants.ForwardedByValue)
	tracing.InjectHTTP(attemptCtx, httpReq.Header)

	var resp *Response
	var pErr *Error
	call := func() error {
		resp, pErr = p.roundTrip(ctx, attemptCtx, service, httpReq)
		if pErr != nil {
			return pErr
		}
		return nil
	}

	if p.breakers != nil {
		err = p.breakers.Get(service).Call(ctx, call)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			pErr = &Error{Kind: KindUnreachable, Service: service, Message: "circuit breaker open", Cause: err}
			p.logAttempt(ctx, at, "circuit_open", 0, time.Since(start))
			return nil, pErr
		}
	} else {
		_ = call()
	}

	outcome := "success"
	status := 0
	if pErr != nil {
		outcome = string(pErr.Kind)
		status = pErr.UpstreamStatus
	} else {
		status = resp.StatusCode
	}
	p.logAttempt(ctx, at, outcome, status, time.Since(start))

	if pErr != nil {
		return nil, pErr
	}
	return resp, nil
}

func (p *Proxy) roundTrip(parent, attemptCtx context.Context, service string, httpReq *http.Request) (*Response, *Error) {
	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, transportError(parent, attemptCtx, service, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, transportError(parent, attemptCtx, service, err)
	}

	if httpResp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(service, httpResp.StatusCode, body)
	}

	return &Response{
		Service:    service,
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       body,
	}, nil
}

func (p *Proxy) logAttempt(ctx context.Context, at attemptPlan, outcome string, status int, duration time.Duration) {
	metrics.IncProxyAttempt(at.request.Service, outcome)
	keysAndValues := []interface{}{
		"service", at.request.Service,
		"method", at.method,
		"url", at.target,
		"attempt", at.attempt,
		"max_attempts", at.max,
		"outcome", outcome,
		"status", status,
		"duration_ms", duration.Milliseconds(),
	}
	if outcome == "success" || outcome == string(KindUpstream4xx) {
		p.logger.InfowCtx(ctx, "Upstream attempt", keysAndValues...)
		return
	}
	p.logger.WarnwCtx(ctx, "Upstream attempt", keysAndValues...)
}

// BreakerSuccessful tells the breaker which outcomes count against the
// upstream. Client errors are the caller's fault, not the service's.
func BreakerSuccessful(err error) bool {
	if err == nil {
		return true
	}
	return KindOf(err) == KindUpstream4xx
}
