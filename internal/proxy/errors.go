package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	apperrors "blogmesh/pkg/errors"
)

// Kind classifies why a proxied call failed.
type Kind string

const (
	KindUpstream4xx Kind = "UPSTREAM_4XX"
	KindUpstream5xx Kind = "UPSTREAM_5XX"
	KindUnreachable Kind = "UNREACHABLE"
	KindTimeout     Kind = "TIMEOUT"
	KindUnknown     Kind = "UNKNOWN"
)

var (
	ErrServiceNotConfigured = errors.New("service not configured")
	ErrUnsupportedMethod    = errors.New("unsupported method")
)

// Error is the single failure outcome of Send or Upload. Only the last
// attempt is reported.
type Error struct {
	Kind           Kind
	Service        string
	Message        string
	UpstreamStatus int
	Body           []byte
	Attempts       int
	Cause          error
}

func (e *Error) Error() string {
	if e.UpstreamStatus != 0 {
		return fmt.Sprintf("%s %s: %s (status %d)", e.Service, e.Kind, e.Message, e.UpstreamStatus)
	}
	return fmt.Sprintf("%s %s: %s", e.Service, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Transient reports whether another attempt could change the outcome.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindUpstream5xx, KindUnreachable, KindTimeout:
		return true
	default:
		return false
	}
}

func AsError(err error) (*Error, bool) {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr, true
	}
	return nil, false
}

// KindOf returns the failure kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	if pErr, ok := AsError(err); ok {
		return pErr.Kind
	}
	return KindUnknown
}

func statusError(service string, status int, body []byte) *Error {
	kind := KindUpstream5xx
	if status < http.StatusInternalServerError {
		kind = KindUpstream4xx
	}
	return &Error{
		Kind:           kind,
		Service:        service,
		Message:        fmt.Sprintf("upstream responded %d", status),
		UpstreamStatus: status,
		Body:           body,
	}
}

// transportError classifies a failed round trip. attemptCtx carries the
// per-attempt deadline; parent is the caller's context.
func transportError(parent, attemptCtx context.Context, service string, err error) *Error {
	if parent.Err() != nil {
		kind := KindUnknown
		if errors.Is(parent.Err(), context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return &Error{Kind: kind, Service: service, Message: "request cancelled by caller", Cause: parent.Err()}
	}

	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Service: service, Message: "upstream did not respond in time", Cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Service: service, Message: "upstream did not respond in time", Cause: err}
	}

	return &Error{Kind: KindUnreachable, Service: service, Message: "upstream unreachable", Cause: err}
}

// ToAppError maps a proxy failure onto the gateway's coded errors. Upstream
// 4xx responses keep their status so the caller sees what the service said.
func ToAppError(err error) *apperrors.Error {
	if err == nil {
		return nil
	}

	pErr, ok := AsError(err)
	if !ok {
		return apperrors.Wrap(err, apperrors.ErrInternal)
	}

	switch pErr.Kind {
	case KindUpstream4xx:
		return apperrors.ErrUpstreamClient.
			WithCause(pErr).
			WithStatus(pErr.UpstreamStatus).
			WithDetail("service", pErr.Service).
			AsFatal()
	case KindTimeout:
		return apperrors.ErrTimeout.
			WithCause(pErr).
			WithMessage(fmt.Sprintf("%s service timed out", pErr.Service)).
			WithDetail("service", pErr.Service).
			WithDetail("attempts", pErr.Attempts)
	case KindUpstream5xx, KindUnreachable:
		return apperrors.ErrServiceUnavailable.
			WithCause(pErr).
			WithMessage(fmt.Sprintf("%s service unavailable", pErr.Service)).
			WithDetail("service", pErr.Service).
			WithDetail("attempts", pErr.Attempts)
	default:
		return apperrors.ErrInternal.WithCause(pErr).WithDetail("service", pErr.Service)
	}
}
