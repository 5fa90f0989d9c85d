package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blogmesh/internal/config"
	"blogmesh/internal/constants"
	"blogmesh/internal/logger"
	"blogmesh/internal/registry"
	"blogmesh/pkg/circuitbreaker"
	apperrors "blogmesh/pkg/errors"
	"blogmesh/pkg/retry"
)

type upstream struct {
	*httptest.Server
	hits atomic.Int32
}

func newUpstream(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, hit int32)) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit := u.hits.Add(1)
		handler(w, r, hit)
	}))
	t.Cleanup(u.Close)
	return u
}

func newTestProxy(t *testing.T, timer *retry.InstantTimer, eps ...registry.Endpoint) *Proxy {
	t.Helper()
	reg, err := registry.New(eps...)
	require.NoError(t, err)
	return New(reg, logger.NopLogger(), WithTimerFactory(func() backoff.Timer { return timer }))
}

func TestSendSuccess(t *testing.T) {
	var got *http.Request
	var gotBody string
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int32) {
		got = r.Clone(context.Background())
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"p1"}`))
	})

	timer := retry.NewInstantTimer()
	p := newTestProxy(t, timer, registry.Endpoint{Name: "post", BaseURL: up.URL, Timeout: time.Second, MaxRetries: 3})

	resp, err := p.Send(context.Background(), Request{
		Service: "post",
		Path:    "/posts",
		Method:  http.MethodPost,
		Body:    []byte(`{"title":"hello"}`),
		Header:  http.Header{"Authorization": {"Bearer t"}},
		Query:   url.Values{"draft": {"true"}},
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"id":"p1"}`, string(resp.Body))
	assert.Equal(t, 1, resp.Attempts)
	assert.Empty(t, timer.Delays())

	assert.Equal(t, "/posts", got.URL.Path)
	assert.Equal(t, "true", got.URL.Query().Get("draft"))
	assert.Equal(t, "Bearer t", got.Header.Get("Authorization"))
	assert.NotEmpty(t, got.Header.Get(constants.HeaderRequestID))
	assert.Equal(t, constants.ForwardedByValue, got.Header.Get(constants.HeaderForwardedBy))
	assert.Equal(t, `{"title":"hello"}`, gotBody)
}

func TestSendDropsBodyForGetAndDelete(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			var bodyLen int
			up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int32) {
				b, _ := io.ReadAll(r.Body)
				bodyLen = len(b)
				w.WriteHeader(http.StatusNoContent)
			})
			p := newTestProxy(t, retry.NewInstantTimer(), registry.Endpoint{Name: "user", BaseURL: up.URL})

			_, err := p.Send(context.Background(), Request{Service: "user", Path: "/users/1", Method: method, Body: []byte("ignored")})
			require.NoError(t, err)
			assert.Zero(t, bodyLen)
		})
	}
}

func TestSendClientErrorIsNotRetried(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusTooManyRequests} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int32) {
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"message":"nope"}`))
			})
			timer := retry.NewInstantTimer()
			p := newTestProxy(t, timer, registry.Endpoint{Name: "user", BaseURL: up.URL, MaxRetries: 5})

			_, err := p.Send(context.Background(), Request{Service: "user", Path: "/users/x"})

			pErr, ok := AsError(err)
			require.True(t, ok)
			assert.Equal(t, KindUpstream4xx, pErr.Kind)
			assert.Equal(t, status, pErr.UpstreamStatus)
			assert.JSONEq(t, `{"message":"nope"}`, string(pErr.Body))
			assert.Equal(t, 1, pErr.Attempts)
			assert.Equal(t, int32(1), up.hits.Load())
			assert.Empty(t, timer.Delays())
		})
	}
}

func TestSendRetryBudgetOfZeroOrOneMakesSingleAttempt(t *testing.T) {
	for _, budget := range []int{0, 1} {
		t.Run(fmt.Sprintf("max_retries=%d", budget), func(t *testing.T) {
			up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int32) {
				w.WriteHeader(http.StatusServiceUnavailable)
			})
			timer := retry.NewInstantTimer()
			p := newTestProxy(t, timer, registry.Endpoint{Name: "post", BaseURL: up.URL, MaxRetries: budget})

			_, err := p.Send(context.Background(), Request{Service: "post", Path: "/posts"})

			pErr, ok := AsError(err)
			require.True(t, ok)
			assert.Equal(t, KindUpstream5xx, pErr.Kind)
			assert.Equal(t, 1, pErr.Attempts)
			assert.Equal(t, int32(1), up.hits.Load())
			assert.Empty(t, timer.Delays())
		})
	}
}

func TestSendRetriesServerErrorsWithBackoff(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int32) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	timer := retry.NewInstantTimer()
	p := newTestProxy(t, timer, registry.Endpoint{Name: "post", BaseURL: up.URL, MaxRetries: 3})

	_, err := p.Send(context.Background(), Request{Service: "post", Path: "/posts"})

	pErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindUpstream5xx, pErr.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, pErr.UpstreamStatus)
	assert.Equal(t, 3, pErr.Attempts)
	assert.Equal(t, int32(3), up.hits.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, timer.Delays())
}

func TestSendBackoffIsCappedAtFiveSeconds(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int32) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	timer := retry.NewInstantTimer()
	p := newTestProxy(t, timer, registry.Endpoint{Name: "post", BaseURL: up.URL, MaxRetries: 6})

	_, err := p.Send(context.Background(), Request{Service: "post", Path: "/posts"})
	require.Error(t, err)

	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
	}, timer.Delays())
}

func TestSendRecoversAfterTransientFailure(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		if hit < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	timer := retry.NewInstantTimer()
	p := newTestProxy(t, timer, registry.Endpoint{Name: "file", BaseURL: up.URL, MaxRetries: 3})

	resp, err := p.Send(context.Background(), Request{Service: "file", Path: "/files/1"})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, 3, resp.Attempts)
}

func TestSendRequestIDIsStableAcrossAttempts(t *testing.T) {
	var ids []string
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		ids = append(ids, r.Header.Get(constants.HeaderRequestID))
		if hit == 1 {
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	p := newTestProxy(t, retry.NewInstantTimer(), registry.Endpoint{Name: "user", BaseURL: up.URL, MaxRetries: 2})

	_, err := p.Send(context.Background(), Request{Service: "user", Path: "/"})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1])
}

func TestSendTimeoutIsClassified(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int32) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	timer := retry.NewInstantTimer()
	p := newTestProxy(t, timer, registry.Endpoint{Name: "post", BaseURL: up.URL, Timeout: time.Second, MaxRetries: 2})

	_, err := p.Send(context.Background(), Request{Service: "post", Path: "/slow", Timeout: 20 * time.Millisecond})

	pErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, pErr.Kind)
	assert.Equal(t, 2, pErr.Attempts)
	assert.Equal(t, []time.Duration{time.Second}, timer.Delays())
}

func TestSendUnreachable(t *testing.T) {
	up := httptest.NewServer(http.NotFoundHandler())
	addr := up.URL
	up.Close()

	timer := retry.NewInstantTimer()
	p := newTestProxy(t, timer, registry.Endpoint{Name: "user", BaseURL: addr, MaxRetries: 3})

	_, err := p.Send(context.Background(), Request{Service: "user", Path: "/users"})

	pErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindUnreachable, pErr.Kind)
	assert.Equal(t, 3, pErr.Attempts)
	assert.Len(t, timer.Delays(), 2)
}

func TestSendUnknownService(t *testing.T) {
	p := newTestProxy(t, retry.NewInstantTimer())

	_, err := p.Send(context.Background(), Request{Service: "search", Path: "/"})

	pErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindUnreachable, pErr.Kind)
	assert.Equal(t, "service not configured", pErr.Message)
	assert.Zero(t, pErr.Attempts)
	assert.ErrorIs(t, err, ErrServiceNotConfigured)
}

func TestSendRejectsUnsupportedMethod(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int32) {})
	p := newTestProxy(t, retry.NewInstantTimer(), registry.Endpoint{Name: "user", BaseURL: up.URL})

	_, err := p.Send(context.Background(), Request{Service: "user", Method: http.MethodOptions})
	assert.ErrorIs(t, err, ErrUnsupportedMethod)
	assert.Zero(t, up.hits.Load())
}

func TestSendStopsWhenCallerCancels(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int32) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	reg, err := registry.New(registry.Endpoint{Name: "post", BaseURL: up.URL, MaxRetries: 3})
	require.NoError(t, err)
	p := New(reg, logger.NopLogger(), WithBackoff(time.Hour, time.Hour, 2))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for up.hits.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := p.Send(ctx, Request{Service: "post", Path: "/posts"})
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, int32(1), up.hits.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not honour cancellation during backoff")
	}
}

func TestSendSeesRegistryUpdates(t *testing.T) {
	first := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int32) { _, _ = w.Write([]byte("v1")) })
	second := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int32) { _, _ = w.Write([]byte("v2")) })
	p := newTestProxy(t, retry.NewInstantTimer(), registry.Endpoint{Name: "user", BaseURL: first.URL})

	resp, err := p.Send(context.Background(), Request{Service: "user"})
	require.NoError(t, err)
	assert.Equal(t, "v1", string(resp.Body))

	_, _, err = p.Registry().Update(registry.Endpoint{Name: "user", BaseURL: second.URL})
	require.NoError(t, err)

	resp, err = p.Send(context.Background(), Request{Service: "user"})
	require.NoError(t, err)
	assert.Equal(t, "v2", string(resp.Body))
}

func TestSendOpenBreakerFailsFast(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int32) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	reg, err := registry.New(registry.Endpoint{Name: "post", BaseURL: up.URL, MaxRetries: 1})
	require.NoError(t, err)

	breakers := circuitbreaker.NewSet(func(name string) circuitbreaker.Config {
		cfg := circuitbreaker.FromConfig(name, config.CircuitBreakerConfig{MinRequests: 2, FailureRatio: 0.5, Timeout: time.Minute})
		cfg.IsSuccessful = BreakerSuccessful
		return cfg
	})
	timer := retry.NewInstantTimer()
	p := New(reg, logger.NopLogger(), WithCircuitBreakers(breakers), WithTimerFactory(func() backoff.Timer { return timer }))

	for i := 0; i < 2; i++ {
		_, err := p.Send(context.Background(), Request{Service: "post"})
		assert.Equal(t, KindUpstream5xx, KindOf(err))
	}

	_, err = p.Send(context.Background(), Request{Service: "post"})
	pErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindUnreachable, pErr.Kind)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), up.hits.Load())
}

func TestToAppError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"client error keeps status", &Error{Kind: KindUpstream4xx, Service: "user", UpstreamStatus: 409}, "UPSTREAM_CLIENT_ERROR", 409},
		{"server error", &Error{Kind: KindUpstream5xx, Service: "post", UpstreamStatus: 502}, "SERVICE_UNAVAILABLE", 503},
		{"unreachable", &Error{Kind: KindUnreachable, Service: "post"}, "SERVICE_UNAVAILABLE", 503},
		{"timeout", &Error{Kind: KindTimeout, Service: "file"}, "TIMEOUT", 504},
		{"unknown", &Error{Kind: KindUnknown, Service: "file"}, "INTERNAL_ERROR", 500},
		{"foreign", io.ErrUnexpectedEOF, "INTERNAL_ERROR", 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := ToAppError(tt.err)
			require.NotNil(t, appErr)
			assert.Equal(t, tt.wantCode, appErr.Code)
			assert.Equal(t, tt.wantStatus, apperrors.ToHTTPStatus(appErr))
		})
	}

	assert.Nil(t, ToAppError(nil))
}

func TestUploadIsSinglePost(t *testing.T) {
	var fileContent, fileName, title string
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, hit int32) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		b, _ := io.ReadAll(f)
		fileContent = string(b)
		fileName = hdr.Filename
		title = r.FormValue("title")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"url":"/files/a.png"}`))
	})
	p := newTestProxy(t, retry.NewInstantTimer(), registry.Endpoint{Name: "file", BaseURL: up.URL, MaxRetries: 3})

	resp, err := p.Upload(context.Background(), UploadRequest{
		Service:  "file",
		Path:     "/files/upload",
		Filename: "a.png",
		Content:  strings.NewReader("PNGDATA"),
		Fields:   map[string]string{"title": "cover"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "PNGDATA", fileContent)
	assert.Equal(t, "a.png", fileName)
	assert.Equal(t, "cover", title)
}

func TestUploadDoesNotRetryServerErrors(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int32) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	p := newTestProxy(t, retry.NewInstantTimer(), registry.Endpoint{Name: "file", BaseURL: up.URL, MaxRetries: 3})

	_, err := p.Upload(context.Background(), UploadRequest{Service: "file", Path: "/files/upload", Filename: "a", Content: strings.NewReader("x")})

	pErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindUpstream5xx, pErr.Kind)
	assert.Equal(t, 1, pErr.Attempts)
	assert.Equal(t, int32(1), up.hits.Load())
}
