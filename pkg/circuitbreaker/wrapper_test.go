package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"

	"blogmesh/internal/config"
)

func TestWrapperOpensAfterFailures(t *testing.T) {
	w := NewWrapper(FromConfig("post", config.CircuitBreakerConfig{
		MinRequests:  2,
		FailureRatio: 0.5,
		Timeout:      time.Minute,
	}))

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, w.Call(context.Background(), func() error { return boom }), boom)
	}
	assert.Equal(t, gobreaker.StateOpen, w.State())

	called := false
	err := w.Call(context.Background(), func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open breaker must not reach the upstream")
}

func TestWrapperIgnoresSuccessfulClassification(t *testing.T) {
	notCounted := errors.New("client error")
	cfg := FromConfig("user", config.CircuitBreakerConfig{MinRequests: 1, FailureRatio: 0.1})
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, notCounted) }
	w := NewWrapper(cfg)

	for i := 0; i < 5; i++ {
		_ = w.Call(context.Background(), func() error { return notCounted })
	}
	assert.Equal(t, gobreaker.StateClosed, w.State())
}

func TestWrapperHonoursCancelledContext(t *testing.T) {
	w := NewWrapper(DefaultConfig("file"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.Call(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSetReturnsSameBreakerPerName(t *testing.T) {
	s := NewSet(nil)
	assert.Same(t, s.Get("user"), s.Get("user"))
	assert.NotSame(t, s.Get("user"), s.Get("post"))
	assert.Equal(t, "post", s.Get("post").Name())
}
