package retry

import (
	"sync"
	"time"
)

// InstantTimer fires immediately and remembers every requested delay. It
// lets callers observe a backoff schedule without sleeping through it.
type InstantTimer struct {
	mu     sync.Mutex
	delays []time.Duration
	c      chan time.Time
}

func NewInstantTimer() *InstantTimer {
	return &InstantTimer{c: make(chan time.Time, 1)}
}

func (t *InstantTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()

	select {
	case t.c <- time.Now():
	default:
	}
}

func (t *InstantTimer) Stop() {}

func (t *InstantTimer) C() <-chan time.Time {
	return t.c
}

// Delays returns the delays requested so far, in order.
func (t *InstantTimer) Delays() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Duration, len(t.delays))
	copy(out, t.delays)
	return out
}
