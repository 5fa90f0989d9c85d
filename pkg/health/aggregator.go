package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"blogmesh/internal/constants"
	"blogmesh/internal/logger"
	"blogmesh/internal/proxy"
	"blogmesh/internal/registry"
	"blogmesh/pkg/metrics"
)

// Sender is the proxy surface the aggregator probes through.
type Sender interface {
	Send(ctx context.Context, req proxy.Request) (*proxy.Response, error)
	Registry() *registry.Registry
}

type ServiceHealth struct {
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

type Report struct {
	Overall   Status                   `json:"overall"`
	Services  map[string]ServiceHealth `json:"services"`
	Timestamp time.Time                `json:"timestamp"`
}

// Aggregator probes every registered service's health endpoint.
type Aggregator struct {
	sender Sender
	logger logger.Logger
	path   string
}

func NewAggregator(sender Sender, log logger.Logger) *Aggregator {
	return &Aggregator{
		sender: sender,
		logger: log,
		path:   constants.HealthPath,
	}
}

// CheckAll probes all services concurrently, each under the proxy's own
// retry policy, and waits for every probe to settle. A slow service delays
// only its own entry.
func (a *Aggregator) CheckAll(ctx context.Context) Report {
	endpoints := a.sender.Registry().List()

	var mu sync.Mutex
	services := make(map[string]ServiceHealth, len(endpoints))

	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range endpoints {
		name := ep.Name
		g.Go(func() error {
			result := a.probe(gctx, name)
			mu.Lock()
			services[name] = result
			mu.Unlock()
			// probe failures are data, not group errors
			return nil
		})
	}
	_ = g.Wait()

	return Report{
		Overall:   Summarize(services),
		Services:  services,
		Timestamp: time.Now(),
	}
}

func (a *Aggregator) probe(ctx context.Context, service string) ServiceHealth {
	start := time.Now()
	resp, err := a.sender.Send(ctx, proxy.Request{
		Service: service,
		Path:    a.path,
		Method:  http.MethodGet,
	})
	latency := time.Since(start)
	// the proxy only fails on 4xx and 5xx; a health endpoint must answer 2xx
	if err == nil && resp != nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		err = fmt.Errorf("unexpected health status %d", resp.StatusCode)
	}

	result := ServiceHealth{Status: StatusHealthy, LatencyMs: latency.Milliseconds()}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		a.logger.WarnwCtx(ctx, "Service health probe failed",
			"service", service,
			"kind", proxy.KindOf(err),
			"latency_ms", result.LatencyMs,
		)
	}
	metrics.ObserveHealthProbe(service, string(result.Status), latency)
	return result
}

// Summarize folds per-service results: all healthy is healthy, none healthy
// is unhealthy, anything else is degraded. No services is healthy.
func Summarize(services map[string]ServiceHealth) Status {
	if len(services) == 0 {
		return StatusHealthy
	}
	healthy := 0
	for _, s := range services {
		if s.Status == StatusHealthy {
			healthy++
		}
	}
	switch healthy {
	case len(services):
		return StatusHealthy
	case 0:
		return StatusUnhealthy
	default:
		return StatusDegraded
	}
}
