package registry

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"blogmesh/internal/config"
	"blogmesh/internal/constants"
)

// Endpoint is one logical service the proxy can reach. Values are copied in
// and out of the registry, so a reader never sees a half-applied update.
// MaxRetries is the total attempt budget; 0 and 1 both mean one attempt.
type Endpoint struct {
	Name       string        `json:"name"`
	BaseURL    string        `json:"baseUrl"`
	Timeout    time.Duration `json:"-"`
	MaxRetries int           `json:"maxRetries"`
}

func (e Endpoint) TimeoutMs() int64 {
	return e.Timeout.Milliseconds()
}

// URL joins the endpoint base address with path.
func (e Endpoint) URL(path string) string {
	base := strings.TrimRight(e.BaseURL, "/")
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

func (e Endpoint) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("endpoint name is required")
	}
	u, err := url.Parse(e.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("endpoint %s: base URL must be an absolute http(s) URL, got %q", e.Name, e.BaseURL)
	}
	if e.Timeout < 0 {
		return fmt.Errorf("endpoint %s: timeout must be non-negative", e.Name)
	}
	if e.MaxRetries < 0 {
		return fmt.Errorf("endpoint %s: max retries must be non-negative", e.Name)
	}
	return nil
}

func (e Endpoint) withDefaults() Endpoint {
	if e.Timeout <= 0 {
		e.Timeout = constants.DefaultServiceTimeout
	}
	return e
}

// Registry maps logical service names to endpoints. Entries are replaced
// whole and never removed while the process runs.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

func New(endpoints ...Endpoint) (*Registry, error) {
	r := &Registry{endpoints: make(map[string]Endpoint, len(endpoints))}
	for _, ep := range endpoints {
		if err := ep.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.endpoints[ep.Name]; dup {
			return nil, fmt.Errorf("duplicate endpoint %s", ep.Name)
		}
		r.endpoints[ep.Name] = ep.withDefaults()
	}
	return r, nil
}

// FromConfig builds the registry from the services section of the config.
func FromConfig(services map[string]config.ServiceConfig) (*Registry, error) {
	endpoints := make([]Endpoint, 0, len(services))
	for name, svc := range services {
		endpoints = append(endpoints, Endpoint{
			Name:       name,
			BaseURL:    svc.BaseURL,
			Timeout:    time.Duration(svc.TimeoutMs) * time.Millisecond,
			MaxRetries: svc.Retries(),
		})
	}
	return New(endpoints...)
}

func (r *Registry) Get(name string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[name]
	return ep, ok
}

// Update atomically replaces (or adds) one entry and returns the previous
// value, if any.
func (r *Registry) Update(ep Endpoint) (Endpoint, bool, error) {
	if err := ep.Validate(); err != nil {
		return Endpoint{}, false, err
	}
	ep = ep.withDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed := r.endpoints[ep.Name]
	r.endpoints[ep.Name] = ep
	return prev, existed, nil
}

// List returns a snapshot of all entries sorted by name.
func (r *Registry) List() []Endpoint {
	r.mu.RLock()
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Names() []string {
	eps := r.List()
	names := make([]string, len(eps))
	for i, ep := range eps {
		names[i] = ep.Name
	}
	return names
}
