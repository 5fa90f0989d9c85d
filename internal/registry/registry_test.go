package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blogmesh/internal/config"
)

func TestFromConfig(t *testing.T) {
	reg, err := FromConfig(map[string]config.ServiceConfig{
		"user": {BaseURL: "http://svc:9001", TimeoutMs: 1000, MaxRetries: intPtr(3)},
		"post": {BaseURL: "http://svc:9002"},
		"file": {BaseURL: "http://svc:9003", MaxRetries: intPtr(0)},
	})
	require.NoError(t, err)

	user, ok := reg.Get("user")
	require.True(t, ok)
	assert.Equal(t, "http://svc:9001", user.BaseURL)
	assert.Equal(t, time.Second, user.Timeout)
	assert.Equal(t, 3, user.MaxRetries)

	post, ok := reg.Get("post")
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, post.Timeout, "default timeout")
	assert.Equal(t, 3, post.MaxRetries, "default retry budget")

	file, ok := reg.Get("file")
	require.True(t, ok)
	assert.Equal(t, 0, file.MaxRetries, "explicit zero is kept")

	_, ok = reg.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"file", "post", "user"}, reg.Names())
}

func TestNewKeepsZeroRetryBudget(t *testing.T) {
	reg, err := New(Endpoint{Name: "user", BaseURL: "http://svc:9001", MaxRetries: 0})
	require.NoError(t, err)

	ep, _ := reg.Get("user")
	assert.Equal(t, 0, ep.MaxRetries)
	assert.Equal(t, 5*time.Second, ep.Timeout)
}

func intPtr(n int) *int { return &n }

func TestNewRejectsInvalidEndpoints(t *testing.T) {
	tests := []struct {
		name string
		eps  []Endpoint
	}{
		{"relative url", []Endpoint{{Name: "user", BaseURL: "svc:9001"}}},
		{"missing name", []Endpoint{{BaseURL: "http://svc"}}},
		{"negative retries", []Endpoint{{Name: "user", BaseURL: "http://svc", MaxRetries: -1}}},
		{"duplicate", []Endpoint{{Name: "user", BaseURL: "http://a"}, {Name: "user", BaseURL: "http://b"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.eps...)
			assert.Error(t, err)
		})
	}
}

func TestUpdateReplacesEntry(t *testing.T) {
	reg, err := New(Endpoint{Name: "user", BaseURL: "http://old:1", Timeout: time.Second, MaxRetries: 2})
	require.NoError(t, err)

	prev, existed, err := reg.Update(Endpoint{Name: "user", BaseURL: "http://new:2", Timeout: 2 * time.Second, MaxRetries: 5})
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, "http://old:1", prev.BaseURL)

	cur, _ := reg.Get("user")
	assert.Equal(t, Endpoint{Name: "user", BaseURL: "http://new:2", Timeout: 2 * time.Second, MaxRetries: 5}, cur)

	_, existed, err = reg.Update(Endpoint{Name: "search", BaseURL: "http://search:3"})
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Len(t, reg.List(), 2)

	_, _, err = reg.Update(Endpoint{Name: "user", BaseURL: "::bad"})
	assert.Error(t, err)
	cur, _ = reg.Get("user")
	assert.Equal(t, "http://new:2", cur.BaseURL, "failed update leaves entry intact")
}

func TestConcurrentReadersSeeWholeEntries(t *testing.T) {
	reg, err := New(Endpoint{Name: "user", BaseURL: "http://v1:1", Timeout: time.Millisecond, MaxRetries: 1})
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 200; i++ {
			_, _, _ = reg.Update(Endpoint{
				Name:       "user",
				BaseURL:    fmt.Sprintf("http://v%d:1", i),
				Timeout:    time.Duration(i) * time.Millisecond,
				MaxRetries: i,
			})
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				ep, ok := reg.Get("user")
				if !ok {
					t.Error("entry disappeared")
					return
				}
				want := fmt.Sprintf("http://v%d:1", ep.MaxRetries)
				if ep.BaseURL != want || ep.Timeout != time.Duration(ep.MaxRetries)*time.Millisecond {
					t.Errorf("torn read: %+v", ep)
					return
				}
			}
		}()
	}

	wg.Wait()
}

func TestEndpointURL(t *testing.T) {
	ep := Endpoint{BaseURL: "http://svc:9001/"}
	assert.Equal(t, "http://svc:9001/users/42", ep.URL("/users/42"))
	assert.Equal(t, "http://svc:9001/users", ep.URL("users"))
	assert.Equal(t, "http://svc:9001", ep.URL(""))
}
