package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/sitestream/internal/connection"
)

type fakePool struct {
	mu           sync.Mutex
	stats        connection.Stats
	statuses     []connection.Status
	ids          []int64
	addErr       error
	addStart     []bool
	consolidated chan struct{}
}

func newFakePool() *fakePool {
	return &fakePool{consolidated: make(chan struct{}, 1)}
}

func (p *fakePool) Stats() connection.Stats { return p.stats }

func (p *fakePool) Statuses() []connection.Status {
	return append([]connection.Status(nil), p.statuses...)
}

func (p *fakePool) Subscriptions() []int64 { return p.ids }

func (p *fakePool) AddSubscriptions(ids []int64, start bool) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addErr != nil {
		return 0, p.addErr
	}
	p.addStart = append(p.addStart, start)
	p.ids = append(p.ids, ids...)
	return len(ids), nil
}

func (p *fakePool) Consolidate(context.Context) error {
	p.consolidated <- struct{}{}
	return nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		stats      connection.Stats
		db         Pinger
		wantStatus string
		wantCode   int
	}{
		{
			name:       "all healthy",
			stats:      connection.Stats{Runners: 2, Healthy: 2, Running: true},
			wantStatus: StatusHealthy,
			wantCode:   http.StatusOK,
		},
		{
			name:       "some unhealthy",
			stats:      connection.Stats{Runners: 2, Healthy: 1, Unhealthy: 1, Running: true},
			wantStatus: StatusDegraded,
			wantCode:   http.StatusOK,
		},
		{
			name:       "not running",
			stats:      connection.Stats{Runners: 1, Healthy: 1},
			wantStatus: StatusDegraded,
			wantCode:   http.StatusOK,
		},
		{
			name:       "none healthy",
			stats:      connection.Stats{Runners: 2, Unhealthy: 2, Running: true},
			wantStatus: StatusUnhealthy,
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:       "database down",
			stats:      connection.Stats{Runners: 1, Healthy: 1, Running: true},
			db:         fakePinger{err: errors.New("connection refused")},
			wantStatus: StatusUnhealthy,
			wantCode:   http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := newFakePool()
			pool.stats = tt.stats
			opts := []Option{WithComponent("router", func() any { return map[string]int{"routed": 3} })}
			if tt.db != nil {
				opts = append(opts, WithDatabase(tt.db))
			}
			s := New(Config{}, pool, opts...)

			rec := do(t, s.Handler(), http.MethodGet, "/health", "")
			assert.Equal(t, tt.wantCode, rec.Code)

			resp := decode[healthResponse](t, rec)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Contains(t, resp.Components, "pool")
			assert.Contains(t, resp.Components, "router")
		})
	}
}

func TestRunners(t *testing.T) {
	pool := newFakePool()
	pool.statuses = []connection.Status{
		{ID: "a", Healthy: true},
		{ID: "b", Healthy: false},
		{ID: "c", Healthy: true},
	}
	s := New(Config{}, pool)

	rec := do(t, s.Handler(), http.MethodGet, "/debug/runners", "")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[struct {
		Count   int                 `json:"count"`
		Runners []connection.Status `json:"runners"`
	}](t, rec)
	assert.Equal(t, 3, all.Count)

	rec = do(t, s.Handler(), http.MethodGet, "/debug/runners?healthy=false", "")
	require.Equal(t, http.StatusOK, rec.Code)
	unhealthy := decode[struct {
		Count   int                 `json:"count"`
		Runners []connection.Status `json:"runners"`
	}](t, rec)
	require.Equal(t, 1, unhealthy.Count)
	assert.Equal(t, "b", unhealthy.Runners[0].ID)

	rec = do(t, s.Handler(), http.MethodGet, "/debug/runners?healthy=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubscriptions(t *testing.T) {
	pool := newFakePool()
	pool.ids = []int64{1, 2, 3}
	s := New(Config{}, pool)

	rec := do(t, s.Handler(), http.MethodGet, "/debug/subscriptions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[struct {
		Count int     `json:"count"`
		IDs   []int64 `json:"ids"`
	}](t, rec)
	assert.Equal(t, 3, resp.Count)
	assert.Equal(t, []int64{1, 2, 3}, resp.IDs)
}

func TestAddSubscriptions(t *testing.T) {
	pool := newFakePool()
	s := New(Config{}, pool)

	rec := do(t, s.Handler(), http.MethodPost, "/subscriptions", `{"ids":[4,5]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[AddSubscriptionsResponse](t, rec).Added)

	rec = do(t, s.Handler(), http.MethodPost, "/subscriptions", `{"ids":[6],"start":false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []bool{true, false}, pool.addStart)
	assert.Equal(t, []int64{4, 5, 6}, pool.ids)
}

func TestAddSubscriptions_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		addErr   error
		wantCode int
	}{
		{name: "malformed", body: `{"ids":`, wantCode: http.StatusBadRequest},
		{name: "empty", body: `{"ids":[]}`, wantCode: http.StatusBadRequest},
		{name: "stopped", body: `{"ids":[1]}`, addErr: connection.ErrStopped, wantCode: http.StatusServiceUnavailable},
		{name: "failed", body: `{"ids":[1]}`, addErr: errors.New("boom"), wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := newFakePool()
			pool.addErr = tt.addErr
			s := New(Config{}, pool)

			rec := do(t, s.Handler(), http.MethodPost, "/subscriptions", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestConsolidate(t *testing.T) {
	pool := newFakePool()
	s := New(Config{}, pool)

	rec := do(t, s.Handler(), http.MethodPost, "/consolidate", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-pool.consolidated:
	case <-time.After(2 * time.Second):
		t.Fatal("Consolidate was not called")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := New(Config{}, newFakePool())
	rec := do(t, s.Handler(), http.MethodGet, "/consolidate", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestOptionalRoutes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("sitestream_frames_total 1\n"))
	})
	tap := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	bare := New(Config{}, newFakePool())
	assert.Equal(t, http.StatusNotFound, do(t, bare.Handler(), http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, bare.Handler(), http.MethodGet, "/tap", "").Code)

	s := New(Config{MetricsPath: "/prom"}, newFakePool(), WithMetrics(metrics), WithTap(tap))
	rec := do(t, s.Handler(), http.MethodGet, "/prom", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sitestream_frames_total")
	assert.Equal(t, http.StatusTeapot, do(t, s.Handler(), http.MethodGet, "/tap", "").Code)
}

func TestServe_Shutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	pool := newFakePool()
	pool.stats = connection.Stats{Runners: 1, Healthy: 1, Running: true}
	s := New(Config{ShutdownTimeout: time.Second}, pool)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
