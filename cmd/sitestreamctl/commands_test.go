package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/sitestream/internal/connection"
	"github.com/rickgao/sitestream/internal/server"
)

type pool struct {
	mu    sync.Mutex
	stats connection.Stats
	ids   []int64
	start []bool
}

func (p *pool) Stats() connection.Stats { return p.stats }

func (p *pool) Statuses() []connection.Status {
	return []connection.Status{
		{ID: "r1", State: "running", Subscriptions: 100, Healthy: true, RetryLimit: 10},
		{ID: "r2", State: "unhealthy", Subscriptions: 3, ErrorCount: 10, RetryLimit: 10, LastError: "retries exhausted"},
	}
}

func (p *pool) Subscriptions() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.ids...)
}

func (p *pool) AddSubscriptions(ids []int64, start bool) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, ids...)
	p.start = append(p.start, start)
	return len(ids), nil
}

func (p *pool) Consolidate(context.Context) error { return nil }

func startAdmin(t *testing.T, p *pool) string {
	t.Helper()
	srv := httptest.NewServer(server.New(server.Config{}, p).Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func runCmd(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Usage(t *testing.T) {
	code, _, stderr := runCmd()
	assert.Equal(t, exitCommandError, code)
	assert.Contains(t, stderr, "Commands:")

	code, _, stderr = runCmd("-addr", "http://127.0.0.1:1", "frobnicate")
	assert.Equal(t, exitCommandError, code)
	assert.Contains(t, stderr, `unknown command "frobnicate"`)

	code, _, stderr = runCmd("-o", "xml", "health")
	assert.Equal(t, exitCommandError, code)
	assert.Contains(t, stderr, "unknown output format")
}

func TestRun_Health(t *testing.T) {
	addr := startAdmin(t, &pool{stats: connection.Stats{Runners: 2, Healthy: 2, Subscriptions: 150, Running: true}})

	code, stdout, _ := runCmd("-addr", addr, "health")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "status:  healthy")
	assert.Contains(t, stdout, "subscriptions: 150")

	code, stdout, _ = runCmd("-addr", addr, "-o", "yaml", "health")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "status: healthy")
	assert.Contains(t, stdout, "subscriptions: 150")
}

func TestRun_HealthUnhealthy(t *testing.T) {
	addr := startAdmin(t, &pool{stats: connection.Stats{Runners: 1, Unhealthy: 1, Running: true}})

	code, stdout, stderr := runCmd("-addr", addr, "health")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stdout, "status:  unhealthy")
	assert.Contains(t, stderr, "503")
}

func TestRun_Runners(t *testing.T) {
	addr := startAdmin(t, &pool{})

	code, stdout, _ := runCmd("-addr", addr, "runners")
	require.Equal(t, exitOK, code)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[2], "retries exhausted")

	code, stdout, _ = runCmd("-addr", addr, "-o", "json", "runners", "-unhealthy")
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, `"count": 1`)
	assert.Contains(t, stdout, `"id": "r2"`)
}

func TestRun_AddAndSubs(t *testing.T) {
	p := &pool{ids: []int64{1}}
	addr := startAdmin(t, p)

	code, stdout, _ := runCmd("-addr", addr, "add", "5", "6,7")
	require.Equal(t, exitOK, code)
	assert.Equal(t, "added 3 of 3\n", stdout)

	code, _, _ = runCmd("-addr", addr, "add", "-idle", "8")
	require.Equal(t, exitOK, code)
	assert.Equal(t, []bool{true, false}, p.start)

	code, stdout, _ = runCmd("-addr", addr, "subs")
	require.Equal(t, exitOK, code)
	assert.Equal(t, "1\n5\n6\n7\n8\n", stdout)

	code, _, stderr := runCmd("-addr", addr, "add")
	assert.Equal(t, exitCommandError, code)
	assert.Contains(t, stderr, "at least one ID")

	code, _, stderr = runCmd("-addr", addr, "add", "bob")
	assert.Equal(t, exitCommandError, code)
	assert.Contains(t, stderr, "invalid id")
}

func TestRun_Consolidate(t *testing.T) {
	addr := startAdmin(t, &pool{})

	code, stdout, _ := runCmd("-addr", addr, "consolidate")
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "consolidation started\n", stdout)
}
