package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rickgao/sitestream/internal/connection"
)

// HealthResponse is the /health document.
type HealthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version"`
	Components map[string]json.RawMessage `json:"components"`
}

// Pool decodes the pool component.
func (h *HealthResponse) Pool() (connection.Stats, error) {
	var st connection.Stats
	raw, ok := h.Components["pool"]
	if !ok {
		return st, errors.New("health response has no pool component")
	}
	err := json.Unmarshal(raw, &st)
	return st, err
}

// RunnersResponse is the /debug/runners document.
type RunnersResponse struct {
	Count   int                 `json:"count"`
	Runners []connection.Status `json:"runners"`
}

// SubscriptionsResponse is the /debug/subscriptions document.
type SubscriptionsResponse struct {
	Count int     `json:"count"`
	IDs   []int64 `json:"ids"`
}

type addSubscriptionsRequest struct {
	IDs   []int64 `json:"ids"`
	Start bool    `json:"start"`
}

type addSubscriptionsResponse struct {
	Added int `json:"added"`
}

// Health fetches /health. An unhealthy pool is reported with status 503; the
// decoded document is returned alongside the *APIError in that case.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	body, err := c.send(ctx, call{method: http.MethodGet, path: "/health"})

	var apiErr *APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable) {
		return nil, err
	}

	var resp HealthResponse
	if uerr := json.Unmarshal(body, &resp); uerr != nil {
		return nil, fmt.Errorf("unmarshal response: %w", uerr)
	}
	return &resp, err
}

// Runners lists runner statuses. A non-nil healthy filters by health.
func (c *Client) Runners(ctx context.Context, healthy *bool) (*RunnersResponse, error) {
	var query url.Values
	if healthy != nil {
		query = url.Values{"healthy": {fmt.Sprint(*healthy)}}
	}

	var resp RunnersResponse
	if err := c.get(ctx, "/debug/runners", query, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Subscriptions lists every managed subscription ID.
func (c *Client) Subscriptions(ctx context.Context) ([]int64, error) {
	var resp SubscriptionsResponse
	if err := c.get(ctx, "/debug/subscriptions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// AddSubscriptions adds ids to the pool and returns how many were new.
func (c *Client) AddSubscriptions(ctx context.Context, ids []int64, start bool) (int, error) {
	var resp addSubscriptionsResponse
	err := c.post(ctx, "/subscriptions", addSubscriptionsRequest{IDs: ids, Start: start}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Added, nil
}

// Consolidate asks the server to start a consolidation. It does not wait
// for it to finish.
func (c *Client) Consolidate(ctx context.Context) error {
	return c.post(ctx, "/consolidate", nil, nil)
}
