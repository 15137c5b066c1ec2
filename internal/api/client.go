package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rickgao/sitestream/internal/version"
)

// Client defaults.
const (
	DefaultTimeout      = 10 * time.Second
	DefaultRetries      = 3
	DefaultRetryBackoff = 500 * time.Millisecond
)

// Client talks to a sitestream admin server.
type Client struct {
	baseURL   string
	token     string
	userAgent string
	hc        *http.Client
	logger    *slog.Logger

	retries int
	backoff time.Duration
}

// Option configures a Client.
type Option func(*Client)

// NewClient returns a client for the admin server at addr. addr may omit the
// scheme ("localhost:9090"). A non-empty token is sent as a bearer token.
func NewClient(addr, token string, opts ...Option) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	c := &Client{
		baseURL:   strings.TrimRight(addr, "/"),
		token:     token,
		userAgent: "sitestreamctl/" + version.Version,
		hc:        &http.Client{Timeout: DefaultTimeout},
		logger:    slog.Default(),
		retries:   DefaultRetries,
		backoff:   DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = d }
}

// WithRetries sets how many times a failed idempotent request is retried and
// the initial backoff, which doubles per attempt.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		c.backoff = backoff
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient replaces the HTTP client. A later WithTimeout applies to it.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}
