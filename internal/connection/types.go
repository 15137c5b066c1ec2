package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rickgao/sitestream/internal/metrics"
)

// Errors
var (
	ErrGroupLimitExceeded = errors.New("subscription group exceeds limit")
	ErrInvalidMode        = errors.New("invalid mode")
	ErrSignerRequired     = errors.New("signer is required")
	ErrInvalidURL         = errors.New("invalid stream url")
	ErrBadStatus          = errors.New("unexpected response status")
	ErrRunnerActive       = errors.New("runner already active")
	ErrAlreadyRunning     = errors.New("supervisor already running")
	ErrStopped            = errors.New("supervisor stopped")
	ErrConsolidating      = errors.New("consolidation already in progress")
)

// StatusError reports a non-200 response to the stream request.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response status: %s", e.Status)
}

// Unwrap makes errors.Is(err, ErrBadStatus) hold.
func (e *StatusError) Unwrap() error { return ErrBadStatus }

// Mode selects which messages the stream delivers for each subscription.
type Mode string

const (
	ModeUser       Mode = "user"
	ModeFollowings Mode = "followings"
)

// Valid reports whether m is a supported mode.
func (m Mode) Valid() bool {
	return m == ModeUser || m == ModeFollowings
}

// ParseMode validates s as a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: '%s' is an invalid value for mode", ErrInvalidMode, s)
	}
	return m, nil
}

// State is the lifecycle state of a Connection.
type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateRunning
	StateUnhealthy
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateUnhealthy:
		return "unhealthy"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Signer attaches credentials to an outgoing stream request.
type Signer interface {
	Sign(req *http.Request) error
}

// FrameHandler receives every complete frame, delimiter included. It runs on
// the connection's read goroutine and must not block indefinitely.
type FrameHandler interface {
	HandleFrame(frame string)
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(frame string)

// HandleFrame calls f(frame).
func (f FrameHandlerFunc) HandleFrame(frame string) { f(frame) }

// DialFunc opens the transport connection to the stream host.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// BackoffPolicy controls how the retry delay grows after each failure.
type BackoffPolicy string

const (
	// BackoffSquare squares the delay in seconds: 2s, 4s, 16s, 256s...
	BackoffSquare BackoffPolicy = "square"
	// BackoffExponential doubles the delay up to MaxRetryDelay.
	BackoffExponential BackoffPolicy = "exponential"
)

// Default values for Config and SupervisorConfig.
const (
	DefaultURL                = "http://betastream.twitter.com/2b/site.json"
	DefaultGroupLimit         = 100
	DefaultRetryLimit         = 10
	DefaultRetryDelay         = 2 * time.Second
	DefaultIOTimeout          = 40 * time.Second
	DefaultPollInterval       = 100 * time.Millisecond
	DefaultMaxRetryDelay      = 5 * time.Minute
	DefaultNonfullThreshold   = 10
	DefaultNonfullStreamLimit = 10
	DefaultMonitorInterval    = 10 * time.Second
	DefaultConsolidateGrace   = 30 * time.Second
	DefaultRestartJoinTimeout = 2 * time.Second
)

// Config configures a stream connection.
type Config struct {
	URL           string        // Stream endpoint, http or https
	GroupLimit    int           // Max subscription IDs per connection
	RetryLimit    int           // Counted failures before the connection is unhealthy
	RetryDelay    time.Duration // Initial backoff delay
	IOTimeout     time.Duration // Dial, write and read deadline
	PollInterval  time.Duration // Slice used while waiting for the response status line
	Backoff       BackoffPolicy
	MaxRetryDelay time.Duration // Cap for BackoffExponential
}

// DefaultConfig returns the stream defaults.
func DefaultConfig() Config {
	return Config{
		URL:           DefaultURL,
		GroupLimit:    DefaultGroupLimit,
		RetryLimit:    DefaultRetryLimit,
		RetryDelay:    DefaultRetryDelay,
		IOTimeout:     DefaultIOTimeout,
		PollInterval:  DefaultPollInterval,
		Backoff:       BackoffSquare,
		MaxRetryDelay: DefaultMaxRetryDelay,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.GroupLimit <= 0 {
		c.GroupLimit = d.GroupLimit
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = d.RetryLimit
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = d.IOTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Backoff == "" {
		c.Backoff = d.Backoff
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	return c
}

// SupervisorConfig configures the pool supervisor.
type SupervisorConfig struct {
	Connection         Config
	NonfullThreshold   int           // Groups smaller than this are nonfull
	NonfullStreamLimit int           // Consolidate when more runners than this are nonfull
	MonitorInterval    time.Duration // Control loop period
	ConsolidateGrace   time.Duration // Overlap before old runners are closed
	DisableRestart     bool          // Leave unhealthy runners alone
	RestartJoinTimeout time.Duration // Wait for an unhealthy runner to exit before skipping it this pass
}

// DefaultSupervisorConfig returns the pool defaults.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Connection:         DefaultConfig(),
		NonfullThreshold:   DefaultNonfullThreshold,
		NonfullStreamLimit: DefaultNonfullStreamLimit,
		MonitorInterval:    DefaultMonitorInterval,
		ConsolidateGrace:   DefaultConsolidateGrace,
		RestartJoinTimeout: DefaultRestartJoinTimeout,
	}
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	c.Connection = c.Connection.withDefaults()
	if c.NonfullThreshold <= 0 {
		c.NonfullThreshold = DefaultNonfullThreshold
	}
	if c.NonfullStreamLimit <= 0 {
		c.NonfullStreamLimit = DefaultNonfullStreamLimit
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
	if c.ConsolidateGrace <= 0 {
		c.ConsolidateGrace = DefaultConsolidateGrace
	}
	if c.RestartJoinTimeout <= 0 {
		c.RestartJoinTimeout = DefaultRestartJoinTimeout
	}
	return c
}

// Option configures a Connection or Supervisor.
type Option func(*options)

type options struct {
	handler   FrameHandler
	logger    *slog.Logger
	metrics   metrics.Collector
	dial      DialFunc
	tlsConfig *tls.Config
}

// WithHandler sets the frame handler. The default prints status texts to
// stdout.
func WithHandler(h FrameHandler) Option {
	return func(o *options) { o.handler = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d DialFunc) Option {
	return func(o *options) { o.dial = d }
}

// WithTLSConfig sets the TLS client config used for https endpoints.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) { o.tlsConfig = cfg }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = metrics.NewNop()
	}
	if o.dial == nil {
		o.dial = (&net.Dialer{}).DialContext
	}
	if o.handler == nil {
		o.handler = PrintHandler(os.Stdout)
	}
	return o
}

// Status is a point-in-time view of one runner and its connection.
type Status struct {
	ID            string  `json:"id"`
	State         string  `json:"state"`
	Mode          Mode    `json:"mode"`
	Subscriptions int     `json:"subscriptions"`
	Group         []int64 `json:"group,omitempty"`
	Running       bool    `json:"running"`
	Initialized   bool    `json:"initialized"`
	ErrorCount    int     `json:"error_count"`
	RetryLimit    int     `json:"retry_limit"`
	RetryDelay    float64 `json:"retry_delay_seconds"`
	Alive         bool    `json:"alive"`
	Healthy       bool    `json:"healthy"`
	LastError     string  `json:"last_error,omitempty"`
}

// Stats summarizes the supervisor's runner set.
type Stats struct {
	Runners       int  `json:"runners"`
	Healthy       int  `json:"healthy"`
	Unhealthy     int  `json:"unhealthy"`
	Nonfull       int  `json:"nonfull"`
	Alive         int  `json:"alive"`
	Subscriptions int  `json:"subscriptions"`
	Running       bool `json:"running"`
}
