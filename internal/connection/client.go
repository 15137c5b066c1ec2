package connection

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/sitestream/internal/frame"
	"github.com/rickgao/sitestream/internal/metrics"
	"github.com/rickgao/sitestream/internal/version"
)

// maxBackoff saturates squared delays before they overflow time.Duration.
const maxBackoff = time.Duration(1 << 62)

// Session is an open streaming response.
type Session struct {
	conn net.Conn
	resp *http.Response
	body *bufio.Reader
}

// StatusCode returns the response status code.
func (s *Session) StatusCode() int { return s.resp.StatusCode }

// Connection is one authenticated streaming session for a group of
// subscription IDs.
//
// Buffer and throttle fields are driven by the goroutine running Listen.
// Disconnect and the accessors are safe from any goroutine.
type Connection struct {
	id       string
	cfg      Config
	endpoint *url.URL
	group    []int64
	follow   string
	mode     Mode
	signer   Signer
	handler  FrameHandler
	logger   *slog.Logger
	metrics  metrics.Collector
	dial     DialFunc
	tlsCfg   *tls.Config

	// wait blocks for d or until ctx is done or wake is closed.
	wait func(ctx context.Context, d time.Duration, wake <-chan struct{})

	disconnect atomic.Bool

	mu          sync.Mutex
	state       State
	initialized bool
	running     bool
	errorCount  int
	retryLimit  int
	retryDelay  time.Duration
	ioTimeout   time.Duration
	buffer      frame.Buffer
	transport   net.Conn
	session     *Session
	wake        chan struct{} // closed on Disconnect
}

// NewConnection validates its arguments and returns an unstarted connection
// for ids.
func NewConnection(ids []int64, mode Mode, signer Signer, cfg Config, opts ...Option) (*Connection, error) {
	cfg = cfg.withDefaults()

	if !mode.Valid() {
		return nil, fmt.Errorf("%w: '%s' is an invalid value for mode", ErrInvalidMode, mode)
	}
	if signer == nil {
		return nil, ErrSignerRequired
	}

	if len(ids) > cfg.GroupLimit {
		return nil, fmt.Errorf("%w: %d subscriptions, limit is %d", ErrGroupLimitExceeded, len(ids), cfg.GroupLimit)
	}
	group := normalizeGroup(ids)

	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (endpoint.Scheme != "http" && endpoint.Scheme != "https") || endpoint.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, cfg.URL)
	}

	o := buildOptions(opts)
	id := uuid.NewString()

	c := &Connection{
		id:       id,
		cfg:      cfg,
		endpoint: endpoint,
		group:    group,
		follow:   joinIDs(group),
		mode:     mode,
		signer:   signer,
		handler:  o.handler,
		logger:   o.logger.With("conn_id", id),
		metrics:  o.metrics,
		dial:     o.dial,
		tlsCfg:   o.tlsConfig,
		wait:     sleepCtx,
		wake:     make(chan struct{}),
	}
	c.ResetThrottles()
	return c, nil
}

// Connect opens the stream, retrying bad statuses and timeouts with backoff
// while the retry budget lasts. It returns (nil, nil) when retries are
// exhausted or a disconnect was requested. Any other transport error is
// counted, the transport is closed and the error returned.
func (c *Connection) Connect(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	for !c.Running() && c.RetryOK() && !c.stopping(ctx) {
		c.setState(StateConnecting)

		sess, err := c.attempt(ctx)
		if err == nil {
			c.mu.Lock()
			c.running = true
			c.state = StateRunning
			c.session = sess
			c.resetThrottlesLocked()
			c.mu.Unlock()

			c.metrics.RecordConnectAttempt(metrics.ResultSuccess)
			c.logger.Info("stream connected", "subscriptions", len(c.group), "mode", c.mode)
			return sess, nil
		}

		if c.stopping(ctx) {
			c.closeTransport()
			break
		}

		var statusErr *StatusError
		switch {
		case errors.As(err, &statusErr):
			c.metrics.RecordConnectAttempt(metrics.ResultBadStatus)
			c.logger.Warn("stream rejected connection",
				"status", statusErr.Code,
				"error_count", c.ErrorCount()+1,
			)
		case isTimeout(err):
			c.metrics.RecordConnectAttempt(metrics.ResultTimeout)
			c.logger.Warn("stream connect timed out",
				"error", err,
				"error_count", c.ErrorCount()+1,
			)
		default:
			c.metrics.RecordConnectAttempt(metrics.ResultError)
			c.Sleep(ctx, WithDelay(0))
			return nil, fmt.Errorf("connect stream: %w", err)
		}

		c.Sleep(ctx)
	}

	if !c.RetryOK() {
		c.logger.Error("stream failed to connect, retries exhausted",
			"error_count", c.ErrorCount(),
			"subscriptions", len(c.group),
		)
	}
	return nil, nil
}

// Listen runs one connect and read cycle. It connects if needed, then feeds
// the body byte by byte through the frame buffer until disconnect or the
// session ends. A timeout or end of stream backs off and returns nil so the
// caller can reconnect.
func (c *Connection) Listen(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	running := c.running
	c.mu.Unlock()

	if sess == nil || !running {
		var err error
		sess, err = c.Connect(ctx)
		if err != nil {
			return err
		}
		if sess == nil {
			return nil
		}
	}

	return c.read(ctx, sess)
}

func (c *Connection) read(ctx context.Context, sess *Session) error {
	stop := context.AfterFunc(ctx, func() { sess.conn.Close() })
	defer stop()

	timeout := c.IOTimeout()
	for !c.stopping(ctx) {
		if sess.body.Buffered() == 0 {
			sess.conn.SetReadDeadline(time.Now().Add(timeout))
		}

		b, err := sess.body.ReadByte()
		if err != nil {
			if c.stopping(ctx) {
				break
			}
			switch {
			case isTimeout(err):
				c.logger.Warn("stream read timed out", "timeout", timeout)
				c.Sleep(ctx)
				return nil
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				c.logger.Warn("stream closed by server")
				c.Sleep(ctx)
				return nil
			default:
				c.Sleep(ctx, WithDelay(0))
				return fmt.Errorf("read stream: %w", err)
			}
		}

		c.Receive(string([]byte{b}))
	}

	c.Sleep(ctx, WithDelay(0), WithoutErrorCount())
	return nil
}

// Receive appends chunk to the frame buffer and hands a completed frame to
// the handler.
func (c *Connection) Receive(chunk string) {
	c.mu.Lock()
	f, ok := c.buffer.Append(chunk)
	c.mu.Unlock()

	if ok {
		c.deliver(f)
	}
}

func (c *Connection) deliver(f string) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.RecordHandlerPanic()
			c.logger.Error("frame handler panicked", "panic", r)
		}
	}()

	c.metrics.RecordFrame(len(f))
	c.handler.HandleFrame(f)
}

// SleepOption adjusts a Sleep call.
type SleepOption func(*sleepConfig)

type sleepConfig struct {
	delay          time.Duration
	explicit       bool
	countError     bool
	closeTransport bool
}

// WithDelay sleeps exactly d and leaves the retry delay unchanged.
func WithDelay(d time.Duration) SleepOption {
	return func(s *sleepConfig) {
		s.delay = d
		s.explicit = true
	}
}

// WithoutErrorCount does not count the sleep as a failure.
func WithoutErrorCount() SleepOption {
	return func(s *sleepConfig) { s.countError = false }
}

// KeepTransport leaves an open transport in place.
func KeepTransport() SleepOption {
	return func(s *sleepConfig) { s.closeTransport = false }
}

// Sleep marks the connection not running, counts a failure and closes the
// transport, then waits. Without WithDelay it waits for the current retry
// delay and advances the delay by the backoff policy. The wait ends early on
// disconnect or context cancellation.
func (c *Connection) Sleep(ctx context.Context, opts ...SleepOption) {
	sc := sleepConfig{countError: true, closeTransport: true}
	for _, opt := range opts {
		opt(&sc)
	}

	c.mu.Lock()
	c.running = false
	if sc.countError {
		c.errorCount++
	}
	var transport net.Conn
	if sc.closeTransport {
		transport = c.transport
		c.transport = nil
		c.session = nil
	}
	delay := sc.delay
	if !sc.explicit {
		delay = c.retryDelay
		c.retryDelay = nextDelay(c.cfg, c.retryDelay)
	}
	c.state = c.idleStateLocked()
	wake := c.wake
	errorCount := c.errorCount
	c.mu.Unlock()

	if transport != nil {
		transport.Close()
	}

	if !sc.explicit {
		c.metrics.RecordBackoff(delay)
		c.logger.Info("backing off", "delay", delay, "error_count", errorCount)
	}
	if delay > 0 {
		c.wait(ctx, delay, wake)
	}
}

// ResetThrottles restores the retry limit, retry delay, error count and I/O
// timeout, and clears the frame buffer.
func (c *Connection) ResetThrottles() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetThrottlesLocked()
}

func (c *Connection) resetThrottlesLocked() {
	c.retryLimit = c.cfg.RetryLimit
	c.retryDelay = c.cfg.RetryDelay
	c.errorCount = 0
	c.ioTimeout = c.cfg.IOTimeout
	c.buffer.Reset()
}

// Disconnect asks the connection to stop. It closes the transport so a
// blocked dial or read returns promptly and wakes any backoff sleep.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if !c.disconnect.Load() {
		c.disconnect.Store(true)
		close(c.wake)
	}
	c.mu.Unlock()

	c.Sleep(context.Background(), WithDelay(0), WithoutErrorCount())
	c.logger.Debug("disconnect requested")
}

// clearDisconnect re-arms a disconnected connection for restart.
func (c *Connection) clearDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnect.Load() {
		c.disconnect.Store(false)
		c.wake = make(chan struct{})
	}
}

// ID returns the connection's unique ID.
func (c *Connection) ID() string { return c.id }

// Mode returns the stream mode.
func (c *Connection) Mode() Mode { return c.mode }

// Group returns a copy of the subscription IDs, sorted.
func (c *Connection) Group() []int64 { return slices.Clone(c.group) }

// Size returns the number of subscription IDs.
func (c *Connection) Size() int { return len(c.group) }

// State returns the lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Running reports whether a session is open.
func (c *Connection) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Initialized reports whether a connect was ever attempted.
func (c *Connection) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// ErrorCount returns the number of counted failures since the last reset.
func (c *Connection) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorCount
}

// RetryDelay returns the delay the next backoff will use.
func (c *Connection) RetryDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryDelay
}

// IOTimeout returns the current I/O timeout.
func (c *Connection) IOTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ioTimeout
}

// RetryOK reports whether the retry budget is not yet exhausted.
func (c *Connection) RetryOK() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorCount < c.retryLimit
}

// DisconnectRequested reports whether Disconnect was called.
func (c *Connection) DisconnectRequested() bool {
	return c.disconnect.Load()
}

// Terminal reports whether the reconnect loop should stop.
func (c *Connection) Terminal() bool {
	return c.disconnect.Load() || !c.RetryOK()
}

// Status returns a snapshot for diagnostics.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		ID:            c.id,
		State:         c.state.String(),
		Mode:          c.mode,
		Subscriptions: len(c.group),
		Group:         slices.Clone(c.group),
		Running:       c.running,
		Initialized:   c.initialized,
		ErrorCount:    c.errorCount,
		RetryLimit:    c.retryLimit,
		RetryDelay:    c.retryDelay.Seconds(),
	}
}

// attempt performs one dial, request and status read.
func (c *Connection) attempt(ctx context.Context) (*Session, error) {
	req, err := c.newRequest(ctx)
	if err != nil {
		return nil, err
	}

	timeout := c.IOTimeout()
	addr := hostPort(req.URL)

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := c.dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c.setTransport(conn)

	if req.URL.Scheme == "https" {
		tlsCfg := c.tlsCfg.Clone()
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName = req.URL.Hostname()
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		conn = tlsConn
		c.setTransport(conn)
	}

	conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	br := bufio.NewReader(conn)
	if err := c.awaitResponse(ctx, conn, br, timeout); err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	return &Session{conn: conn, resp: resp, body: bufio.NewReader(resp.Body)}, nil
}

// awaitResponse polls for the first response byte in PollInterval slices. An
// empty slice means the response is not ready yet and is not a failure.
func (c *Connection) awaitResponse(ctx context.Context, conn net.Conn, br *bufio.Reader, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if c.stopping(ctx) {
			return context.Canceled
		}

		slice := min(c.cfg.PollInterval, time.Until(deadline))
		if slice <= 0 {
			return os.ErrDeadlineExceeded
		}
		conn.SetReadDeadline(time.Now().Add(slice))

		_, err := br.Peek(1)
		if err == nil {
			return nil
		}
		if !isTimeout(err) {
			return fmt.Errorf("await response: %w", err)
		}
	}
}

func (c *Connection) newRequest(ctx context.Context) (*http.Request, error) {
	u := *c.endpoint
	q := u.Query()
	q.Set("follow", c.follow)
	q.Set("with", string(c.mode))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	if err := c.signer.Sign(req); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	return req, nil
}

func (c *Connection) setTransport(conn net.Conn) {
	c.mu.Lock()
	c.transport = conn
	c.mu.Unlock()

	// Disconnect may have run between dial and registration.
	if c.disconnect.Load() {
		conn.Close()
	}
}

func (c *Connection) closeTransport() {
	c.mu.Lock()
	transport := c.transport
	c.transport = nil
	c.session = nil
	c.mu.Unlock()
	if transport != nil {
		transport.Close()
	}
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// idleStateLocked is the state after the session stops.
func (c *Connection) idleStateLocked() State {
	switch {
	case c.disconnect.Load():
		return StateDisconnecting
	case c.errorCount >= c.retryLimit:
		return StateUnhealthy
	case !c.initialized:
		return StateUninitialized
	default:
		return StateConnecting
	}
}

func (c *Connection) stopping(ctx context.Context) bool {
	return c.disconnect.Load() || ctx.Err() != nil
}

// nextDelay advances d by the configured backoff policy.
func nextDelay(cfg Config, d time.Duration) time.Duration {
	if cfg.Backoff == BackoffExponential {
		next := d * 2
		if next <= 0 || next > cfg.MaxRetryDelay {
			next = cfg.MaxRetryDelay
		}
		return next
	}

	secs := d.Seconds()
	sq := secs * secs
	if sq >= maxBackoff.Seconds() || math.IsInf(sq, 0) {
		return maxBackoff
	}
	return time.Duration(sq * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration, wake <-chan struct{}) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-wake:
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
