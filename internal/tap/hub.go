package tap

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"

	"github.com/rickgao/sitestream/internal/model"
)

// ErrClosed is returned by HandleMessage after Close.
var ErrClosed = errors.New("tap closed")

// Config holds tap settings.
type Config struct {
	RateLimit    float64       // Messages per second per client. Default: 50
	Burst        int           // Default: 100
	SendBuffer   int           // Per-client queue. Default: 256
	PingInterval time.Duration // Default: 30s
	WriteTimeout time.Duration // Default: 10s
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		RateLimit:    50,
		Burst:        100,
		SendBuffer:   256,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// Event is the JSON document sent to tap clients.
type Event struct {
	ForUser    string          `json:"for_user,omitempty"`
	Kind       string          `json:"kind"`
	StatusID   int64           `json:"status_id,omitempty"`
	ReceivedAt int64           `json:"received_at"`
	Message    json.RawMessage `json:"message,omitempty"`
}

// Stats contains runtime statistics.
type Stats struct {
	Clients int   `json:"clients"`
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
}

// Hub fans messages out to websocket clients.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	clients *xsync.Map[string, *client]
	closed  atomic.Bool

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewHub creates a Hub.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "tap"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: xsync.NewMap[string, *client](),
	}
}

// Name implements router.Sink.
func (h *Hub) Name() string { return "tap" }

// HandleMessage offers msg to every matching client. It never blocks.
func (h *Hub) HandleMessage(_ context.Context, msg model.Message) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if h.clients.Size() == 0 {
		return nil
	}

	payload, err := json.Marshal(Event{
		ForUser:    msg.ForUser,
		Kind:       msg.Kind,
		StatusID:   msg.StatusID,
		ReceivedAt: msg.ReceivedAt,
		Message:    msg.Raw,
	})
	if err != nil {
		return err
	}

	h.clients.Range(func(_ string, c *client) bool {
		if !c.matches(msg) {
			return true
		}
		if c.offer(payload) {
			h.sent.Add(1)
		} else {
			h.dropped.Add(1)
		}
		return true
	})
	return nil
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.closed.Load() {
		http.Error(w, "tap closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn, h.cfg, r)
	h.clients.Store(c.id, c)
	h.logger.Info("tap client connected", "client_id", c.id, "remote", r.RemoteAddr, "clients", h.clients.Size())

	go c.writePump(h.cfg)
	c.readPump()

	h.clients.Delete(c.id)
	c.close()
	h.logger.Info("tap client disconnected", "client_id", c.id, "dropped", c.dropped.Load())
}

// Close disconnects every client and rejects further messages.
func (h *Hub) Close() {
	if h.closed.Swap(true) {
		return
	}
	h.clients.Range(func(id string, c *client) bool {
		c.close()
		h.clients.Delete(id)
		return true
	})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int { return h.clients.Size() }

// Stats returns current statistics.
func (h *Hub) Stats() Stats {
	return Stats{
		Clients: h.clients.Size(),
		Sent:    h.sent.Load(),
		Dropped: h.dropped.Load(),
	}
}

type client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	kinds   map[string]struct{}
	forUser map[string]struct{}

	dropped   atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, cfg Config, r *http.Request) *client {
	q := r.URL.Query()
	return &client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, cfg.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		kinds:   parseFilter(q.Get("kind")),
		forUser: parseFilter(q.Get("for_user")),
		done:    make(chan struct{}),
	}
}

// parseFilter splits a comma-separated query value. Empty means match all.
func parseFilter(v string) map[string]struct{} {
	var set map[string]struct{}
	for _, f := range strings.Split(v, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if set == nil {
			set = make(map[string]struct{})
		}
		set[f] = struct{}{}
	}
	return set
}

func (c *client) matches(msg model.Message) bool {
	if c.kinds != nil {
		if _, ok := c.kinds[msg.Kind]; !ok {
			return false
		}
	}
	if c.forUser != nil {
		if _, ok := c.forUser[msg.ForUser]; !ok {
			return false
		}
	}
	return true
}

// offer queues payload unless the client is over its rate or its queue is
// full.
func (c *client) offer(payload []byte) bool {
	if !c.limiter.Allow() {
		c.dropped.Add(1)
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// readPump discards client input and returns when the connection fails.
func (c *client) readPump() {
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump(cfg Config) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
