package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/sitestream/internal/connection"
	"github.com/rickgao/sitestream/internal/metrics"
	"github.com/rickgao/sitestream/internal/model"
)

// ErrNotStarted is returned by Stop before Start.
var ErrNotStarted = errors.New("router not started")

// Router receives raw frames from the stream connections, drops duplicates,
// decodes them and fans each message out to every sink.
type Router struct {
	cfg     Config
	logger  *slog.Logger
	metrics metrics.Collector
	sinks   []Sink

	queue *Queue[inbound]
	dedup *Deduper
	now   func() time.Time

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	received     int64
	routed       int64
	duplicates   int64
	decodeErrors int64
	sinkErrors   int64
}

var _ connection.FrameHandler = (*Router)(nil)

// NewRouter creates a Router delivering to sinks.
func NewRouter(cfg Config, logger *slog.Logger, m metrics.Collector, sinks ...Sink) *Router {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewNop()
	}

	return &Router{
		cfg:     cfg,
		logger:  logger.With("component", "router"),
		metrics: m,
		sinks:   sinks,
		queue:   NewQueue[inbound](cfg.BufferSize, cfg.MaxBufferSize),
		dedup:   NewDeduper(cfg.DedupWindow),
		now:     time.Now,
	}
}

// HandleFrame queues a frame for routing. It never blocks; when the queue is
// at its maximum size the oldest frame is dropped.
func (r *Router) HandleFrame(frame string) {
	ok, evicted := r.queue.Send(inbound{frame: frame, receivedAt: r.now()})
	if !ok {
		return
	}
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	if evicted {
		r.metrics.RecordDropped()
	}
}

// Start begins routing queued frames.
func (r *Router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.routeLoop()

	names := make([]string, len(r.sinks))
	for i, s := range r.sinks {
		names[i] = s.Name()
	}
	r.logger.Info("message router started",
		"buffer", r.cfg.BufferSize,
		"max_buffer", r.cfg.MaxBufferSize,
		"dedup_window", r.cfg.DedupWindow,
		"sinks", names,
	)
	return nil
}

// Stop closes the queue and waits for queued frames to be routed, or for
// ctx to expire.
func (r *Router) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return ErrNotStarted
	}
	r.logger.Info("stopping message router", "queued", r.queue.Len())

	r.queue.Close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		r.logger.Info("message router stopped")
	case <-ctx.Done():
		err = ctx.Err()
		r.logger.Warn("message router stop timed out", "queued", r.queue.Len())
	}

	r.cancel()
	return err
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		FramesReceived: r.received,
		FramesRouted:   r.routed,
		Duplicates:     r.duplicates,
		DecodeErrors:   r.decodeErrors,
		SinkErrors:     r.sinkErrors,
		Queue:          r.queue.Stats(),
	}
}

func (r *Router) routeLoop() {
	defer r.wg.Done()

	for {
		in, ok := r.queue.Receive()
		if !ok {
			return
		}
		r.route(in)
	}
}

// route dedups, decodes and delivers a single frame.
func (r *Router) route(in inbound) {
	if r.dedup.Seen(in.frame) {
		r.count(&r.duplicates)
		r.metrics.RecordDuplicate()
		return
	}

	msg, err := model.Decode(in.frame)
	if err != nil {
		r.count(&r.decodeErrors)
		r.metrics.RecordDecodeError()
		r.logger.Warn("failed to decode frame", "error", err)
		return
	}
	msg.ReceivedAt = in.receivedAt.UnixMicro()

	for _, s := range r.sinks {
		if err := s.HandleMessage(r.ctx, msg); err != nil {
			r.count(&r.sinkErrors)
			r.metrics.RecordSinkError(s.Name())
			r.logger.Warn("sink failed", "sink", s.Name(), "kind", msg.Kind, "error", err)
		}
	}
	r.count(&r.routed)
}

func (r *Router) count(n *int64) {
	r.mu.Lock()
	*n++
	r.mu.Unlock()
}
