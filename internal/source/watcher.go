package source

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Subscriber accepts new subscription IDs. *connection.Supervisor implements
// it.
type Subscriber interface {
	AddSubscriptions(ids []int64, start bool) (int, error)
}

// Config holds watcher configuration.
type Config struct {
	Path     string
	Interval time.Duration // Reload period (default: 1m)
}

// Watcher re-reads the subscriptions file and adds IDs it has not seen.
type Watcher struct {
	cfg    Config
	pool   Subscriber
	logger *slog.Logger

	mu   sync.Mutex
	seen map[int64]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a Watcher. initial are IDs the pool already manages.
func NewWatcher(cfg Config, pool Subscriber, initial []int64, logger *slog.Logger) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	seen := make(map[int64]struct{}, len(initial))
	for _, id := range initial {
		seen[id] = struct{}{}
	}
	return &Watcher{
		cfg:    cfg,
		pool:   pool,
		logger: logger.With("component", "source", "path", cfg.Path),
		seen:   seen,
	}
}

// Start begins the reload loop.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.run(ctx)

	w.logger.Info("subscription watcher started", "interval", w.cfg.Interval)
}

// Stop ends the reload loop and waits for it.
func (w *Watcher) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("subscription watcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Reload(); err != nil {
				w.logger.Warn("subscription reload failed", "error", err)
			}
		}
	}
}

// Reload reads the file once and adds new IDs to the pool. It returns the
// number the pool accepted.
func (w *Watcher) Reload() (int, error) {
	ids, err := LoadFile(w.cfg.Path)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var fresh []int64
	for _, id := range ids {
		if _, ok := w.seen[id]; !ok {
			w.seen[id] = struct{}{}
			fresh = append(fresh, id)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	added, err := w.pool.AddSubscriptions(fresh, true)
	if err != nil {
		// Forget them so the next reload tries again.
		for _, id := range fresh {
			delete(w.seen, id)
		}
		return 0, err
	}

	w.logger.Info("subscriptions reloaded", "new", len(fresh), "added", added)
	return added, nil
}
