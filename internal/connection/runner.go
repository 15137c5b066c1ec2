package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Runner drives one Connection on its own goroutine.
type Runner struct {
	conn   *Connection
	logger *slog.Logger

	mu      sync.Mutex
	done    chan struct{} // closed when the current goroutine exits
	started bool
	err     error
}

// NewRunner wraps conn. The runner owns conn from here on.
func NewRunner(conn *Connection) *Runner {
	return &Runner{
		conn:   conn,
		logger: conn.logger,
	}
}

// Start runs the reconnect loop on a new goroutine. It returns
// ErrRunnerActive if the previous goroutine has not exited.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.aliveLocked() {
		return ErrRunnerActive
	}

	done := make(chan struct{})
	r.done = done
	r.started = true
	r.err = nil

	go r.run(ctx, done)
	return nil
}

// run is the reconnect loop: one Listen cycle per iteration until the
// connection is terminal or ctx is done.
func (r *Runner) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if p := recover(); p != nil {
			r.setErr(fmt.Errorf("stream panic: %v", p))
			r.logger.Error("stream panicked", "panic", p)
		}
	}()

	for {
		if err := r.conn.Listen(ctx); err != nil {
			r.setErr(err)
			r.logger.Error("stream crashed", "error", err)
			return
		}
		if r.conn.Terminal() || ctx.Err() != nil {
			return
		}
	}
}

// Restart re-arms a stopped runner: it clears the disconnect request, resets
// throttles and starts again.
func (r *Runner) Restart(ctx context.Context) error {
	if r.Alive() {
		return ErrRunnerActive
	}
	r.conn.clearDisconnect()
	r.conn.ResetThrottles()
	return r.Start(ctx)
}

// Close requests a disconnect. It does not wait for the goroutine; use Wait.
func (r *Runner) Close() {
	r.conn.Disconnect()
}

// Wait blocks until the goroutine exits or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Alive reports whether the goroutine is running.
func (r *Runner) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aliveLocked()
}

func (r *Runner) aliveLocked() bool {
	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Started reports whether Start was ever called.
func (r *Runner) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Healthy reports false once the connection has exhausted its retries or the
// goroutine has exited on an unexpected error. A connection that never
// attempted to connect, is streaming, or is still reconnecting within its
// retry budget is healthy.
func (r *Runner) Healthy() bool {
	if !r.conn.Initialized() {
		return true
	}
	if !r.conn.RetryOK() {
		return false
	}
	if r.conn.Running() {
		return true
	}
	return r.Alive()
}

// Err returns the error that ended the last run, if any.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Runner) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Connection returns the wrapped connection.
func (r *Runner) Connection() *Connection { return r.conn }

// ID returns the connection ID.
func (r *Runner) ID() string { return r.conn.id }

// Size returns the number of subscription IDs.
func (r *Runner) Size() int { return r.conn.Size() }

// Status returns a snapshot of the runner and its connection.
func (r *Runner) Status() Status {
	st := r.conn.Status()
	st.Alive = r.Alive()
	st.Healthy = r.Healthy()
	if err := r.Err(); err != nil {
		st.LastError = err.Error()
	}
	return st
}
