package connection

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/sitestream/internal/metrics"
)

// Supervisor partitions a subscription list across Runners and keeps them
// alive. Run drives a control loop that restarts unhealthy runners and
// consolidates underfull ones.
type Supervisor struct {
	cfg     SupervisorConfig
	mode    Mode
	signer  Signer
	opts    []Option
	logger  *slog.Logger
	metrics metrics.Collector

	// mu guards the runner set and run state.
	mu      sync.Mutex
	runners []*Runner
	running bool
	ctx     context.Context

	disconnect    atomic.Bool
	stop          chan struct{}
	stopOnce      sync.Once
	consolidating atomic.Bool
	// inflight counts Consolidate calls past their first locked section.
	// Add happens under mu while not disconnected, so drain can Wait safely.
	inflight sync.WaitGroup
}

// NewSupervisor sorts and de-duplicates ids, partitions them into groups of
// at most GroupLimit and creates one runner per group. Runners start with
// Run.
func NewSupervisor(ids []int64, mode Mode, signer Signer, cfg SupervisorConfig, opts ...Option) (*Supervisor, error) {
	cfg = cfg.withDefaults()

	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if signer == nil {
		return nil, ErrSignerRequired
	}

	o := buildOptions(opts)
	s := &Supervisor{
		cfg:     cfg,
		mode:    mode,
		signer:  signer,
		opts:    opts,
		logger:  o.logger.With("component", "supervisor"),
		metrics: o.metrics,
		stop:    make(chan struct{}),
	}

	runners, err := s.newRunners(Partition(normalizeGroup(ids), cfg.Connection.GroupLimit))
	if err != nil {
		return nil, err
	}
	s.runners = runners
	return s, nil
}

func (s *Supervisor) newRunners(groups [][]int64) ([]*Runner, error) {
	runners := make([]*Runner, 0, len(groups))
	for _, g := range groups {
		conn, err := NewConnection(g, s.mode, s.signer, s.cfg.Connection, s.opts...)
		if err != nil {
			return nil, err
		}
		runners = append(runners, NewRunner(conn))
	}
	return runners, nil
}

// Run starts every runner not yet started and supervises them until
// Disconnect is called or ctx is done. It drains all runners before
// returning.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.ctx = ctx

	var pending []*Runner
	if !s.stopping(ctx) {
		for _, r := range s.runners {
			if !r.Started() {
				pending = append(pending, r)
			}
		}
	}
	s.mu.Unlock()

	for _, r := range pending {
		if err := r.Start(ctx); err != nil {
			s.logger.Warn("failed to start stream", "conn_id", r.ID(), "error", err)
		}
	}
	s.logger.Info("supervisor started",
		"runners", len(pending),
		"monitor_interval", s.cfg.MonitorInterval,
	)

	for !s.stopping(ctx) {
		s.monitor(ctx)
		s.sleep(ctx, s.cfg.MonitorInterval)
	}

	s.drain()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("supervisor stopped")
	return nil
}

// monitor is one pass of the control loop.
func (s *Supervisor) monitor(ctx context.Context) {
	if !s.cfg.DisableRestart {
		s.RestartUnhealthy(ctx)
	}

	if n := len(s.NonfullRunners()); n > s.cfg.NonfullStreamLimit {
		s.logger.Info("too many nonfull streams", "nonfull", n, "limit", s.cfg.NonfullStreamLimit)
		if err := s.Consolidate(ctx); err != nil && !errors.Is(err, ErrConsolidating) {
			s.logger.Warn("consolidation failed", "error", err)
		}
	}

	s.recordGauges()
}

// RestartUnhealthy closes, joins and restarts every unhealthy runner still in
// the set. It returns the number restarted.
func (s *Supervisor) RestartUnhealthy(ctx context.Context) int {
	restarted := 0
	for _, r := range s.UnhealthyRunners() {
		if s.stopping(ctx) {
			break
		}

		status := r.Status()
		r.Close()
		joinCtx, cancel := context.WithTimeout(ctx, s.cfg.RestartJoinTimeout)
		err := r.Wait(joinCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Debug("unhealthy stream still exiting, retrying next pass", "conn_id", r.ID())
			continue
		}

		s.mu.Lock()
		if s.stopping(ctx) {
			s.mu.Unlock()
			break
		}
		member := slices.Contains(s.runners, r)
		if member {
			err = r.Restart(ctx)
		}
		s.mu.Unlock()

		if !member {
			continue
		}
		if err != nil {
			s.logger.Warn("failed to restart stream", "conn_id", r.ID(), "error", err)
			continue
		}

		restarted++
		s.metrics.RecordRestart()
		s.logger.Info("restarted unhealthy stream",
			"conn_id", r.ID(),
			"error_count", status.ErrorCount,
			"last_error", status.LastError,
		)
	}
	return restarted
}

// AddSubscriptions adds ids not already managed as new runners. With start
// set the new runners begin streaming immediately if the supervisor is
// running; otherwise they start with Run. It returns the number of IDs added.
func (s *Supervisor) AddSubscriptions(ids []int64, start bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disconnect.Load() {
		return 0, ErrStopped
	}

	known := make(map[int64]struct{})
	for _, r := range s.runners {
		for _, id := range r.conn.group {
			known[id] = struct{}{}
		}
	}

	var fresh []int64
	for _, id := range normalizeGroup(ids) {
		if _, ok := known[id]; !ok {
			fresh = append(fresh, id)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	runners, err := s.newRunners(Partition(fresh, s.cfg.Connection.GroupLimit))
	if err != nil {
		return 0, err
	}
	if start && s.running {
		for _, r := range runners {
			if err := r.Start(s.ctx); err != nil {
				s.logger.Warn("failed to start stream", "conn_id", r.ID(), "error", err)
			}
		}
	}
	s.runners = append(s.runners, runners...)

	s.logger.Info("subscriptions added", "count", len(fresh), "runners", len(runners))
	return len(fresh), nil
}

// Consolidate merges the subscriptions of nonfull runners into as few runners
// as possible. If that does not reduce the runner count it does nothing.
// Otherwise the new runners stream alongside the old ones for
// ConsolidateGrace before the old ones are closed; frames may be duplicated
// during that overlap.
func (s *Supervisor) Consolidate(ctx context.Context) error {
	if !s.consolidating.CompareAndSwap(false, true) {
		return ErrConsolidating
	}
	defer s.consolidating.Store(false)

	s.mu.Lock()
	if s.disconnect.Load() {
		s.mu.Unlock()
		return ErrStopped
	}
	s.inflight.Add(1)
	defer s.inflight.Done()

	old := s.nonfullLocked()
	var ids []int64
	for _, r := range old {
		ids = append(ids, r.conn.group...)
	}
	groups := Partition(ids, s.cfg.Connection.GroupLimit)
	if len(groups) >= len(old) {
		s.mu.Unlock()
		s.logger.Debug("consolidation would not reduce streams", "nonfull", len(old))
		return nil
	}

	fresh, err := s.newRunners(groups)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	running, runCtx := s.running, s.ctx
	s.mu.Unlock()

	if running {
		for _, r := range fresh {
			if err := r.Start(runCtx); err != nil {
				s.logger.Warn("failed to start stream", "conn_id", r.ID(), "error", err)
			}
		}
	}

	s.logger.Info("consolidating streams",
		"from", len(old),
		"to", len(fresh),
		"subscriptions", len(ids),
		"grace", s.cfg.ConsolidateGrace,
	)

	if !s.sleep(ctx, s.cfg.ConsolidateGrace) {
		closeAll(fresh)
		if s.disconnect.Load() {
			return ErrStopped
		}
		return ctx.Err()
	}

	s.mu.Lock()
	if s.disconnect.Load() {
		s.mu.Unlock()
		closeAll(fresh)
		return ErrStopped
	}
	retired := make(map[*Runner]struct{}, len(old))
	for _, r := range old {
		retired[r] = struct{}{}
	}
	kept := make([]*Runner, 0, len(s.runners))
	for _, r := range s.runners {
		if _, ok := retired[r]; !ok {
			kept = append(kept, r)
		}
	}
	s.runners = append(kept, fresh...)
	s.mu.Unlock()

	for _, r := range old {
		r.Close()
	}

	s.metrics.RecordConsolidation(len(old), len(fresh))
	s.logger.Info("consolidation complete", "closed", len(old), "opened", len(fresh))
	return nil
}

// Disconnect asks Run to drain and return. It does not block.
func (s *Supervisor) Disconnect() {
	s.disconnect.Store(true)
	s.stopOnce.Do(func() { close(s.stop) })
}

// drain stops the supervisor for good: it waits for any consolidation in
// progress, then closes every runner and waits for all of them to exit.
func (s *Supervisor) drain() {
	// Consolidate registers in inflight under mu only while not
	// disconnected, so after this store no new registration can happen.
	s.mu.Lock()
	s.disconnect.Store(true)
	s.mu.Unlock()
	s.Disconnect()
	s.inflight.Wait()

	s.mu.Lock()
	runners := s.runners
	s.runners = nil
	s.mu.Unlock()

	closeAll(runners)
	s.logger.Info("drained streams", "runners", len(runners))
}

// closeAll closes runners concurrently and waits for them to exit.
func closeAll(runners []*Runner) {
	var g errgroup.Group
	for _, r := range runners {
		g.Go(func() error {
			r.Close()
			return r.Wait(context.Background())
		})
	}
	_ = g.Wait()
}

// sleep waits for d. It returns false if interrupted by Disconnect or ctx.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.stop:
		return false
	}
}

func (s *Supervisor) stopping(ctx context.Context) bool {
	return s.disconnect.Load() || ctx.Err() != nil
}

// Runners returns a snapshot of the runner set in insertion order.
func (s *Supervisor) Runners() []*Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.runners)
}

// NonfullRunners returns runners with fewer than NonfullThreshold
// subscriptions.
func (s *Supervisor) NonfullRunners() []*Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonfullLocked()
}

func (s *Supervisor) nonfullLocked() []*Runner {
	var out []*Runner
	for _, r := range s.runners {
		if r.Size() < s.cfg.NonfullThreshold {
			out = append(out, r)
		}
	}
	return out
}

// HealthyRunners returns runners reporting Healthy.
func (s *Supervisor) HealthyRunners() []*Runner {
	return filterRunners(s.Runners(), (*Runner).Healthy)
}

// UnhealthyRunners returns runners not reporting Healthy.
func (s *Supervisor) UnhealthyRunners() []*Runner {
	return filterRunners(s.Runners(), func(r *Runner) bool { return !r.Healthy() })
}

func filterRunners(runners []*Runner, keep func(*Runner) bool) []*Runner {
	var out []*Runner
	for _, r := range runners {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// Subscriptions returns every managed subscription ID in runner order.
func (s *Supervisor) Subscriptions() []int64 {
	var ids []int64
	for _, r := range s.Runners() {
		ids = append(ids, r.conn.group...)
	}
	return ids
}

// Statuses returns a status snapshot for every runner.
func (s *Supervisor) Statuses() []Status {
	runners := s.Runners()
	out := make([]Status, len(runners))
	for i, r := range runners {
		out[i] = r.Status()
	}
	return out
}

// Stats summarizes the runner set.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	runners := slices.Clone(s.runners)
	running := s.running
	s.mu.Unlock()

	st := Stats{Runners: len(runners), Running: running}
	for _, r := range runners {
		st.Subscriptions += r.Size()
		if r.Healthy() {
			st.Healthy++
		} else {
			st.Unhealthy++
		}
		if r.Size() < s.cfg.NonfullThreshold {
			st.Nonfull++
		}
		if r.Alive() {
			st.Alive++
		}
	}
	return st
}

func (s *Supervisor) recordGauges() {
	st := s.Stats()
	s.metrics.SetRunners(st.Runners, st.Healthy, st.Nonfull)
	s.metrics.SetSubscriptions(st.Subscriptions)
}
