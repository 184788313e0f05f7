// Package supervisor keeps background workers alive. Each worker runs in
// its own goroutine and is watched by a monitor loop that restarts it with
// exponential backoff after a crash, panic or missed heartbeat, and gives
// up after a bounded number of consecutive attempts.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultStopGrace = 10 * time.Second

// Metrics receives restart activity.
type Metrics interface {
	RecordWorkerRestart(ctx context.Context, process string)
	RecordWorkerFailed(ctx context.Context, process string)
}

type nopMetrics struct{}

func (nopMetrics) RecordWorkerRestart(context.Context, string) {}
func (nopMetrics) RecordWorkerFailed(context.Context, string)  {}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock replaces the real clock, mainly for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Supervisor) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStopGrace sets how long StopAll waits for each worker to exit.
func WithStopGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.stopGrace = d
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(s *Supervisor) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Supervisor owns a set of named processes.
type Supervisor struct {
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   Metrics
	stopGrace time.Duration

	mu        sync.Mutex
	processes []*process
	names     map[string]struct{}
	started   bool
}

// New creates an empty supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		clock:     clockwork.NewRealClock(),
		logger:    zap.NewNop(),
		metrics:   nopMetrics{},
		stopGrace: defaultStopGrace,
		names:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("supervisor")
	return s
}

// AddProcess registers a worker to supervise. It must be called before StartAll.
func (s *Supervisor) AddProcess(name string, factory WorkerFactory, cfg ProcessConfig) error {
	if factory == nil {
		return fmt.Errorf("process %s: nil worker factory", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	if _, dup := s.names[name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateProcess, name)
	}
	s.names[name] = struct{}{}
	s.processes = append(s.processes, newProcess(name, factory, cfg, s))

	s.logger.Debug("Registered process", zap.String("process", name))
	return nil
}

// StartAll launches every registered process and its monitor. Workers run
// until ctx is cancelled or StopAll is called. A worker that cannot be
// created at start is left to the monitor to retry.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	procs := append([]*process(nil), s.processes...)
	s.mu.Unlock()

	for _, p := range procs {
		p.start(ctx)
	}

	s.logger.Info("Supervisor started", zap.Int("processes", len(procs)))
	return nil
}

// StopAll stops monitoring and cancels every worker in parallel, waiting up
// to the stop grace for each. Workers that ignore cancellation are abandoned.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	procs := append([]*process(nil), s.processes...)
	s.mu.Unlock()

	var g errgroup.Group
	for _, p := range procs {
		g.Go(func() error {
			p.stop(ctx, s.stopGrace)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.logger.Info("Supervisor stopped", zap.Int("processes", len(procs)))
	return nil
}

// Statuses returns the health view of every process in registration order.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	procs := append([]*process(nil), s.processes...)
	s.mu.Unlock()

	out := make([]Status, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.status())
	}
	return out
}

// Status returns the health view of one process.
func (s *Supervisor) Status(name string) (Status, bool) {
	for _, st := range s.Statuses() {
		if st.Name == name {
			return st, true
		}
	}
	return Status{}, false
}
