package supervisor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/erp/inventory-services/internal/infrastructure/logger"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// State is the lifecycle state of a supervised process.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateFailed     State = "failed"
)

// Worker is a long-running unit of background work. Run must return when
// ctx is cancelled. Returning for any other reason counts as a crash.
type Worker interface {
	Run(ctx context.Context) error
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context) error

// Run calls f(ctx).
func (f WorkerFunc) Run(ctx context.Context) error { return f(ctx) }

// WorkerFactory builds a fresh worker for every (re)start.
type WorkerFactory func() (Worker, error)

// ProcessConfig is the restart policy of one process.
type ProcessConfig struct {
	MaxRetries    int
	RetryDelay    time.Duration
	CheckInterval time.Duration
	// LivenessTimeout, when positive, treats a worker whose last Beat is
	// older than this as dead.
	LivenessTimeout time.Duration
}

// DefaultProcessConfig returns 3 retries, 5s base delay and 5s checks.
func DefaultProcessConfig() ProcessConfig {
	return ProcessConfig{
		MaxRetries:    3,
		RetryDelay:    5 * time.Second,
		CheckInterval: 5 * time.Second,
	}
}

func (c ProcessConfig) withDefaults() ProcessConfig {
	def := DefaultProcessConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = def.CheckInterval
	}
	return c
}

// Status is the health view of one process.
type Status struct {
	Name              string  `json:"name"`
	State             State   `json:"state"`
	Alive             bool    `json:"alive"`
	RetryCount        int     `json:"retry_count"`
	MaxRetries        int     `json:"max_retries"`
	RetryDelaySeconds float64 `json:"retry_delay_seconds"`
	Restarts          int     `json:"restarts"`
	LastError         string  `json:"last_error,omitempty"`
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	hb     *heartbeat
	err    error
}

func (r *run) exited() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

type process struct {
	name    string
	factory WorkerFactory
	config  ProcessConfig
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics Metrics

	mu          sync.Mutex
	state       State
	retryCount  int
	restarts    int
	lastErr     error
	current     *run
	backoff     *backoff.ExponentialBackOff
	stopMonitor context.CancelFunc
	monitorDone chan struct{}
}

func newProcess(name string, factory WorkerFactory, cfg ProcessConfig, s *Supervisor) *process {
	cfg = cfg.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.Reset()

	return &process{
		name:    name,
		factory: factory,
		config:  cfg,
		clock:   s.clock,
		logger:  s.logger.With(zap.String("process", name)),
		metrics: s.metrics,
		state:   StateStopped,
		backoff: b,
	}
}

// start launches the first run and the monitor loop.
func (p *process) start(ctx context.Context) {
	p.mu.Lock()
	p.state = StateStarting
	p.mu.Unlock()

	if err := p.launch(ctx); err != nil {
		p.logger.Error("Failed to start process, monitor will retry", zap.Error(err))
	} else {
		p.logger.Info("Started process")
	}

	monitorCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.stopMonitor = cancel
	p.monitorDone = make(chan struct{})
	p.mu.Unlock()

	go p.monitor(monitorCtx)
}

func (p *process) launch(ctx context.Context) error {
	worker, err := p.factory()
	if err != nil {
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		return fmt.Errorf("create worker %s: %w", p.name, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		cancel: cancel,
		done:   make(chan struct{}),
		hb:     newHeartbeat(p.clock),
	}
	runCtx = logger.WithWorker(withHeartbeat(runCtx, r.hb), p.name)

	go func() {
		defer close(r.done)
		defer func() {
			if rec := recover(); rec != nil {
				r.err = fmt.Errorf("%w: %v", ErrWorkerPanic, rec)
				p.logger.Error("Worker panicked", zap.Any("panic", rec), zap.Stack("stacktrace"))
			}
		}()
		r.err = worker.Run(runCtx)
	}()

	p.mu.Lock()
	p.current = r
	p.state = StateRunning
	p.mu.Unlock()
	return nil
}

// alive reports whether the current run is still making progress.
func (p *process) alive(r *run) bool {
	if r == nil || r.exited() {
		return false
	}
	if p.config.LivenessTimeout > 0 && r.hb.age() > p.config.LivenessTimeout {
		return false
	}
	return true
}

func (p *process) monitor(ctx context.Context) {
	defer close(p.monitorDone)

	for {
		if !sleep(ctx, p.clock, p.config.CheckInterval) {
			return
		}

		p.mu.Lock()
		r := p.current
		p.mu.Unlock()

		if p.alive(r) {
			p.mu.Lock()
			if p.retryCount > 0 {
				p.logger.Info("Process healthy again, resetting retry count",
					zap.Int("retry_count", p.retryCount))
			}
			p.retryCount = 0
			p.backoff.Reset()
			p.mu.Unlock()
			continue
		}

		if !p.restart(ctx, r) {
			return
		}
	}
}

// restart replaces a dead or hung run. It returns false when the process
// has given up or the monitor is stopping.
func (p *process) restart(ctx context.Context, r *run) bool {
	reason := p.deathReason(r)
	if r != nil {
		r.cancel()
	}

	p.mu.Lock()
	if r != nil && r.exited() && r.err != nil {
		p.lastErr = r.err
	}
	if p.retryCount >= p.config.MaxRetries {
		p.state = StateFailed
		p.mu.Unlock()

		p.logger.Error("Process exceeded max retries, giving up",
			zap.Int("max_retries", p.config.MaxRetries),
			zap.String("reason", reason))
		p.metrics.RecordWorkerFailed(context.WithoutCancel(ctx), p.name)
		return false
	}
	p.retryCount++
	attempt := p.retryCount
	delay := p.backoff.NextBackOff()
	p.state = StateRestarting
	p.mu.Unlock()

	p.logger.Warn("Process died, scheduling restart",
		zap.String("reason", reason),
		zap.Int("attempt", attempt),
		zap.Int("max_retries", p.config.MaxRetries),
		zap.Duration("delay", delay))

	if !sleep(ctx, p.clock, delay) {
		return false
	}

	if err := p.launch(ctx); err != nil {
		p.logger.Error("Failed to restart process", zap.Int("attempt", attempt), zap.Error(err))
		return true
	}

	p.mu.Lock()
	p.restarts++
	p.mu.Unlock()
	p.metrics.RecordWorkerRestart(ctx, p.name)
	p.logger.Info("Restarted process", zap.Int("attempt", attempt))
	return true
}

func (p *process) deathReason(r *run) string {
	switch {
	case r == nil:
		return "not started"
	case r.exited() && r.err != nil:
		return r.err.Error()
	case r.exited():
		return "exited"
	default:
		return "liveness timeout"
	}
}

// stop ends monitoring, cancels the current run and waits up to grace for
// it to exit. A run that does not exit in time is abandoned.
func (p *process) stop(ctx context.Context, grace time.Duration) {
	p.mu.Lock()
	stopMonitor, monitorDone := p.stopMonitor, p.monitorDone
	p.mu.Unlock()

	if stopMonitor != nil {
		stopMonitor()
		<-monitorDone
	}

	p.mu.Lock()
	r := p.current
	p.mu.Unlock()

	if r != nil && !r.exited() {
		r.cancel()
		timer := p.clock.NewTimer(grace)
		select {
		case <-r.done:
			p.logger.Info("Process stopped")
		case <-timer.Chan():
			p.logger.Warn("Process did not stop within grace period, force-killed",
				zap.Duration("grace", grace))
		case <-ctx.Done():
			p.logger.Warn("Stop deadline reached, force-killed process")
		}
		timer.Stop()
	}

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()
}

func (p *process) status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		Name:              p.name,
		State:             p.state,
		Alive:             p.alive(p.current),
		RetryCount:        p.retryCount,
		MaxRetries:        p.config.MaxRetries,
		RetryDelaySeconds: p.config.RetryDelay.Seconds(),
		Restarts:          p.restarts,
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}

func sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
