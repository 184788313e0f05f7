// Package scheduler runs recurring background jobs as supervised workers.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/erp/inventory-services/internal/infrastructure/logger"
	"github.com/erp/inventory-services/internal/infrastructure/supervisor"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const defaultHeartbeatInterval = 5 * time.Second

// Task is one execution of a periodic job.
type Task func(ctx context.Context) error

// PeriodicConfig holds configuration for a periodic job.
type PeriodicConfig struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single run. Zero means the interval.
	Timeout time.Duration
	// RunOnStart executes the task once before the first tick.
	RunOnStart bool
	// HeartbeatInterval is how often the job reports liveness while idle.
	HeartbeatInterval time.Duration
}

// Option configures a Periodic job.
type Option func(*Periodic)

// WithClock sets the clock used for ticks.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Periodic) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLogger sets the job logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Periodic) {
		if l != nil {
			p.logger = l
		}
	}
}

// Periodic runs a task at a fixed interval until its context is cancelled.
// It implements supervisor.Worker. A failing run is logged and does not
// stop the job.
type Periodic struct {
	config PeriodicConfig
	task   Task
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewPeriodic creates a periodic job.
func NewPeriodic(cfg PeriodicConfig, task Task, opts ...Option) (*Periodic, error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("periodic job requires a positive interval")
	}
	if task == nil {
		return nil, errors.New("periodic job requires a task")
	}
	if cfg.Name == "" {
		cfg.Name = "periodic_job"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	p := &Periodic{
		config: cfg,
		task:   task,
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named(cfg.Name)
	return p, nil
}

// Name returns the job name.
func (p *Periodic) Name() string {
	return p.config.Name
}

// Run executes the task every interval. It returns nil when ctx is cancelled.
func (p *Periodic) Run(ctx context.Context) error {
	p.logger.Info("Periodic job started",
		zap.Duration("interval", p.config.Interval),
		zap.Duration("timeout", p.config.Timeout),
	)
	supervisor.Beat(ctx)

	if p.config.RunOnStart {
		p.execute(ctx)
	}

	ticker := p.clock.NewTicker(p.config.Interval)
	defer ticker.Stop()
	heartbeat := p.clock.NewTicker(p.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Periodic job stopping")
			return nil
		case <-ticker.Chan():
			p.execute(ctx)
		case <-heartbeat.Chan():
			supervisor.Beat(ctx)
		}
	}
}

func (p *Periodic) execute(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	start := p.clock.Now()
	err := p.task(runCtx)
	elapsed := p.clock.Since(start)
	supervisor.Beat(ctx)

	log := logger.For(ctx, p.logger)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("Periodic job run failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		return
	}
	log.Debug("Periodic job run completed", zap.Duration("elapsed", elapsed))
}
