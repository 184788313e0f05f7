// Package breaker guards calls to peer services with a consecutive-failure
// circuit breaker built on sony/gobreaker.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrOpen is returned without invoking the guarded operation while the
// circuit is open, or while the single half-open trial is in flight.
var ErrOpen = errors.New("circuit breaker is open")

// State is the externally visible breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds the tripping policy of a breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold uint32
	// Timeout is how long the circuit stays open before a trial call is allowed.
	Timeout time.Duration
}

// DefaultConfig returns threshold 5 and a 30s open window.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return c
}

// Snapshot is a read-only view of a breaker used for health reporting.
type Snapshot struct {
	Name             string     `json:"name"`
	State            State      `json:"state"`
	FailureCount     uint32     `json:"failure_count"`
	LastFailureTime  *time.Time `json:"last_failure_time,omitempty"`
	FailureThreshold uint32     `json:"failure_threshold"`
	TimeoutSeconds   float64    `json:"timeout_seconds"`
}

// StateListener is notified after every state transition. It runs while the
// underlying circuit holds its lock and must not call back into the breaker.
type StateListener func(name string, from, to State)

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger used for state transitions and rejections.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithStateListener registers a callback for state transitions.
func WithStateListener(l StateListener) Option {
	return func(b *Breaker) {
		if l != nil {
			b.listeners = append(b.listeners, l)
		}
	}
}

// Breaker protects one peer service. All methods are safe for concurrent use.
type Breaker struct {
	name      string
	config    Config
	logger    *zap.Logger
	listeners []StateListener

	// generation is bumped by Reset. Calls and transitions that belong to a
	// replaced circuit are ignored.
	generation atomic.Uint64

	mu           sync.Mutex
	cb           *gobreaker.CircuitBreaker
	failureCount uint32
	lastFailure  time.Time
}

// New creates a closed breaker for the named peer.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:   name,
		config: cfg.withDefaults(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("breaker", name))
	b.cb = b.newCircuit(b.generation.Load())
	return b
}

func (b *Breaker) newCircuit(gen uint64) *gobreaker.CircuitBreaker {
	threshold := b.config.FailureThreshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     b.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if b.generation.Load() != gen {
				return
			}
			b.notify(fromGobreaker(from), fromGobreaker(to))
		},
	})
}

// Name returns the peer name the breaker protects.
func (b *Breaker) Name() string {
	return b.name
}

// Config returns the effective configuration.
func (b *Breaker) Config() Config {
	return b.config
}

func (b *Breaker) circuit() (*gobreaker.CircuitBreaker, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cb, b.generation.Load()
}

// Call runs op through the breaker. While the circuit rejects calls op is not
// invoked and the returned error wraps ErrOpen. Errors returned by op are
// counted as failures and returned unchanged.
func (b *Breaker) Call(op func() (any, error)) (any, error) {
	cb, gen := b.circuit()
	result, err := cb.Execute(op)
	switch {
	case err == nil:
		b.recordSuccess(gen)
		return result, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.logger.Debug("Call rejected by open circuit")
		return nil, fmt.Errorf("%w: %s", ErrOpen, b.name)
	default:
		b.recordFailure(gen)
		return nil, err
	}
}

// Execute is the typed form of Breaker.Call.
func Execute[T any](b *Breaker, op func() (T, error)) (T, error) {
	var zero T
	result, err := b.Call(func() (any, error) {
		v, err := op()
		return v, err
	})
	if err != nil {
		return zero, err
	}
	v, ok := result.(T)
	if !ok {
		return zero, nil
	}
	return v, nil
}

func (b *Breaker) recordSuccess(gen uint64) {
	b.mu.Lock()
	if b.generation.Load() == gen {
		b.failureCount = 0
	}
	b.mu.Unlock()
}

func (b *Breaker) recordFailure(gen uint64) {
	b.mu.Lock()
	if b.generation.Load() != gen {
		b.mu.Unlock()
		return
	}
	b.failureCount++
	b.lastFailure = time.Now()
	count := b.failureCount
	b.mu.Unlock()

	b.logger.Debug("Guarded call failed", zap.Uint32("failure_count", count))
}

// Reset forces the breaker back to closed and clears all failure history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	prev := fromGobreaker(b.cb.State())
	b.cb = b.newCircuit(b.generation.Add(1))
	b.failureCount = 0
	b.lastFailure = time.Time{}
	b.mu.Unlock()

	b.logger.Info("Circuit breaker reset", zap.String("previous_state", string(prev)))
	if prev != StateClosed {
		b.notify(prev, StateClosed)
	}
}

// State reports the current state. An open circuit whose timeout has elapsed
// reports half-open.
func (b *Breaker) State() State {
	cb, _ := b.circuit()
	return fromGobreaker(cb.State())
}

// Snapshot returns the breaker's health view.
func (b *Breaker) Snapshot() Snapshot {
	state := b.State()

	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Name:             b.name,
		State:            state,
		FailureCount:     b.failureCount,
		FailureThreshold: b.config.FailureThreshold,
		TimeoutSeconds:   b.config.Timeout.Seconds(),
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		snap.LastFailureTime = &t
	}
	return snap
}

func (b *Breaker) notify(from, to State) {
	switch to {
	case StateOpen:
		b.logger.Warn("Circuit breaker opened",
			zap.String("from", string(from)),
			zap.Duration("timeout", b.config.Timeout),
		)
	case StateHalfOpen:
		b.logger.Info("Circuit breaker half-open, allowing trial call")
	case StateClosed:
		b.logger.Info("Circuit breaker closed", zap.String("from", string(from)))
	}
	for _, l := range b.listeners {
		l(b.name, from, to)
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
