package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func blockUntil(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, n))
}

func status(t *testing.T, s *Supervisor, name string) Status {
	t.Helper()
	st, ok := s.Status(name)
	require.True(t, ok)
	return st
}

func crashingFactory(runs *atomic.Int32) WorkerFactory {
	return func() (Worker, error) {
		return WorkerFunc(func(context.Context) error {
			runs.Add(1)
			return errors.New("boom")
		}), nil
	}
}

func TestSupervisor_RestartsWithExponentialBackoffThenGivesUp(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var runs atomic.Int32

	s := New(WithClock(clock))
	require.NoError(t, s.AddProcess("consumer", crashingFactory(&runs), ProcessConfig{
		MaxRetries:    3,
		RetryDelay:    time.Second,
		CheckInterval: 500 * time.Millisecond,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.StartAll(ctx))

	for i, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		attempt := int32(i + 1)
		require.Eventually(t, func() bool {
			return runs.Load() == attempt && !status(t, s, "consumer").Alive
		}, waitFor, tick)

		blockUntil(t, clock, 1)
		clock.Advance(500 * time.Millisecond)

		require.Eventually(t, func() bool {
			st := status(t, s, "consumer")
			return st.State == StateRestarting && st.RetryCount == int(attempt)
		}, waitFor, tick)

		blockUntil(t, clock, 1)
		clock.Advance(delay - time.Millisecond)
		assert.Never(t, func() bool { return runs.Load() > attempt }, 50*time.Millisecond, tick,
			"restart %d must wait %s", attempt, delay)

		clock.Advance(time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return runs.Load() == 4 && !status(t, s, "consumer").Alive
	}, waitFor, tick)

	blockUntil(t, clock, 1)
	clock.Advance(500 * time.Millisecond)

	require.Eventually(t, func() bool {
		return status(t, s, "consumer").State == StateFailed
	}, waitFor, tick)

	clock.Advance(time.Hour)
	assert.Never(t, func() bool { return runs.Load() > 4 }, 50*time.Millisecond, tick)

	st := status(t, s, "consumer")
	assert.Equal(t, 3, st.RetryCount)
	assert.Equal(t, 3, st.Restarts)
	assert.Equal(t, "boom", st.LastError)
}

func TestSupervisor_HealthyCheckResetsRetryCount(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var runs atomic.Int32
	crash := make(chan struct{})

	factory := func() (Worker, error) {
		return WorkerFunc(func(ctx context.Context) error {
			runs.Add(1)
			select {
			case <-ctx.Done():
				return nil
			case <-crash:
				return errors.New("crashed")
			}
		}), nil
	}

	s := New(WithClock(clock))
	require.NoError(t, s.AddProcess("consumer", factory, ProcessConfig{
		MaxRetries:    3,
		RetryDelay:    time.Second,
		CheckInterval: time.Second,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.StartAll(ctx))

	require.Eventually(t, func() bool { return runs.Load() == 1 }, waitFor, tick)
	crash <- struct{}{}
	require.Eventually(t, func() bool { return !status(t, s, "consumer").Alive }, waitFor, tick)

	blockUntil(t, clock, 1)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return status(t, s, "consumer").RetryCount == 1 }, waitFor, tick)

	blockUntil(t, clock, 1)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return runs.Load() == 2 && status(t, s, "consumer").Alive
	}, waitFor, tick)

	blockUntil(t, clock, 1)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		st := status(t, s, "consumer")
		return st.RetryCount == 0 && st.State == StateRunning
	}, waitFor, tick)
}

func TestSupervisor_PanicIsTreatedAsCrash(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var runs atomic.Int32

	factory := func() (Worker, error) {
		return WorkerFunc(func(context.Context) error {
			runs.Add(1)
			panic("nil map write")
		}), nil
	}

	s := New(WithClock(clock))
	require.NoError(t, s.AddProcess("consumer", factory, ProcessConfig{
		MaxRetries:    0,
		RetryDelay:    time.Second,
		CheckInterval: time.Second,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.StartAll(ctx))

	require.Eventually(t, func() bool {
		return runs.Load() == 1 && !status(t, s, "consumer").Alive
	}, waitFor, tick)

	blockUntil(t, clock, 1)
	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		return status(t, s, "consumer").State == StateFailed
	}, waitFor, tick)
	assert.Contains(t, status(t, s, "consumer").LastError, ErrWorkerPanic.Error())
}

func TestSupervisor_StaleHeartbeatRestartsHungWorker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var runs atomic.Int32
	cancelled := make(chan struct{}, 4)

	factory := func() (Worker, error) {
		return WorkerFunc(func(ctx context.Context) error {
			runs.Add(1)
			<-ctx.Done()
			cancelled <- struct{}{}
			return nil
		}), nil
	}

	s := New(WithClock(clock))
	require.NoError(t, s.AddProcess("consumer", factory, ProcessConfig{
		MaxRetries:      3,
		RetryDelay:      time.Second,
		CheckInterval:   2 * time.Second,
		LivenessTimeout: time.Second,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.StartAll(ctx))
	require.Eventually(t, func() bool { return runs.Load() == 1 }, waitFor, tick)

	blockUntil(t, clock, 1)
	clock.Advance(2 * time.Second)

	select {
	case <-cancelled:
	case <-time.After(waitFor):
		t.Fatal("hung worker was not cancelled")
	}

	blockUntil(t, clock, 1)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, waitFor, tick)
	assert.Equal(t, 1, status(t, s, "consumer").RetryCount)
}

func TestSupervisor_FactoryErrorIsRetried(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var attempts, runs atomic.Int32

	factory := func() (Worker, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("redis unavailable")
		}
		return WorkerFunc(func(ctx context.Context) error {
			runs.Add(1)
			<-ctx.Done()
			return nil
		}), nil
	}

	s := New(WithClock(clock))
	require.NoError(t, s.AddProcess("consumer", factory, ProcessConfig{
		MaxRetries:    2,
		RetryDelay:    time.Second,
		CheckInterval: time.Second,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.StartAll(ctx))
	assert.Contains(t, status(t, s, "consumer").LastError, "redis unavailable")

	blockUntil(t, clock, 1)
	clock.Advance(time.Second)
	blockUntil(t, clock, 1)
	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		return runs.Load() == 1 && status(t, s, "consumer").State == StateRunning
	}, waitFor, tick)
}

func TestSupervisor_StopAllCancelsWorkers(t *testing.T) {
	var stopped atomic.Bool
	factory := func() (Worker, error) {
		return WorkerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			stopped.Store(true)
			return nil
		}), nil
	}

	s := New()
	require.NoError(t, s.AddProcess("consumer", factory, DefaultProcessConfig()))
	require.NoError(t, s.StartAll(context.Background()))
	require.Eventually(t, func() bool { return status(t, s, "consumer").Alive }, waitFor, tick)

	require.NoError(t, s.StopAll(context.Background()))

	assert.True(t, stopped.Load())
	st := status(t, s, "consumer")
	assert.Equal(t, StateStopped, st.State)
	assert.False(t, st.Alive)
}

func TestSupervisor_StopAllAbandonsStuckWorker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	factory := func() (Worker, error) {
		return WorkerFunc(func(context.Context) error {
			<-block
			return nil
		}), nil
	}

	s := New(WithClock(clock), WithStopGrace(10*time.Second))
	require.NoError(t, s.AddProcess("consumer", factory, ProcessConfig{
		MaxRetries:    1,
		RetryDelay:    time.Second,
		CheckInterval: 24 * time.Hour,
	}))
	require.NoError(t, s.StartAll(context.Background()))

	done := make(chan struct{})
	go func() {
		_ = s.StopAll(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		clock.Advance(10 * time.Second)
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, waitFor, 10*time.Millisecond)

	assert.Equal(t, StateStopped, status(t, s, "consumer").State)
}

func TestSupervisor_Registration(t *testing.T) {
	s := New()
	factory := func() (Worker, error) {
		return WorkerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}), nil
	}

	require.NoError(t, s.AddProcess("a", factory, DefaultProcessConfig()))
	assert.ErrorIs(t, s.AddProcess("a", factory, DefaultProcessConfig()), ErrDuplicateProcess)
	assert.Error(t, s.AddProcess("b", nil, DefaultProcessConfig()))

	require.NoError(t, s.StartAll(context.Background()))
	t.Cleanup(func() { _ = s.StopAll(context.Background()) })

	assert.ErrorIs(t, s.StartAll(context.Background()), ErrAlreadyStarted)
	assert.ErrorIs(t, s.AddProcess("c", factory, DefaultProcessConfig()), ErrAlreadyStarted)

	statuses := s.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "a", statuses[0].Name)
	assert.Equal(t, 3, statuses[0].MaxRetries)
	assert.Equal(t, 5.0, statuses[0].RetryDelaySeconds)

	_, ok := s.Status("missing")
	assert.False(t, ok)
}

func TestBeat_OutsideSupervisorIsNoop(t *testing.T) {
	assert.NotPanics(t, func() { Beat(context.Background()) })
}

func TestBeat_RefreshesHeartbeat(t *testing.T) {
	clock := clockwork.NewFakeClock()
	hb := newHeartbeat(clock)
	ctx := withHeartbeat(context.Background(), hb)

	clock.Advance(3 * time.Second)
	assert.Equal(t, 3*time.Second, hb.age())

	Beat(ctx)
	assert.Zero(t, hb.age())
}
