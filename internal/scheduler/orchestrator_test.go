package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mr1hm/go-disaster-risk/internal/observability"
	"github.com/mr1hm/go-disaster-risk/internal/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testInterval = 6 * time.Hour

type mockRunner struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
	started  chan struct{}
	block    chan struct{}
	err      error
}

func newMockRunner() *mockRunner {
	return &mockRunner{started: make(chan struct{}, 16)}
}

func (m *mockRunner) Run(ctx context.Context) (pipeline.Report, error) {
	m.calls.Add(1)
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}

	select {
	case m.started <- struct{}{}:
	default:
	}

	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return pipeline.Report{}, ctx.Err()
		}
	}
	return pipeline.Report{RunID: "run"}, m.err
}

func waitStarted(t *testing.T, r *mockRunner) {
	t.Helper()
	select {
	case <-r.started:
	case <-time.After(time.Second):
		t.Fatal("run did not start")
	}
}

func TestStart_RunsBootstrapThenOnInterval(t *testing.T) {
	runner := newMockRunner()
	clock := clockwork.NewFakeClock()
	metrics := observability.NewMetricsForTesting()
	o := NewOrchestrator(runner, NewLocalLocker(), clock, testInterval, metrics)
	defer o.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	o.Start(ctx)
	assert.Equal(t, int32(1), runner.calls.Load(), "bootstrap run should complete before Start returns")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PipelineRuns.WithLabelValues(TriggerBootstrap, "ok")))

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(testInterval)
	require.Eventually(t, func() bool { return runner.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	clock.Advance(testInterval)
	require.Eventually(t, func() bool { return runner.calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.PipelineRuns.WithLabelValues(TriggerScheduled, "ok")) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSchedule_ReplacesPreviousTimer(t *testing.T) {
	runner := newMockRunner()
	clock := clockwork.NewFakeClock()
	o := NewOrchestrator(runner, NewLocalLocker(), clock, testInterval, nil)
	defer o.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	o.Schedule()
	o.Schedule()
	o.Schedule()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(testInterval)

	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return runner.calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSchedule_DoesNotBlockTriggerDuringScheduledRun(t *testing.T) {
	runner := newMockRunner()
	runner.block = make(chan struct{})
	clock := clockwork.NewFakeClock()
	o := NewOrchestrator(runner, NewLocalLocker(), clock, testInterval, nil)
	defer o.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	o.Schedule()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(testInterval)
	waitStarted(t, runner)

	// Re-arming waits for the loop, which is busy with the scheduled run.
	rescheduled := make(chan struct{})
	go func() {
		o.Schedule()
		close(rescheduled)
	}()
	time.Sleep(20 * time.Millisecond)

	triggered := make(chan error, 1)
	go func() { triggered <- o.TriggerAsync() }()
	select {
	case err := <-triggered:
		assert.ErrorIs(t, err, ErrRunInProgress)
	case <-time.After(time.Second):
		t.Fatal("TriggerAsync blocked behind Schedule")
	}

	close(runner.block)
	select {
	case <-rescheduled:
	case <-time.After(time.Second):
		t.Fatal("Schedule did not return after the run finished")
	}
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestTrigger_RejectsConcurrentRuns(t *testing.T) {
	runner := newMockRunner()
	runner.block = make(chan struct{})
	metrics := observability.NewMetricsForTesting()
	o := NewOrchestrator(runner, NewLocalLocker(), clockwork.NewFakeClock(), testInterval, metrics)
	defer o.Stop()

	require.NoError(t, o.TriggerAsync())
	waitStarted(t, runner)
	assert.Equal(t, StateRunning, o.State())

	assert.ErrorIs(t, o.TriggerAsync(), ErrRunInProgress)
	_, err := o.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(runner.block)
	require.Eventually(t, func() bool { return o.State() == StateIdle }, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), runner.peak.Load())
	assert.Equal(t, int32(1), runner.calls.Load())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.PipelineSkipped.WithLabelValues(TriggerManual)))

	report, err := o.Trigger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run", report.RunID)
	assert.Equal(t, int32(2), runner.calls.Load())
}

func TestTrigger_DegradedRun(t *testing.T) {
	runner := newMockRunner()
	runner.err = errors.New("aggregate phase: store write conflict")
	metrics := observability.NewMetricsForTesting()
	o := NewOrchestrator(runner, NewLocalLocker(), clockwork.NewFakeClock(), testInterval, metrics)
	defer o.Stop()

	_, err := o.Trigger(context.Background())

	assert.Error(t, err)
	assert.Equal(t, StateIdle, o.State())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PipelineRuns.WithLabelValues(TriggerManual, "degraded")))

	_, err = o.Trigger(context.Background())
	assert.NotErrorIs(t, err, ErrRunInProgress, "lock must be released after a degraded run")
}

func TestStop_CancelsInFlightRun(t *testing.T) {
	runner := newMockRunner()
	runner.block = make(chan struct{})
	o := NewOrchestrator(runner, NewLocalLocker(), clockwork.NewFakeClock(), testInterval, nil)
	o.Schedule()

	require.NoError(t, o.TriggerAsync())
	waitStarted(t, runner)

	stopped := make(chan struct{})
	go func() {
		o.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	assert.ErrorIs(t, o.TriggerAsync(), ErrStopped)
	assert.Equal(t, StateIdle, o.State())
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	_, ok, _ = l.TryLock(ctx)
	assert.True(t, ok)
}

func TestRedisLocker(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, "", time.Minute)
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists(DefaultLockKey))
	assert.Equal(t, time.Minute, mr.TTL(DefaultLockKey))

	_, ok, err = l.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	assert.False(t, mr.Exists(DefaultLockKey))

	_, ok, err = l.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_StaleReleaseKeepsNewHolder(t *testing.T) {
	mr, client := newTestRedis(t)
	a := NewRedisLocker(client, "lock", time.Minute)
	b := NewRedisLocker(client, "lock", time.Minute)
	ctx := context.Background()

	releaseA, ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	_, ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	releaseA()
	assert.True(t, mr.Exists("lock"), "expired holder must not release the new holder's lock")
}

func TestRedisLocker_Unavailable(t *testing.T) {
	mr, client := newTestRedis(t)
	mr.Close()

	_, ok, err := NewRedisLocker(client, "", time.Minute).TryLock(context.Background())
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestOrchestrators_ShareRedisLock(t *testing.T) {
	_, client := newTestRedis(t)

	first := newMockRunner()
	first.block = make(chan struct{})
	second := newMockRunner()

	a := NewOrchestrator(first, NewRedisLocker(client, "", time.Minute), clockwork.NewFakeClock(), testInterval, nil)
	defer a.Stop()
	b := NewOrchestrator(second, NewRedisLocker(client, "", time.Minute), clockwork.NewFakeClock(), testInterval, nil)
	defer b.Stop()

	require.NoError(t, a.TriggerAsync())
	waitStarted(t, first)

	_, err := b.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, int32(0), second.calls.Load())

	close(first.block)
	require.Eventually(t, func() bool { return a.State() == StateIdle }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := b.Trigger(context.Background())
		return err == nil
	}, time.Second, 10*time.Millisecond)
}
