// Package scheduler owns when the pipeline runs: once at startup, then on a
// fixed interval, plus manual triggers. At most one run is in flight.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mr1hm/go-disaster-risk/internal/observability"
	"github.com/mr1hm/go-disaster-risk/internal/pipeline"
)

var (
	ErrRunInProgress = errors.New("pipeline run already in progress")
	ErrStopped       = errors.New("orchestrator stopped")
)

const DefaultInterval = 6 * time.Hour

const (
	TriggerBootstrap = "bootstrap"
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

const (
	StateIdle    = "idle"
	StateRunning = "running"
)

type Runner interface {
	Run(ctx context.Context) (pipeline.Report, error)
}

type Orchestrator struct {
	runner   Runner
	locker   Locker
	clock    clockwork.Clock
	interval time.Duration
	metrics  *observability.Metrics

	running atomic.Bool

	// ctx lives until Stop and bounds every run.
	ctx  context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	stopped bool
	async   sync.WaitGroup

	// schedMu guards the timer loop. It is separate from mu so that waiting
	// for an old loop to drain never blocks TriggerAsync.
	schedMu    sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

func NewOrchestrator(runner Runner, locker Locker, clock clockwork.Clock, interval time.Duration, metrics *observability.Metrics) *Orchestrator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		runner:   runner,
		locker:   locker,
		clock:    clock,
		interval: interval,
		metrics:  metrics,
		ctx:      ctx,
		stop:     stop,
	}
}

// Start runs the bootstrap pass synchronously and then arms the recurring
// timer. A degraded bootstrap run is logged, not returned.
func (o *Orchestrator) Start(ctx context.Context) {
	if _, err := o.run(ctx, TriggerBootstrap); err != nil {
		slog.Error("bootstrap run finished with errors", "error", err)
	}
	o.Schedule()
}

// Schedule arms the recurring timer, replacing any timer armed before. It
// waits for the previous loop to exit, so two timers never coexist.
func (o *Orchestrator) Schedule() {
	o.schedMu.Lock()
	defer o.schedMu.Unlock()
	if o.isStopped() {
		return
	}
	o.stopLoopLocked()

	ctx, cancel := context.WithCancel(o.ctx)
	done := make(chan struct{})
	o.loopCancel, o.loopDone = cancel, done
	go o.loop(ctx, done)

	slog.Info("pipeline scheduled", "interval", o.interval)
}

func (o *Orchestrator) isStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

// stopLoopLocked must be called with schedMu held.
func (o *Orchestrator) stopLoopLocked() {
	if o.loopCancel == nil {
		return
	}
	o.loopCancel()
	<-o.loopDone
	o.loopCancel, o.loopDone = nil, nil
}

func (o *Orchestrator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := o.clock.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := o.run(o.ctx, TriggerScheduled); err != nil && !errors.Is(err, ErrRunInProgress) {
				slog.Error("scheduled run finished with errors", "error", err)
			}
		}
	}
}

// Trigger runs the pipeline now and waits for it. It returns
// ErrRunInProgress without running when another run holds the lock.
func (o *Orchestrator) Trigger(ctx context.Context) (pipeline.Report, error) {
	return o.run(ctx, TriggerManual)
}

// TriggerAsync takes the run-lock and runs the pipeline in the background.
// The lock is taken before it returns, so a rejected trigger is reported to
// the caller.
func (o *Orchestrator) TriggerAsync() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return ErrStopped
	}

	release, err := o.acquire(o.ctx, TriggerManual)
	if err != nil {
		return err
	}

	o.async.Add(1)
	go func() {
		defer o.async.Done()
		defer release()
		if _, err := o.execute(o.ctx, TriggerManual); err != nil {
			slog.Error("manual run finished with errors", "error", err)
		}
	}()
	return nil
}

func (o *Orchestrator) State() string {
	if o.running.Load() {
		return StateRunning
	}
	return StateIdle
}

// Stop disarms the timer, cancels any run in flight and waits for background
// work to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopped = true
	o.stop()
	o.mu.Unlock()

	o.schedMu.Lock()
	o.stopLoopLocked()
	o.schedMu.Unlock()

	o.async.Wait()
}

func (o *Orchestrator) run(ctx context.Context, trigger string) (pipeline.Report, error) {
	release, err := o.acquire(ctx, trigger)
	if err != nil {
		return pipeline.Report{}, err
	}
	defer release()
	return o.execute(ctx, trigger)
}

func (o *Orchestrator) acquire(ctx context.Context, trigger string) (func(), error) {
	release, ok, err := o.locker.TryLock(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring run-lock: %w", err)
	}
	if !ok {
		slog.Warn("run skipped, another run is in progress", "trigger", trigger)
		if o.metrics != nil {
			o.metrics.PipelineSkipped.WithLabelValues(trigger).Inc()
		}
		return nil, ErrRunInProgress
	}
	return release, nil
}

func (o *Orchestrator) execute(ctx context.Context, trigger string) (pipeline.Report, error) {
	o.running.Store(true)
	if o.metrics != nil {
		o.metrics.PipelineRunning.Set(1)
	}
	defer func() {
		o.running.Store(false)
		if o.metrics != nil {
			o.metrics.PipelineRunning.Set(0)
		}
	}()

	start := o.clock.Now()
	report, err := o.runner.Run(ctx)

	outcome := "ok"
	if err != nil {
		outcome = "degraded"
	}
	if o.metrics != nil {
		o.metrics.PipelineRuns.WithLabelValues(trigger, outcome).Inc()
		o.metrics.PipelineDuration.Observe(o.clock.Since(start).Seconds())
	}
	slog.Info("pipeline run complete", "trigger", trigger, "outcome", outcome, "run_id", report.RunID)
	return report, err
}
