package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/firmflow/engine/internal/application/orchestration"
	"github.com/firmflow/engine/internal/application/recurrence"
	"github.com/firmflow/engine/internal/domain"
)

// Ticker runs one recurrence generation pass. Implemented by
// recurrence.Generator.
type Ticker interface {
	Tick(ctx context.Context, filter recurrence.RuleFilter, horizon time.Duration) (*domain.GenerateReport, error)
}

// Advancer drives one dispatch round of an execution. Implemented by
// orchestration.Orchestrator.
type Advancer interface {
	Advance(ctx context.Context, executionID string) (*orchestration.AdvanceResult, error)
}

// Worker runs the engine's background loops: the lease-guarded recurrence
// tick, the execution advancer pool, the stale attempt sweeper, and the
// cancellation listener. Multiple workers may run against the same database;
// the tick lease, execution claims, and attempt ownership keep them from
// duplicating work.
type Worker struct {
	repo      Repository
	generator Ticker
	advancer  Advancer

	maxStartupJitter time.Duration
	tickInterval     time.Duration
	tickHorizon      time.Duration
	advanceInterval  time.Duration
	claimBatch       int
	claimHold        time.Duration
	sweepInterval    time.Duration
	// operationTimeout bounds one tick, advance, or sweep. It must exceed
	// the longest step timeout or advances get cut mid-handler.
	operationTimeout time.Duration

	advanceSlots chan struct{}
	wg           sync.WaitGroup

	periodsProduced    metric.Int64Counter
	periodsSkipped     metric.Int64Counter
	periodsFailed      metric.Int64Counter
	executionsAdvanced metric.Int64Counter
	attemptsTimedOut   metric.Int64Counter
}

// Option is a functional option for configuring Worker.
type Option func(*Worker)

// WithMaxStartupJitter sets the upper bound of the random delay before the
// first tick. Zero disables it.
func WithMaxStartupJitter(d time.Duration) Option {
	return func(w *Worker) { w.maxStartupJitter = d }
}

// WithTickInterval sets how often the recurrence tick runs.
func WithTickInterval(d time.Duration) Option {
	return func(w *Worker) { w.tickInterval = d }
}

// WithTickHorizon sets how far ahead each tick materializes periods.
func WithTickHorizon(d time.Duration) Option {
	return func(w *Worker) { w.tickHorizon = d }
}

// WithAdvanceInterval sets the poll cadence of the advancer.
func WithAdvanceInterval(d time.Duration) Option {
	return func(w *Worker) { w.advanceInterval = d }
}

// WithAdvanceConcurrency sets how many executions advance in parallel.
func WithAdvanceConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.advanceSlots = make(chan struct{}, n)
		}
	}
}

// WithClaimBatchSize sets how many due executions one poll claims.
func WithClaimBatchSize(n int) Option {
	return func(w *Worker) { w.claimBatch = n }
}

// WithClaimHold sets the visibility timeout on claimed executions.
func WithClaimHold(d time.Duration) Option {
	return func(w *Worker) { w.claimHold = d }
}

// WithSweepInterval sets how often expired running attempts are reaped.
func WithSweepInterval(d time.Duration) Option {
	return func(w *Worker) { w.sweepInterval = d }
}

// WithOperationTimeout sets the deadline for a single tick, advance, or
// sweep operation.
func WithOperationTimeout(d time.Duration) Option {
	return func(w *Worker) { w.operationTimeout = d }
}

// New creates a Worker wiring the generator and orchestrator to the daemon
// loops.
func New(repo Repository, generator Ticker, advancer Advancer, opts ...Option) *Worker {
	w := &Worker{
		repo:             repo,
		generator:        generator,
		advancer:         advancer,
		maxStartupJitter: 5 * time.Second,
		tickInterval:     time.Minute,
		tickHorizon:      720 * time.Hour,
		advanceInterval:  time.Second,
		claimBatch:       16,
		claimHold:        5 * time.Minute,
		sweepInterval:    30 * time.Second,
		operationTimeout: 5 * time.Minute,
		advanceSlots:     make(chan struct{}, 4),
	}

	for _, opt := range opts {
		opt(w)
	}

	meter := otel.Meter("github.com/firmflow/engine/internal/application/worker")
	w.periodsProduced, _ = meter.Int64Counter("engine_periods_produced_total")
	w.periodsSkipped, _ = meter.Int64Counter("engine_periods_skipped_total")
	w.periodsFailed, _ = meter.Int64Counter("engine_periods_failed_total")
	w.executionsAdvanced, _ = meter.Int64Counter("engine_executions_advanced_total")
	w.attemptsTimedOut, _ = meter.Int64Counter("engine_attempts_timed_out_total")

	return w
}

// Start runs all loops until ctx is canceled. On shutdown it stops claiming
// new work, waits for in-flight operations, and returns nil. A claimed but
// unfinished execution resurfaces for other workers when its hold expires.
func (w *Worker) Start(ctx context.Context) error {
	slog.InfoContext(ctx, "engine worker started",
		"tick_interval", w.tickInterval,
		"tick_horizon", w.tickHorizon,
		"advance_interval", w.advanceInterval,
		"advance_concurrency", cap(w.advanceSlots),
		"sweep_interval", w.sweepInterval)

	cancellations, err := w.repo.SubscribeToCancellations(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to cancellations: %w", err)
	}
	// Cancellation wakeups are latency-sensitive, so this loop skips the
	// startup jitter.
	w.wg.Go(func() { w.runCancellationLoop(ctx, cancellations) })

	// Workers restarted together would otherwise contest the tick lease at
	// the same instant.
	if w.waitStartupJitter(ctx) {
		// Materialize due periods immediately rather than waiting a full
		// tick interval.
		startupCtx, startupCancel := context.WithTimeout(context.Background(), w.operationTimeout)
		if err := w.RunTickOnce(startupCtx); err != nil {
			slog.ErrorContext(startupCtx, "startup tick failed", "error", err)
		}
		startupCancel()

		w.wg.Go(func() { w.runLoop(ctx, w.tickInterval, "tick", w.RunTickOnce) })
		w.wg.Go(func() { w.runLoop(ctx, w.advanceInterval, "advance", w.RunAdvanceOnce) })
		w.wg.Go(func() { w.runLoop(ctx, w.sweepInterval, "sweep", w.RunSweepOnce) })
	}

	<-ctx.Done()
	slog.InfoContext(ctx, "shutdown requested, waiting for in-flight operations...")
	w.wg.Wait()
	slog.InfoContext(ctx, "engine worker stopped gracefully")
	return nil
}

// waitStartupJitter sleeps a random duration up to maxStartupJitter,
// reporting false if ctx was canceled first.
func (w *Worker) waitStartupJitter(ctx context.Context) bool {
	if w.maxStartupJitter <= 0 {
		return true
	}
	jitter := rand.N(w.maxStartupJitter)
	slog.InfoContext(ctx, "delaying first tick", "startup_jitter", jitter)

	timer := time.NewTimer(jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// runLoop invokes fn on every tick of interval until ctx is canceled. Each
// invocation gets a detached timeout context so shutdown does not abort an
// operation midway.
func (w *Worker) runLoop(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(context.Background(), w.operationTimeout)
			if err := fn(opCtx); err != nil {
				slog.ErrorContext(opCtx, "worker loop iteration failed", "loop", name, "error", err)
			}
			cancel()
		}
	}
}

// runCancellationLoop advances executions as soon as their cancellation is
// requested, instead of waiting for the next due poll.
func (w *Worker) runCancellationLoop(ctx context.Context, cancellations <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case executionID, ok := <-cancellations:
			if !ok {
				return
			}
			slog.InfoContext(ctx, "cancellation received", "execution_id", executionID)
			w.advanceOne(executionID)
		}
	}
}

// RunTickOnce runs a single lease-guarded recurrence generation pass over
// every active rule. Skipped silently when another worker holds the lease.
func (w *Worker) RunTickOnce(ctx context.Context) error {
	release, acquired, err := w.repo.TryAcquireTickLease(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire tick lease: %w", err)
	}
	if !acquired {
		slog.DebugContext(ctx, "tick skipped, another worker holds the lease")
		return nil
	}
	defer release()

	report, err := w.generator.Tick(ctx, recurrence.RuleFilter{}, w.tickHorizon)
	if report != nil {
		totals := report.Totals()
		w.periodsProduced.Add(ctx, int64(totals.Produced))
		w.periodsSkipped.Add(ctx, int64(totals.SkippedAlreadyDone))
		w.periodsFailed.Add(ctx, int64(totals.Failed))
	}
	if err != nil {
		return fmt.Errorf("tick pass failed: %w", err)
	}
	return nil
}

// RunAdvanceOnce claims one batch of due executions and advances each on the
// bounded pool. Returns once all claimed work is handed off; the advances
// themselves may still be running.
func (w *Worker) RunAdvanceOnce(ctx context.Context) error {
	ids, err := w.repo.ClaimDueExecutions(ctx, w.claimBatch, w.claimHold)
	if err != nil {
		return fmt.Errorf("failed to claim due executions: %w", err)
	}

	for _, id := range ids {
		select {
		case w.advanceSlots <- struct{}{}:
		case <-ctx.Done():
			// Unadvanced claims resurface when the hold expires.
			return ctx.Err()
		}
		w.wg.Go(func() {
			defer func() { <-w.advanceSlots }()
			w.advanceOne(id)
		})
	}
	return nil
}

// advanceOne runs one dispatch round under a detached timeout, so an advance
// survives worker shutdown. Failures are logged, not propagated: the hold
// expiry retries infrastructure failures and the orchestrator owns the rest.
func (w *Worker) advanceOne(executionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), w.operationTimeout)
	defer cancel()

	result, err := w.advancer.Advance(ctx, executionID)
	if err != nil {
		slog.ErrorContext(ctx, "advance failed", "execution_id", executionID, "error", err)
		return
	}
	if result.Dispatched > 0 {
		w.executionsAdvanced.Add(ctx, 1)
	}
}

// RunSweepOnce expires running attempts whose deadline passed, waking their
// executions for re-advancement.
func (w *Worker) RunSweepOnce(ctx context.Context) error {
	expired, err := w.repo.SweepExpiredAttempts(ctx)
	if err != nil {
		return fmt.Errorf("failed to sweep expired attempts: %w", err)
	}
	if expired > 0 {
		w.attemptsTimedOut.Add(ctx, int64(expired))
		slog.WarnContext(ctx, "expired stale running attempts", "count", expired)
	}
	return nil
}
