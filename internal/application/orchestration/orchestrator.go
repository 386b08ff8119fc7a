package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/firmflow/engine/internal/domain"
	"github.com/firmflow/engine/internal/jsonschema"
	"github.com/firmflow/engine/internal/schedule"
)

// concurrencyDeferDelay is how far a pending execution is pushed back when
// the definition's max_concurrency gate is full.
const concurrencyDeferDelay = 5 * time.Second

// Orchestrator runs workflow executions: idempotent starts, dependency-driven
// dispatch, retry scheduling, compensation, and dead-lettering.
//
// All scheduling goes through the execution's ready_at column; the
// orchestrator never sleeps or busy-waits, it just declines work that is not
// due yet.
type Orchestrator struct {
	store    Store
	registry *Registry
	clock    schedule.Clock
	retry    *RetryDecider
	runner   *stepRunner
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorClock substitutes the time source.
// Default: the system clock.
func WithOrchestratorClock(clock schedule.Clock) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithRetryDecider substitutes the retry policy engine, usually to pin the
// jitter seed.
// Default: a randomly seeded decider.
func WithRetryDecider(decider *RetryDecider) OrchestratorOption {
	return func(o *Orchestrator) { o.retry = decider }
}

// NewOrchestrator creates an Orchestrator backed by store, resolving step
// handlers from registry.
func NewOrchestrator(store Store, registry *Registry, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		registry: registry,
		clock:    schedule.SystemClock{},
		retry:    NewRetryDecider(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.runner = &stepRunner{store: store, registry: registry, clock: o.clock}
	return o
}

// StartParams identify the workflow to run and the execution's input.
type StartParams struct {
	TenantID       string
	DefinitionCode string
	IdempotencyKey string
	Input          map[string]any
}

// Start creates a pending execution of the latest published version of the
// workflow. Start is idempotent on (tenant, definition code, idempotency
// key): a duplicate call returns the original execution together with
// ErrConflict so callers can tell a replay from a fresh start, but must
// treat both as success.
func (o *Orchestrator) Start(ctx context.Context, params StartParams) (*domain.Execution, error) {
	if params.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant ID is required", domain.ErrBadInput)
	}
	if params.DefinitionCode == "" {
		return nil, fmt.Errorf("%w: definition code is required", domain.ErrBadInput)
	}
	if params.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", domain.ErrBadInput)
	}

	def, err := o.store.LatestPublishedDefinition(ctx, params.TenantID, params.DefinitionCode)
	if err != nil {
		return nil, fmt.Errorf("failed to load published definition: %w", err)
	}

	if len(def.InputSchema) > 0 {
		schema, err := jsonschema.Compile(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("%w: published input schema does not compile: %v", domain.ErrInternal, err)
		}
		if err := schema.ValidateValue(params.Input); err != nil {
			return nil, fmt.Errorf("%w: input rejected: %v", domain.ErrBadInput, err)
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate execution ID: %w", err)
	}

	now := o.clock.Now().UTC()
	exec := &domain.Execution{
		ID:                id.String(),
		TenantID:          params.TenantID,
		DefinitionID:      def.ID,
		DefinitionCode:    def.Code,
		DefinitionVersion: def.Version,
		IdempotencyKey:    params.IdempotencyKey,
		Status:            domain.ExecutionStatusPending,
		Input:             params.Input,
		ReadyAt:           now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	stored, created, err := o.store.InsertExecution(ctx, exec)
	if err != nil {
		return nil, fmt.Errorf("failed to insert execution: %w", err)
	}
	if !created {
		slog.InfoContext(ctx, "execution start replayed",
			"tenant_id", params.TenantID, "definition", params.DefinitionCode,
			"idempotency_key", params.IdempotencyKey, "execution_id", stored.ID)
		return stored, fmt.Errorf("%w: idempotency key %q already started execution %s",
			domain.ErrConflict, params.IdempotencyKey, stored.ID)
	}

	slog.InfoContext(ctx, "execution started",
		"tenant_id", params.TenantID, "definition", params.DefinitionCode,
		"version", def.Version, "execution_id", stored.ID)
	return stored, nil
}

// AdvanceResult reports what one Advance call did.
type AdvanceResult struct {
	Execution *domain.Execution

	// Events describe the transitions this call performed, in order.
	Events []domain.Event

	// Dispatched counts handler invocations this round, compensation
	// included.
	Dispatched int
}

// Advance drives one dispatch round of an execution: it runs every step
// that becomes ready, schedules retries, and routes terminal failures into
// failed, compensating, or the dead letter queue. Calling Advance on a
// terminal or not-yet-due execution is a no-op.
func (o *Orchestrator) Advance(ctx context.Context, executionID string) (*AdvanceResult, error) {
	if executionID == "" {
		return nil, fmt.Errorf("%w: execution ID is required", domain.ErrBadInput)
	}

	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}

	result := &AdvanceResult{Execution: exec}
	if exec.Status.Terminal() {
		return result, nil
	}

	def, err := o.store.GetDefinitionByID(ctx, exec.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load definition: %w", err)
	}

	attempts, err := o.store.ListAttempts(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attempts: %w", err)
	}
	states := indexAttempts(attempts)

	// A running attempt belongs to another process until it finishes or the
	// sweeper expires it.
	if states.anyRunning() {
		return result, nil
	}

	rec := &eventRecorder{clock: o.clock, executionID: exec.ID}

	if exec.Status == domain.ExecutionStatusCompensating {
		err := o.compensate(ctx, rec, result, exec, def, failureFromExecution(exec))
		result.Events = rec.events
		return result, err
	}

	if exec.CancelRequested {
		err := o.settleCanceled(ctx, rec, exec)
		result.Events = rec.events
		return result, err
	}

	now := o.clock.Now().UTC()
	if exec.ReadyAt.After(now) {
		return result, nil
	}

	// Concurrency gate: a pending execution only enters running while the
	// definition's budget has room.
	if exec.Status == domain.ExecutionStatusPending && def.Policies.MaxConcurrency > 0 {
		running, err := o.store.CountRunningExecutions(ctx, exec.TenantID, exec.DefinitionCode)
		if err != nil {
			return nil, fmt.Errorf("failed to count running executions: %w", err)
		}
		if running >= def.Policies.MaxConcurrency {
			readyAt := now.Add(concurrencyDeferDelay)
			if err := o.store.ScheduleRetry(ctx, exec.ID, readyAt); err != nil {
				return nil, fmt.Errorf("failed to defer execution: %w", err)
			}
			exec.ReadyAt = readyAt
			slog.InfoContext(ctx, "execution deferred by concurrency limit",
				"execution_id", exec.ID, "definition", exec.DefinitionCode,
				"running", running, "max_concurrency", def.Policies.MaxConcurrency)
			return result, nil
		}
	}

	err = o.dispatchRound(ctx, rec, result, exec, def, states)
	result.Events = rec.events
	return result, err
}

// dispatchRound walks the step graph in topological order and runs every
// step whose dependencies are satisfied. The walk stops at the first
// failure: a retryable one schedules the next attempt, a terminal one
// routes the execution.
func (o *Orchestrator) dispatchRound(ctx context.Context, rec *eventRecorder, result *AdvanceResult, exec *domain.Execution, def *domain.WorkflowDefinition, states *stepStates) error {
	order, err := def.TopologicalOrder()
	if err != nil {
		return fmt.Errorf("%w: published definition has a broken step graph: %v", domain.ErrInternal, err)
	}

	outputs := states.outputs()
	for _, code := range order {
		step, ok := def.StepByCode(code)
		if !ok {
			return fmt.Errorf("%w: step %q missing from definition", domain.ErrInternal, code)
		}
		state := states.state(code)
		if state.succeeded != nil {
			continue
		}
		if !states.depsSucceeded(step) {
			continue
		}

		// Cancellation takes effect between steps.
		if result.Dispatched > 0 {
			fresh, err := o.store.GetExecution(ctx, exec.ID)
			if err != nil {
				return fmt.Errorf("failed to reload execution: %w", err)
			}
			if fresh.CancelRequested {
				exec.CancelRequested = true
				return o.settleCanceled(ctx, rec, exec)
			}
		}

		attemptNumber := state.count + 1
		input := assembleStepInput(exec, step, outputs)
		rec.add(domain.EventStepStarted, code, attemptNumber, "")

		outcome, err := o.runner.runAttempt(ctx, exec, def, step, step.Handler, attemptNumber, input)
		if err != nil {
			return err
		}
		if outcome.lost {
			return nil
		}
		result.Dispatched++
		exec.Status = domain.ExecutionStatusRunning
		exec.CurrentStep = code
		if exec.StartedAt == nil {
			exec.StartedAt = &outcome.attempt.StartedAt
		}

		if outcome.attempt.Status == domain.AttemptStatusSucceeded {
			rec.add(domain.EventStepSucceeded, code, attemptNumber, "")
			states.record(outcome.attempt)
			outputs[code] = outcome.attempt.Output
			continue
		}

		// Failed attempt: retry or route terminally.
		class := outcome.attempt.ErrorClass
		rec.add(domain.EventStepFailed, code, attemptNumber,
			fmt.Sprintf("%s: %s", class, outcome.attempt.ErrorSummary))

		if o.retry.ShouldRetry(step, def.Policies, class, attemptNumber) {
			delay := o.retry.Delay(step, class, attemptNumber)
			readyAt := o.clock.Now().UTC().Add(delay)
			if err := o.store.ScheduleRetry(ctx, exec.ID, readyAt); err != nil {
				return fmt.Errorf("failed to schedule retry: %w", err)
			}
			exec.ReadyAt = readyAt
			rec.add(domain.EventRetryScheduled, code, attemptNumber,
				fmt.Sprintf("attempt %d of %d failed (%s); next attempt in %s",
					attemptNumber, o.retry.MaxAttempts(step, def.Policies, class), class, delay.Round(time.Millisecond)))
			slog.InfoContext(ctx, "retry scheduled",
				"execution_id", exec.ID, "step", code, "attempt", attemptNumber,
				"error_class", class, "ready_at", readyAt)
			return nil
		}

		failure := terminalFailure{
			stepCode: code,
			class:    class,
			summary:  outcome.attempt.ErrorSummary,
			reason:   terminalReason(class, outcome.timedOut),
		}
		return o.routeTerminalFailure(ctx, rec, result, exec, def, states, failure)
	}

	if states.allSucceeded(def) {
		return o.settleSucceeded(ctx, rec, exec, def, states)
	}
	return nil
}

// terminalFailure is the precipitating cause carried through compensation
// and dead-lettering.
type terminalFailure struct {
	stepCode string
	class    domain.ErrorClass
	summary  string
	reason   domain.DLQReason
}

// failureFromExecution reconstructs the precipitating cause when a
// compensation sweep resumes after an interruption.
func failureFromExecution(exec *domain.Execution) terminalFailure {
	return terminalFailure{
		stepCode: exec.CurrentStep,
		class:    exec.ErrorClass,
		summary:  exec.ErrorSummary,
		reason:   terminalReason(exec.ErrorClass, strings.Contains(exec.ErrorSummary, "timed out")),
	}
}

func terminalReason(class domain.ErrorClass, timedOut bool) domain.DLQReason {
	switch {
	case class == domain.ErrorClassCompensationRequired:
		return domain.DLQReasonCompensationRequired
	case class == domain.ErrorClassNonRetryable:
		return domain.DLQReasonNonRetryableError
	case timedOut:
		return domain.DLQReasonTimeout
	default:
		return domain.DLQReasonMaxAttemptsExceeded
	}
}

// routeTerminalFailure applies the state machine for a failure that will
// not be retried: compensation when any completed step can be undone,
// otherwise failed for NON_RETRYABLE and the dead letter queue for the
// rest.
func (o *Orchestrator) routeTerminalFailure(ctx context.Context, rec *eventRecorder, result *AdvanceResult, exec *domain.Execution, def *domain.WorkflowDefinition, states *stepStates, failure terminalFailure) error {
	if states.compensable(def) {
		if err := o.applySettlement(ctx, exec, ExecutionSettlement{
			Status:       domain.ExecutionStatusCompensating,
			ErrorClass:   failure.class,
			ErrorSummary: failure.summary,
		}); err != nil {
			return err
		}
		rec.add(domain.EventCompensationStarted, failure.stepCode, 0,
			fmt.Sprintf("%s: %s", failure.class, failure.summary))
		slog.InfoContext(ctx, "compensation started",
			"execution_id", exec.ID, "step", failure.stepCode, "error_class", failure.class)
		return o.compensate(ctx, rec, result, exec, def, failure)
	}

	if failure.class == domain.ErrorClassNonRetryable {
		return o.settleFailed(ctx, rec, exec, failure.class, failure.summary)
	}
	return o.deadLetter(ctx, rec, exec, failure, nil)
}

// compensate undoes completed steps in reverse completion order. Each
// compensation handler runs once under the step's timeout; a failure
// dead-letters the execution with the precipitating cause, recording the
// compensation failure in the entry metadata.
//
// Attempts are reloaded so the sweep sees the completion order the store
// assigned, and so a resumed sweep skips the steps already flipped.
func (o *Orchestrator) compensate(ctx context.Context, rec *eventRecorder, result *AdvanceResult, exec *domain.Execution, def *domain.WorkflowDefinition, failure terminalFailure) error {
	attempts, err := o.store.ListAttempts(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("failed to load attempts: %w", err)
	}
	states := indexAttempts(attempts)

	for _, att := range states.succeededByCompletionDesc() {
		step, ok := def.StepByCode(att.StepCode)
		if !ok {
			return fmt.Errorf("%w: step %q missing from definition", domain.ErrInternal, att.StepCode)
		}

		now := o.clock.Now().UTC()
		if step.CompensationHandler == "" {
			if err := o.store.SetAttemptCompensation(ctx, att.ID, domain.AttemptStatusSkipped, now); err != nil {
				return fmt.Errorf("failed to skip compensation: %w", err)
			}
			rec.add(domain.EventCompensationStep, att.StepCode, att.AttemptNumber, "skipped: no compensation handler")
			continue
		}

		timeout := stepTimeout(step, def.Policies)
		input := assembleCompensationInput(exec, att.StepCode, att.Output)
		_, invokeErr := o.runner.invoke(ctx, step.CompensationHandler, input, timeout, now.Add(timeout))
		result.Dispatched++

		if invokeErr != nil {
			class, summary := Classify(invokeErr)
			rec.add(domain.EventCompensationStep, att.StepCode, att.AttemptNumber,
				fmt.Sprintf("failed (%s): %s", class, summary))
			slog.ErrorContext(ctx, "compensation handler failed",
				"execution_id", exec.ID, "step", att.StepCode,
				"handler", step.CompensationHandler, "error_class", class, "error", summary)
			meta := map[string]any{
				"compensation_step":        att.StepCode,
				"compensation_handler":     step.CompensationHandler,
				"compensation_error_class": string(class),
				"compensation_error":       summary,
			}
			return o.deadLetter(ctx, rec, exec, failure, meta)
		}

		if err := o.store.SetAttemptCompensation(ctx, att.ID, domain.AttemptStatusCompensated, o.clock.Now().UTC()); err != nil {
			return fmt.Errorf("failed to record compensation: %w", err)
		}
		rec.add(domain.EventCompensationStep, att.StepCode, att.AttemptNumber, "compensated")
		slog.InfoContext(ctx, "step compensated",
			"execution_id", exec.ID, "step", att.StepCode, "handler", step.CompensationHandler)
	}

	now := o.clock.Now().UTC()
	if err := o.applySettlement(ctx, exec, ExecutionSettlement{
		Status:       domain.ExecutionStatusCompensated,
		ErrorClass:   failure.class,
		ErrorSummary: failure.summary,
		CompletedAt:  &now,
	}); err != nil {
		return err
	}
	rec.add(domain.EventExecutionCompensated, "", 0, "")
	slog.InfoContext(ctx, "execution compensated", "execution_id", exec.ID)
	return nil
}

// deadLetter records the DLQ entry (at most once per execution) and settles
// the execution into dlq.
func (o *Orchestrator) deadLetter(ctx context.Context, rec *eventRecorder, exec *domain.Execution, failure terminalFailure, metadata map[string]any) error {
	entryID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate dlq entry ID: %w", err)
	}

	now := o.clock.Now().UTC()
	entry := &domain.DLQEntry{
		ID:           entryID.String(),
		TenantID:     exec.TenantID,
		ExecutionID:  exec.ID,
		StepCode:     failure.stepCode,
		Reason:       failure.reason,
		ErrorClass:   failure.class,
		ErrorSummary: failure.summary,
		Metadata:     metadata,
		CreatedAt:    now,
	}
	if err := o.store.InsertDLQEntry(ctx, entry); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("failed to insert dlq entry: %w", err)
		}
		slog.WarnContext(ctx, "execution already dead-lettered", "execution_id", exec.ID)
	}

	if err := o.applySettlement(ctx, exec, ExecutionSettlement{
		Status:       domain.ExecutionStatusDLQ,
		ErrorClass:   failure.class,
		ErrorSummary: failure.summary,
		CompletedAt:  &now,
		DLQAt:        &now,
	}); err != nil {
		return err
	}
	rec.add(domain.EventExecutionDeadLettered, failure.stepCode, 0, string(failure.reason))
	slog.ErrorContext(ctx, "execution dead-lettered",
		"execution_id", exec.ID, "step", failure.stepCode,
		"reason", failure.reason, "error_class", failure.class)
	return nil
}

// settleSucceeded projects the execution output, validates it when the
// definition declares an output schema, and settles the execution.
func (o *Orchestrator) settleSucceeded(ctx context.Context, rec *eventRecorder, exec *domain.Execution, def *domain.WorkflowDefinition, states *stepStates) error {
	output := projectOutput(def, states)

	if len(def.OutputSchema) > 0 {
		schema, err := jsonschema.Compile(def.OutputSchema)
		if err != nil {
			return fmt.Errorf("%w: published output schema does not compile: %v", domain.ErrInternal, err)
		}
		if err := schema.ValidateValue(output); err != nil {
			return o.settleFailed(ctx, rec, exec, domain.ErrorClassNonRetryable,
				truncateSummary(fmt.Sprintf("output validation failed: %v", err)))
		}
	}

	now := o.clock.Now().UTC()
	if err := o.applySettlement(ctx, exec, ExecutionSettlement{
		Status:      domain.ExecutionStatusSucceeded,
		Output:      output,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	rec.add(domain.EventExecutionSucceeded, "", 0, "")
	slog.InfoContext(ctx, "execution succeeded", "execution_id", exec.ID)
	return nil
}

func (o *Orchestrator) settleFailed(ctx context.Context, rec *eventRecorder, exec *domain.Execution, class domain.ErrorClass, summary string) error {
	now := o.clock.Now().UTC()
	if err := o.applySettlement(ctx, exec, ExecutionSettlement{
		Status:       domain.ExecutionStatusFailed,
		ErrorClass:   class,
		ErrorSummary: summary,
		CompletedAt:  &now,
	}); err != nil {
		return err
	}
	rec.add(domain.EventExecutionFailed, "", 0, summary)
	slog.WarnContext(ctx, "execution failed",
		"execution_id", exec.ID, "error_class", class, "error", summary)
	return nil
}

func (o *Orchestrator) settleCanceled(ctx context.Context, rec *eventRecorder, exec *domain.Execution) error {
	return o.settleFailed(ctx, rec, exec, domain.ErrorClassNonRetryable, "execution canceled")
}

// applySettlement persists the transition and mirrors it onto the in-memory
// execution. A conflicting settlement from another advancer wins; the local
// view reloads to match.
func (o *Orchestrator) applySettlement(ctx context.Context, exec *domain.Execution, settlement ExecutionSettlement) error {
	err := o.store.SettleExecution(ctx, exec.ID, settlement)
	if err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("failed to settle execution: %w", err)
		}
		fresh, loadErr := o.store.GetExecution(ctx, exec.ID)
		if loadErr != nil {
			return fmt.Errorf("failed to reload settled execution: %w", loadErr)
		}
		*exec = *fresh
		return nil
	}

	exec.Status = settlement.Status
	if settlement.Output != nil {
		exec.Output = settlement.Output
	}
	exec.ErrorClass = settlement.ErrorClass
	exec.ErrorSummary = settlement.ErrorSummary
	exec.CompletedAt = settlement.CompletedAt
	if settlement.DLQAt != nil {
		exec.DLQAt = settlement.DLQAt
	}
	exec.UpdatedAt = o.clock.Now().UTC()
	return nil
}

// Cancel requests cancellation. The flag takes effect between steps: the
// next dispatch round settles the execution as failed with summary
// "execution canceled". Canceling a terminal execution returns ErrConflict.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) (*domain.Execution, error) {
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	if exec.Status.Terminal() {
		return exec, fmt.Errorf("%w: execution %s is already %s", domain.ErrConflict, executionID, exec.Status)
	}
	if exec.CancelRequested {
		return exec, nil
	}

	if err := o.store.RequestCancel(ctx, executionID); err != nil {
		return nil, fmt.Errorf("failed to request cancel: %w", err)
	}
	exec.CancelRequested = true
	slog.InfoContext(ctx, "execution cancel requested", "execution_id", executionID)
	return exec, nil
}

// GetExecution loads one execution.
func (o *Orchestrator) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	return o.store.GetExecution(ctx, executionID)
}

// ListExecutions lists executions for operators.
func (o *Orchestrator) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*domain.Execution, error) {
	return o.store.ListExecutions(ctx, filter)
}

// ListDLQ lists dead letter entries for review.
func (o *Orchestrator) ListDLQ(ctx context.Context, filter DLQFilter) ([]*domain.DLQEntry, error) {
	return o.store.ListDLQEntries(ctx, filter)
}

// ReprocessDLQ records review metadata on a dead letter entry. It never
// resurrects attempts; rerunning the work means starting a new execution
// with a fresh idempotency key.
func (o *Orchestrator) ReprocessDLQ(ctx context.Context, tenantID, entryID, by, outcome string) (*domain.DLQEntry, error) {
	if by == "" {
		return nil, fmt.Errorf("%w: reviewer is required", domain.ErrBadInput)
	}
	if outcome == "" {
		outcome = "reviewed"
	}

	entry, err := o.store.MarkDLQReprocessed(ctx, tenantID, entryID, DLQReview{
		By:      by,
		Outcome: outcome,
		At:      o.clock.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark dlq entry reprocessed: %w", err)
	}
	slog.InfoContext(ctx, "dlq entry reprocessed",
		"tenant_id", tenantID, "entry_id", entryID, "by", by, "outcome", outcome)
	return entry, nil
}

// projectOutput maps step outputs into the execution output per the
// definition's output mapping.
func projectOutput(def *domain.WorkflowDefinition, states *stepStates) map[string]any {
	if len(def.OutputMapping) == 0 {
		return nil
	}
	outputs := states.outputs()
	projected := make(map[string]any, len(def.OutputMapping))
	for field, stepCode := range def.OutputMapping {
		projected[field] = outputs[stepCode]
	}
	return projected
}

// ===== per-step attempt bookkeeping =====

type stepState struct {
	count     int
	succeeded *domain.StepAttempt
	running   bool
}

type stepStates struct {
	byCode map[string]*stepState
}

func indexAttempts(attempts []*domain.StepAttempt) *stepStates {
	states := &stepStates{byCode: make(map[string]*stepState)}
	for _, att := range attempts {
		states.record(att)
	}
	return states
}

func (s *stepStates) record(att *domain.StepAttempt) {
	state := s.byCode[att.StepCode]
	if state == nil {
		state = &stepState{}
		s.byCode[att.StepCode] = state
	}
	if att.AttemptNumber > state.count {
		state.count = att.AttemptNumber
	}
	switch att.Status {
	case domain.AttemptStatusSucceeded:
		state.succeeded = att
	case domain.AttemptStatusRunning:
		state.running = true
	}
}

func (s *stepStates) state(code string) *stepState {
	if state := s.byCode[code]; state != nil {
		return state
	}
	return &stepState{}
}

func (s *stepStates) anyRunning() bool {
	for _, state := range s.byCode {
		if state.running {
			return true
		}
	}
	return false
}

func (s *stepStates) depsSucceeded(step domain.Step) bool {
	for _, dep := range step.DependsOn {
		if s.state(dep).succeeded == nil {
			return false
		}
	}
	return true
}

func (s *stepStates) allSucceeded(def *domain.WorkflowDefinition) bool {
	for _, step := range def.Steps {
		if s.state(step.Code).succeeded == nil {
			return false
		}
	}
	return true
}

// compensable reports whether any completed step declares a compensation
// handler, which is what routes a terminal failure into compensating.
func (s *stepStates) compensable(def *domain.WorkflowDefinition) bool {
	for _, step := range def.Steps {
		if step.CompensationHandler == "" {
			continue
		}
		if s.state(step.Code).succeeded != nil {
			return true
		}
	}
	return false
}

// outputs returns the output of every currently succeeded step.
func (s *stepStates) outputs() map[string]map[string]any {
	out := make(map[string]map[string]any, len(s.byCode))
	for code, state := range s.byCode {
		if state.succeeded != nil {
			out[code] = state.succeeded.Output
		}
	}
	return out
}

// succeededByCompletionDesc returns succeeded attempts newest completion
// first: the order compensation runs in.
func (s *stepStates) succeededByCompletionDesc() []*domain.StepAttempt {
	var atts []*domain.StepAttempt
	for _, state := range s.byCode {
		if state.succeeded != nil {
			atts = append(atts, state.succeeded)
		}
	}
	sort.Slice(atts, func(i, j int) bool {
		return atts[i].CompletionOrder > atts[j].CompletionOrder
	})
	return atts
}

// ===== event recording =====

type eventRecorder struct {
	clock       schedule.Clock
	executionID string
	events      []domain.Event
}

func (r *eventRecorder) add(kind domain.EventKind, stepCode string, attemptNumber int, detail string) {
	r.events = append(r.events, domain.Event{
		ID:            newEventID(),
		ExecutionID:   r.executionID,
		Kind:          kind,
		StepCode:      stepCode,
		AttemptNumber: attemptNumber,
		Detail:        detail,
		At:            r.clock.Now().UTC(),
	})
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return ""
	}
	return id.String()
}
