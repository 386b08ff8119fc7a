package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/firmflow/engine/internal/domain"
	"github.com/firmflow/engine/internal/schedule"
)

// defaultStepTimeout applies when neither the step nor the definition
// policies set one.
const defaultStepTimeout = 30 * time.Second

// stepRunner drives a single attempt: record it, invoke the handler under a
// deadline, classify the outcome, and finalize the record. The execution
// row is never locked while the handler runs; the ownership check on
// finalize resolves races with sweepers instead.
type stepRunner struct {
	store    Store
	registry *Registry
	clock    schedule.Clock
}

// attemptOutcome is what one runAttempt call produced.
type attemptOutcome struct {
	attempt *domain.StepAttempt

	// timedOut marks a failure caused by the attempt deadline.
	timedOut bool

	// lost means another advancer or a sweeper owned the attempt record;
	// the caller discards this round.
	lost bool
}

// runAttempt executes one numbered attempt of step. The handler may be a
// forward handler or a compensation handler; the caller picks the code.
func (r *stepRunner) runAttempt(ctx context.Context, exec *domain.Execution, def *domain.WorkflowDefinition, step domain.Step, handlerCode string, attemptNumber int, input map[string]any) (*attemptOutcome, error) {
	attemptID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate attempt ID: %w", err)
	}

	now := r.clock.Now().UTC()
	timeout := stepTimeout(step, def.Policies)
	attempt := &domain.StepAttempt{
		ID:            attemptID.String(),
		ExecutionID:   exec.ID,
		StepCode:      step.Code,
		AttemptNumber: attemptNumber,
		Status:        domain.AttemptStatusRunning,
		StartedAt:     now,
		TimeoutAt:     now.Add(timeout),
	}

	recorded, err := r.store.BeginAttempt(ctx, attempt)
	if err != nil {
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}
	if !recorded {
		slog.InfoContext(ctx, "dispatch race lost, discarding round",
			"execution_id", exec.ID, "step", step.Code, "attempt", attemptNumber)
		return &attemptOutcome{lost: true}, nil
	}

	slog.InfoContext(ctx, "step attempt started",
		"execution_id", exec.ID, "step", step.Code,
		"handler", handlerCode, "attempt", attemptNumber)

	output, invokeErr := r.invoke(ctx, handlerCode, input, timeout, attempt.TimeoutAt)

	result := AttemptResult{CompletedAt: r.clock.Now().UTC()}
	outcome := &attemptOutcome{attempt: attempt}
	if invokeErr != nil {
		class, summary := Classify(invokeErr)
		result.Status = domain.AttemptStatusFailed
		result.ErrorClass = class
		result.ErrorSummary = summary
		outcome.timedOut = errors.Is(invokeErr, domain.ErrTimeout)
	} else {
		result.Status = domain.AttemptStatusSucceeded
		result.Output = output
	}

	// Finalize even when the caller is shutting down; an unfinalized row
	// would sit as a phantom running attempt until the sweeper expires it.
	owned, err := r.store.CompleteAttempt(context.WithoutCancel(ctx), attempt.ID, result)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize attempt: %w", err)
	}
	if !owned {
		slog.WarnContext(ctx, "attempt finalized elsewhere, discarding result",
			"execution_id", exec.ID, "step", step.Code, "attempt", attemptNumber)
		return &attemptOutcome{lost: true}, nil
	}

	attempt.Status = result.Status
	attempt.Output = result.Output
	attempt.ErrorClass = result.ErrorClass
	attempt.ErrorSummary = result.ErrorSummary
	attempt.CompletedAt = &result.CompletedAt

	if invokeErr != nil {
		slog.WarnContext(ctx, "step attempt failed",
			"execution_id", exec.ID, "step", step.Code, "attempt", attemptNumber,
			"error_class", result.ErrorClass, "error", result.ErrorSummary)
	} else {
		slog.InfoContext(ctx, "step attempt succeeded",
			"execution_id", exec.ID, "step", step.Code, "attempt", attemptNumber)
	}

	return outcome, nil
}

// invoke calls the handler under the attempt deadline. A handler that
// ignores its context does not hold the attempt open: once the deadline
// fires the attempt fails as timed out and the late result is dropped.
func (r *stepRunner) invoke(ctx context.Context, handlerCode string, input map[string]any, timeout time.Duration, deadline time.Time) (map[string]any, error) {
	handler, ok := r.registry.Lookup(handlerCode)
	if !ok {
		return nil, domain.NewHandlerError(domain.ErrorClassNonRetryable,
			fmt.Sprintf("handler not registered: %s", handlerCode))
	}

	hctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	type handlerResult struct {
		output map[string]any
		err    error
	}
	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.ErrorContext(ctx, "handler panic recovered",
					"handler", handlerCode, "panic", rec, "stack", string(debug.Stack()))
				done <- handlerResult{err: fmt.Errorf("%w: handler panic: %v", domain.ErrInternal, rec)}
			}
		}()
		output, err := handler(hctx, input)
		done <- handlerResult{output: output, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: step timed out after %s", domain.ErrTimeout, timeout)
		}
		return nil, fmt.Errorf("execution canceled: %w", hctx.Err())
	}
}

// assembleStepInput builds a forward handler's input: the execution input
// under "$input" plus one key per dependency holding that step's output.
func assembleStepInput(exec *domain.Execution, step domain.Step, outputs map[string]map[string]any) map[string]any {
	input := make(map[string]any, len(step.DependsOn)+1)
	input["$input"] = exec.Input
	for _, dep := range step.DependsOn {
		input[dep] = outputs[dep]
	}
	return input
}

// assembleCompensationInput builds a compensation handler's input: the
// execution input under "$input" and the output of the step being undone
// under its own code.
func assembleCompensationInput(exec *domain.Execution, stepCode string, output map[string]any) map[string]any {
	return map[string]any{
		"$input": exec.Input,
		stepCode: output,
	}
}

func stepTimeout(step domain.Step, policies domain.DefinitionPolicies) time.Duration {
	if step.TimeoutMS > 0 {
		return time.Duration(step.TimeoutMS) * time.Millisecond
	}
	if policies.DefaultTimeoutMS > 0 {
		return time.Duration(policies.DefaultTimeoutMS) * time.Millisecond
	}
	return defaultStepTimeout
}
