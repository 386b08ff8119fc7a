// Package bridge connects the recurrence engine to the orchestration
// engine: rules whose target kind is "workflow" start one execution of the
// named workflow per materialized period.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firmflow/engine/internal/application/orchestration"
	"github.com/firmflow/engine/internal/application/recurrence"
	"github.com/firmflow/engine/internal/domain"
	"github.com/firmflow/engine/internal/schedule"
)

// TargetKindWorkflow is the rule target kind the workflow factory serves.
// The rule's target ID names the workflow definition code to start.
const TargetKindWorkflow = "workflow"

// ProducedKindExecution tags ledger rows produced by the workflow factory.
const ProducedKindExecution = "workflow_execution"

// Starter starts workflow executions. Satisfied by
// *orchestration.Orchestrator.
type Starter interface {
	Start(ctx context.Context, params orchestration.StartParams) (*domain.Execution, error)
}

// WorkflowFactory returns a recurrence target factory that starts an
// execution of the rule's target workflow for each period.
//
// The idempotency key is derived from the rule and the period start, so the
// orchestrator's start dedupe backstops the generation ledger: a period
// whose claim was released after a partial failure can be retried without
// ever starting a second execution.
func WorkflowFactory(starter Starter) recurrence.Factory {
	return func(ctx context.Context, rule *domain.RecurrenceRule, period schedule.Period) (string, string, error) {
		exec, err := starter.Start(ctx, orchestration.StartParams{
			TenantID:       rule.TenantID,
			DefinitionCode: rule.Target.ID,
			IdempotencyKey: PeriodKey(rule.ID, period.Start),
			Input:          periodInput(rule, period),
		})
		if err != nil {
			// A replayed start is success: the period's execution already
			// exists and the ledger should point at it.
			if errors.Is(err, domain.ErrConflict) && exec != nil {
				return ProducedKindExecution, exec.ID, nil
			}
			return "", "", fmt.Errorf("failed to start workflow %q: %w", rule.Target.ID, err)
		}
		return ProducedKindExecution, exec.ID, nil
	}
}

// PeriodKey is the idempotency key for the execution materialized from one
// rule period.
func PeriodKey(ruleID string, periodStart time.Time) string {
	return fmt.Sprintf("%s/%s", ruleID, periodStart.UTC().Format(time.RFC3339))
}

// periodInput is the input document handed to the started execution. If the
// target workflow declares an input schema it must accept this shape.
func periodInput(rule *domain.RecurrenceRule, period schedule.Period) map[string]any {
	return map[string]any{
		"rule_id":      rule.ID,
		"rule_code":    rule.Code,
		"period_start": period.Start.UTC().Format(time.RFC3339),
		"period_end":   period.End.UTC().Format(time.RFC3339),
		"period_label": period.Label,
	}
}
