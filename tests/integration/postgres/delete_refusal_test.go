package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firmflow/engine/internal/application/orchestration"
	"github.com/firmflow/engine/internal/domain"
)

// TestDeleteRule_RefusesWithMaterializedGenerations verifies that a rule
// cannot be deleted once any of its periods produced a real object: those
// ledger rows are the only thing standing between the schedule and duplicate
// materialization.
func TestDeleteRule_RefusesWithMaterializedGenerations(t *testing.T) {
	store := SetupStore(t)
	ctx := context.Background()
	tenantID := NewTenantID(t)

	rule := CreateMonthlyRule(t, ctx, store, tenantID)

	periodStart := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	outcome, err := store.ClaimPeriod(ctx, &domain.GenerationRecord{
		RuleID:      rule.ID,
		TenantID:    tenantID,
		PeriodStart: periodStart,
		PeriodEnd:   time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		PeriodLabel: "2025-01",
	})
	require.NoError(t, err)
	require.True(t, outcome.Won)
	require.NoError(t, store.FulfillPeriod(ctx, rule.ID, periodStart, "invoice", "inv-0001"))

	err = store.DeleteRule(ctx, tenantID, rule.ID)
	require.ErrorIs(t, err, domain.ErrConflict)

	// Rule and ledger survive the refused delete.
	_, err = store.GetRule(ctx, tenantID, rule.ID)
	require.NoError(t, err)
	records, err := store.ListGenerations(ctx, tenantID, rule.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

// TestDeleteRule_UnfulfilledClaimsDoNotBlock verifies that in-flight claims
// are no obstacle: deleting the rule removes them along with it.
func TestDeleteRule_UnfulfilledClaimsDoNotBlock(t *testing.T) {
	store := SetupStore(t)
	ctx := context.Background()
	tenantID := NewTenantID(t)

	rule := CreateMonthlyRule(t, ctx, store, tenantID)

	outcome, err := store.ClaimPeriod(ctx, &domain.GenerationRecord{
		RuleID:      rule.ID,
		TenantID:    tenantID,
		PeriodStart: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		PeriodLabel: "2025-01",
	})
	require.NoError(t, err)
	require.True(t, outcome.Won)

	require.NoError(t, store.DeleteRule(ctx, tenantID, rule.ID))

	_, err = store.GetRule(ctx, tenantID, rule.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

// TestDeleteDefinition_RefusesWithLiveExecutions verifies that a workflow
// definition cannot be removed from under a pending, running, or
// compensating execution.
func TestDeleteDefinition_RefusesWithLiveExecutions(t *testing.T) {
	store := SetupStore(t)
	ctx := context.Background()
	tenantID := NewTenantID(t)

	PublishDefinition(t, ctx, store, tenantID, singleStepDoc)

	registry := orchestration.NewRegistry()
	require.NoError(t, registry.Register("noop", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}))
	orch := orchestration.NewOrchestrator(store, registry)

	exec, err := orch.Start(ctx, orchestration.StartParams{
		TenantID:       tenantID,
		DefinitionCode: "noop_flow",
		IdempotencyKey: "delete-guard",
	})
	require.NoError(t, err)

	t.Run("pending_execution_blocks_delete", func(t *testing.T) {
		err := store.DeleteDefinition(ctx, tenantID, "noop_flow")
		require.ErrorIs(t, err, domain.ErrConflict)

		_, err = store.LatestPublishedDefinition(ctx, tenantID, "noop_flow")
		require.NoError(t, err, "the definition survives the refused delete")
	})

	t.Run("settled_executions_release_the_definition", func(t *testing.T) {
		final := AdvanceUntilTerminal(t, ctx, orch, exec.ID, 5*time.Second)
		require.Equal(t, domain.ExecutionStatusSucceeded, final.Status)

		require.NoError(t, store.DeleteDefinition(ctx, tenantID, "noop_flow"))

		_, err := store.LatestPublishedDefinition(ctx, tenantID, "noop_flow")
		require.ErrorIs(t, err, domain.ErrNotFound)

		// Historical executions cascade with their definition.
		_, err = store.GetExecution(ctx, exec.ID)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}
