package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firmflow/engine/internal/application/orchestration"
	"github.com/firmflow/engine/internal/application/recurrence"
	"github.com/firmflow/engine/internal/domain"
)

// TestTenantIsolation_Rules verifies that rule reads and listings never
// cross tenants, even when tenants reuse the same rule code.
func TestTenantIsolation_Rules(t *testing.T) {
	store := SetupStore(t)
	ctx := context.Background()

	tenantA := NewTenantID(t)
	tenantB := NewTenantID(t)

	ruleA := CreateMonthlyRule(t, ctx, store, tenantA)
	ruleB := CreateMonthlyRule(t, ctx, store, tenantB)

	t.Run("listing_is_tenant_scoped", func(t *testing.T) {
		rules, err := store.ListRules(ctx, recurrence.RuleFilter{TenantID: tenantA})
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, ruleA.ID, rules[0].ID)
	})

	t.Run("reads_across_tenants_are_not_found", func(t *testing.T) {
		_, err := store.GetRule(ctx, tenantA, ruleB.ID)
		require.ErrorIs(t, err, domain.ErrNotFound)

		_, err = store.ListGenerations(ctx, tenantA, ruleB.ID)
		require.NoError(t, err) // scoping happens in the WHERE clause
	})
}

// TestTenantIsolation_Definitions verifies that definition codes and their
// version counters are independent per tenant.
func TestTenantIsolation_Definitions(t *testing.T) {
	store := SetupStore(t)
	ctx := context.Background()

	tenantA := NewTenantID(t)
	tenantB := NewTenantID(t)

	PublishDefinition(t, ctx, store, tenantA, singleStepDoc)
	PublishDefinition(t, ctx, store, tenantA, singleStepDoc) // version 2 for A
	PublishDefinition(t, ctx, store, tenantB, singleStepDoc)

	defA, err := store.LatestPublishedDefinition(ctx, tenantA, "noop_flow")
	require.NoError(t, err)
	assert.Equal(t, 2, defA.Version)

	defB, err := store.LatestPublishedDefinition(ctx, tenantB, "noop_flow")
	require.NoError(t, err)
	assert.Equal(t, 1, defB.Version, "tenant B's version counter is its own")

	listA, err := store.ListDefinitions(ctx, tenantA, "noop_flow")
	require.NoError(t, err)
	assert.Len(t, listA, 2)
}

// TestTenantIsolation_IdempotencyKeys verifies that idempotency keys are
// scoped per tenant: two tenants can start the same workflow with the same
// key and get independent executions.
func TestTenantIsolation_IdempotencyKeys(t *testing.T) {
	store := SetupStore(t)
	ctx := context.Background()

	tenantA := NewTenantID(t)
	tenantB := NewTenantID(t)

	PublishDefinition(t, ctx, store, tenantA, singleStepDoc)
	PublishDefinition(t, ctx, store, tenantB, singleStepDoc)
	orch := orchestration.NewOrchestrator(store, orchestration.NewRegistry())

	execA, err := orch.Start(ctx, orchestration.StartParams{
		TenantID:       tenantA,
		DefinitionCode: "noop_flow",
		IdempotencyKey: "renewal-2025",
	})
	require.NoError(t, err)

	execB, err := orch.Start(ctx, orchestration.StartParams{
		TenantID:       tenantB,
		DefinitionCode: "noop_flow",
		IdempotencyKey: "renewal-2025",
	})
	require.NoError(t, err, "the same key in another tenant is not a replay")
	assert.NotEqual(t, execA.ID, execB.ID)

	execsA, err := store.ListExecutions(ctx, orchestration.ExecutionFilter{TenantID: tenantA})
	require.NoError(t, err)
	require.Len(t, execsA, 1)
	assert.Equal(t, execA.ID, execsA[0].ID)
}
