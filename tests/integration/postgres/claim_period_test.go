package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firmflow/engine/internal/domain"
)

// TestClaimPeriod_ConcurrentSingleWinner verifies the dedupe ledger's core
// guarantee: when many generators race to claim the same (rule, period
// start), exactly one wins and every loser receives the existing record.
func TestClaimPeriod_ConcurrentSingleWinner(t *testing.T) {
	store := SetupStore(t)
	ctx := context.Background()
	tenantID := NewTenantID(t)

	rule := CreateMonthlyRule(t, ctx, store, tenantID)

	periodStart := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	const claimants = 8
	outcomes := make(chan *domain.ClaimOutcome, claimants)
	errs := make(chan error, claimants)

	var wg sync.WaitGroup
	wg.Add(claimants)
	for i := 0; i < claimants; i++ {
		go func() {
			defer wg.Done()

			record := &domain.GenerationRecord{
				RuleID:      rule.ID,
				TenantID:    tenantID,
				PeriodStart: periodStart,
				PeriodEnd:   periodEnd,
				PeriodLabel: "2025-01",
			}
			outcome, err := store.ClaimPeriod(ctx, record)
			if err != nil {
				errs <- err
				return
			}
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)
	close(errs)

	for err := range errs {
		t.Errorf("claim failed: %v", err)
	}

	var winners, losers int
	for outcome := range outcomes {
		if outcome.Won {
			winners++
			continue
		}
		losers++
		require.NotNil(t, outcome.Existing, "losers must see the existing record")
		assert.Equal(t, rule.ID, outcome.Existing.RuleID)
		assert.Equal(t, "2025-01", outcome.Existing.PeriodLabel)
		assert.False(t, outcome.Existing.Fulfilled(), "record is still an in-flight claim")
	}
	assert.Equal(t, 1, winners, "exactly one claimant wins the period")
	assert.Equal(t, claimants-1, losers)

	records, err := store.ListGenerations(ctx, tenantID, rule.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1, "the ledger holds a single row for the period")
}

// TestClaimPeriod_FulfilledRecordStopsReclaims verifies that a fulfilled
// ledger row permanently closes its period: later claims lose and see the
// produced reference, and releasing a fulfilled row is a no-op.
func TestClaimPeriod_FulfilledRecordStopsReclaims(t *testing.T) {
	store := SetupStore(t)
	ctx := context.Background()
	tenantID := NewTenantID(t)

	rule := CreateMonthlyRule(t, ctx, store, tenantID)

	periodStart := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	record := &domain.GenerationRecord{
		RuleID:      rule.ID,
		TenantID:    tenantID,
		PeriodStart: periodStart,
		PeriodEnd:   time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodLabel: "2025-02",
	}

	outcome, err := store.ClaimPeriod(ctx, record)
	require.NoError(t, err)
	require.True(t, outcome.Won)

	require.NoError(t, store.FulfillPeriod(ctx, rule.ID, periodStart, "invoice", "inv-2025-02"))

	t.Run("later_claim_sees_produced_reference", func(t *testing.T) {
		again, err := store.ClaimPeriod(ctx, &domain.GenerationRecord{
			RuleID:      rule.ID,
			TenantID:    tenantID,
			PeriodStart: periodStart,
			PeriodEnd:   record.PeriodEnd,
			PeriodLabel: record.PeriodLabel,
		})
		require.NoError(t, err)
		assert.False(t, again.Won)
		require.NotNil(t, again.Existing)
		assert.True(t, again.Existing.Fulfilled())
		assert.Equal(t, "invoice", again.Existing.ProducedKind)
		assert.Equal(t, "inv-2025-02", again.Existing.ProducedID)
		require.NotNil(t, again.Existing.GeneratedAt)
	})

	t.Run("release_never_touches_fulfilled_rows", func(t *testing.T) {
		require.NoError(t, store.ReleasePeriod(ctx, rule.ID, periodStart))

		records, err := store.ListGenerations(ctx, tenantID, rule.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.True(t, records[0].Fulfilled(), "fulfilled row survives a release")
	})
}

// TestClaimPeriod_ReleasedClaimCanBeRetried verifies the crash-recovery path:
// releasing an unfulfilled claim deletes the row, so a later run claims the
// period afresh.
func TestClaimPeriod_ReleasedClaimCanBeRetried(t *testing.T) {
	store := SetupStore(t)
	ctx := context.Background()
	tenantID := NewTenantID(t)

	rule := CreateMonthlyRule(t, ctx, store, tenantID)

	periodStart := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	record := &domain.GenerationRecord{
		RuleID:      rule.ID,
		TenantID:    tenantID,
		PeriodStart: periodStart,
		PeriodEnd:   time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		PeriodLabel: "2025-03",
	}

	first, err := store.ClaimPeriod(ctx, record)
	require.NoError(t, err)
	require.True(t, first.Won)

	require.NoError(t, store.ReleasePeriod(ctx, rule.ID, periodStart))

	records, err := store.ListGenerations(ctx, tenantID, rule.ID)
	require.NoError(t, err)
	assert.Empty(t, records, "released claim leaves no ledger row")

	second, err := store.ClaimPeriod(ctx, record)
	require.NoError(t, err)
	assert.True(t, second.Won, "the period is claimable again after release")
}
