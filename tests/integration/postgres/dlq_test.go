package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firmflow/engine/internal/application/orchestration"
	"github.com/firmflow/engine/internal/domain"
)

// closeBooksDoc exhausts its retry budget quickly: two attempts with a 50ms
// initial backoff and no jitter.
const closeBooksDoc = `{
	"code": "close_books",
	"steps": [
		{
			"code": "post_journal",
			"handler": "post_journal",
			"max_attempts": 2,
			"backoff": {"initial_delay_ms": 50, "max_delay_ms": 200, "multiplier": 2, "jitter": 0}
		}
	]
}`

// TestDeadLetter_ExhaustedRetries verifies the full dead-letter path against
// the real store.
//
// Scenario:
//   - post_journal fails with a transient error on every attempt
//   - the step allows two attempts with a 50ms backoff
//
// Expected behavior:
//   - the execution lands in dlq after two failed attempts
//   - exactly one DLQ entry exists, reason max_attempts_exceeded
//   - review stamps the entry once; a second review conflicts
func TestDeadLetter_ExhaustedRetries(t *testing.T) {
	store := SetupStore(t)
	ctx := context.Background()
	tenantID := NewTenantID(t)

	PublishDefinition(t, ctx, store, tenantID, closeBooksDoc)

	registry := orchestration.NewRegistry()
	require.NoError(t, registry.Register("post_journal", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, errors.New("connection reset by peer")
	}))
	orch := orchestration.NewOrchestrator(store, registry)

	exec, err := orch.Start(ctx, orchestration.StartParams{
		TenantID:       tenantID,
		DefinitionCode: "close_books",
		IdempotencyKey: "close-2025-07",
	})
	require.NoError(t, err)

	final := AdvanceUntilTerminal(t, ctx, orch, exec.ID, 10*time.Second)
	require.Equal(t, domain.ExecutionStatusDLQ, final.Status)
	assert.Equal(t, domain.ErrorClassTransient, final.ErrorClass)
	require.NotNil(t, final.DLQAt)

	attempts, err := store.ListAttempts(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2, "the retry budget is two attempts")
	for _, att := range attempts {
		assert.Equal(t, domain.AttemptStatusFailed, att.Status)
		assert.Equal(t, domain.ErrorClassTransient, att.ErrorClass)
	}

	entries, err := store.ListDLQEntries(ctx, orchestration.DLQFilter{TenantID: tenantID})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, exec.ID, entry.ExecutionID)
	assert.Equal(t, "post_journal", entry.StepCode)
	assert.Equal(t, domain.DLQReasonMaxAttemptsExceeded, entry.Reason)
	assert.Equal(t, domain.ErrorClassTransient, entry.ErrorClass)
	assert.False(t, entry.Reprocessed())

	t.Run("second_entry_for_same_execution_conflicts", func(t *testing.T) {
		err := store.InsertDLQEntry(ctx, &domain.DLQEntry{
			ID:           NewID(t),
			TenantID:     tenantID,
			ExecutionID:  exec.ID,
			StepCode:     "post_journal",
			Reason:       domain.DLQReasonUnknown,
			ErrorSummary: "duplicate entry",
			CreatedAt:    time.Now().UTC(),
		})
		require.ErrorIs(t, err, domain.ErrConflict)

		entries, err := store.ListDLQEntries(ctx, orchestration.DLQFilter{TenantID: tenantID})
		require.NoError(t, err)
		assert.Len(t, entries, 1, "the queue holds one entry per execution")
	})

	t.Run("entry_is_scoped_to_its_tenant", func(t *testing.T) {
		_, err := store.GetDLQEntry(ctx, NewTenantID(t), entry.ID)
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("review_stamps_the_entry_once", func(t *testing.T) {
		reviewed, err := orch.ReprocessDLQ(ctx, tenantID, entry.ID, "ops@firmflow.test", "")
		require.NoError(t, err)
		assert.True(t, reviewed.Reprocessed())
		require.NotNil(t, reviewed.ReprocessedBy)
		assert.Equal(t, "ops@firmflow.test", *reviewed.ReprocessedBy)
		require.NotNil(t, reviewed.ReprocessOutcome)
		assert.Equal(t, "reviewed", *reviewed.ReprocessOutcome, "outcome defaults to reviewed")

		_, err = orch.ReprocessDLQ(ctx, tenantID, entry.ID, "ops@firmflow.test", "retried")
		require.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("listing_hides_reviewed_entries_by_default", func(t *testing.T) {
		pending, err := store.ListDLQEntries(ctx, orchestration.DLQFilter{TenantID: tenantID})
		require.NoError(t, err)
		assert.Empty(t, pending)

		all, err := store.ListDLQEntries(ctx, orchestration.DLQFilter{
			TenantID:           tenantID,
			IncludeReprocessed: true,
		})
		require.NoError(t, err)
		assert.Len(t, all, 1)

		byReason, err := store.ListDLQEntries(ctx, orchestration.DLQFilter{
			TenantID:           tenantID,
			Reason:             domain.DLQReasonNonRetryableError,
			IncludeReprocessed: true,
		})
		require.NoError(t, err)
		assert.Empty(t, byReason, "reason filter excludes max_attempts_exceeded entries")
	})
}

// TestReprocessDLQ_UnknownEntry verifies the not-found path is distinguished
// from the already-reviewed conflict.
func TestReprocessDLQ_UnknownEntry(t *testing.T) {
	store := SetupStore(t)
	ctx := context.Background()

	orch := orchestration.NewOrchestrator(store, orchestration.NewRegistry())

	_, err := orch.ReprocessDLQ(ctx, NewTenantID(t), NewID(t), "ops@firmflow.test", "reviewed")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
