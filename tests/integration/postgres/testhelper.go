// Package integration exercises the engine against a real PostgreSQL
// database. Tests skip unless ENGINE_TEST_DB_DSN points at one.
//
// Isolation comes from per-test tenant IDs rather than truncation, so the
// whole package can share a single database.
package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/firmflow/engine/internal/application/orchestration"
	"github.com/firmflow/engine/internal/application/recurrence"
	"github.com/firmflow/engine/internal/config"
	"github.com/firmflow/engine/internal/domain"
	"github.com/firmflow/engine/internal/infrastructure/persistence/postgres"
)

// SetupStore connects to the test database and applies migrations.
// Skips the test when no test DSN is configured.
func SetupStore(t *testing.T) *postgres.Store {
	t.Helper()

	cfg, err := config.LoadTestConfig()
	require.NoError(t, err)
	if !cfg.Enabled() {
		t.Skip("set ENGINE_TEST_DB_DSN to run integration tests")
	}

	store, err := postgres.Connect(context.Background(), postgres.DBConfig{DSN: cfg.DSN})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

// NewTenantID mints a tenant unique to this test so concurrent tests never
// see each other's rows.
func NewTenantID(t *testing.T) string {
	t.Helper()

	id, err := uuid.NewV7()
	require.NoError(t, err)
	return "tenant-" + id.String()
}

// NewID mints a fresh row ID.
func NewID(t *testing.T) string {
	t.Helper()

	id, err := uuid.NewV7()
	require.NoError(t, err)
	return id.String()
}

// CreateMonthlyRule persists an active monthly invoice rule anchored on
// 2025-01-01 in Europe/Amsterdam and returns it with its assigned ID.
func CreateMonthlyRule(t *testing.T, ctx context.Context, store *postgres.Store, tenantID string) *domain.RecurrenceRule {
	t.Helper()

	rule := &domain.RecurrenceRule{
		TenantID:   tenantID,
		Target:     domain.TargetRef{Kind: "invoice", ID: "tpl-retainer"},
		Frequency:  domain.FrequencyMonthly,
		Interval:   1,
		AnchorKind: domain.AnchorCalendar,
		AnchorDate: domain.CivilDate{Year: 2025, Month: time.January, Day: 1},
		StartsAt:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Timezone:   "Europe/Amsterdam",
	}
	require.NoError(t, recurrence.NewService(store).CreateRule(ctx, rule))
	return rule
}

// PublishDefinition publishes a definition document for the tenant and
// returns the stored version.
func PublishDefinition(t *testing.T, ctx context.Context, store *postgres.Store, tenantID, doc string) *domain.WorkflowDefinition {
	t.Helper()

	def, err := orchestration.NewPublisher(store).Publish(ctx, tenantID, []byte(doc))
	require.NoError(t, err)
	return def
}

// AdvanceUntilTerminal drives an execution with repeated Advance calls until
// it settles, polling through retry backoffs the way the worker's advancer
// loop does. Fails the test when the execution is still live after `within`.
func AdvanceUntilTerminal(t *testing.T, ctx context.Context, orch *orchestration.Orchestrator, executionID string, within time.Duration) *domain.Execution {
	t.Helper()

	deadline := time.Now().UTC().Add(within)
	for {
		result, err := orch.Advance(ctx, executionID)
		require.NoError(t, err)
		if result.Execution.Status.Terminal() {
			return result.Execution
		}
		if time.Now().UTC().After(deadline) {
			t.Fatalf("execution %s still %s after %s", executionID, result.Execution.Status, within)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// AttemptsByStep groups an execution's attempts by step code, preserving the
// store's (started_at, attempt_number) order within each step.
func AttemptsByStep(attempts []*domain.StepAttempt) map[string][]*domain.StepAttempt {
	byStep := make(map[string][]*domain.StepAttempt)
	for _, att := range attempts {
		byStep[att.StepCode] = append(byStep[att.StepCode], att)
	}
	return byStep
}

// CallLog records handler invocations so tests can assert how often and in
// what order handlers ran. Safe for concurrent use.
type CallLog struct {
	mu    sync.Mutex
	order []string
	count map[string]int
}

// NewCallLog creates an empty CallLog.
func NewCallLog() *CallLog {
	return &CallLog{count: make(map[string]int)}
}

// Bump records one invocation of code and returns its new invocation count.
func (l *CallLog) Bump(code string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.order = append(l.order, code)
	l.count[code]++
	return l.count[code]
}

// Count returns how many times code was invoked.
func (l *CallLog) Count(code string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count[code]
}

// Order returns the invocation sequence.
func (l *CallLog) Order() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}
