package worker

import (
	"context"
	"time"
)

// Repository is the persistence surface the daemon loops need beyond what
// the generator and orchestrator already own. All methods are safe for
// concurrent use by multiple worker processes.
type Repository interface {
	// === Due Execution Claiming ===

	// ClaimDueExecutions claims up to limit due, non-terminal executions
	// and returns their IDs. Claims act as a visibility timeout: a claimed
	// execution is invisible to other claimers for holdFor, then resurfaces
	// if its advance never finished. Safe for concurrent advancers; each
	// claims a disjoint set.
	ClaimDueExecutions(ctx context.Context, limit int, holdFor time.Duration) ([]string, error)

	// === Stale Attempt Recovery ===

	// SweepExpiredAttempts fails every running attempt whose deadline has
	// passed and wakes the owning executions for re-advancement. Returns
	// the number of attempts expired.
	SweepExpiredAttempts(ctx context.Context) (int, error)

	// === Cancellation Fan-out ===

	// SubscribeToCancellations returns a channel receiving the IDs of
	// executions whose cancellation was requested, so an advancer reacts
	// ahead of the next poll. The channel closes when ctx is canceled.
	SubscribeToCancellations(ctx context.Context) (<-chan string, error)

	// === Exclusive Tick Execution ===

	// TryAcquireTickLease takes the lease that keeps the recurrence tick
	// single-flight across worker processes. Returns (release, true, nil)
	// when acquired and (nil, false, nil) when another process holds it.
	TryAcquireTickLease(ctx context.Context) (release func(), acquired bool, err error)
}
