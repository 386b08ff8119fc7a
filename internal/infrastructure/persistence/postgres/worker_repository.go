package postgres

import (
	"context"
	"fmt"
	"time"
)

// cancellationChannel carries execution IDs from RequestCancel to listening
// advancers via NOTIFY.
const cancellationChannel = "execution_cancellations"

// tickLeaseKey is the advisory lock key guarding the recurrence tick.
// Arbitrary but stable.
const tickLeaseKey = 0x7469636b // "tick"

// ClaimDueExecutions claims up to limit due executions for advancement and
// returns their IDs. A claim is a visibility timeout, not a lock: the
// execution resurfaces after holdFor if the claimer dies, and scheduling a
// retry clears the hold early. SKIP LOCKED keeps concurrent advancers from
// blocking on each other.
func (s *Store) ClaimDueExecutions(ctx context.Context, limit int, holdFor time.Duration) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	claimedUntil := time.Now().UTC().Add(holdFor)

	rows, err := s.db.Query(ctx, `
		UPDATE executions
		SET claimed_until = $2, updated_at = now()
		WHERE id IN (
			SELECT id FROM executions
			WHERE status IN ('pending', 'running', 'compensating')
				AND ready_at <= now()
				AND (claimed_until IS NULL OR claimed_until <= now())
			ORDER BY ready_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id`,
		limit, claimedUntil)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due executions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan claimed execution: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to claim due executions: %w", err)
	}
	return ids, nil
}

// SweepExpiredAttempts fails every running attempt whose deadline passed and
// wakes the owning executions so an advancer re-examines them. Returns the
// number of attempts expired. Both updates run in one statement, so a
// concurrent CompleteAttempt either beats the sweep or loses to it.
func (s *Store) SweepExpiredAttempts(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		WITH expired AS (
			UPDATE step_attempts
			SET status = 'failed', error_class = 'TRANSIENT',
				error_summary = 'attempt timed out: worker lost or handler overran its deadline',
				completed_at = now()
			WHERE status = 'running' AND timeout_at < now()
			RETURNING execution_id
		), woken AS (
			UPDATE executions
			SET ready_at = LEAST(ready_at, now()), claimed_until = NULL, updated_at = now()
			WHERE id IN (SELECT execution_id FROM expired)
				AND status IN ('pending', 'running', 'compensating')
			RETURNING id
		)
		SELECT COUNT(*) FROM expired`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired attempts: %w", err)
	}
	return n, nil
}

// SubscribeToCancellations returns a channel of execution IDs whose
// cancellation was requested. A dedicated connection LISTENs until ctx is
// canceled; the channel closes when the subscription ends.
func (s *Store) SubscribeToCancellations(ctx context.Context) (<-chan string, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+cancellationChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen on %s: %w", cancellationChannel, err)
	}

	ch := make(chan string, 16)

	go func() {
		defer close(ch)
		defer conn.Release()
		defer func() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN "+cancellationChannel)
		}()

		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			select {
			case ch <- notification.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// TryAcquireTickLease takes the cluster-wide advisory lock that keeps the
// recurrence tick single-flight. Returns (release, true, nil) on success and
// (nil, false, nil) when another process holds it. The lock lives on a
// dedicated connection, so a crashed holder releases it automatically.
func (s *Store) TryAcquireTickLease(ctx context.Context) (release func(), acquired bool, err error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection: %w", err)
	}

	var got bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, int64(tickLeaseKey)).Scan(&got); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("failed to take tick lease: %w", err)
	}
	if !got {
		conn.Release()
		return nil, false, nil
	}

	release = func() {
		// Unlock on a background context: release must work during shutdown.
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, int64(tickLeaseKey))
		conn.Release()
	}
	return release, true, nil
}
