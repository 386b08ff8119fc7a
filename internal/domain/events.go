package domain

import "time"

// EventKind names a recorded transition in an execution's history.
type EventKind string

const (
	EventExecutionStarted      EventKind = "execution_started"
	EventStepStarted           EventKind = "step_started"
	EventStepSucceeded         EventKind = "step_succeeded"
	EventStepFailed            EventKind = "step_failed"
	EventRetryScheduled        EventKind = "retry_scheduled"
	EventCompensationStarted   EventKind = "compensation_started"
	EventCompensationStep      EventKind = "compensation_step"
	EventExecutionSucceeded    EventKind = "execution_succeeded"
	EventExecutionFailed       EventKind = "execution_failed"
	EventExecutionCompensated  EventKind = "execution_compensated"
	EventExecutionDeadLettered EventKind = "execution_dead_lettered"
)

// Event is one row of an execution's append-only history. The history is
// observational: replaying the orchestrator never depends on it.
type Event struct {
	ID          string
	ExecutionID string
	Kind        EventKind

	// StepCode is empty for execution-level events.
	StepCode string

	// AttemptNumber is zero for execution-level events.
	AttemptNumber int

	Detail string

	At time.Time
}
