package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefinitionStatus is the lifecycle state of a workflow definition version.
type DefinitionStatus string

const (
	DefinitionStatusDraft      DefinitionStatus = "draft"
	DefinitionStatusPublished  DefinitionStatus = "published"
	DefinitionStatusDeprecated DefinitionStatus = "deprecated"
)

// NewDefinitionStatus validates and creates a DefinitionStatus.
func NewDefinitionStatus(s string) (DefinitionStatus, error) {
	status := DefinitionStatus(strings.ToLower(s))

	switch status {
	case DefinitionStatusDraft, DefinitionStatusPublished, DefinitionStatusDeprecated:
		return status, nil
	default:
		return "", fmt.Errorf("%w: unknown definition status %q", ErrBadDefinition, s)
	}
}

// BackoffSpec parameterizes retry delays:
//
//	base  = min(initial * multiplier^(attempt-1), max)
//	delay = base + uniform(0, jitter*base)
type BackoffSpec struct {
	InitialDelayMS int64   `json:"initial_delay_ms"`
	MaxDelayMS     int64   `json:"max_delay_ms"`
	Multiplier     float64 `json:"multiplier"`
	Jitter         float64 `json:"jitter"`
}

// Step is one node of a workflow's dependency graph.
//
// Zero values mean "inherit": MaxAttempts 0 and a nil Backoff fall back to
// the error-class defaults, TimeoutMS 0 falls back to the definition's
// default timeout. SafeToRetry false forces a single attempt regardless of
// every other retry field.
type Step struct {
	Code    string `json:"code"`
	Handler string `json:"handler"`

	DependsOn []string `json:"depends_on,omitempty"`

	// CompensationHandler, when set, undoes this step if a later step fails
	// terminally.
	CompensationHandler string `json:"compensation_handler,omitempty"`

	RetryOnClasses []ErrorClass `json:"retry_on_classes,omitempty"`
	MaxAttempts    int          `json:"max_attempts,omitempty"`
	Backoff        *BackoffSpec `json:"backoff,omitempty"`
	TimeoutMS      int64        `json:"timeout_ms,omitempty"`
	SafeToRetry    bool         `json:"safe_to_retry"`
}

// DefinitionPolicies are workflow-wide defaults applied when a step is
// silent.
type DefinitionPolicies struct {
	DefaultTimeoutMS   int64 `json:"default_timeout_ms,omitempty"`
	DefaultMaxAttempts int   `json:"default_max_attempts,omitempty"`

	// MaxConcurrency bounds concurrently running executions of this
	// workflow per tenant. Zero means unbounded.
	MaxConcurrency int `json:"max_concurrency,omitempty"`
}

// WorkflowDefinition is an aggregate root: one immutable version of a step
// graph.
//
// Versions are monotonic per (tenant, code). Once published a row never
// changes; a new version clones and mutates, and publishing it deprecates
// the previously published version in the same transaction.
type WorkflowDefinition struct {
	ID       string
	TenantID string
	Code     string
	Version  int

	Status DefinitionStatus

	Steps    []Step
	Policies DefinitionPolicies

	// Schemas are stored as raw documents and compiled by the orchestrator.
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage

	// OutputMapping projects step outputs into the execution output:
	// output[field] = output of the named step.
	OutputMapping map[string]string

	PublishedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StepByCode returns the step descriptor for code.
func (d *WorkflowDefinition) StepByCode(code string) (Step, bool) {
	for _, s := range d.Steps {
		if s.Code == code {
			return s, true
		}
	}
	return Step{}, false
}

// ValidateSteps checks the structural invariants of the step graph: at
// least one step, unique non-empty codes, non-empty handlers, dependencies
// that exist, and the existence of a topological order.
func (d *WorkflowDefinition) ValidateSteps() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: definition has no steps", ErrBadDefinition)
	}

	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.Code == "" {
			return fmt.Errorf("%w: step code is required", ErrBadDefinition)
		}
		if seen[s.Code] {
			return fmt.Errorf("%w: duplicate step code %q", ErrBadDefinition, s.Code)
		}
		seen[s.Code] = true
		if s.Handler == "" {
			return fmt.Errorf("%w: step %q has no handler", ErrBadDefinition, s.Code)
		}
		if s.MaxAttempts < 0 {
			return fmt.Errorf("%w: step %q has negative max_attempts", ErrBadDefinition, s.Code)
		}
		if s.TimeoutMS < 0 {
			return fmt.Errorf("%w: step %q has negative timeout_ms", ErrBadDefinition, s.Code)
		}
		if s.Backoff != nil {
			if s.Backoff.InitialDelayMS < 0 || s.Backoff.MaxDelayMS < 0 {
				return fmt.Errorf("%w: step %q has negative backoff delays", ErrBadDefinition, s.Code)
			}
			if s.Backoff.Jitter < 0 || s.Backoff.Jitter > 1 {
				return fmt.Errorf("%w: step %q jitter must be in [0,1]", ErrBadDefinition, s.Code)
			}
		}
		for _, class := range s.RetryOnClasses {
			if _, err := NewErrorClass(string(class)); err != nil {
				return fmt.Errorf("%w: step %q: %v", ErrBadDefinition, s.Code, err)
			}
		}
	}

	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrBadDefinition, s.Code, dep)
			}
			if dep == s.Code {
				return fmt.Errorf("%w: step %q depends on itself", ErrBadDefinition, s.Code)
			}
		}
	}

	if _, err := d.TopologicalOrder(); err != nil {
		return err
	}

	for field, stepCode := range d.OutputMapping {
		if field == "" {
			return fmt.Errorf("%w: output mapping has an empty field name", ErrBadDefinition)
		}
		if !seen[stepCode] {
			return fmt.Errorf("%w: output mapping field %q names unknown step %q", ErrBadDefinition, field, stepCode)
		}
	}

	return nil
}

// TopologicalOrder returns the step codes in a valid execution order, or
// ErrBadDefinition when the graph has a cycle. The order is deterministic:
// ties resolve in declaration order.
func (d *WorkflowDefinition) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(d.Steps))
	dependents := make(map[string][]string, len(d.Steps))
	for _, s := range d.Steps {
		indegree[s.Code] += 0
		for _, dep := range s.DependsOn {
			indegree[s.Code]++
			dependents[dep] = append(dependents[dep], s.Code)
		}
	}

	order := make([]string, 0, len(d.Steps))
	for len(order) < len(d.Steps) {
		progressed := false
		for _, s := range d.Steps {
			if indegree[s.Code] != 0 {
				continue
			}
			order = append(order, s.Code)
			indegree[s.Code] = -1
			for _, next := range dependents[s.Code] {
				indegree[next]--
			}
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("%w: dependency cycle in step graph", ErrBadDefinition)
		}
	}
	return order, nil
}

// Published reports whether this version is the immutable published form.
func (d *WorkflowDefinition) Published() bool {
	return d.Status == DefinitionStatusPublished
}
