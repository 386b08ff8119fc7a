package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/firmflow/engine/internal/domain"
	"github.com/firmflow/engine/internal/jsonschema"
	"github.com/firmflow/engine/internal/schedule"
)

// Archiver copies published definition documents to long-term storage.
type Archiver interface {
	ArchiveDefinition(ctx context.Context, def *domain.WorkflowDefinition) error
}

// DefinitionDoc is the submitted form of a workflow definition. Field
// constraints are enforced with struct validation before any semantic
// checks run.
type DefinitionDoc struct {
	Code     string      `json:"code" validate:"required,min=1,max=120"`
	Steps    []StepDoc   `json:"steps" validate:"required,min=1,dive"`
	Policies PoliciesDoc `json:"policies"`

	InputSchema   json.RawMessage   `json:"input_schema,omitempty"`
	OutputSchema  json.RawMessage   `json:"output_schema,omitempty"`
	OutputMapping map[string]string `json:"output_mapping,omitempty"`
}

// StepDoc is the submitted form of one step.
type StepDoc struct {
	Code                string   `json:"code" validate:"required,min=1,max=120"`
	Handler             string   `json:"handler" validate:"required"`
	DependsOn           []string `json:"depends_on,omitempty"`
	CompensationHandler string   `json:"compensation_handler,omitempty"`

	RetryOnClasses []string    `json:"retry_on_classes,omitempty"`
	MaxAttempts    int         `json:"max_attempts,omitempty" validate:"gte=0"`
	Backoff        *BackoffDoc `json:"backoff,omitempty"`
	TimeoutMS      int64       `json:"timeout_ms,omitempty" validate:"gte=0"`

	// SafeToRetry defaults to true when omitted.
	SafeToRetry *bool `json:"safe_to_retry,omitempty"`
}

// BackoffDoc is the submitted form of a retry backoff.
type BackoffDoc struct {
	InitialDelayMS int64   `json:"initial_delay_ms" validate:"gte=0"`
	MaxDelayMS     int64   `json:"max_delay_ms" validate:"gte=0"`
	Multiplier     float64 `json:"multiplier" validate:"gte=0"`
	Jitter         float64 `json:"jitter" validate:"gte=0,lte=1"`
}

// PoliciesDoc is the submitted form of workflow-wide policies.
type PoliciesDoc struct {
	DefaultTimeoutMS   int64 `json:"default_timeout_ms,omitempty" validate:"gte=0"`
	DefaultMaxAttempts int   `json:"default_max_attempts,omitempty" validate:"gte=0"`
	MaxConcurrency     int   `json:"max_concurrency,omitempty" validate:"gte=0"`
}

// Publisher turns definition documents into immutable published versions.
//
// Published versions never change; publishing again under the same code
// creates the next version and deprecates the previous one in the same
// transaction.
type Publisher struct {
	store    Store
	clock    schedule.Clock
	validate *validator.Validate
	archiver Archiver
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherClock substitutes the time source.
// Default: the system clock.
func WithPublisherClock(clock schedule.Clock) PublisherOption {
	return func(p *Publisher) { p.clock = clock }
}

// WithArchiver copies each published definition to long-term storage.
// Archival is best-effort: a failed copy logs a warning and the publish
// stands.
// Default: no archival.
func WithArchiver(archiver Archiver) PublisherOption {
	return func(p *Publisher) { p.archiver = archiver }
}

// NewPublisher creates a Publisher backed by store.
func NewPublisher(store Store, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		store:    store,
		clock:    schedule.SystemClock{},
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish validates doc and stores it as the next published version of its
// workflow code for the tenant.
func (p *Publisher) Publish(ctx context.Context, tenantID string, doc []byte) (*domain.WorkflowDefinition, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant ID is required", domain.ErrBadInput)
	}

	def, err := p.parse(tenantID, doc)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate definition ID: %w", err)
	}

	now := p.clock.Now().UTC()
	def.ID = id.String()
	def.Status = domain.DefinitionStatusPublished
	def.PublishedAt = &now
	def.CreatedAt = now
	def.UpdatedAt = now

	stored, err := p.store.PublishDefinition(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("failed to publish definition: %w", err)
	}

	if p.archiver != nil {
		if err := p.archiver.ArchiveDefinition(ctx, stored); err != nil {
			slog.WarnContext(ctx, "failed to archive published definition",
				"tenant_id", tenantID, "code", stored.Code, "version", stored.Version, "error", err)
		}
	}

	slog.InfoContext(ctx, "workflow definition published",
		"tenant_id", tenantID, "code", stored.Code, "version", stored.Version,
		"steps", len(stored.Steps))
	return stored, nil
}

// Validate dry-runs a definition document through every publish-time check
// without storing anything.
func (p *Publisher) Validate(tenantID string, doc []byte) error {
	_, err := p.parse(tenantID, doc)
	return err
}

// GetDefinition loads one version, or the latest published version when
// version is zero.
func (p *Publisher) GetDefinition(ctx context.Context, tenantID, code string, version int) (*domain.WorkflowDefinition, error) {
	if version > 0 {
		return p.store.GetDefinitionVersion(ctx, tenantID, code, version)
	}
	return p.store.LatestPublishedDefinition(ctx, tenantID, code)
}

// ListDefinitions lists stored versions, optionally filtered by code.
func (p *Publisher) ListDefinitions(ctx context.Context, tenantID, code string) ([]*domain.WorkflowDefinition, error) {
	return p.store.ListDefinitions(ctx, tenantID, code)
}

// parse decodes, structurally validates, and semantically validates a
// definition document into a domain definition.
func (p *Publisher) parse(tenantID string, doc []byte) (*domain.WorkflowDefinition, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()

	var parsed DefinitionDoc
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: definition document is not valid JSON: %v", domain.ErrBadDefinition, err)
	}
	if err := p.validate.Struct(&parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBadDefinition, err)
	}

	steps := make([]domain.Step, 0, len(parsed.Steps))
	for _, sd := range parsed.Steps {
		step := domain.Step{
			Code:                sd.Code,
			Handler:             sd.Handler,
			DependsOn:           sd.DependsOn,
			CompensationHandler: sd.CompensationHandler,
			MaxAttempts:         sd.MaxAttempts,
			TimeoutMS:           sd.TimeoutMS,
			SafeToRetry:         sd.SafeToRetry == nil || *sd.SafeToRetry,
		}
		if sd.Backoff != nil {
			step.Backoff = &domain.BackoffSpec{
				InitialDelayMS: sd.Backoff.InitialDelayMS,
				MaxDelayMS:     sd.Backoff.MaxDelayMS,
				Multiplier:     sd.Backoff.Multiplier,
				Jitter:         sd.Backoff.Jitter,
			}
		}
		for _, raw := range sd.RetryOnClasses {
			class, err := domain.NewErrorClass(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: step %q: %v", domain.ErrBadDefinition, sd.Code, err)
			}
			step.RetryOnClasses = append(step.RetryOnClasses, class)
		}
		steps = append(steps, step)
	}

	def := &domain.WorkflowDefinition{
		TenantID: tenantID,
		Code:     parsed.Code,
		Steps:    steps,
		Policies: domain.DefinitionPolicies{
			DefaultTimeoutMS:   parsed.Policies.DefaultTimeoutMS,
			DefaultMaxAttempts: parsed.Policies.DefaultMaxAttempts,
			MaxConcurrency:     parsed.Policies.MaxConcurrency,
		},
		InputSchema:   parsed.InputSchema,
		OutputSchema:  parsed.OutputSchema,
		OutputMapping: parsed.OutputMapping,
	}

	if err := def.ValidateSteps(); err != nil {
		return nil, err
	}

	if len(def.InputSchema) > 0 {
		if _, err := jsonschema.Compile(def.InputSchema); err != nil {
			return nil, fmt.Errorf("%w: input schema: %v", domain.ErrBadDefinition, err)
		}
	}
	if len(def.OutputSchema) > 0 {
		if _, err := jsonschema.Compile(def.OutputSchema); err != nil {
			return nil, fmt.Errorf("%w: output schema: %v", domain.ErrBadDefinition, err)
		}
	}

	return def, nil
}
