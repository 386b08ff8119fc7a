// Package archive stores immutable copies of published workflow definitions
// outside the operational database, for audit and disaster recovery.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/firmflow/engine/internal/domain"
)

// Store is a key-addressed blob store holding archived documents. Keys use
// forward slashes regardless of backend.
type Store interface {
	// Put writes data under key, replacing any previous content. Archived
	// versions are immutable, so replacement only happens when a failed
	// archival is retried with the same bytes.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the content stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// DefinitionKey is the canonical location of one published version:
// <tenant>/<code>/v<version>.json.
func DefinitionKey(tenantID, code string, version int) string {
	return fmt.Sprintf("%s/%s/v%d.json", tenantID, code, version)
}

// DefinitionPrefix addresses every archived version of one workflow code.
func DefinitionPrefix(tenantID, code string) string {
	return fmt.Sprintf("%s/%s/", tenantID, code)
}

// document is the archived rendering of one published version.
type document struct {
	TenantID string `json:"tenant_id"`
	Code     string `json:"code"`
	Version  int    `json:"version"`
	Status   string `json:"status"`

	Steps    []domain.Step             `json:"steps"`
	Policies domain.DefinitionPolicies `json:"policies"`

	InputSchema   json.RawMessage   `json:"input_schema,omitempty"`
	OutputSchema  json.RawMessage   `json:"output_schema,omitempty"`
	OutputMapping map[string]string `json:"output_mapping,omitempty"`

	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Archiver renders published definitions into a Store. It satisfies the
// publisher's archival hook.
type Archiver struct {
	store Store
}

// NewArchiver creates an Archiver writing to store.
func NewArchiver(store Store) *Archiver {
	return &Archiver{store: store}
}

// ArchiveDefinition writes def to its canonical key. Safe to call again for
// the same version; published versions never change content.
func (a *Archiver) ArchiveDefinition(ctx context.Context, def *domain.WorkflowDefinition) error {
	doc := document{
		TenantID:      def.TenantID,
		Code:          def.Code,
		Version:       def.Version,
		Status:        string(def.Status),
		Steps:         def.Steps,
		Policies:      def.Policies,
		InputSchema:   def.InputSchema,
		OutputSchema:  def.OutputSchema,
		OutputMapping: def.OutputMapping,
		PublishedAt:   def.PublishedAt,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render definition document: %w", err)
	}

	key := DefinitionKey(def.TenantID, def.Code, def.Version)
	if err := a.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to archive definition at %s: %w", key, err)
	}
	return nil
}
