package orchestration

import (
	"context"
	"errors"
	"testing"

	"github.com/firmflow/engine/internal/domain"
)

type fakeArchiver struct {
	archived []*domain.WorkflowDefinition
	err      error
}

func (a *fakeArchiver) ArchiveDefinition(_ context.Context, def *domain.WorkflowDefinition) error {
	a.archived = append(a.archived, def)
	return a.err
}

func TestPublishAssignsVersionsAndDeprecates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v1 := h.publish(t, `{"code": "month_end", "steps": [{"code": "close", "handler": "close_books"}]}`)
	if v1.Version != 1 || v1.Status != domain.DefinitionStatusPublished {
		t.Fatalf("first publish = v%d %s, want v1 published", v1.Version, v1.Status)
	}
	if v1.PublishedAt == nil {
		t.Fatal("PublishedAt not set")
	}

	v2 := h.publish(t, `{"code": "month_end", "steps": [{"code": "close", "handler": "close_books"}, {"code": "report", "handler": "issue_report", "depends_on": ["close"]}]}`)
	if v2.Version != 2 {
		t.Fatalf("second publish = v%d, want v2", v2.Version)
	}

	latest, err := h.publisher.GetDefinition(ctx, "tenant-1", "month_end", 0)
	if err != nil {
		t.Fatalf("GetDefinition(latest) error = %v", err)
	}
	if latest.ID != v2.ID {
		t.Fatalf("latest = %s, want the second version", latest.ID)
	}

	// The prior version stays readable but is deprecated.
	old, err := h.publisher.GetDefinition(ctx, "tenant-1", "month_end", 1)
	if err != nil {
		t.Fatalf("GetDefinition(v1) error = %v", err)
	}
	if old.Status != domain.DefinitionStatusDeprecated {
		t.Fatalf("v1 status = %s, want deprecated", old.Status)
	}

	all, err := h.publisher.ListDefinitions(ctx, "tenant-1", "month_end")
	if err != nil {
		t.Fatalf("ListDefinitions() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("stored versions = %d, want 2", len(all))
	}
}

func TestPublishRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "not json",
			doc:  `{"code": "x"`,
		},
		{
			name: "unknown field",
			doc:  `{"code": "x", "steps": [{"code": "a", "handler": "h"}], "surprise": true}`,
		},
		{
			name: "missing code",
			doc:  `{"steps": [{"code": "a", "handler": "h"}]}`,
		},
		{
			name: "no steps",
			doc:  `{"code": "x"}`,
		},
		{
			name: "step without handler",
			doc:  `{"code": "x", "steps": [{"code": "a"}]}`,
		},
		{
			name: "duplicate step codes",
			doc:  `{"code": "x", "steps": [{"code": "a", "handler": "h"}, {"code": "a", "handler": "h"}]}`,
		},
		{
			name: "unknown dependency",
			doc:  `{"code": "x", "steps": [{"code": "a", "handler": "h", "depends_on": ["ghost"]}]}`,
		},
		{
			name: "self dependency",
			doc:  `{"code": "x", "steps": [{"code": "a", "handler": "h", "depends_on": ["a"]}]}`,
		},
		{
			name: "dependency cycle",
			doc: `{"code": "x", "steps": [
				{"code": "a", "handler": "h", "depends_on": ["b"]},
				{"code": "b", "handler": "h", "depends_on": ["a"]}
			]}`,
		},
		{
			name: "unknown retry class",
			doc:  `{"code": "x", "steps": [{"code": "a", "handler": "h", "retry_on_classes": ["SOMETIMES"]}]}`,
		},
		{
			name: "jitter above one",
			doc: `{"code": "x", "steps": [
				{"code": "a", "handler": "h", "backoff": {"initial_delay_ms": 100, "max_delay_ms": 200, "multiplier": 2, "jitter": 1.5}}
			]}`,
		},
		{
			name: "negative max attempts",
			doc:  `{"code": "x", "steps": [{"code": "a", "handler": "h", "max_attempts": -1}]}`,
		},
		{
			name: "unsupported schema keyword",
			doc:  `{"code": "x", "steps": [{"code": "a", "handler": "h"}], "input_schema": {"$ref": "#/defs/client"}}`,
		},
		{
			name: "output mapping names unknown step",
			doc:  `{"code": "x", "steps": [{"code": "a", "handler": "h"}], "output_mapping": {"result": "ghost"}}`,
		},
	}

	h := newHarness(t)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.publisher.Publish(context.Background(), "tenant-1", []byte(tc.doc))
			if !errors.Is(err, domain.ErrBadDefinition) {
				t.Fatalf("Publish() error = %v, want ErrBadDefinition", err)
			}
		})
	}

	// Nothing leaked into the store.
	if _, err := h.store.LatestPublishedDefinition(context.Background(), "tenant-1", "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("rejected documents reached the store: %v", err)
	}
}

func TestPublishRequiresTenant(t *testing.T) {
	h := newHarness(t)
	_, err := h.publisher.Publish(context.Background(), "", []byte(`{"code": "x", "steps": [{"code": "a", "handler": "h"}]}`))
	if !errors.Is(err, domain.ErrBadInput) {
		t.Fatalf("Publish() error = %v, want ErrBadInput", err)
	}
}

func TestPublishStepDefaults(t *testing.T) {
	h := newHarness(t)
	def := h.publish(t, `{"code": "x", "steps": [
		{"code": "a", "handler": "h"},
		{"code": "b", "handler": "h", "safe_to_retry": false}
	]}`)

	first, _ := def.StepByCode("a")
	if !first.SafeToRetry {
		t.Fatal("safe_to_retry should default to true when omitted")
	}
	second, _ := def.StepByCode("b")
	if second.SafeToRetry {
		t.Fatal("explicit safe_to_retry=false was dropped")
	}
}

func TestPublishArchivesBestEffort(t *testing.T) {
	t.Run("archived", func(t *testing.T) {
		store := newFakeStore()
		archiver := &fakeArchiver{}
		publisher := NewPublisher(store, WithArchiver(archiver))

		def, err := publisher.Publish(context.Background(), "tenant-1", []byte(`{"code": "x", "steps": [{"code": "a", "handler": "h"}]}`))
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		if len(archiver.archived) != 1 || archiver.archived[0].ID != def.ID {
			t.Fatalf("archived = %+v, want the published version", archiver.archived)
		}
	})

	t.Run("archiver failure does not block publish", func(t *testing.T) {
		store := newFakeStore()
		archiver := &fakeArchiver{err: errors.New("bucket unreachable")}
		publisher := NewPublisher(store, WithArchiver(archiver))

		def, err := publisher.Publish(context.Background(), "tenant-1", []byte(`{"code": "x", "steps": [{"code": "a", "handler": "h"}]}`))
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		if _, err := store.LatestPublishedDefinition(context.Background(), "tenant-1", "x"); err != nil {
			t.Fatalf("publish did not stand after archive failure: %v", err)
		}
		_ = def
	})
}

func TestValidateIsDryRun(t *testing.T) {
	h := newHarness(t)

	if err := h.publisher.Validate("tenant-1", []byte(`{"code": "x", "steps": [{"code": "a", "handler": "h"}]}`)); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if err := h.publisher.Validate("tenant-1", []byte(`{"code": "x"}`)); !errors.Is(err, domain.ErrBadDefinition) {
		t.Fatalf("Validate() error = %v, want ErrBadDefinition", err)
	}

	if _, err := h.store.LatestPublishedDefinition(context.Background(), "tenant-1", "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("Validate() stored a definition")
	}
}
