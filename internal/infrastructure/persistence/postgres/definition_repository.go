package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/firmflow/engine/internal/domain"
)

const definitionColumns = `id, tenant_id, code, version, status,
	steps, policies, input_schema, output_schema, output_mapping,
	published_at, created_at, updated_at`

// jsonbOrNull maps an absent document to a SQL NULL instead of an invalid
// empty jsonb value.
func jsonbOrNull(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func scanDefinition(row pgx.Row) (*domain.WorkflowDefinition, error) {
	var (
		d             domain.WorkflowDefinition
		status        string
		steps         []byte
		policies      []byte
		inputSchema   []byte
		outputSchema  []byte
		outputMapping []byte
	)

	err := row.Scan(
		&d.ID, &d.TenantID, &d.Code, &d.Version, &status,
		&steps, &policies, &inputSchema, &outputSchema, &outputMapping,
		&d.PublishedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if d.Status, err = domain.NewDefinitionStatus(status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &d.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}
	if len(policies) > 0 {
		if err := json.Unmarshal(policies, &d.Policies); err != nil {
			return nil, fmt.Errorf("failed to decode policies: %w", err)
		}
	}
	if len(outputMapping) > 0 {
		if err := json.Unmarshal(outputMapping, &d.OutputMapping); err != nil {
			return nil, fmt.Errorf("failed to decode output mapping: %w", err)
		}
	}
	d.InputSchema = inputSchema
	d.OutputSchema = outputSchema

	return &d, nil
}

// PublishDefinition assigns the next version for (tenant, code), inserts the
// row as published and deprecates the previously published version, all in
// one transaction. Concurrent publishes of the same code collide on the
// partial unique index and surface as ErrConflict.
func (s *Store) PublishDefinition(ctx context.Context, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error) {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to encode steps: %w", err)
	}
	policies, err := json.Marshal(def.Policies)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policies: %w", err)
	}
	var outputMapping []byte
	if len(def.OutputMapping) > 0 {
		if outputMapping, err = json.Marshal(def.OutputMapping); err != nil {
			return nil, fmt.Errorf("failed to encode output mapping: %w", err)
		}
	}

	var stored *domain.WorkflowDefinition
	err = s.executeInTransaction(ctx, "publish_definition", func(tx *Store) error {
		_, err := tx.db.Exec(ctx, `
			UPDATE workflow_definitions
			SET status = $3, updated_at = now()
			WHERE tenant_id = $1 AND code = $2 AND status = $4`,
			def.TenantID, def.Code,
			string(domain.DefinitionStatusDeprecated), string(domain.DefinitionStatusPublished),
		)
		if err != nil {
			return fmt.Errorf("failed to deprecate previous version: %w", err)
		}

		row, err := scanDefinition(tx.db.QueryRow(ctx, `
			INSERT INTO workflow_definitions (
				id, tenant_id, code, version, status,
				steps, policies, input_schema, output_schema, output_mapping,
				published_at, created_at, updated_at
			) VALUES (
				$1, $2, $3,
				(SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_definitions WHERE tenant_id = $2 AND code = $3),
				$4, $5, $6, $7, $8, $9, $10, $11, $12
			)
			RETURNING `+definitionColumns,
			def.ID, def.TenantID, def.Code, string(def.Status),
			steps, policies, jsonbOrNull(def.InputSchema), jsonbOrNull(def.OutputSchema), outputMapping,
			def.PublishedAt, def.CreatedAt, def.UpdatedAt,
		))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: concurrent publish of %s/%s",
					domain.ErrConflict, def.TenantID, def.Code)
			}
			return fmt.Errorf("failed to insert definition: %w", err)
		}

		stored = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// GetDefinitionByID loads one definition version by row ID.
func (s *Store) GetDefinitionByID(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	if err := parseID(id); err != nil {
		return nil, err
	}

	def, err := scanDefinition(s.db.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: definition %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get definition: %w", err)
	}
	return def, nil
}

// GetDefinitionVersion loads one definition version by its natural key.
func (s *Store) GetDefinitionVersion(ctx context.Context, tenantID, code string, version int) (*domain.WorkflowDefinition, error) {
	def, err := scanDefinition(s.db.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions
		WHERE tenant_id = $1 AND code = $2 AND version = $3`,
		tenantID, code, version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: definition %s v%d", domain.ErrNotFound, code, version)
		}
		return nil, fmt.Errorf("failed to get definition version: %w", err)
	}
	return def, nil
}

// LatestPublishedDefinition loads the currently published version of
// (tenant, code).
func (s *Store) LatestPublishedDefinition(ctx context.Context, tenantID, code string) (*domain.WorkflowDefinition, error) {
	def, err := scanDefinition(s.db.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions
		WHERE tenant_id = $1 AND code = $2 AND status = $3`,
		tenantID, code, string(domain.DefinitionStatusPublished)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: no published definition %s", domain.ErrNotFound, code)
		}
		return nil, fmt.Errorf("failed to get published definition: %w", err)
	}
	return def, nil
}

// ListDefinitions returns all versions for a tenant, newest first,
// optionally filtered by code.
func (s *Store) ListDefinitions(ctx context.Context, tenantID, code string) ([]*domain.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE tenant_id = $1`
	args := []any{tenantID}
	if code != "" {
		query += ` AND code = $2`
		args = append(args, code)
	}
	query += ` ORDER BY code, version DESC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	defer rows.Close()

	var defs []*domain.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	return defs, nil
}

// DeleteDefinition removes every version of (tenant, code) and cascades to
// historical executions. It refuses with ErrConflict while any execution is
// still live.
func (s *Store) DeleteDefinition(ctx context.Context, tenantID, code string) error {
	return s.executeInTransaction(ctx, "delete_definition", func(tx *Store) error {
		var live bool
		err := tx.db.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM executions
				WHERE tenant_id = $1 AND definition_code = $2
				AND status IN ('pending', 'running', 'compensating')
			)`,
			tenantID, code).Scan(&live)
		if err != nil {
			return fmt.Errorf("failed to check live executions: %w", err)
		}
		if live {
			return fmt.Errorf("%w: definition %s has live executions", domain.ErrConflict, code)
		}

		tag, err := tx.db.Exec(ctx,
			`DELETE FROM workflow_definitions WHERE tenant_id = $1 AND code = $2`,
			tenantID, code)
		if err != nil {
			return fmt.Errorf("failed to delete definition: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: definition %s", domain.ErrNotFound, code)
		}
		return nil
	})
}
