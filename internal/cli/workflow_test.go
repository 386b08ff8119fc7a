package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDoc(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validDefinition = `{
	"code": "accept_proposal",
	"steps": [
		{"code": "validate", "handler": "proposal.validate"},
		{"code": "create_client", "handler": "clients.create", "depends_on": ["validate"]},
		{"code": "create_engagement", "handler": "engagements.create", "depends_on": ["create_client"]},
		{"code": "send_welcome", "handler": "mail.welcome", "depends_on": ["create_engagement"]}
	]
}`

func TestWorkflowValidate_AcceptsValidDefinition(t *testing.T) {
	path := writeDoc(t, "accept_proposal.json", validDefinition)

	out, err := execute(t, "workflow", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "valid workflow definition")
}

func TestWorkflowValidate_JSONFormat(t *testing.T) {
	path := writeDoc(t, "accept_proposal.json", validDefinition)

	out, err := execute(t, "--format", "json", "workflow", "validate", path)
	require.NoError(t, err)

	var decoded struct {
		Valid bool   `json:"valid"`
		File  string `json:"file"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.True(t, decoded.Valid)
	assert.Equal(t, path, decoded.File)
}

func TestWorkflowValidate_RejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not_json", `steps:`},
		{"no_steps", `{"code": "empty", "steps": []}`},
		{"unknown_dependency", `{"code": "wf", "steps": [
			{"code": "a", "handler": "h.a", "depends_on": ["ghost"]}
		]}`},
		{"dependency_cycle", `{"code": "wf", "steps": [
			{"code": "a", "handler": "h.a", "depends_on": ["b"]},
			{"code": "b", "handler": "h.b", "depends_on": ["a"]}
		]}`},
		{"duplicate_step", `{"code": "wf", "steps": [
			{"code": "a", "handler": "h.a"},
			{"code": "a", "handler": "h.a2"}
		]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeDoc(t, "bad.json", tt.doc)
			_, err := execute(t, "workflow", "validate", path)
			require.Error(t, err)
			assert.Equal(t, ExitBadInput, GetExitCode(err))
		})
	}
}

func TestWorkflowValidate_MissingFile(t *testing.T) {
	_, err := execute(t, "workflow", "validate", filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.Equal(t, ExitBadInput, GetExitCode(err))
}

func TestRulesCreate_MissingFileIsBadInput(t *testing.T) {
	_, err := execute(t, "--tenant", "t1", "rules", "create", filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.Equal(t, ExitBadInput, GetExitCode(err))
}

func TestRulesCreate_MalformedDocumentIsBadInput(t *testing.T) {
	// Document parsing happens before any database connection.
	path := writeDoc(t, "rule.json", `{"frequency": "fortnightly"`)
	_, err := execute(t, "--tenant", "t1", "rules", "create", path)
	require.Error(t, err)
	assert.Equal(t, ExitBadInput, GetExitCode(err))
}
