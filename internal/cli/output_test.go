package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firmflow/engine/internal/domain"
)

func TestGetExitCode_DomainSentinels(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"bad_rule", fmt.Errorf("%w: interval must be at least 1", domain.ErrBadRule), ExitBadInput},
		{"bad_definition", fmt.Errorf("%w: cycle detected", domain.ErrBadDefinition), ExitBadInput},
		{"bad_input", fmt.Errorf("%w: tenant ID is required", domain.ErrBadInput), ExitBadInput},
		{"not_found", fmt.Errorf("failed to load: %w", domain.ErrNotFound), ExitNotFound},
		{"conflict", fmt.Errorf("%w: already settled", domain.ErrConflict), ExitConflict},
		{"internal_sentinel", domain.ErrInternal, ExitInternal},
		{"plain_error", errors.New("connection refused"), ExitInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestGetExitCode_ExitErrorWins(t *testing.T) {
	// An explicit exit code beats the sentinel mapping.
	err := &ExitError{Code: ExitBadInput, Message: "flag misuse", Err: domain.ErrNotFound}
	assert.Equal(t, ExitBadInput, GetExitCode(err))

	wrapped := fmt.Errorf("while parsing: %w", NewExitError(ExitConflict, "dup"))
	assert.Equal(t, ExitConflict, GetExitCode(wrapped))
}

func TestExitError_Error(t *testing.T) {
	assert.Equal(t, "boom", NewExitError(ExitInternal, "boom").Error())

	withCause := &ExitError{Code: ExitBadInput, Message: "cannot read file", Err: errors.New("no such file")}
	assert.Equal(t, "cannot read file: no such file", withCause.Error())

	causeOnly := &ExitError{Code: ExitBadInput, Err: errors.New("no such file")}
	assert.Equal(t, "no such file", causeOnly.Error())
}

func TestExitError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &ExitError{Code: ExitBadInput, Message: "wrapped", Err: cause}
	assert.ErrorIs(t, err, cause)
}

func TestOutputFormatter_JSON(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	err := f.Print(map[string]int{"produced": 3}, func(w io.Writer) {
		t.Fatal("text renderer must not run in json mode")
	})
	require.NoError(t, err)

	var decoded map[string]int
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, 3, decoded["produced"])
}

func TestOutputFormatter_Text(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}

	err := f.Print(map[string]int{"produced": 3}, func(w io.Writer) {
		fmt.Fprintln(w, "3 periods produced")
	})
	require.NoError(t, err)
	assert.Equal(t, "3 periods produced\n", buf.String())
}
