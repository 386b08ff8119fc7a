package cli

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns the combined output
// and the error.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "enginectl", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"rules", "create"},
		{"rules", "list"},
		{"rules", "show"},
		{"rules", "pause"},
		{"rules", "resume"},
		{"rules", "cancel"},
		{"rules", "tick"},
		{"rules", "backfill"},
		{"workflow", "publish"},
		{"workflow", "validate"},
		{"workflow", "list"},
		{"executions", "start"},
		{"executions", "advance"},
		{"executions", "show"},
		{"executions", "list"},
		{"executions", "cancel"},
		{"dlq", "list"},
		{"dlq", "reprocess"},
	}

	for _, path := range commands {
		t.Run(path[0]+"_"+path[1], func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	tenantFlag := cmd.PersistentFlags().Lookup("tenant")
	require.NotNil(t, tenantFlag)
	assert.Equal(t, "", tenantFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	dbFlag := cmd.PersistentFlags().Lookup("db")
	require.NotNil(t, dbFlag)
	assert.Equal(t, "", dbFlag.DefValue)
}

func TestInvalidFormatRejected(t *testing.T) {
	_, err := execute(t, "--format", "xml", "rules", "tick")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Equal(t, ExitBadInput, GetExitCode(err))
}

func TestUnknownFlagIsBadInput(t *testing.T) {
	_, err := execute(t, "rules", "tick", "--no-such-flag")
	require.Error(t, err)
	assert.Equal(t, ExitBadInput, GetExitCode(err))
}

func TestUnknownCommandIsBadInput(t *testing.T) {
	_, err := execute(t, "frobnicate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
	assert.Equal(t, ExitBadInput, GetExitCode(err))

	_, err = execute(t, "rules", "frobnicate")
	require.Error(t, err)
	assert.Equal(t, ExitBadInput, GetExitCode(err))
}

func TestBadDurationFlagIsBadInput(t *testing.T) {
	_, err := execute(t, "rules", "tick", "--horizon", "tomorrow")
	require.Error(t, err)
	assert.Equal(t, ExitBadInput, GetExitCode(err))
}

func TestWrongArgCountIsBadInput(t *testing.T) {
	_, err := execute(t, "executions", "start", "only-code")
	require.Error(t, err)
	assert.Equal(t, ExitBadInput, GetExitCode(err))
}

func TestTenantRequired(t *testing.T) {
	// Input validation runs before any database connection.
	for _, args := range [][]string{
		{"rules", "list"},
		{"executions", "list"},
		{"dlq", "list"},
	} {
		_, err := execute(t, args...)
		require.Error(t, err, "args %v", args)
		assert.Contains(t, err.Error(), "--tenant is required")
		assert.Equal(t, ExitBadInput, GetExitCode(err))
	}
}

func TestBackfillFlagValidation(t *testing.T) {
	_, err := execute(t, "--tenant", "t1", "rules", "backfill")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--rule is required")
	assert.Equal(t, ExitBadInput, GetExitCode(err))

	_, err = execute(t, "--tenant", "t1", "rules", "backfill", "--rule", "r1", "--until", "last tuesday")
	require.Error(t, err)
	assert.Equal(t, ExitBadInput, GetExitCode(err))
}

func TestStartRejectsMalformedInputJSON(t *testing.T) {
	_, err := execute(t, "--tenant", "t1", "executions", "start", "wf", "key-1", "{not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input is not a JSON object")
	assert.Equal(t, ExitBadInput, GetExitCode(err))
}

func TestReprocessRequiresOutcome(t *testing.T) {
	_, err := execute(t, "--tenant", "t1", "dlq", "reprocess", "entry-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--outcome is required")
	assert.Equal(t, ExitBadInput, GetExitCode(err))
}

func TestSubcommandsSilenceUsage(t *testing.T) {
	cmd := NewRootCommand()
	leaf, _, err := cmd.Find([]string{"executions", "start"})
	require.NoError(t, err)
	assert.True(t, leaf.SilenceUsage)
	assert.True(t, leaf.SilenceErrors)
}

func TestLeafCommandsValidateArgCounts(t *testing.T) {
	cmd := NewRootCommand()
	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		for _, sub := range c.Commands() {
			walk(sub)
		}
		if c.HasSubCommands() || c == cmd {
			return
		}
		assert.NotNil(t, c.Args, "command %q must declare positional arg constraints", c.CommandPath())
	}
	walk(cmd)
}
