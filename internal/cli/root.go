// Package cli implements the enginectl command tree. Commands talk to the
// database directly through the same application services the worker daemon
// uses; there is no intermediate API server.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds the global flags shared by every command.
type RootOptions struct {
	Tenant string
	Format string // "text" | "json"
	DB     string // DSN override; empty falls back to ENGINE_DB_DSN
}

// ValidFormats lists the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the enginectl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "enginectl",
		Short: "Operate the recurrence and workflow engines",
		Long: `enginectl administers recurrence rules, workflow definitions, executions
and the dead letter queue against the engine database.

The database DSN comes from --db or ENGINE_DB_DSN.`,
		Args:          subcommandRequired,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitBadInput,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Tenant, "tenant", "", "tenant ID scoping the command")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "database DSN (defaults to ENGINE_DB_DSN)")

	// Flag parse failures are operator input errors, not engine failures.
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &ExitError{Code: ExitBadInput, Message: "invalid flags", Err: err}
	})

	cmd.AddCommand(NewRulesCommand(opts))
	cmd.AddCommand(NewWorkflowCommand(opts))
	cmd.AddCommand(NewExecutionsCommand(opts))
	cmd.AddCommand(NewDLQCommand(opts))

	return cmd
}

// requireTenant returns the global tenant flag or a bad-input failure for
// commands that cannot run unscoped.
func (o *RootOptions) requireTenant() (string, error) {
	if o.Tenant == "" {
		return "", NewExitError(ExitBadInput, "--tenant is required")
	}
	return o.Tenant, nil
}

// subcommandRequired rejects unknown subcommand names with bad-input exit
// semantics. Bare group invocations fall through to help.
func subcommandRequired(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return nil
	}
	return NewExitError(ExitBadInput,
		fmt.Sprintf("unknown command %q for %q", args[0], cmd.CommandPath()))
}

// exactArgs is cobra.ExactArgs with flag-misuse exit semantics.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return NewExitError(ExitBadInput, err.Error())
		}
		return nil
	}
}

// rangeArgs is cobra.RangeArgs with flag-misuse exit semantics.
func rangeArgs(min, max int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.RangeArgs(min, max)(cmd, args); err != nil {
			return NewExitError(ExitBadInput, err.Error())
		}
		return nil
	}
}
