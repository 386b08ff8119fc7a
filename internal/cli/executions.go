package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/firmflow/engine/internal/application/orchestration"
	"github.com/firmflow/engine/internal/domain"
)

// NewExecutionsCommand groups workflow execution operations.
func NewExecutionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "executions",
		Short:         "Start, advance and inspect workflow executions",
		Args:          subcommandRequired,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newExecutionsStartCommand(rootOpts))
	cmd.AddCommand(newExecutionsAdvanceCommand(rootOpts))
	cmd.AddCommand(newExecutionsShowCommand(rootOpts))
	cmd.AddCommand(newExecutionsListCommand(rootOpts))
	cmd.AddCommand(newExecutionsCancelCommand(rootOpts))

	return cmd
}

func newExecutionsStartCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start CODE KEY JSON",
		Short: "Start an execution of a published workflow",
		Long: `Start an execution of the latest published version of workflow CODE.

KEY is the caller's idempotency key: starting the same (workflow, key)
twice returns the original execution and exits 4 instead of starting a
second one. JSON is the input document, validated against the workflow's
input schema when it declares one.`,
		Args:          exactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := rootOpts.requireTenant()
			if err != nil {
				return err
			}

			var input map[string]any
			if strings.TrimSpace(args[2]) != "" {
				if err := json.Unmarshal([]byte(args[2]), &input); err != nil {
					return &ExitError{Code: ExitBadInput, Message: "input is not a JSON object", Err: err}
				}
			}

			rt, err := rootOpts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			exec, err := rt.orchestrator().Start(cmd.Context(), orchestration.StartParams{
				TenantID:       tenant,
				DefinitionCode: args[0],
				IdempotencyKey: args[1],
				Input:          input,
			})

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}

			// A replayed start still reports the existing execution; the
			// conflict exit code is how scripts tell a replay from a fresh
			// start.
			if err != nil && errors.Is(err, domain.ErrConflict) && exec != nil {
				view := newExecutionView(exec)
				if printErr := f.Print(view, func(w io.Writer) {
					fmt.Fprintf(w, "Idempotency key %q already started execution %s\n", args[1], exec.ID)
				}); printErr != nil {
					return printErr
				}
				return err
			}
			if err != nil {
				return err
			}

			view := newExecutionView(exec)
			return f.Print(view, func(w io.Writer) {
				fmt.Fprintf(w, "Started execution %s\n", view.ID)
				renderExecution(w, view)
			})
		},
	}
}

func newExecutionsAdvanceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "advance EXECUTION_ID",
		Short: "Drive one dispatch round of an execution",
		Long: `Drive one dispatch round: run every step that is ready, schedule
retries, and route terminal failures. Advancing a terminal or
not-yet-due execution is a no-op.

Steps dispatch against handlers registered in this process. The stock
enginectl registers none, so executions whose definitions name
application handlers belong to the worker daemon; advance is for
nudging scheduling and settlement.`,
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := rootOpts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.orchestrator().Advance(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			view := newAdvanceView(result)
			return f.Print(view, func(w io.Writer) {
				renderAdvance(w, view)
			})
		},
	}
}

func newExecutionsShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show EXECUTION_ID",
		Short:         "Show an execution and its attempt history",
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := rootOpts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			exec, err := rt.orchestrator().GetExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			attempts, err := rt.store.ListAttempts(cmd.Context(), exec.ID)
			if err != nil {
				return err
			}

			view := executionDetailView{
				executionView: newExecutionView(exec),
				Attempts:      newAttemptViews(attempts),
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return f.Print(view, func(w io.Writer) {
				renderExecution(w, view.executionView)
				if len(view.Attempts) > 0 {
					fmt.Fprintln(w)
					renderAttempts(w, view.Attempts)
				}
			})
		},
	}
}

func newExecutionsListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		definition string
		status     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List a tenant's executions, most recent first",
		Args:          exactArgs(0),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := rootOpts.requireTenant()
			if err != nil {
				return err
			}
			filter := orchestration.ExecutionFilter{
				TenantID:       tenant,
				DefinitionCode: definition,
				Limit:          limit,
			}
			if status != "" {
				parsed, err := domain.NewExecutionStatus(status)
				if err != nil {
					return err
				}
				filter.Status = parsed
			}

			rt, err := rootOpts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			execs, err := rt.orchestrator().ListExecutions(cmd.Context(), filter)
			if err != nil {
				return err
			}

			views := make([]executionView, 0, len(execs))
			for _, exec := range execs {
				views = append(views, newExecutionView(exec))
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return f.Print(views, func(w io.Writer) {
				renderExecutionList(w, views)
			})
		},
	}

	cmd.Flags().StringVar(&definition, "definition", "", "filter by workflow code")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|running|succeeded|failed|compensating|compensated|dlq)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows returned")
	return cmd
}

func newExecutionsCancelCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel EXECUTION_ID",
		Short: "Request cooperative cancellation of an execution",
		Long: `Request cancellation. Running attempts finish first; the execution
settles as failed with summary "execution canceled" on its next dispatch
round. Canceling a terminal execution exits 4.`,
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := rootOpts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			exec, err := rt.orchestrator().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			view := newExecutionView(exec)
			return f.Print(view, func(w io.Writer) {
				fmt.Fprintf(w, "Cancellation requested for execution %s\n", view.ID)
			})
		},
	}
}
