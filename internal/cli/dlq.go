package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/firmflow/engine/internal/application/orchestration"
	"github.com/firmflow/engine/internal/domain"
)

// NewDLQCommand groups dead letter queue review operations.
func NewDLQCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dlq",
		Short:         "Review the dead letter queue",
		Args:          subcommandRequired,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newDLQListCommand(rootOpts))
	cmd.AddCommand(newDLQReprocessCommand(rootOpts))

	return cmd
}

func newDLQListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		reason string
		all    bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List dead letter entries awaiting review",
		Args:          exactArgs(0),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := rootOpts.requireTenant()
			if err != nil {
				return err
			}
			filter := orchestration.DLQFilter{
				TenantID:           tenant,
				IncludeReprocessed: all,
				Limit:              limit,
			}
			if reason != "" {
				parsed, err := domain.NewDLQReason(reason)
				if err != nil {
					return err
				}
				filter.Reason = parsed
			}

			rt, err := rootOpts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			entries, err := rt.orchestrator().ListDLQ(cmd.Context(), filter)
			if err != nil {
				return err
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			views := newDLQViews(entries)
			return f.Print(views, func(w io.Writer) {
				renderDLQList(w, views)
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "filter by reason (max_attempts_exceeded|non_retryable_error|compensation_required|timeout|unknown)")
	cmd.Flags().BoolVar(&all, "all", false, "include already reviewed entries")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows returned")
	return cmd
}

func newDLQReprocessCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		outcome string
		by      string
	)

	cmd := &cobra.Command{
		Use:   "reprocess ENTRY_ID",
		Short: "Record the review outcome of a dead letter entry",
		Long: `Record that an operator reviewed a dead letter entry. Review is
metadata only: attempts are never resurrected past max_attempts, and
rerunning the work means starting a new execution with a fresh
idempotency key. Reprocessing the same entry twice exits 4.`,
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := rootOpts.requireTenant()
			if err != nil {
				return err
			}
			if outcome == "" {
				return NewExitError(ExitBadInput, "--outcome is required")
			}
			if by == "" {
				by = os.Getenv("USER")
				if by == "" {
					by = "operator"
				}
			}

			rt, err := rootOpts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			entry, err := rt.orchestrator().ReprocessDLQ(cmd.Context(), tenant, args[0], by, outcome)
			if err != nil {
				return err
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			view := newDLQView(entry)
			return f.Print(view, func(w io.Writer) {
				renderDLQEntry(w, view)
			})
		},
	}

	cmd.Flags().StringVar(&outcome, "outcome", "", "review outcome to record (required)")
	cmd.Flags().StringVar(&by, "by", "", "reviewer name (defaults to $USER)")
	return cmd
}
