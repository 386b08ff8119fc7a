package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/firmflow/engine/internal/application/recurrence"
	"github.com/firmflow/engine/internal/domain"
)

// NewRulesCommand groups recurrence rule administration and generation
// passes.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rules",
		Short:         "Manage recurrence rules and run generation passes",
		Args:          subcommandRequired,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newRulesCreateCommand(rootOpts))
	cmd.AddCommand(newRulesListCommand(rootOpts))
	cmd.AddCommand(newRulesShowCommand(rootOpts))
	cmd.AddCommand(newRuleStatusCommand(rootOpts, "pause", "Pause generation for a rule",
		func(ctx context.Context, svc *recurrence.Service, tenant, id string) (*domain.RecurrenceRule, error) {
			return svc.PauseRule(ctx, tenant, id)
		}))
	cmd.AddCommand(newRuleStatusCommand(rootOpts, "resume", "Resume a paused rule",
		func(ctx context.Context, svc *recurrence.Service, tenant, id string) (*domain.RecurrenceRule, error) {
			return svc.ResumeRule(ctx, tenant, id)
		}))
	cmd.AddCommand(newRuleStatusCommand(rootOpts, "cancel", "Permanently stop a rule, keeping its ledger",
		func(ctx context.Context, svc *recurrence.Service, tenant, id string) (*domain.RecurrenceRule, error) {
			return svc.CancelRule(ctx, tenant, id)
		}))
	cmd.AddCommand(newRulesTickCommand(rootOpts))
	cmd.AddCommand(newRulesBackfillCommand(rootOpts))

	return cmd
}

func newRulesCreateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create FILE",
		Short: "Create a recurrence rule from a JSON document",
		Long: `Create a recurrence rule from a JSON document.

The document names the target to materialize, the cadence and the zone:

  {
    "code": "monthly-close",
    "target": {"kind": "workflow", "id": "month_end_close"},
    "frequency": "monthly",
    "anchor_date": "2026-01-31",
    "starts_at": "2026-01-01T00:00:00Z",
    "timezone": "America/New_York"
  }`,
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := rootOpts.requireTenant()
			if err != nil {
				return err
			}
			doc, err := os.ReadFile(args[0])
			if err != nil {
				return &ExitError{Code: ExitBadInput, Message: "cannot read rule document", Err: err}
			}
			rule, err := parseRuleDoc(tenant, doc)
			if err != nil {
				return err
			}

			rt, err := rootOpts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.ruleService().CreateRule(cmd.Context(), rule); err != nil {
				return err
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			view := newRuleView(rule)
			return f.Print(view, func(w io.Writer) {
				fmt.Fprintf(w, "Created rule %s\n", view.ID)
				renderRule(w, view)
			})
		},
	}
}

func newRulesListCommand(rootOpts *RootOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List a tenant's recurrence rules",
		Args:          exactArgs(0),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := rootOpts.requireTenant()
			if err != nil {
				return err
			}
			filter := recurrence.RuleFilter{TenantID: tenant}
			if status != "" {
				parsed, err := domain.NewRuleStatus(status)
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

			rules, err := rt.ruleService().ListRules(cmd.Context(), filter)
			if err != nil {
				return err
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			views := newRuleViews(rules)
			return f.Print(views, func(w io.Writer) {
				renderRuleList(w, views)
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (active|paused|canceled)")
	return cmd
}

func newRulesShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show RULE_ID",
		Short:         "Show a rule and its generation ledger",
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := rootOpts.requireTenant()
			if err != nil {
				return err
			}

			rt, err := rootOpts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			svc := rt.ruleService()
			rule, err := svc.GetRule(cmd.Context(), tenant, args[0])
			if err != nil {
				return err
			}
			generations, err := svc.ListGenerations(cmd.Context(), tenant, args[0])
			if err != nil {
				return err
			}

			payload := struct {
				Rule        ruleView         `json:"rule"`
				Generations []generationView `json:"generations"`
			}{newRuleView(rule), newGenerationViews(generations)}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return f.Print(payload, func(w io.Writer) {
				renderRule(w, payload.Rule)
				fmt.Fprintln(w)
				renderGenerations(w, payload.Generations)
			})
		},
	}
}

// newRuleStatusCommand builds pause, resume and cancel, which differ only in
// the transition they apply.
func newRuleStatusCommand(rootOpts *RootOptions, use, short string,
	apply func(ctx context.Context, svc *recurrence.Service, tenant, id string) (*domain.RecurrenceRule, error),
) *cobra.Command {
	return &cobra.Command{
		Use:           use + " RULE_ID",
		Short:         short,
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := rootOpts.requireTenant()
			if err != nil {
				return err
			}

			rt, err := rootOpts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			rule, err := apply(cmd.Context(), rt.ruleService(), tenant, args[0])
			if err != nil {
				return err
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			view := newRuleView(rule)
			return f.Print(view, func(w io.Writer) {
				fmt.Fprintf(w, "Rule %s is now %s\n", view.ID, view.Status)
			})
		},
	}
}

func newRulesTickCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		horizon time.Duration
		ruleID  string
	)

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one generation pass over active rules",
		Long: `Run one generation pass: every active rule is examined and periods
starting within the horizon are materialized through the rule's target
factory, exactly once per period.

Without --tenant the pass covers all tenants, the same sweep the worker
daemon runs on its tick interval.`,
		Args:          exactArgs(0),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := rootOpts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			gen, err := rt.generator()
			if err != nil {
				return err
			}

			filter := recurrence.RuleFilter{TenantID: rootOpts.Tenant, RuleID: ruleID}
			report, err := gen.Tick(cmd.Context(), filter, horizon)
			if err != nil {
				return err
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return f.Print(newReportView(report), func(w io.Writer) {
				renderReport(w, report)
			})
		},
	}

	cmd.Flags().DurationVar(&horizon, "horizon", 720*time.Hour, "materialize periods starting within this window")
	cmd.Flags().StringVar(&ruleID, "rule", "", "restrict the pass to one rule ID")
	return cmd
}

func newRulesBackfillCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		ruleID   string
		untilRaw string
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Materialize a rule's historical periods",
		Long: `Materialize every period of one rule from its first occurrence up to
--until (or now, whichever is earlier). Periods already in the ledger are
skipped, so re-running a partially failed backfill is safe.`,
		Args:          exactArgs(0),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := rootOpts.requireTenant()
			if err != nil {
				return err
			}
			if ruleID == "" {
				return NewExitError(ExitBadInput, "--rule is required")
			}
			var until time.Time
			if untilRaw != "" {
				until, err = time.Parse(time.RFC3339, untilRaw)
				if err != nil {
					return &ExitError{Code: ExitBadInput,
						Message: fmt.Sprintf("--until %q is not RFC3339", untilRaw), Err: err}
				}
			}

			rt, err := rootOpts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			gen, err := rt.generator()
			if err != nil {
				return err
			}

			report, err := gen.Backfill(cmd.Context(), tenant, ruleID, until)
			if err != nil {
				return err
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return f.Print(newReportView(report), func(w io.Writer) {
				renderReport(w, report)
			})
		},
	}

	cmd.Flags().StringVar(&ruleID, "rule", "", "rule ID to backfill (required)")
	cmd.Flags().StringVar(&untilRaw, "until", "", "end of the backfill window, RFC3339 (defaults to now)")
	return cmd
}
