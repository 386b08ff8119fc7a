package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/firmflow/engine/internal/application/orchestration"
)

// NewWorkflowCommand groups workflow definition administration.
func NewWorkflowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "workflow",
		Short:         "Publish and inspect workflow definitions",
		Args:          subcommandRequired,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newWorkflowPublishCommand(rootOpts))
	cmd.AddCommand(newWorkflowValidateCommand(rootOpts))
	cmd.AddCommand(newWorkflowListCommand(rootOpts))

	return cmd
}

func newWorkflowPublishCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "publish FILE",
		Short: "Publish a workflow definition document",
		Long: `Publish a workflow definition document as the next version of its code.

Published versions are immutable; publishing again under the same code
creates the next version and deprecates the previous one. Executions
already running on the old version finish on it.`,
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
				return &ExitError{Code: ExitBadInput, Message: "cannot read definition document", Err: err}
			}

			rt, err := rootOpts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			pub, err := rt.publisher(cmd.Context())
			if err != nil {
				return err
			}
			def, err := pub.Publish(cmd.Context(), tenant, doc)
			if err != nil {
				return err
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			view := newDefinitionView(def)
			return f.Print(view, func(w io.Writer) {
				renderDefinition(w, view)
			})
		},
	}
}

func newWorkflowValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Dry-run a definition document through every publish-time check",
		Long: `Validate a workflow definition document without publishing it: JSON
shape, step graph (unknown dependencies, cycles, duplicate codes), retry
policies and schema compilation. Validation is offline and needs no
database.`,
		Args:          exactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant := rootOpts.Tenant
			if tenant == "" {
				// Validation is tenant-independent; any non-empty ID fits.
				tenant = "validate"
			}
			doc, err := os.ReadFile(args[0])
			if err != nil {
				return &ExitError{Code: ExitBadInput, Message: "cannot read definition document", Err: err}
			}

			// Validate never touches the store.
			if err := orchestration.NewPublisher(nil).Validate(tenant, doc); err != nil {
				return err
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			payload := struct {
				Valid bool   `json:"valid"`
				File  string `json:"file"`
			}{true, args[0]}
			return f.Print(payload, func(w io.Writer) {
				fmt.Fprintf(w, "%s is a valid workflow definition\n", args[0])
			})
		},
	}
}

func newWorkflowListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list [CODE]",
		Short:         "List workflow definition versions",
		Args:          rangeArgs(0, 1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := rootOpts.requireTenant()
			if err != nil {
				return err
			}
			code := ""
			if len(args) == 1 {
				code = args[0]
			}

			rt, err := rootOpts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			pub, err := rt.publisher(cmd.Context())
			if err != nil {
				return err
			}
			defs, err := pub.ListDefinitions(cmd.Context(), tenant, code)
			if err != nil {
				return err
			}

			views := make([]definitionView, 0, len(defs))
			for _, def := range defs {
				views = append(views, newDefinitionView(def))
			}

			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			return f.Print(views, func(w io.Writer) {
				renderDefinitionList(w, views)
			})
		},
	}
}
