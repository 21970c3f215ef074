package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/jobqueue/internal/id/uuid"
	"github.com/JakeFAU/jobqueue/internal/intake"
	"github.com/JakeFAU/jobqueue/internal/queue"
)

// newServeCmd creates the 'serve' subcommand, which runs the HTTP API and the
// maintenance scheduler until interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the queue API and maintenance scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
}

func newSubmitCmd() *cobra.Command {
	var (
		kind        string
		companyName string
		submittedBy string
	)
	cmd := &cobra.Command{
		Use:   "submit <target>",
		Short: "Submits one target through admission and duplicate detection",
		Long: `Submits a target to the queue and prints the outcome. Rejections and
duplicates are reported as outcomes, not errors.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := queue.ParseKind(kind)
			if err != nil {
				return err
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.Queue().Submit(cmd.Context(), intake.Submission{
				Target:      args[0],
				CompanyName: companyName,
				Kind:        k,
				SubmittedBy: submittedBy,
			})
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(queue.KindJob), "item kind: job, company-source, or scrape-request")
	cmd.Flags().StringVar(&companyName, "company", "", "company name checked against the stop list")
	cmd.Flags().StringVar(&submittedBy, "submitted-by", "cli", "submitter recorded on the item")
	return cmd
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <item-id>",
		Short: "Moves a failed item back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !uuid.Valid(args[0]) {
				return fmt.Errorf("invalid item id %q", args[0])
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			item, err := appInstance.Queue().Retry(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("retry %s: %w", args[0], err)
			}
			return printJSON(cmd.OutOrStdout(), item)
		},
	}
}

func newStopListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stoplist",
		Short: "Inspects the stop list",
	}

	var companyName string
	check := &cobra.Command{
		Use:   "check <target>",
		Short: "Reports whether a target would be admitted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			decision, err := appInstance.Queue().CheckStopList(cmd.Context(), args[0], companyName)
			if err != nil {
				return fmt.Errorf("check stop list: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), decision)
		},
	}
	check.Flags().StringVar(&companyName, "company", "", "company name checked against the stop list")
	cmd.AddCommand(check)
	return cmd
}

// newMaintainCmd runs a single maintenance pass, for cron-driven deployments
// that do not keep 'serve' running.
func newMaintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Reaps stale claims and, when enabled, retries failed items once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Maintain(cmd.Context())
		},
	}
}
