// Package cmd defines and implements the CLI commands for the jobqueue executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/jobqueue/internal/admission"
	"github.com/JakeFAU/jobqueue/internal/config"
	"github.com/JakeFAU/jobqueue/internal/intake"
	"github.com/JakeFAU/jobqueue/internal/queue"
	"github.com/JakeFAU/jobqueue/internal/server"
)

// closeTimeout bounds the shutdown that follows one-shot commands.
const closeTimeout = 10 * time.Second

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// Queue is the part of the queue service the one-shot commands drive.
type Queue interface {
	Submit(ctx context.Context, sub intake.Submission) (intake.Result, error)
	Retry(ctx context.Context, id string) (queue.Item, error)
	CheckStopList(ctx context.Context, target, companyName string) (admission.Decision, error)
}

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Run(ctx context.Context) error
	Maintain(ctx context.Context) error
	Close(ctx context.Context) error
	Queue() Queue
}

// appFactory builds the application from a validated configuration.
type appFactory func(ctx context.Context, cfg config.Config) (App, error)

type serverApp struct {
	*server.App
}

func (a serverApp) Queue() Queue {
	return a.Intake()
}

// newApp is the production factory.
func newApp(ctx context.Context, cfg config.Config) (App, error) {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return serverApp{app}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd(factory appFactory) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "jobqueue",
		Short: "Coordination core for the job-ingestion work queue.",
		Long: `jobqueue admits submissions through the stop list and duplicate
detection, tracks each item through its lifecycle, hands claimable work to
external workers, and serves a live view of the queue over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Config is loaded here so every subcommand sees the same App.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := factory(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
				defer cancel()
				_ = appInstance.Close(ctx)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); JOBQUEUE_* env vars override it")

	cmd.AddCommand(
		newServeCmd(),
		newSubmitCmd(),
		newRetryCmd(),
		newStopListCmd(),
		newMaintainCmd(),
	)
	return cmd
}

// resolveApp retrieves the App stored by PersistentPreRunE.
func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd(newApp).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "jobqueue:", err)
		os.Exit(1)
	}
}
