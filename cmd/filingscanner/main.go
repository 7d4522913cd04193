package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"FilingScanner/internal/app"
	"FilingScanner/internal/config"
	"FilingScanner/internal/logging"
)

var cfgFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "filingscanner",
		Short:         "Ingest and analyse regulatory filings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $FILING_SCANNER_CONFIG)")

	cmd.AddCommand(runCmd())
	cmd.AddCommand(pollCmd())
	cmd.AddCommand(retryCmd())
	cmd.AddCommand(reanalyzeCmd())
	cmd.AddCommand(filingsCmd())
	cmd.AddCommand(eventsCmd())
	cmd.AddCommand(entitiesCmd())
	return cmd
}

func loadConfig() (config.Config, error) {
	if cfgFile != "" {
		return config.LoadFile(cfgFile)
	}
	return config.Load()
}

// withApp builds the application for one command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(context.Context, *app.Application) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx := cmd.Context()
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := application.Close(); cerr != nil {
			logger.Error("close application", "error", cerr)
		}
	}()
	return fn(ctx, application)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll sources on the configured interval and serve the push hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				return a.Run(ctx)
			})
		},
	}
}

func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run a single poll tick and wait for admitted filings to finish",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				report, err := a.Poll(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <filing-id>",
		Short: "Re-queue a failed filing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				return a.Retry(ctx, args[0])
			})
		},
	}
}

func reanalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reanalyze <filing-id>",
		Short: "Analyse an analyzed filing again under the configured model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				record, err := a.Reanalyze(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, record)
			})
		},
	}
}
