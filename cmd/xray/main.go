// Command xray runs the decision-trail service and its admin tasks.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/xray"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env before reading XRAY_LOG_LEVEL.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("XRAY_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "xray",
		Short:         "Decision trails for multi-step pipelines",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(logger),
		newWorkCmd(logger),
		newMigrateCmd(logger),
		newDeadLettersCmd(logger),
	)
	return root
}

func newServeCmd(logger *slog.Logger) *cobra.Command {
	var workers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, with in-process workers unless --workers=false",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := []xray.Option{xray.WithLogger(logger), xray.WithVersion(version)}
			if !workers {
				opts = append(opts, xray.WithoutWorkers())
			}
			return runApp(cmd.Context(), opts...)
		},
	}
	cmd.Flags().BoolVar(&workers, "workers", true, "run job consumers in this process")
	return cmd
}

func newWorkCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Run job consumers only, with no HTTP listener",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(cmd.Context(),
				xray.WithLogger(logger),
				xray.WithVersion(version),
				xray.WithoutHTTP(),
			)
		},
	}
}

func newMigrateCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := adminApp(logger)
			if err != nil {
				return err
			}
			app.Close(context.Background())
			logger.Info("migrations applied")
			return nil
		},
	}
}

func newDeadLettersCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect and requeue dead-lettered jobs",
	}

	var (
		limit   int
		jobType string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "Print dead jobs as JSON, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := adminApp(logger)
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			jobs, err := app.DeadLetters(cmd.Context(), jobType, limit)
			if err != nil {
				return fmt.Errorf("list dead letters: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(jobs)
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum jobs to print")
	list.Flags().StringVar(&jobType, "type", "", "only jobs of this type")

	retry := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Requeue a dead job with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := adminApp(logger)
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			if err := app.RetryDeadLetter(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("retry %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s requeued\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, retry)
	return cmd
}

func runApp(ctx context.Context, opts ...xray.Option) error {
	app, err := xray.New(opts...)
	if err != nil {
		return err
	}
	start := time.Now()
	err = app.Run(ctx)
	slog.Info("xray exited", "uptime", time.Since(start).Round(time.Second).String())
	return err
}

// adminApp opens the store and queue without starting HTTP or workers.
func adminApp(logger *slog.Logger) (*xray.App, error) {
	return xray.New(
		xray.WithLogger(logger),
		xray.WithVersion(version),
		xray.WithoutHTTP(),
		xray.WithoutWorkers(),
	)
}
