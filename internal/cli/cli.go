// ============================================================================
// Tierpool CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// Purpose: Cobra command tree for running a pool and talking to one
//
// Command Structure:
//   tierpool                       # Root command
//   ├── run                        # Start the pool with every configured service
//   ├── submit                     # Schedule a job on a running pool
//   ├── status <job-id>            # Show one job
//   ├── cancel <job-id>            # Cancel a queued job
//   ├── list --owner <id>          # List an owner's jobs
//   ├── stats                      # Show pool counters
//   ├── watch                      # Stream lifecycle events
//   ├── journal [path] [--rotate]  # Replay and verify an event journal
//   └── report [path]              # Print a pool report snapshot
//
// Persistent flags:
//   --config, -c   config file (default: configs/default.yaml)
//   --addr         gRPC address of a running pool (default: localhost:50051)
//
// run Command:
//   1. Load config file and build the root logger
//   2. Build handlers, pool, metrics, journal, snapshot, postgres sink
//   3. Serve gRPC, /metrics and the WebSocket stream
//   4. On SIGINT/SIGTERM: shut the pool down (running jobs fail with a
//      shutdown error), stop listeners, write the final report, close files
//
// Client commands (submit, status, cancel, list, stats, watch) talk to a
// running pool over gRPC. journal and report read local files only.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/tierpool/internal/server"
	"github.com/ChuLiYu/tierpool/pkg/types"
)

const rpcTimeout = 10 * time.Second

var (
	configFile string
	serverAddr string
)

// BuildCLI creates the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tierpool",
		Short: "Tierpool: a bounded-concurrency job scheduler with tier priorities",
		Long: `Tierpool runs jobs on a bounded set of worker slots:
- Tier-based priority, FIFO within a tier
- Per-job timeouts and crash detection
- Lifecycle events over gRPC, WebSocket, journal and Prometheus`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:50051", "gRPC address of a running pool")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildListCommand())
	rootCmd.AddCommand(buildStatsCommand())
	rootCmd.AddCommand(buildWatchCommand())
	rootCmd.AddCommand(buildJournalCommand())
	rootCmd.AddCommand(buildReportCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the job pool",
		Long:  "Start the pool, its handlers and every service enabled in the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cmd.ErrOrStderr())
		},
	}
}

func runSystem(ctx context.Context, logOut io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger(cfg.Log.Level, cfg.Log.Format, logOut)
	if err != nil {
		return err
	}
	logger.Info("Starting tierpool", "config", configFile)

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

// ============================================================================
// Client commands
// ============================================================================

// withClient dials the pool, runs fn with a bounded context and closes the
// connection.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	client, err := server.Dial(serverAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()
	return fn(ctx, client)
}

func buildSubmitCommand() *cobra.Command {
	var (
		kind        string
		owner       string
		tier        string
		payload     string
		payloadFile string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Schedule a job on a running pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			data := []byte(payload)
			if payloadFile != "" {
				var err error
				if data, err = os.ReadFile(payloadFile); err != nil {
					return fmt.Errorf("failed to read payload file: %w", err)
				}
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				job, err := c.Schedule(ctx, types.JobKind(kind), data, owner, tier)
				if err != nil {
					return err
				}
				printJob(cmd.OutOrStdout(), job)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "", "job kind")
	cmd.Flags().StringVarP(&owner, "owner", "o", "", "owner ID")
	cmd.Flags().StringVarP(&tier, "tier", "t", "", "subscription tier (scout, mvp, allstar)")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "inline payload")
	cmd.Flags().StringVarP(&payloadFile, "file", "f", "", "read payload from file")
	cmd.MarkFlagRequired("kind")
	cmd.MarkFlagsMutuallyExclusive("payload", "file")

	return cmd
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				job, err := c.Status(ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}
				printJob(cmd.OutOrStdout(), job)
				return nil
			})
		},
	}
}

func buildCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				ok, err := c.Cancel(ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}
				if ok {
					fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Not cancelled: %s is not queued\n", args[0])
				}
				return nil
			})
		},
	}
}

func buildListCommand() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an owner's jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				jobs, err := c.ListByOwner(ctx, owner)
				if err != nil {
					return err
				}
				printJobTable(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&owner, "owner", "o", "", "owner ID")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func buildStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pool statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) error {
				stats, err := c.Stats(ctx)
				if err != nil {
					return err
				}
				printStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}
}

func buildWatchCommand() *cobra.Command {
	var (
		owner string
		jobID string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream job lifecycle events",
		Long:  "Stream events until interrupted. --job stops after the job's terminal event.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := server.Dial(serverAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			err = client.Watch(ctx, owner, types.JobID(jobID), func(evt types.Event) error {
				printEvent(out, evt)
				if jobID != "" && evt.Job.Status.IsTerminal() {
					return errWatchDone
				}
				return nil
			})
			if errors.Is(err, errWatchDone) || ctx.Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&owner, "owner", "o", "", "only events for this owner")
	cmd.Flags().StringVarP(&jobID, "job", "j", "", "only events for this job")
	return cmd
}

// ============================================================================
// Local file commands
// ============================================================================

func buildJournalCommand() *cobra.Command {
	var (
		jobID  string
		rotate bool
	)

	cmd := &cobra.Command{
		Use:   "journal [path]",
		Short: "Replay and verify an event journal",
		Long: `Replay and verify an event journal.

With --rotate a journal that verifies cleanly is moved aside to
<path>.<timestamp> and an empty journal takes its place. Rotate only
while no pool is writing to the file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := pathArg(args, func(c *Config) string { return c.Journal.Path })
			if err != nil {
				return err
			}
			if err := printJournal(cmd.OutOrStdout(), path, types.JobID(jobID)); err != nil {
				return err
			}
			if !rotate {
				return nil
			}
			return rotateJournal(cmd.OutOrStdout(), path)
		},
	}

	cmd.Flags().StringVarP(&jobID, "job", "j", "", "only records for this job")
	cmd.Flags().BoolVar(&rotate, "rotate", false, "move the verified journal aside and start a new one")
	return cmd
}

func buildReportCommand() *cobra.Command {
	var showJobs bool

	cmd := &cobra.Command{
		Use:   "report [path]",
		Short: "Print a pool report snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := pathArg(args, func(c *Config) string { return c.Snapshot.Path })
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), path, showJobs)
		},
	}

	cmd.Flags().BoolVar(&showJobs, "jobs", false, "list every job in the report")
	return cmd
}

// pathArg returns args[0], or the path configured in the config file.
func pathArg(args []string, fromConfig func(*Config) string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig(configFile)
	if err != nil {
		return "", fmt.Errorf("no path given and %w", err)
	}
	return fromConfig(cfg), nil
}
