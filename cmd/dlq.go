package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"lookout/bootstrap"
	"lookout/config"
	"lookout/ingest"
	"lookout/pipeline"
	"lookout/storage"

	"github.com/spf13/cobra"
)

func newDLQCmd(opts *options) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:     "dlq",
		Aliases: []string{"deadletter"},
		Short:   "Inspect and replay dead-lettered events",
		Long: `Inspect, discard and replay events that could not be ingested.

Only the sqlite dead-letter backend can be queried; bus dead letters are
consumed from their subject like any other stream.`,
	}

	dlqCmd.AddCommand(newDLQListCmd(opts))
	dlqCmd.AddCommand(newDLQShowCmd(opts))
	dlqCmd.AddCommand(newDLQDiscardCmd(opts))
	dlqCmd.AddCommand(newDLQReplayCmd(opts))
	dlqCmd.AddCommand(newDLQPurgeCmd(opts))

	return dlqCmd
}

// openDLQ opens the configured SQLite dead-letter store.
func openDLQ(opts *options) (*ingest.SQLiteDLQ, func(), error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DLQ.Backend != config.DLQBackendSQLite {
		return nil, nil, fmt.Errorf("dlq backend is %q; dead letters are on subject %s", cfg.DLQ.Backend, cfg.DLQ.Subject)
	}
	logger, sugar, err := opts.logger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	sqlite, err := storage.NewSQLite(cfg.DLQ.SQLitePath, sugar)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open dead-letter database: %w", err)
	}
	cleanup := func() {
		_ = sqlite.Close()
		_ = logger.Sync()
	}
	return ingest.NewSQLiteDLQ(sqlite.DB, sugar), cleanup, nil
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid dead letter id %q", arg)
	}
	return id, nil
}

func newDLQListCmd(opts *options) *cobra.Command {
	var (
		filter ingest.DLQFilter
		page   int
		limit  int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List dead letters",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			dlq, cleanup, err := openDLQ(opts)
			if err != nil {
				return err
			}
			defer cleanup()

			events, total, err := dlq.List(ctx, page, limit, filter)
			if err != nil {
				return fmt.Errorf("failed to list dead letters: %w", err)
			}

			if opts.outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), map[string]any{"events": events, "total": total, "page": page})
			}
			renderDLQTable(cmd.OutOrStdout(), events, total, page)
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.Status, "status", ingest.DLQStatusPending, "Filter by status (pending, replayed, discarded; empty for all)")
	cmd.Flags().StringVar(&filter.ErrorReason, "reason", "", "Filter by error reason")
	cmd.Flags().StringVar(&filter.Source, "source", "", "Filter by source (bus, http, replay)")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&limit, "limit", 50, "Results per page")

	return cmd
}

func newDLQShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a dead letter and its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			dlq, cleanup, err := openDLQ(opts)
			if err != nil {
				return err
			}
			defer cleanup()

			ev, err := dlq.Get(ctx, id)
			if err != nil {
				return err
			}
			if opts.outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), ev)
			}
			renderDLQDetails(cmd.OutOrStdout(), ev)
			return nil
		},
	}
}

func newDLQDiscardCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <id>",
		Short: "Mark a dead letter as discarded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			dlq, cleanup, err := openDLQ(opts)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := dlq.UpdateStatus(ctx, id, ingest.DLQStatusDiscarded); err != nil {
				return err
			}
			if !opts.quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Dead letter %d discarded\n", id)
			}
			return nil
		},
	}
}

// newDLQReplayCmd replays a stored dead letter through the full service
// stack: the configured caches, suppression and incident publisher.
func newDLQReplayCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <id>",
		Short: "Re-run a dead letter through the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.DLQ.Backend != config.DLQBackendSQLite {
				return fmt.Errorf("dlq backend is %q; only sqlite dead letters can be replayed", cfg.DLQ.Backend)
			}
			logger, sugar, err := opts.logger(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}

			app, err := bootstrap.NewAppWithConfig(ctx, cfg, logger, sugar)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			defer app.Shutdown()
			if err := app.Pipeline.Start(); err != nil {
				return err
			}

			res, err := app.Pipeline.ReplayDeadLetter(ctx, app.DeadLetter.Store, id)
			if err != nil {
				if res.Outcome == pipeline.OutcomeDeadLettered {
					return fmt.Errorf("dead letter %d is still malformed: %w", id, err)
				}
				if errors.Is(err, pipeline.ErrNotPending) {
					return err
				}
				return fmt.Errorf("replay failed, dead letter %d kept pending: %w", id, err)
			}

			if opts.outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			successColor.Fprintf(out, "✓ Dead letter %d replayed\n", id)
			printField(out, "Outcome", formatOutcome(res.Outcome))
			printField(out, "Incident", res.IncidentID)
			printField(out, "Published", fmt.Sprintf("%t", res.Published))
			return nil
		},
	}
}

func newDLQPurgeCmd(opts *options) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete replayed and discarded dead letters",
		Long:  "Delete replayed and discarded dead letters created before the cutoff. Pending dead letters are kept.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return fmt.Errorf("--older-than must not be negative")
			}
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			dlq, cleanup, err := openDLQ(opts)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := dlq.Purge(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			if opts.outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), map[string]int64{"purged": n})
			}
			if !opts.quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Purged %d dead letters\n", n)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Only purge dead letters created before now minus this duration")

	return cmd
}
