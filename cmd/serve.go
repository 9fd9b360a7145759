package cmd

import (
	"context"
	"fmt"

	"lookout/bootstrap"

	"github.com/spf13/cobra"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the correlation service",
		Long:  "Consume anomaly events from the bus and HTTP intake until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			app, err := bootstrap.NewApp(ctx, opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}

			if err := app.Start(ctx); err != nil {
				app.Shutdown()
				return fmt.Errorf("failed to start application: %w", err)
			}

			waitErr := app.WaitForShutdown()
			app.Shutdown()
			if waitErr != nil {
				return fmt.Errorf("engine stopped: %w", waitErr)
			}
			return nil
		},
	}
}
