// Package cmd provides the lookout command-line interface.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"lookout/bootstrap"
	"lookout/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// options holds the persistent flags shared by every subcommand.
type options struct {
	configFile string
	outputJSON bool
	noColor    bool
	quiet      bool
}

const defaultTimeout = 5 * time.Minute

// NewRootCmd creates the lookout command with all subcommands.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "lookout",
		Short: "Correlate anomaly events into incidents",
		Long: `Lookout consumes anomaly events from the fleet, resolves which ship, device
and service they belong to, folds related events into incidents and publishes
each incident once.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "Config file path (default ./lookout.yaml)")
	root.PersistentFlags().BoolVar(&opts.outputJSON, "json", false, "Output in JSON format")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().BoolVar(&opts.quiet, "quiet", false, "Suppress non-essential output")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newReplayCmd(opts))
	root.AddCommand(newConfigCmd(opts))
	root.AddCommand(newDLQCmd(opts))

	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// loadConfig reads configuration and resolves secrets.
func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configFile)
	if err != nil {
		return nil, err
	}
	secrets, err := config.NewSecretManager(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize secret manager: %w", err)
	}
	if err := config.ResolveSecrets(cfg, secrets); err != nil {
		return nil, err
	}
	return cfg, nil
}

// logger builds the CLI logger. Commands other than serve log warnings only
// so their own output stays readable.
func (o *options) logger(cfg *config.Config) (*zap.Logger, *zap.SugaredLogger, error) {
	lc := cfg.Log
	if o.quiet || o.outputJSON {
		lc.Level = "error"
	} else if lc.Level == "info" || lc.Level == "debug" {
		lc.Level = "warn"
	}
	return bootstrap.InitLogger(lc)
}

func outputAsJSON(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
