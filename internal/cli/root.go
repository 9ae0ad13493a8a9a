// Package cli holds the buskercal cobra commands.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"example.com/buskercal/internal/config"
	"example.com/buskercal/internal/logging"
)

// RootOptions holds global flags and the state loaded before every command.
type RootOptions struct {
	ConfigPath string
	Version    string

	cfg    config.Config
	logger *slog.Logger
}

// NewRootCommand creates the root command.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{Version: version}

	cmd := &cobra.Command{
		Use:           "buskercal",
		Short:         "Publish busker schedules to a calendar",
		Long:          "buskercal pulls the busker performance schedule from a feed, publishes each slot to Google Calendar exactly once and keeps the calendar in step with what it has published.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.logger = logging.New(cfg.Log.Level, cfg.Log.Format)
			slog.SetDefault(opts.logger)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file (BUSKERCAL_* variables override it)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewWorkerCommand(opts))
	cmd.AddCommand(NewRunCommand(opts, "publish"))
	cmd.AddCommand(NewRunCommand(opts, "reconcile"))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewFeedCommand(opts))

	return cmd
}
