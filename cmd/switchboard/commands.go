package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harunnryd/switchboard/pkg/config"
	"github.com/harunnryd/switchboard/pkg/logging"
	"github.com/harunnryd/switchboard/pkg/redact"
	"github.com/harunnryd/switchboard/pkg/runner"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "switchboard",
		Short:         "AI receptionist call relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve call webhooks and media streams",
		Long: `Serve the incoming-call webhook, the media stream endpoint, the
transfer callback and greeting audio.

Settings come from the optional YAML file and SWITCHBOARD_* environment
variables (for example SWITCHBOARD_REALTIME_API_KEY). PUBLIC_HOST is
honored as the public host for transfer callbacks.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := logging.Init(cfg.LogLevel, cfg.LogFormat)
			redact.SetEnabled(cfg.Privacy.RedactPII)

			app, err := newApp(cfg, logger)
			if err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.Runner().Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), runner.Version)
		},
	}
}
