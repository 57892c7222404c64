package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tetherlabs/tether/internal/config"
	"github.com/tetherlabs/tether/internal/daemon"
	"github.com/tetherlabs/tether/internal/store"
)

func newDaemonCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Tether daemon",
		Long:  "Connects to the relay service, handles commands from the paired companion client, and serves the local status dashboard.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "tether.yaml", "path to Tether config file")
	return cmd
}

func runDaemon(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Connect(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	d, err := daemon.New(daemon.Opts{
		Config: cfg,
		Store:  st,
		Out:    cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return d.Run(ctx)
}
