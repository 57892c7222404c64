package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tetherlabs/tether/internal/config"
	"github.com/tetherlabs/tether/internal/dashboard"
	"github.com/tetherlabs/tether/internal/store"
)

func newPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage device pairing",
	}

	cmd.AddCommand(newPairShowCmd())
	cmd.AddCommand(newPairRevokeCmd())
	return cmd
}

func newPairShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current pairing code and paired device",
		Long:  "Queries the running daemon for the pairing code to enter in the companion app.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairShow(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "tether.yaml", "path to Tether config file")
	return cmd
}

func runPairShow(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var info dashboard.PairingInfo
	if err := fetchDashboard(cfg.Dashboard.Port, "/api/pairing", &info); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if info.Paired {
		fmt.Fprintf(out, "Paired with: %s\n", info.DeviceName)
	} else {
		fmt.Fprintf(out, "Not paired\n")
	}
	fmt.Fprintf(out, "Pairing code: %s\n", info.PairingCode)
	return nil
}

func newPairRevokeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke all paired devices",
		Long:  "Marks every paired device revoked in the local store. Works whether or not the daemon is running; a running daemon also rotates its pairing code on the next relay notification.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairRevoke(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "tether.yaml", "path to Tether config file")
	return cmd
}

func runPairRevoke(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Connect(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := st.RevokeDevices(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "All paired devices revoked.\n")
	return nil
}
