package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tetherlabs/tether/internal/config"
	"github.com/tetherlabs/tether/internal/dashboard"
)

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  "Queries the running daemon's local dashboard API and prints connection and sync state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "tether.yaml", "path to Tether config file")
	return cmd
}

// dashboardClient fetches JSON from the local dashboard API. Variable for
// test override.
var dashboardClient = &http.Client{Timeout: 3 * time.Second}

func fetchDashboard(port int, path string, v interface{}) error {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	resp, err := dashboardClient.Get(url)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s (is it running?): %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dashboard returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode dashboard response: %w", err)
	}
	return nil
}

func runStatus(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var status dashboard.Status
	if err := fetchDashboard(cfg.Dashboard.Port, "/api/status", &status); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Relay:      %s\n", status.RelayURL)
	fmt.Fprintf(out, "Connected:  %v\n", status.Connected)
	fmt.Fprintf(out, "Paired:     %v\n", status.Paired)
	fmt.Fprintf(out, "Sync mode:  %s\n", status.SyncMode)
	fmt.Fprintf(out, "Uptime:     %s\n", status.Uptime)
	if !status.LastPong.IsZero() {
		fmt.Fprintf(out, "Last pong:  %s\n", status.LastPong.Format(time.RFC3339))
	}
	return nil
}
