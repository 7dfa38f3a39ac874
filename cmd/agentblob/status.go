package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// statusSnapshot mirrors the gateway status payload.
type statusSnapshot struct {
	Version            string          `json:"version"`
	UptimeMS           int64           `json:"uptime_ms"`
	LastSeq            int64           `json:"last_seq"`
	Connections        int             `json:"connections"`
	ActiveRuns         []activeRunView `json:"active_runs"`
	QueueDepth         int             `json:"queue_depth"`
	PendingPermissions int             `json:"pending_permissions"`
	Schedules          int             `json:"schedules"`
	MemoryItems        int64           `json:"memory_items"`
}

type activeRunView struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	Origin    string `json:"origin"`
	Status    string `json:"status"`
}

// buildStatusCmd creates the "status" command: dial the running gateway and
// print its health snapshot.
func buildStatusCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		Long:  "Dial the running gateway over websocket and print its health snapshot.",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := resolveWSURL(configPath, serverAddr)
			if err != nil {
				return err
			}
			client, err := dialGateway(cmd.Context(), url, "")
			if err != nil {
				return err
			}
			defer client.close()

			var snap statusSnapshot
			raw, err := client.call(cmd.Context(), "status", nil, &snap)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				var pretty any
				if err := json.Unmarshal(raw, &pretty); err != nil {
					return err
				}
				data, err := json.MarshalIndent(pretty, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}

			fmt.Fprintf(out, "Gateway %s at %s\n", snap.Version, url)
			fmt.Fprintf(out, "  Uptime:              %s\n", (time.Duration(snap.UptimeMS) * time.Millisecond).Round(time.Second))
			fmt.Fprintf(out, "  Last seq:            %d\n", snap.LastSeq)
			fmt.Fprintf(out, "  Connections:         %d\n", snap.Connections)
			fmt.Fprintf(out, "  Queue depth:         %d\n", snap.QueueDepth)
			fmt.Fprintf(out, "  Pending permissions: %d\n", snap.PendingPermissions)
			fmt.Fprintf(out, "  Schedules:           %d\n", snap.Schedules)
			fmt.Fprintf(out, "  Memory items:        %d\n", snap.MemoryItems)
			if len(snap.ActiveRuns) > 0 {
				fmt.Fprintln(out, "  Active runs:")
				for _, run := range snap.ActiveRuns {
					fmt.Fprintf(out, "    %s  session=%s origin=%s status=%s\n",
						run.RunID, run.SessionID, run.Origin, run.Status)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Gateway address (host:port), overrides config")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output raw JSON")

	return cmd
}
