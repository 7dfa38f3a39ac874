package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// scheduleView mirrors the wire rendering of one schedule.
type scheduleView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	At         string `json:"at,omitempty"`
	Every      string `json:"every,omitempty"`
	CronExpr   string `json:"cron_expr,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	Prompt     string `json:"prompt"`
	WorkerType string `json:"worker_type,omitempty"`
	Enabled    bool   `json:"enabled"`
	NextRunAt  string `json:"next_run_at,omitempty"`
	LastRunAt  string `json:"last_run_at,omitempty"`
	LastRunID  string `json:"last_run_id,omitempty"`
}

// buildSchedulesCmd creates the "schedules" command group against a running
// gateway.
func buildSchedulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Manage scheduled runs",
		Long: `Manage scheduled runs on a running gateway.

A schedule fires a prompt as a run: once at a fixed time (at), on an
interval (every), or per cron expression (cron). Naming a worker type
runs the prompt under that worker's profile.`,
	}
	cmd.AddCommand(
		buildSchedulesListCmd(),
		buildSchedulesCreateCmd(),
		buildSchedulesUpdateCmd(),
		buildSchedulesDeleteCmd(),
	)
	return cmd
}

func buildSchedulesListCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
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

			var resp struct {
				Schedules []scheduleView `json:"schedules"`
			}
			if _, err := client.call(cmd.Context(), "schedules.list", nil, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(resp.Schedules) == 0 {
				fmt.Fprintln(out, "No schedules.")
				return nil
			}
			for _, sched := range resp.Schedules {
				state := "enabled"
				if !sched.Enabled {
					state = "disabled"
				}
				next := sched.NextRunAt
				if next == "" {
					next = "-"
				}
				fmt.Fprintf(out, "%s  %-20s %-5s %-8s next %s\n",
					sched.ID, sched.Name, sched.Kind, state, next)
				fmt.Fprintf(out, "    %s %s\n", scheduleSpec(sched), truncate(sched.Prompt, 80))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Gateway address (host:port), overrides config")

	return cmd
}

// scheduleSpec renders the firing rule for display.
func scheduleSpec(sched scheduleView) string {
	switch sched.Kind {
	case "at":
		return "at " + sched.At
	case "every":
		return "every " + sched.Every
	case "cron":
		if sched.Timezone != "" {
			return fmt.Sprintf("cron %q (%s)", sched.CronExpr, sched.Timezone)
		}
		return fmt.Sprintf("cron %q", sched.CronExpr)
	default:
		return sched.Kind
	}
}

func buildSchedulesCreateCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
		name       string
		kind       string
		at         string
		every      string
		cronExpr   string
		timezone   string
		workerType string
		disabled   bool
	)

	cmd := &cobra.Command{
		Use:   "create [prompt]",
		Short: "Create a schedule",
		Example: `  # Morning briefing at 07:30 every day
  agentblob schedules create "Prepare my morning briefing" \
    --name briefing --kind cron --cron "30 7 * * *" --tz Europe/Berlin --worker briefing

  # One-shot reminder
  agentblob schedules create "Remind me to rotate the API keys" \
    --name key-rotation --kind at --at 2026-09-01T09:00:00Z`,
		Args: cobra.ExactArgs(1),
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

			params := map[string]any{
				"name":    name,
				"kind":    kind,
				"prompt":  args[0],
				"enabled": !disabled,
			}
			if at != "" {
				params["at"] = at
			}
			if every != "" {
				params["every"] = every
			}
			if cronExpr != "" {
				params["cron_expr"] = cronExpr
			}
			if timezone != "" {
				params["timezone"] = timezone
			}
			if workerType != "" {
				params["worker_type"] = workerType
			}

			var resp struct {
				Schedule scheduleView `json:"schedule"`
			}
			if _, err := client.call(cmd.Context(), "schedules.create", params, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created %s (%s).\n", resp.Schedule.ID, resp.Schedule.Name)
			if resp.Schedule.NextRunAt != "" {
				fmt.Fprintf(out, "Next run: %s\n", resp.Schedule.NextRunAt)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Gateway address (host:port), overrides config")
	cmd.Flags().StringVar(&name, "name", "", "Schedule name")
	cmd.Flags().StringVar(&kind, "kind", "every", "Firing rule: at, every, or cron")
	cmd.Flags().StringVar(&at, "at", "", "Firing time for kind=at (RFC 3339)")
	cmd.Flags().StringVar(&every, "every", "", "Interval for kind=every (Go duration, e.g. 6h)")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Cron expression for kind=cron")
	cmd.Flags().StringVar(&timezone, "tz", "", "Timezone for kind=cron (IANA name)")
	cmd.Flags().StringVar(&workerType, "worker", "", "Worker type profile to run under")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create the schedule disabled")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func buildSchedulesUpdateCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
		name       string
		kind       string
		at         string
		every      string
		cronExpr   string
		timezone   string
		prompt     string
		workerType string
		enabled    bool
	)

	cmd := &cobra.Command{
		Use:   "update [id]",
		Short: "Update a schedule",
		Long:  "Update a schedule. Only the flags you set are changed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"id": args[0]}
			flagParams := map[string]string{
				"name":   name,
				"kind":   kind,
				"at":     at,
				"every":  every,
				"cron":   cronExpr,
				"tz":     timezone,
				"prompt": prompt,
				"worker": workerType,
			}
			wireNames := map[string]string{
				"cron":   "cron_expr",
				"tz":     "timezone",
				"worker": "worker_type",
			}
			for flag, value := range flagParams {
				if !cmd.Flags().Changed(flag) {
					continue
				}
				key := flag
				if wire, ok := wireNames[flag]; ok {
					key = wire
				}
				params[key] = value
			}
			if cmd.Flags().Changed("enabled") {
				params["enabled"] = enabled
			}
			if len(params) == 1 {
				return fmt.Errorf("nothing to update, set at least one flag")
			}

			url, err := resolveWSURL(configPath, serverAddr)
			if err != nil {
				return err
			}
			client, err := dialGateway(cmd.Context(), url, "")
			if err != nil {
				return err
			}
			defer client.close()

			var resp struct {
				Schedule scheduleView `json:"schedule"`
			}
			if _, err := client.call(cmd.Context(), "schedules.update", params, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Updated %s.\n", resp.Schedule.ID)
			if resp.Schedule.NextRunAt != "" {
				fmt.Fprintf(out, "Next run: %s\n", resp.Schedule.NextRunAt)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Gateway address (host:port), overrides config")
	cmd.Flags().StringVar(&name, "name", "", "Schedule name")
	cmd.Flags().StringVar(&kind, "kind", "", "Firing rule: at, every, or cron")
	cmd.Flags().StringVar(&at, "at", "", "Firing time for kind=at (RFC 3339)")
	cmd.Flags().StringVar(&every, "every", "", "Interval for kind=every (Go duration)")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Cron expression for kind=cron")
	cmd.Flags().StringVar(&timezone, "tz", "", "Timezone for kind=cron (IANA name)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt to run")
	cmd.Flags().StringVar(&workerType, "worker", "", "Worker type profile to run under")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "Enable or disable the schedule")

	return cmd
}

func buildSchedulesDeleteCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
	)

	cmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
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

			if _, err := client.call(cmd.Context(), "schedules.delete", map[string]any{"id": args[0]}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Gateway address (host:port), overrides config")

	return cmd
}
