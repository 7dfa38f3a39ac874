package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// memoryItemView mirrors the wire rendering of one memory item.
type memoryItemView struct {
	ID         int64    `json:"id"`
	Type       string   `json:"type"`
	Content    string   `json:"content"`
	Context    string   `json:"context,omitempty"`
	Importance int      `json:"importance"`
	Tags       []string `json:"tags,omitempty"`
	FirstSeen  string   `json:"first_seen"`
	LastSeen   string   `json:"last_seen"`
	Count      int      `json:"count"`
}

type memoryHitView struct {
	Item    memoryItemView `json:"item"`
	Score   float64        `json:"score"`
	Lexical float64        `json:"lexical"`
	Vector  float64        `json:"vector"`
	Recency float64        `json:"recency"`
}

// buildMemoryCmd creates the "memory" command group against a running
// gateway.
func buildMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and edit long-term memory",
		Long: `Inspect and edit the gateway's long-term memory.

All subcommands talk to the running gateway over its websocket control
plane; none of them open the store directly.`,
	}
	cmd.AddCommand(
		buildMemoryListCmd(),
		buildMemorySearchCmd(),
		buildMemoryDeleteCmd(),
		buildMemoryPinCmd(),
		buildMemoryUnpinCmd(),
	)
	return cmd
}

func buildMemoryListCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
		memType    string
		limit      int
		offset     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored memory items",
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

			params := map[string]any{"limit": limit, "offset": offset}
			if memType != "" {
				params["type"] = memType
			}
			var resp struct {
				Items  []memoryItemView `json:"items"`
				Total  int64            `json:"total"`
				Pinned []string         `json:"pinned"`
			}
			if _, err := client.call(cmd.Context(), "memory.list", params, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(resp.Pinned) > 0 {
				fmt.Fprintln(out, "Pinned:")
				for _, text := range resp.Pinned {
					fmt.Fprintf(out, "  * %s\n", text)
				}
				fmt.Fprintln(out)
			}
			if len(resp.Items) == 0 {
				fmt.Fprintln(out, "No memory items.")
				return nil
			}
			fmt.Fprintf(out, "%d of %d items:\n", len(resp.Items), resp.Total)
			for _, item := range resp.Items {
				fmt.Fprintf(out, "  [%d] (%s, importance %d, seen %d) %s\n",
					item.ID, item.Type, item.Importance, item.Count, truncate(item.Content, 100))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Gateway address (host:port), overrides config")
	cmd.Flags().StringVar(&memType, "type", "", "Filter by memory type (fact, preference, decision, task)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of items")
	cmd.Flags().IntVar(&offset, "offset", 0, "Pagination offset")

	return cmd
}

func buildMemorySearchCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memory with hybrid retrieval",
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

			params := map[string]any{"query": args[0]}
			if limit > 0 {
				params["limit"] = limit
			}
			var resp struct {
				Hits  []memoryHitView `json:"hits"`
				Count int             `json:"count"`
			}
			if _, err := client.call(cmd.Context(), "memory.search", params, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if resp.Count == 0 {
				fmt.Fprintln(out, "No results found.")
				return nil
			}
			for i, hit := range resp.Hits {
				fmt.Fprintf(out, "%d. [score %.3f] (%s) %s\n",
					i+1, hit.Score, hit.Item.Type, truncate(hit.Item.Content, 160))
				if seen, err := time.Parse(time.RFC3339, hit.Item.LastSeen); err == nil {
					fmt.Fprintf(out, "   id %d | last seen %s\n", hit.Item.ID, seen.Format("2006-01-02"))
				} else {
					fmt.Fprintf(out, "   id %d\n", hit.Item.ID)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Gateway address (host:port), overrides config")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results (0 = server default)")

	return cmd
}

func buildMemoryDeleteCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
	)

	cmd := &cobra.Command{
		Use:   "delete [id...]",
		Short: "Delete memory items by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid id %q", arg)
				}
				ids = append(ids, id)
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
				Deleted int64 `json:"deleted"`
			}
			if _, err := client.call(cmd.Context(), "memory.delete", map[string]any{"ids": ids}, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d items.\n", resp.Deleted)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Gateway address (host:port), overrides config")

	return cmd
}

func buildMemoryPinCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
	)

	cmd := &cobra.Command{
		Use:   "pin [text]",
		Short: "Pin a note into every run's context",
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

			var resp struct {
				Added  bool     `json:"added"`
				Pinned []string `json:"pinned"`
			}
			if _, err := client.call(cmd.Context(), "memory.pin", map[string]any{"text": args[0]}, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if resp.Added {
				fmt.Fprintln(out, "Pinned.")
			} else {
				fmt.Fprintln(out, "Already pinned.")
			}
			fmt.Fprintf(out, "%d pinned notes.\n", len(resp.Pinned))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Gateway address (host:port), overrides config")

	return cmd
}

func buildMemoryUnpinCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
	)

	cmd := &cobra.Command{
		Use:   "unpin [text]",
		Short: "Remove a pinned note",
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

			var resp struct {
				Removed bool     `json:"removed"`
				Pinned  []string `json:"pinned"`
			}
			if _, err := client.call(cmd.Context(), "memory.unpin", map[string]any{"text": args[0]}, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if resp.Removed {
				fmt.Fprintln(out, "Unpinned.")
			} else {
				fmt.Fprintln(out, "Not pinned.")
			}
			fmt.Fprintf(out, "%d pinned notes.\n", len(resp.Pinned))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Gateway address (host:port), overrides config")

	return cmd
}

func truncate(s string, limit int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
