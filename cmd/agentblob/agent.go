package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// buildAgentCmd creates the "agent" command: submit one prompt and stream
// the run to stdout.
func buildAgentCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
		session    string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "agent [prompt]",
		Short: "Run one prompt and stream the output",
		Long: `Submit a prompt to the running gateway and stream the run until it
finishes. Slash commands (/status, /memory, /schedules, ...) are answered
directly. Permission requests raised by the run are prompted on stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			url, err := resolveWSURL(configPath, serverAddr)
			if err != nil {
				return err
			}
			client, err := dialGateway(ctx, url, session)
			if err != nil {
				return err
			}
			defer client.close()

			return streamRun(ctx, cmd, client, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "Gateway address (host:port), overrides config")
	cmd.Flags().StringVar(&session, "session", "main", "Session to attach the run to")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Overall time limit for the run")

	return cmd
}

// agentAccepted is the response payload of the agent method; slash commands
// come back with Command set instead.
type agentAccepted struct {
	RunID    string `json:"run_id"`
	Status   string `json:"status"`
	Queued   bool   `json:"queued"`
	Position int    `json:"position"`
	Command  bool   `json:"command"`
	Text     string `json:"text"`
}

// eventEnvelope mirrors the log envelope carried in event frames.
type eventEnvelope struct {
	Seq       int64           `json:"seq"`
	Kind      string          `json:"kind"`
	RunID     string          `json:"run_id"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

// permissionView is the slice of a permission request the CLI displays.
type permissionView struct {
	ID         string `json:"id"`
	RunID      string `json:"run_id"`
	Tool       string `json:"tool"`
	Capability string `json:"capability"`
	Preview    string `json:"preview"`
	Reason     string `json:"reason"`
}

// runFinalView is the terminal payload of a run.
type runFinalView struct {
	Status  string   `json:"status"`
	Summary string   `json:"summary"`
	Errors  []string `json:"errors"`
	Error   string   `json:"error"`
	Rounds  int      `json:"rounds"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// streamRun submits the prompt, then drains event frames until the run's
// final event. Frames are read on a goroutine so permission prompts on
// stdin never stall the socket.
func streamRun(ctx context.Context, cmd *cobra.Command, client *gatewayClient, prompt string) error {
	out := cmd.OutOrStdout()

	var accepted agentAccepted
	if _, err := client.call(ctx, "agent", map[string]any{"prompt": prompt}, &accepted); err != nil {
		return err
	}
	if accepted.Command {
		fmt.Fprintln(out, accepted.Text)
		return nil
	}
	if accepted.Queued {
		fmt.Fprintf(out, "queued at position %d\n", accepted.Position)
	}

	frames := make(chan *clientFrame, 256)
	readErr := make(chan error, 1)
	go func() {
		for {
			frame, err := client.read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	streaming := false
	endStream := func() {
		if streaming {
			fmt.Fprintln(out)
			streaming = false
		}
	}
	stdin := bufio.NewReader(cmd.InOrStdin())

	for {
		select {
		case <-ctx.Done():
			endStream()
			return ctx.Err()
		case err := <-readErr:
			endStream()
			return fmt.Errorf("connection lost: %w", err)
		case frame := <-frames:
			if frame.Type == "res" {
				// Mid-stream the only request is permission.respond;
				// surface its failure without aborting the run.
				if frame.OK == nil || !*frame.OK {
					msg := "request failed"
					if frame.Error != nil {
						msg = frame.Error.Error()
					}
					fmt.Fprintf(os.Stderr, "warning: %s\n", msg)
				}
				continue
			}
			if frame.Type != "event" || len(frame.Payload) == 0 {
				continue
			}
			var ev eventEnvelope
			if err := json.Unmarshal(frame.Payload, &ev); err != nil || ev.RunID != accepted.RunID {
				continue
			}
			switch frame.Event {
			case "token":
				var token struct {
					Text string `json:"text"`
				}
				if err := json.Unmarshal(ev.Payload, &token); err == nil {
					fmt.Fprint(out, token.Text)
					streaming = true
				}
			case "tool.call":
				endStream()
				var call struct {
					Name       string `json:"name"`
					Capability string `json:"capability"`
				}
				if err := json.Unmarshal(ev.Payload, &call); err == nil {
					fmt.Fprintf(out, "[tool %s %s]\n", call.Name, call.Capability)
				}
			case "permission.request":
				endStream()
				var req permissionView
				if err := json.Unmarshal(ev.Payload, &req); err != nil {
					continue
				}
				if err := respondPermission(cmd, client, stdin, req); err != nil {
					return err
				}
			case "run.final":
				endStream()
				var final runFinalView
				if err := json.Unmarshal(ev.Payload, &final); err != nil {
					return fmt.Errorf("malformed final event: %w", err)
				}
				return printFinal(out, final)
			}
		}
	}
}

// respondPermission asks y/N on stdin and sends the decision. The response
// frame is left for the streaming loop; a second reader on the socket is
// not allowed.
func respondPermission(cmd *cobra.Command, client *gatewayClient, stdin *bufio.Reader, req permissionView) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "permission needed: %s (%s)\n", req.Capability, req.Tool)
	if req.Preview != "" {
		fmt.Fprintf(out, "  %s\n", req.Preview)
	}
	fmt.Fprint(out, "allow? [y/N] ")

	answer, err := stdin.ReadString('\n')
	if err != nil && err != io.EOF {
		return err
	}
	approve := strings.EqualFold(strings.TrimSpace(answer), "y")

	if _, err := client.request("permission.respond", map[string]any{
		"id":      req.ID,
		"approve": approve,
	}); err != nil {
		return fmt.Errorf("permission response: %w", err)
	}
	return nil
}

func printFinal(out io.Writer, final runFinalView) error {
	switch final.Status {
	case "done":
		if final.Summary != "" {
			fmt.Fprintln(out, final.Summary)
		}
		fmt.Fprintf(os.Stderr, "run finished: %d rounds, %d in / %d out tokens\n",
			final.Rounds, final.Usage.InputTokens, final.Usage.OutputTokens)
		return nil
	case "stopped":
		return fmt.Errorf("run stopped")
	default:
		if final.Error != "" {
			return fmt.Errorf("run %s: %s", final.Status, final.Error)
		}
		if len(final.Errors) > 0 {
			return fmt.Errorf("run %s: %s", final.Status, strings.Join(final.Errors, "; "))
		}
		return fmt.Errorf("run %s", final.Status)
	}
}
