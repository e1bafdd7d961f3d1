package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

// NewSubscribeCmd creates the "subscribe" subcommand: a websocket client
// that prints the event stream for a topic.
func NewSubscribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe TOPIC",
		Short: "Subscribe to a topic and print its event stream",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubscribe,
	}

	cmd.Flags().String("url", "ws://localhost:8080/", "Server websocket URL")
	cmd.Flags().Int64("since", 0, "Replay records from this unix time")
	cmd.Flags().Bool("snapshot", false, "Close after the state-of-the-world replay")
	cmd.Flags().StringArray("set", nil,
		"Topic-specific request field as key=value (repeatable)")

	return cmd
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	url, _ := cmd.Flags().GetString("url")
	since, _ := cmd.Flags().GetInt64("since")
	snapshot, _ := cmd.Flags().GetBool("snapshot")
	fields, _ := cmd.Flags().GetStringArray("set")

	req := map[string]any{
		"topic":    args[0],
		"since":    since,
		"snapshot": snapshot,
	}
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return exitError(exitConfig, "invalid --set %q, want key=value", field)
		}
		req[key] = value
	}

	ws, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), url, nil)
	if err != nil {
		return exitError(exitRuntime, "dial %s: %v", url, err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(req); err != nil {
		return exitError(exitRuntime, "send request: %v", err)
	}

	// Interrupt closes the socket, unblocking the read loop.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()

	out := cmd.OutOrStdout()
	for {
		var msg map[string]any
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) ||
				ctx.Err() != nil {
				return nil
			}
			return exitError(exitRuntime, "read: %v", err)
		}
		line, err := json.Marshal(msg)
		if err != nil {
			return exitError(exitRuntime, "encode: %v", err)
		}
		fmt.Fprintln(out, string(line))
	}
}
