package main

import (
	"context"
	"fmt"
	"io"

	"tubeprompt/internal/server"
	"tubeprompt/internal/types"

	"github.com/spf13/cobra"
)

// =============================================================================
// TRIGGER COMMANDS - talk to a running daemon
// =============================================================================

var (
	openTitle   string
	openChannel string
)

var openCmd = &cobra.Command{
	Use:   "open [video-url]",
	Short: "Trigger a prompt for a video",
	Example: `  tubeprompt open "https://www.youtube.com/watch?v=dQw4w9WgXcQ" \
    --title "Never Gonna Give You Up" --channel "Rick Astley"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendTrigger(cmd, func(ctx context.Context, c *server.Client) (types.Ack, error) {
			return c.Open(ctx, types.TriggerPayload{URL: args[0], Title: openTitle, Channel: openChannel})
		})
	},
}

var linkCmd = &cobra.Command{
	Use:   "link [video-url]",
	Short: "Trigger a prompt from a bare video link (no title or channel)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendTrigger(cmd, func(ctx context.Context, c *server.Client) (types.Ack, error) {
			return c.Link(ctx, args[0])
		})
	},
}

var activeCmd = &cobra.Command{
	Use:   "active",
	Short: "Trigger a prompt for the video in the browser's focused tab",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendTrigger(cmd, func(ctx context.Context, c *server.Client) (types.Ack, error) {
			return c.Active(ctx)
		})
	},
}

func init() {
	openCmd.Flags().StringVar(&openTitle, "title", "", "Video title")
	openCmd.Flags().StringVar(&openChannel, "channel", "", "Channel name")
}

func sendTrigger(cmd *cobra.Command, send func(context.Context, *server.Client) (types.Ack, error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	ack, err := send(ctx, server.NewClient(serverAddr))
	if err != nil {
		return err
	}
	return reportAck(cmd.OutOrStdout(), ack)
}

func reportAck(w io.Writer, ack types.Ack) error {
	if !ack.OK {
		if ack.Error == "" {
			return fmt.Errorf("trigger not accepted")
		}
		return fmt.Errorf("trigger not accepted: %s", ack.Error)
	}
	fmt.Fprintln(w, "Trigger accepted")
	return nil
}
