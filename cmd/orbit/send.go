package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	orbit "github.com/KlausMikaelson0/orbit-sub000"
)

func init() {
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <channel-id> <text>...",
	Short: "Send a message to a channel",
	Long:  "Send a message through the optimistic write path and wait for the backend confirmation.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		scope, err := orbit.NewScope(orbit.ScopeChannelMessages, args[0])
		if err != nil {
			return err
		}
		content := strings.Join(args[1:], " ")

		store, cleanup, err := newStore(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		tempID, done := store.BeginWrite(ctx, scope, orbit.EntityMessage, map[string]any{
			"channel_id": args[0],
			"content":    content,
		})
		fmt.Printf("Sending %s…\n", tempID)

		select {
		case res := <-done:
			if res.Err != nil {
				return res.Err
			}
			fmt.Printf("Delivered as %s\n", res.Record.ID)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	},
}
