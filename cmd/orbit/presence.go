package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(presenceCmd)
}

var presenceCmd = &cobra.Command{
	Use:   "presence <domain>",
	Short: "Watch who is online in a presence domain",
	Long:  "Join the domain's presence channel, announce self-presence, and print the online set whenever it changes.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		domain := args[0]

		self, err := selfID()
		if err != nil {
			return err
		}

		store, cleanup, err := newStore(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := store.JoinPresence(ctx, domain, self); err != nil {
			return fmt.Errorf("join presence: %w", err)
		}
		defer store.LeavePresence(domain)

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		last := ""
		for {
			select {
			case <-ctx.Done():
				fmt.Println()
				return nil
			case <-ticker.C:
				online := store.Online(domain)
				line := strings.Join(online, ", ")
				if line == last {
					continue
				}
				last = line
				if line == "" {
					fmt.Println("(nobody online)")
					continue
				}
				fmt.Printf("online (%d): %s\n", len(online), line)
			}
		}
	},
}
