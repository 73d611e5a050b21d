package main

import (
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	orbit "github.com/KlausMikaelson0/orbit-sub000"
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().BoolVar(&tailDM, "dm", false, "tail a direct-message thread instead of a channel")
}

var tailDM bool

var tailCmd = &cobra.Command{
	Use:   "tail <channel-id>",
	Short: "Stream a channel's messages to the terminal",
	Long:  "Activate the channel's message scope and print its records as they arrive, until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		kind := orbit.ScopeChannelMessages
		if tailDM {
			kind = orbit.ScopeDMThread
		}
		scope, err := orbit.NewScope(kind, args[0])
		if err != nil {
			return err
		}

		store, cleanup, err := newStore(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		var mu sync.Mutex
		printed := make(map[string]bool)
		unwatch := store.Watch(scope, func(recs []orbit.Record) {
			mu.Lock()
			defer mu.Unlock()
			for _, r := range recs {
				if printed[r.ID] {
					continue
				}
				printed[r.ID] = true
				printRecord(r)
			}
		})
		defer unwatch()

		if err := store.ActivateScope(ctx, scope); err != nil {
			return err
		}
		defer store.DeactivateScope(scope)

		<-ctx.Done()
		fmt.Println()
		return nil
	},
}

func printRecord(r orbit.Record) {
	author := "unknown"
	if r.Author != nil {
		author = r.Author.Username
		if r.Author.DisplayName != "" {
			author = r.Author.DisplayName
		}
	}
	content, _ := r.Fields["content"].(string)
	marker := ""
	if r.Optimistic {
		marker = " (sending…)"
	}
	fmt.Printf("[%s] %s: %s%s\n", r.CreatedAt.Local().Format("15:04:05"), author, content, marker)
}
