package main

import (
	"fmt"

	"github.com/spf13/cobra"

	orbit "github.com/KlausMikaelson0/orbit-sub000"
)

func init() {
	rootCmd.AddCommand(rosterCmd)
	rootCmd.AddCommand(channelsCmd)
}

var rosterCmd = &cobra.Command{
	Use:   "roster <server-id>",
	Short: "List a server's member roster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listScope(cmd, orbit.ScopeServerMembers, args[0], func(r orbit.Record) string {
			name := r.ID
			role := ""
			if m := r.Membership; m != nil {
				role = m.Role
				if m.Profile != nil {
					name = m.Profile.Username
					if m.Profile.DisplayName != "" {
						name = m.Profile.DisplayName
					}
				}
			}
			if role != "" {
				return fmt.Sprintf("%s (%s)", name, role)
			}
			return name
		})
	},
}

var channelsCmd = &cobra.Command{
	Use:   "channels <server-id>",
	Short: "List a server's channels",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listScope(cmd, orbit.ScopeServerChannels, args[0], func(r orbit.Record) string {
			if name, ok := r.Fields["name"].(string); ok {
				return "#" + name
			}
			return r.ID
		})
	},
}

// listScope activates a scope, prints one line per record, and tears the
// scope back down.
func listScope(cmd *cobra.Command, kind orbit.ScopeKind, id string, format func(orbit.Record) string) error {
	ctx := cmd.Context()
	scope, err := orbit.NewScope(kind, id)
	if err != nil {
		return err
	}

	store, cleanup, err := newStore(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := store.ActivateScope(ctx, scope); err != nil {
		return err
	}
	defer store.DeactivateScope(scope)

	recs := store.Records(scope)
	if len(recs) == 0 {
		fmt.Println("(empty)")
		return nil
	}
	for _, r := range recs {
		fmt.Println(format(r))
	}
	return nil
}
