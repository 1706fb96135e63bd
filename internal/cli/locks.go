package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

type lockView struct {
	AgentName    string `json:"agent_name"`
	LockedBy     string `json:"locked_by"`
	LockAcquired string `json:"lock_acquired"`
	LockExpiry   string `json:"lock_expiry"`
	Live         bool   `json:"live"`
}

// NewLocksCommand creates the locks command.
func NewLocksCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List agent leases",
		Long:  "List every agent lease row, including expired ones that have not been reclaimed yet.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, closeFn, err := opts.OpenStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			locks, err := store.ListLocks(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "list locks", err)
			}
			now := opts.now()
			views := make([]lockView, len(locks))
			for i, l := range locks {
				views[i] = lockView{
					AgentName:    l.AgentName,
					LockedBy:     l.LockedBy,
					LockAcquired: formatTime(l.LockAcquired),
					LockExpiry:   formatTime(l.LockExpiry),
					Live:         l.Live(now),
				}
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), views)
			}
			rows := make([][]string, len(views))
			for i, v := range views {
				rows[i] = []string{v.AgentName, v.LockedBy, v.LockAcquired, v.LockExpiry, strconv.FormatBool(v.Live)}
			}
			return table(cmd.OutOrStdout(), []string{"AGENT", "LOCKED BY", "ACQUIRED", "EXPIRES", "LIVE"}, rows)
		},
	}
}
