package cli

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

type nodeView struct {
	NodeID     string `json:"node_id"`
	Version    string `json:"version,omitempty"`
	ShardRegex string `json:"shard_regex,omitempty"`
	StartedAt  string `json:"started_at"`
	LastSeen   string `json:"last_seen"`
	Live       bool   `json:"live"`
}

// NewNodesCommand creates the nodes command.
func NewNodesCommand(opts *RootOptions) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List cluster members",
		Long:  "List heartbeat rows. A node is live if it heartbeated within --ttl.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, closeFn, err := opts.OpenStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			nodes, err := store.ListNodes(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "list nodes", err)
			}
			now := opts.now()
			views := make([]nodeView, len(nodes))
			for i, n := range nodes {
				views[i] = nodeView{
					NodeID:     n.NodeID,
					Version:    n.Version,
					ShardRegex: n.ShardRegex,
					StartedAt:  formatTime(n.StartedAt),
					LastSeen:   formatTime(n.LastSeen),
					Live:       now.Sub(n.LastSeen) <= ttl,
				}
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), views)
			}
			rows := make([][]string, len(views))
			for i, v := range views {
				rows[i] = []string{v.NodeID, v.Version, v.ShardRegex, v.LastSeen, strconv.FormatBool(v.Live)}
			}
			return table(cmd.OutOrStdout(), []string{"NODE", "VERSION", "SHARDS", "LAST SEEN", "LIVE"}, rows)
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 60*time.Second, "heartbeat age beyond which a node is reported dead")
	return cmd
}
