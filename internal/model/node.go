package model

import "time"

// NodeHeartbeat is a cluster member's liveness record.
// A node is live iff LastSeen is within the configured heartbeat TTL.
type NodeHeartbeat struct {
	NodeID     string    `json:"node_id"`
	LastSeen   time.Time `json:"last_seen"`
	StartedAt  time.Time `json:"started_at"`
	Version    string    `json:"version,omitempty"`
	ShardRegex string    `json:"shard_regex,omitempty"`
}
