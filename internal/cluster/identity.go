package cluster

import (
	"os"

	"github.com/google/uuid"
)

// NodeIdentity names this node in lock and heartbeat rows.
type NodeIdentity interface {
	NodeID() string
}

// StaticIdentity is a fixed node ID.
type StaticIdentity string

func (s StaticIdentity) NodeID() string { return string(s) }

// NewNodeIdentity returns id if set, else "<hostname>-<8 hex chars>". The
// random suffix keeps two processes on one host from sharing leases.
func NewNodeIdentity(id string) StaticIdentity {
	if id != "" {
		return StaticIdentity(id)
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return StaticIdentity(host + "-" + uuid.NewString()[:8])
}
