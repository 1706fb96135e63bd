// Package model defines the row types shared by the scheduler, the event log
// and the row store adapters.
//
// Types mirror the agent_locks, node_heartbeats, event_aggregates and events
// tables one-to-one. Domain behaviour lives in the cluster, eventlog and saga
// packages; this package stays free of logic beyond small helpers.
package model

import "time"

// AgentLock is a time-bounded claim granting one node the right to run an agent.
// At most one live (unexpired) lock exists per AgentName.
type AgentLock struct {
	AgentName    string    `json:"agent_name"`
	LockedBy     string    `json:"locked_by"`
	LockAcquired time.Time `json:"lock_acquired"`
	LockExpiry   time.Time `json:"lock_expiry"`
}

// Live reports whether the lock is still held at the given instant.
func (l AgentLock) Live(now time.Time) bool {
	return l.LockExpiry.After(now)
}
