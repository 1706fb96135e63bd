// Package cluster coordinates periodic agents across a fleet of nodes.
//
// Each node runs a Scheduler that, on every tick, picks the agents it may run
// (enabled, not disabled, in its account shard, due locally), shuffles them,
// caps them at the dynamic concurrency limit and claims a lease row for each
// through a LockStore. Leases expire after the agent's timeout, so a node
// that dies mid-run is healed by expiry rather than by coordination. A
// Registry keeps this node's heartbeat row fresh and reports whether the node
// may schedule at all.
package cluster

import (
	"context"
	"time"
)

// Agent is a unit of periodic work. AgentType is the cluster-wide lock key and
// has the form "account/AgentClass" or "account/AgentClass[i/n]".
type Agent interface {
	AgentType() string
	ProviderName() string
}

// Execution runs one pass of an agent. The context carries a deadline equal
// to the agent's lease timeout.
type Execution interface {
	Execute(ctx context.Context, agent Agent) error
}

// ExecutionFunc adapts a function to Execution.
type ExecutionFunc func(ctx context.Context, agent Agent) error

func (f ExecutionFunc) Execute(ctx context.Context, agent Agent) error { return f(ctx, agent) }

// Interval is an agent's schedule. Timeout doubles as the lease TTL.
type Interval struct {
	Interval      time.Duration
	ErrorInterval time.Duration
	Timeout       time.Duration
}

// IntervalProvider returns the schedule for an agent.
type IntervalProvider interface {
	Interval(agent Agent) Interval
}

// CustomScheduledAgent overrides the provider defaults. Zero values fall
// back to the defaults.
type CustomScheduledAgent interface {
	Agent
	PollInterval() time.Duration
	TimeoutInterval() time.Duration
	ErrorInterval() time.Duration
}

// DefaultIntervalProvider applies fixed defaults unless the agent implements
// CustomScheduledAgent.
type DefaultIntervalProvider struct {
	PollInterval  time.Duration
	ErrorInterval time.Duration
	Timeout       time.Duration
}

// NewDefaultIntervalProvider returns a provider with errorInterval and
// timeout derived from interval when zero: errors retry at the same cadence,
// and a run may take up to twice the interval.
func NewDefaultIntervalProvider(interval, errorInterval, timeout time.Duration) DefaultIntervalProvider {
	if errorInterval <= 0 {
		errorInterval = interval
	}
	if timeout <= 0 {
		timeout = 2 * interval
	}
	return DefaultIntervalProvider{PollInterval: interval, ErrorInterval: errorInterval, Timeout: timeout}
}

func (p DefaultIntervalProvider) Interval(agent Agent) Interval {
	out := Interval{Interval: p.PollInterval, ErrorInterval: p.ErrorInterval, Timeout: p.Timeout}
	if c, ok := agent.(CustomScheduledAgent); ok {
		if d := c.PollInterval(); d > 0 {
			out.Interval = d
		}
		if d := c.ErrorInterval(); d > 0 {
			out.ErrorInterval = d
		}
		if d := c.TimeoutInterval(); d > 0 {
			out.Timeout = d
		}
	}
	return out
}

// NodeStatusProvider reports whether this node should schedule agents.
type NodeStatusProvider interface {
	IsNodeEnabled() bool
}

// AlwaysEnabled is a NodeStatusProvider for single-node deployments.
type AlwaysEnabled struct{}

func (AlwaysEnabled) IsNodeEnabled() bool { return true }

// DynamicConfig is the hot-reloadable configuration the scheduler reads on
// every tick. config.Dynamic implements it.
type DynamicConfig interface {
	MaxConcurrentAgents() int
	AgentDisabled(agentType string) bool
	ReleaseThreshold() time.Duration
}
