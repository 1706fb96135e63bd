// Package ctxutil provides shared context key accessors.
//
// The scheduler tags each agent execution with the agent type and the node
// running it, and the saga service marks contexts that are already draining
// emitted events. Packages read these without importing each other.
package ctxutil

import "context"

type contextKey string

const (
	keyAgentType contextKey = "agent_type"
	keyNodeID    contextKey = "node_id"
	keyApplying  contextKey = "saga_applying"
)

// WithAgent returns a context carrying the executing agent's type and node.
func WithAgent(ctx context.Context, agentType, nodeID string) context.Context {
	ctx = context.WithValue(ctx, keyAgentType, agentType)
	return context.WithValue(ctx, keyNodeID, nodeID)
}

// AgentTypeFromContext returns the executing agent's type, or "".
func AgentTypeFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyAgentType).(string)
	return v
}

// NodeIDFromContext returns the node executing the agent, or "".
func NodeIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyNodeID).(string)
	return v
}

// WithApplying marks ctx as inside a saga apply loop.
func WithApplying(ctx context.Context) context.Context {
	return context.WithValue(ctx, keyApplying, true)
}

// Applying reports whether ctx is inside a saga apply loop.
func Applying(ctx context.Context) bool {
	v, _ := ctx.Value(keyApplying).(bool)
	return v
}
