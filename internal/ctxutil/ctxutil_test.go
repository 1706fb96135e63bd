package ctxutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgentRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, AgentTypeFromContext(ctx))
	assert.Empty(t, NodeIDFromContext(ctx))

	ctx = WithAgent(ctx, "acct/Sync[1/4]", "node-a")
	assert.Equal(t, "acct/Sync[1/4]", AgentTypeFromContext(ctx))
	assert.Equal(t, "node-a", NodeIDFromContext(ctx))
}

func TestApplying(t *testing.T) {
	ctx := context.Background()
	assert.False(t, Applying(ctx))
	assert.True(t, Applying(WithApplying(ctx)))
}
