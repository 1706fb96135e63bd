// Package storetest is a conformance suite for row stores driven by an
// injected clock (memory, SQLite). Each store package runs it from its own
// tests.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/junban/internal/eventlog"
	"github.com/ashita-ai/junban/internal/model"
	"github.com/ashita-ai/junban/internal/testutil"
)

// Store is everything the suite exercises.
type Store interface {
	TryAcquireLock(ctx context.Context, agentName, nodeID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, agentName, nodeID string, hold time.Duration) error
	ListLocks(ctx context.Context) ([]model.AgentLock, error)
	Heartbeat(ctx context.Context, hb model.NodeHeartbeat) error
	ListLiveNodes(ctx context.Context, ttl time.Duration) ([]string, error)
	ReapStaleNodes(ctx context.Context, ttl time.Duration) (int64, error)
	AppendEvents(ctx context.Context, aggregateType, aggregateID string, expectedVersion int64, records []model.EventRecord) (int64, error)
	ListEvents(ctx context.Context, aggregateType, aggregateID string) ([]model.EventRecord, error)
	DeleteAggregatesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Factory returns a fresh, empty store reading time from clock.
type Factory func(t *testing.T, clock *testutil.Clock) Store

// Records builds n consecutive records starting after version from.
func Records(aggType, aggID string, from int64, createdAt time.Time, names ...string) []model.EventRecord {
	out := make([]model.EventRecord, len(names))
	for i, n := range names {
		out[i] = model.EventRecord{
			ID:                 uuid.New(),
			AggregateType:      aggType,
			AggregateID:        aggID,
			Sequence:           from + int64(i) + 1,
			OriginatingVersion: from,
			EventType:          n,
			Payload:            json.RawMessage(fmt.Sprintf(`{"name":%q}`, n)),
			CreatedAt:          createdAt,
		}
	}
	return out
}

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fresh := func(t *testing.T) (Store, *testutil.Clock) {
		clock := testutil.NewClock(start)
		return newStore(t, clock), clock
	}

	t.Run("LockMutualExclusion", func(t *testing.T) {
		s, _ := fresh(t)
		ctx := context.Background()

		ok, err := s.TryAcquireLock(ctx, "acct/A", "n1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.TryAcquireLock(ctx, "acct/A", "n2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.TryAcquireLock(ctx, "acct/B", "n2", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "locks are per agent")
	})

	t.Run("LockExpiryLiveness", func(t *testing.T) {
		s, clock := fresh(t)
		ctx := context.Background()

		ok, err := s.TryAcquireLock(ctx, "acct/A", "n1", 30*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		clock.Advance(29 * time.Second)
		ok, err = s.TryAcquireLock(ctx, "acct/A", "n2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		clock.Advance(time.Second)
		ok, err = s.TryAcquireLock(ctx, "acct/A", "n2", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "claimable once expiry is reached")

		locks, err := s.ListLocks(ctx)
		require.NoError(t, err)
		require.Len(t, locks, 1)
		assert.Equal(t, "n2", locks[0].LockedBy)
		assert.True(t, locks[0].LockExpiry.Equal(clock.Now().Add(time.Minute)))
	})

	t.Run("ReleaseLock", func(t *testing.T) {
		s, clock := fresh(t)
		ctx := context.Background()

		ok, err := s.TryAcquireLock(ctx, "acct/A", "n1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, s.ReleaseLock(ctx, "acct/A", "n2", 0), "foreign release is a no-op")
		ok, err = s.TryAcquireLock(ctx, "acct/A", "n2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.ReleaseLock(ctx, "acct/A", "n1", 10*time.Minute))
		clock.Advance(5 * time.Minute)
		ok, err = s.TryAcquireLock(ctx, "acct/A", "n2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "held until the next run")

		clock.Advance(5 * time.Minute)
		ok, err = s.TryAcquireLock(ctx, "acct/A", "n2", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.ReleaseLock(ctx, "acct/A", "n2", 0))
		locks, err := s.ListLocks(ctx)
		require.NoError(t, err)
		assert.Empty(t, locks)
	})

	t.Run("Heartbeats", func(t *testing.T) {
		s, clock := fresh(t)
		ctx := context.Background()

		require.NoError(t, s.Heartbeat(ctx, model.NodeHeartbeat{NodeID: "n1", StartedAt: clock.Now()}))
		clock.Advance(20 * time.Second)
		require.NoError(t, s.Heartbeat(ctx, model.NodeHeartbeat{NodeID: "n2", StartedAt: clock.Now()}))

		live, err := s.ListLiveNodes(ctx, 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, []string{"n1", "n2"}, live)

		clock.Advance(15 * time.Second)
		live, err = s.ListLiveNodes(ctx, 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, []string{"n2"}, live)

		n, err := s.ReapStaleNodes(ctx, 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("AppendOptimisticConcurrency", func(t *testing.T) {
		s, clock := fresh(t)
		ctx := context.Background()

		v, err := s.AppendEvents(ctx, "t", "1", 0, Records("t", "1", 0, clock.Now(), "A"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)

		_, err = s.AppendEvents(ctx, "t", "1", 0, Records("t", "1", 0, clock.Now(), "B"))
		require.ErrorIs(t, err, eventlog.ErrConcurrentModification)

		got, err := s.ListEvents(ctx, "t", "1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "A", got[0].EventType)
		assert.JSONEq(t, `{"name":"A"}`, string(got[0].Payload))

		_, err = s.AppendEvents(ctx, "t", "1", 5, Records("t", "1", 5, clock.Now(), "C"))
		require.ErrorIs(t, err, eventlog.ErrConcurrentModification, "ahead of head")

		v, err = s.AppendEvents(ctx, "t", "1", 1, Records("t", "1", 1, clock.Now(), "B", "C"))
		require.NoError(t, err)
		assert.Equal(t, int64(3), v)

		got, err = s.ListEvents(ctx, "t", "1")
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, r := range got {
			assert.Equal(t, int64(i+1), r.Sequence)
		}

		missing, err := s.ListEvents(ctx, "t", "nope")
		require.NoError(t, err)
		assert.Empty(t, missing)

		_, err = s.AppendEvents(ctx, "t", "fresh", 3, Records("t", "fresh", 3, clock.Now(), "X"))
		require.ErrorIs(t, err, eventlog.ErrConcurrentModification, "new stream must start at 0")
	})

	t.Run("DeleteAggregatesOlderThan", func(t *testing.T) {
		s, clock := fresh(t)
		ctx := context.Background()

		_, err := s.AppendEvents(ctx, "t", "old", 0, Records("t", "old", 0, clock.Now(), "A"))
		require.NoError(t, err)
		clock.Advance(2 * time.Hour)
		_, err = s.AppendEvents(ctx, "t", "new", 0, Records("t", "new", 0, clock.Now(), "A"))
		require.NoError(t, err)

		n, err := s.DeleteAggregatesOlderThan(ctx, clock.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		old, err := s.ListEvents(ctx, "t", "old")
		require.NoError(t, err)
		assert.Empty(t, old)
		kept, err := s.ListEvents(ctx, "t", "new")
		require.NoError(t, err)
		assert.Len(t, kept, 1)
	})
}
