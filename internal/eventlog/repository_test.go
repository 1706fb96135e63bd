package eventlog_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/junban/internal/eventlog"
	"github.com/ashita-ai/junban/internal/storage/memory"
	"github.com/ashita-ai/junban/internal/testutil"
)

type noted struct {
	eventlog.Base
	Note string `json:"note"`
}

func (*noted) EventName() string { return "Noted" }

func newNoted(id, note string) *noted {
	return &noted{Base: eventlog.NewBase("t", id), Note: note}
}

func newRepo(t *testing.T, opts ...eventlog.Option) *eventlog.Repository {
	t.Helper()
	codec := eventlog.NewCodec()
	codec.Register("Noted", func() eventlog.Event { return &noted{} })
	return eventlog.NewRepository(memory.New(), codec, testutil.TestLogger(), opts...)
}

func TestSaveStampsAndLists(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	repo := newRepo(t, eventlog.WithServiceVersion("v1.2.3"), eventlog.WithClock(func() time.Time { return at }))

	a, b := newNoted("1", "a"), newNoted("1", "b")
	require.NoError(t, repo.Save(ctx, "t", "1", 0, []eventlog.Event{a, b}))

	require.NotNil(t, a.Metadata())
	assert.Equal(t, int64(1), a.Metadata().Sequence)
	assert.Equal(t, int64(2), b.Metadata().Sequence)
	assert.Equal(t, int64(0), b.Metadata().OriginatingVersion)
	assert.Equal(t, "v1.2.3", b.Metadata().ServiceVersion)

	got, err := repo.List(ctx, "t", "1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	first, ok := got[0].(*noted)
	require.True(t, ok)
	assert.Equal(t, "a", first.Note)
	assert.Equal(t, "t", first.AggregateType())
	assert.Equal(t, "1", first.AggregateID())
	assert.Equal(t, a.Metadata().ID, first.Metadata().ID)
	assert.True(t, first.Metadata().Timestamp.Equal(at))
	assert.Equal(t, int64(2), eventlog.Sequence(got[1]))
}

func TestSaveConcurrentModification(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	require.NoError(t, repo.Save(ctx, "t", "1", 0, []eventlog.Event{newNoted("1", "A")}))

	eventB := newNoted("1", "B")
	err := repo.Save(ctx, "t", "1", 0, []eventlog.Event{eventB})
	require.ErrorIs(t, err, eventlog.ErrConcurrentModification)
	assert.Nil(t, eventB.Metadata(), "rejected events stay unstamped")

	got, err := repo.List(ctx, "t", "1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].(*noted).Note)
}

func TestSaveRejectsForeignAggregate(t *testing.T) {
	repo := newRepo(t)
	err := repo.Save(context.Background(), "t", "1", 0, []eventlog.Event{newNoted("2", "x")})
	require.Error(t, err)
	assert.NotErrorIs(t, err, eventlog.ErrConcurrentModification)
}

func TestSavePublishesInOrder(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	var seen []int64
	repo.Subscribe(eventlog.ListenerFunc(func(_ context.Context, e eventlog.Event) error {
		seen = append(seen, eventlog.Sequence(e))
		return nil
	}))

	require.NoError(t, repo.Save(ctx, "t", "1", 0, []eventlog.Event{newNoted("1", "a"), newNoted("1", "b")}))
	require.NoError(t, repo.Save(ctx, "t", "1", 2, []eventlog.Event{newNoted("1", "c")}))
	assert.Equal(t, []int64{1, 2, 3}, seen)
}

func TestListenerErrorAfterCommit(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	boom := errors.New("boom")
	repo.Subscribe(eventlog.ListenerFunc(func(context.Context, eventlog.Event) error { return boom }))

	err := repo.Save(ctx, "t", "1", 0, []eventlog.Event{newNoted("1", "a")})
	require.ErrorIs(t, err, boom)

	got, err := repo.List(ctx, "t", "1")
	require.NoError(t, err)
	assert.Len(t, got, 1, "listener failure does not undo the append")
}

func TestListUnknownEventType(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	writer := eventlog.NewRepository(store, eventlog.NewCodec(), testutil.TestLogger())
	require.NoError(t, writer.Save(ctx, "t", "1", 0, []eventlog.Event{newNoted("1", "a")}))

	got, err := writer.List(ctx, "t", "1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	u, ok := got[0].(*eventlog.Unknown)
	require.True(t, ok)
	assert.Equal(t, "Noted", u.EventName())
	assert.JSONEq(t, `{"note":"a"}`, string(u.Payload))

	rec, err := writer.Codec().Encode(u)
	require.NoError(t, err)
	assert.JSONEq(t, `{"note":"a"}`, string(rec.Payload))
}

func TestSaveEmptyIsNoop(t *testing.T) {
	repo := newRepo(t)
	require.NoError(t, repo.Save(context.Background(), "t", "1", 7, nil))
}
