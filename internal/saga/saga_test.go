package saga_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/junban/internal/eventlog"
	"github.com/ashita-ai/junban/internal/saga"
	"github.com/ashita-ai/junban/internal/storage/memory"
	"github.com/ashita-ai/junban/internal/testutil"
)

const sagaName = "deploy"

// step is a payload-free event whose name is set by its factory.
type step struct {
	eventlog.Base
	name string
}

func (s *step) EventName() string { return s.name }

func newStep(sg *saga.Saga, name string) *step {
	return &step{Base: sg.Base(), name: name}
}

type harness struct {
	events   *eventlog.Repository
	provider *saga.Provider
	svc      *saga.Service
}

func newHarness(t *testing.T, names ...string) *harness {
	t.Helper()
	codec := eventlog.NewCodec()
	for _, n := range append([]string{"X", "Y", "A", "B", "C", "Z", "Deprovisioned"}, names...) {
		codec.Register(n, func() eventlog.Event { return &step{name: n} })
	}
	events := eventlog.NewRepository(memory.New(), codec, testutil.TestLogger())
	provider := saga.NewProvider()
	svc := saga.NewService(events, provider, testutil.TestLogger(), saga.WithPollInterval(5*time.Millisecond))
	return &harness{events: events, provider: provider, svc: svc}
}

func (h *harness) start(t *testing.T, id string, opts ...saga.Option) *saga.Saga {
	t.Helper()
	sg := saga.New(sagaName, id, opts...)
	require.NoError(t, h.svc.Save(context.Background(), sg, false))
	return sg
}

func (h *harness) submit(t *testing.T, id, name string) {
	t.Helper()
	sg, err := h.svc.Get(context.Background(), sagaName, id)
	require.NoError(t, err)
	require.NoError(t, h.svc.Submit(context.Background(), newStep(sg, name)))
}

func (h *harness) names(t *testing.T, id string) []string {
	t.Helper()
	events, err := h.events.List(context.Background(), sagaName, id)
	require.NoError(t, err)
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.EventName()
	}
	return out
}

func noop(name string, shape saga.Shape, calls *[]eventlog.Event) saga.Handler {
	return saga.HandlerFunc(name, shape, func(_ context.Context, e eventlog.Event, _ *saga.Saga) ([]eventlog.Event, error) {
		if calls != nil {
			*calls = append(*calls, e)
		}
		return nil, nil
	})
}

func TestCompletesWhenAllRequiredEventsSeen(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.provider.Register(sagaName, noop("on-x", saga.On("X"), nil)))
	require.NoError(t, h.provider.Register(sagaName, noop("on-y", saga.On("Y"), nil)))
	h.start(t, "1", saga.WithRequiredEvents("X", "Y"))

	h.submit(t, "1", "X")
	sg, err := h.svc.Get(context.Background(), sagaName, "1")
	require.NoError(t, err)
	assert.False(t, sg.Completed())

	h.submit(t, "1", "Y")
	sg, err = h.svc.Get(context.Background(), sagaName, "1")
	require.NoError(t, err)
	assert.True(t, sg.Completed())
	assert.Contains(t, h.names(t, "1"), saga.EventSagaCompleted)

	completed, ok := sg.Last(saga.EventSagaCompleted).(*saga.SagaCompleted)
	require.True(t, ok)
	assert.True(t, completed.Success)
}

func TestPendingEmittedEventsCountTowardCompletion(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.provider.Register(sagaName, saga.HandlerFunc("x-emits-y", saga.On("X"),
		func(_ context.Context, _ eventlog.Event, sg *saga.Saga) ([]eventlog.Event, error) {
			return []eventlog.Event{newStep(sg, "Y")}, nil
		})))
	h.start(t, "1", saga.WithRequiredEvents("X", "Y"))

	h.submit(t, "1", "X")

	sg, err := h.svc.Get(context.Background(), sagaName, "1")
	require.NoError(t, err)
	assert.True(t, sg.Completed())
	// SagaCompleted is emitted exactly once even though Y is applied afterwards.
	count := 0
	for _, n := range h.names(t, "1") {
		if n == saga.EventSagaCompleted {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestEmittedEventsAppliedBreadthFirst(t *testing.T) {
	h := newHarness(t)
	var order []string
	emit := func(name string, out ...string) saga.Handler {
		return saga.HandlerFunc("on-"+name, saga.On(name),
			func(_ context.Context, e eventlog.Event, sg *saga.Saga) ([]eventlog.Event, error) {
				order = append(order, e.EventName())
				var events []eventlog.Event
				for _, o := range out {
					events = append(events, newStep(sg, o))
				}
				return events, nil
			})
	}
	require.NoError(t, h.provider.Register(sagaName, emit("X", "A", "B")))
	require.NoError(t, h.provider.Register(sagaName, emit("A", "C")))
	require.NoError(t, h.provider.Register(sagaName, emit("B")))
	require.NoError(t, h.provider.Register(sagaName, emit("C")))
	h.start(t, "1", saga.WithRequiredEvents("C"))

	h.submit(t, "1", "X")

	assert.Equal(t, []string{"X", "A", "B", "C"}, order)
	sg, err := h.svc.Get(context.Background(), sagaName, "1")
	require.NoError(t, err)
	assert.True(t, sg.Completed())
}

func TestUnionFiresOnlyOnceAllLeavesSeen(t *testing.T) {
	h := newHarness(t)
	var calls []eventlog.Event
	require.NoError(t, h.provider.Register(sagaName, noop("a-and-b", saga.UnionOf(saga.On("A"), saga.On("B")), &calls)))
	h.start(t, "1", saga.WithRequiredEvents("A", "B"))

	h.submit(t, "1", "A")
	assert.Empty(t, calls)

	h.submit(t, "1", "B")
	require.Len(t, calls, 1)
	c, ok := calls[0].(*saga.Composite)
	require.True(t, ok)
	require.Len(t, c.Parts, 2)
	assert.Equal(t, "A", c.Part(0).EventName())
	assert.Equal(t, "B", c.Part(1).EventName())
	assert.Less(t, eventlog.Sequence(c.Part(0)), eventlog.Sequence(c.Part(1)))
	assert.Equal(t, "Union[A,B]", c.EventName())
}

func TestEitherFiresOnAnyLeaf(t *testing.T) {
	h := newHarness(t)
	var calls []eventlog.Event
	require.NoError(t, h.provider.Register(sagaName, noop("a-or-b", saga.EitherOf(saga.On("A"), saga.On("B")), &calls)))
	h.start(t, "1")

	h.submit(t, "1", "A")
	require.Len(t, calls, 1)
	c := calls[0].(*saga.Composite)
	assert.Equal(t, "A", c.Part(0).EventName())
	assert.Nil(t, c.Part(1))
	assert.Nil(t, c.Find("B"))
}

func TestNestedCompositeResolves(t *testing.T) {
	h := newHarness(t)
	var calls []eventlog.Event
	shape := saga.UnionOf(saga.On("X"), saga.EitherOf(saga.On("A"), saga.On("B")))
	require.NoError(t, h.provider.Register(sagaName, noop("nested", shape, &calls)))
	h.start(t, "1")

	h.submit(t, "1", "B")
	assert.Empty(t, calls)
	h.submit(t, "1", "X")
	require.Len(t, calls, 1)
	c := calls[0].(*saga.Composite)
	assert.Equal(t, "B", c.Find("B").EventName())
	assert.Equal(t, "X", c.Find("X").EventName())
	assert.Nil(t, c.Find("A"))
}

func TestEitherWithUnresolvedUnionBranch(t *testing.T) {
	h := newHarness(t)
	var calls []eventlog.Event
	shape := saga.EitherOf(saga.On("A"), saga.UnionOf(saga.On("B"), saga.On("C")))
	require.NoError(t, h.provider.Register(sagaName, noop("a-or-bc", shape, &calls)))
	h.start(t, "1", saga.WithRequiredEvents("A"))

	h.submit(t, "1", "A")
	require.Len(t, calls, 1)
	c := calls[0].(*saga.Composite)
	assert.Equal(t, "A", c.Part(0).EventName())
	assert.Nil(t, c.Part(1), "the Union branch has no B or C yet")

	sg, err := h.svc.Get(context.Background(), sagaName, "1")
	require.NoError(t, err)
	assert.True(t, sg.Completed())
}

func TestEitherWithPartialUnionBranch(t *testing.T) {
	h := newHarness(t)
	var calls []eventlog.Event
	shape := saga.EitherOf(saga.On("A"), saga.UnionOf(saga.On("B"), saga.On("C")))
	require.NoError(t, h.provider.Register(sagaName, noop("a-or-bc", shape, &calls)))
	h.start(t, "1")

	h.submit(t, "1", "B")
	assert.Empty(t, calls, "B alone satisfies neither branch")

	h.submit(t, "1", "C")
	require.Len(t, calls, 1)
	c := calls[0].(*saga.Composite)
	assert.Nil(t, c.Part(0))
	assert.Equal(t, "B", c.Find("B").EventName())
	assert.Equal(t, "C", c.Find("C").EventName())
}

func TestRepeatedLeafBindsMostRecent(t *testing.T) {
	h := newHarness(t)
	var calls []eventlog.Event
	require.NoError(t, h.provider.Register(sagaName, noop("a-and-b", saga.UnionOf(saga.On("A"), saga.On("B")), &calls)))
	h.start(t, "1")

	h.submit(t, "1", "A")
	h.submit(t, "1", "A")
	h.submit(t, "1", "B")
	require.Len(t, calls, 1)

	sg, err := h.svc.Get(context.Background(), sagaName, "1")
	require.NoError(t, err)
	latestA := sg.Last("A")
	require.NotNil(t, latestA)

	c := calls[0].(*saga.Composite)
	assert.Equal(t, latestA.Metadata().ID, c.Find("A").Metadata().ID)
	assert.Equal(t, eventlog.Sequence(latestA), eventlog.Sequence(c.Find("A")))
}

func TestSaveGetRoundTrip(t *testing.T) {
	h := newHarness(t)
	sg := saga.New(sagaName, "1",
		saga.WithRequiredEvents("Y", "X", "X"),
		saga.WithCompensationEvents("Deprovisioned"),
	)
	require.NoError(t, sg.SetSequence(7))
	sg.Log("starting")
	require.NoError(t, h.svc.Save(context.Background(), sg, false))

	got, err := h.svc.Get(context.Background(), sagaName, "1")
	require.NoError(t, err)
	assert.Equal(t, sg.Snapshot(), got.Snapshot())
	assert.Equal(t, []string{"X", "Y"}, got.RequiredEvents())
	assert.Equal(t, []string{"starting"}, got.Logs())
	assert.Equal(t, int64(2), got.Version())
}

func TestSaveOnlyIfMissingKeepsExisting(t *testing.T) {
	h := newHarness(t)
	h.start(t, "1", saga.WithRequiredEvents("X"))

	require.NoError(t, h.svc.Save(context.Background(), saga.New(sagaName, "1", saga.WithRequiredEvents("Y")), true))

	got, err := h.svc.Get(context.Background(), sagaName, "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, got.RequiredEvents())
}

func TestGetMissingSaga(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Get(context.Background(), sagaName, "nope")
	assert.ErrorIs(t, err, saga.ErrNotFound)
}

func TestConcurrentSavesConflict(t *testing.T) {
	h := newHarness(t)
	h.start(t, "1")
	ctx := context.Background()

	first, err := h.svc.Get(ctx, sagaName, "1")
	require.NoError(t, err)
	second, err := h.svc.Get(ctx, sagaName, "1")
	require.NoError(t, err)

	require.NoError(t, h.svc.Save(ctx, first, false))
	err = h.svc.Save(ctx, second, false)
	assert.ErrorIs(t, err, eventlog.ErrConcurrentModification)
}

func TestApplyConflictsWithInterleavedWriter(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.provider.Register(sagaName, saga.HandlerFunc("racer", saga.On("X"),
		func(ctx context.Context, _ eventlog.Event, sg *saga.Saga) ([]eventlog.Event, error) {
			// Another writer lands between this apply's load and save.
			return nil, h.events.Save(ctx, sg.Name(), sg.ID(), sg.Version(), []eventlog.Event{newStep(sg, "Z")})
		})))
	h.start(t, "1", saga.WithRequiredEvents("X"))

	sg, err := h.svc.Get(context.Background(), sagaName, "1")
	require.NoError(t, err)
	err = h.svc.Submit(context.Background(), newStep(sg, "X"))
	assert.ErrorIs(t, err, eventlog.ErrConcurrentModification)

	got, err := h.svc.Get(context.Background(), sagaName, "1")
	require.NoError(t, err)
	assert.False(t, got.Completed())
	assert.Equal(t, []string{saga.EventSagaSaved, "X", "Z"}, h.names(t, "1"))
}

func TestStaleEventIsDropped(t *testing.T) {
	h := newHarness(t)
	var calls []eventlog.Event
	require.NoError(t, h.provider.Register(sagaName, noop("on-x", saga.On("X"), &calls)))
	h.start(t, "1")
	ctx := context.Background()

	h.submit(t, "1", "X")
	h.submit(t, "1", "X")
	require.Len(t, calls, 2)

	before := h.names(t, "1")

	stale := calls[0]
	require.NoError(t, h.svc.Apply(ctx, stale))
	assert.Len(t, calls, 2)

	// Redelivering the most recently applied event is dropped too.
	latest := calls[1]
	require.NoError(t, h.svc.Apply(ctx, latest))
	assert.Len(t, calls, 2)
	assert.Equal(t, before, h.names(t, "1"), "no snapshot written")

	sg, err := h.svc.Get(ctx, sagaName, "1")
	require.NoError(t, err)
	assert.Equal(t, eventlog.Sequence(latest), sg.Sequence())
}

func TestUnhandledEventStillAdvancesSequence(t *testing.T) {
	h := newHarness(t)
	h.start(t, "1", saga.WithRequiredEvents("Y"))

	h.submit(t, "1", "X")

	sg, err := h.svc.Get(context.Background(), sagaName, "1")
	require.NoError(t, err)
	x := sg.Last("X")
	require.NotNil(t, x)
	assert.Equal(t, eventlog.Sequence(x), sg.Sequence())
	assert.False(t, sg.Completed())
}

func TestApplyRejectsUnsavedEvent(t *testing.T) {
	h := newHarness(t)
	sg := h.start(t, "1")

	err := h.svc.Apply(context.Background(), newStep(sg, "X"))
	var sysErr *saga.SystemError
	assert.ErrorAs(t, err, &sysErr)
}

func TestApplyRejectsUnknownSaga(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orphan := &step{Base: eventlog.NewBase(sagaName, "ghost"), name: "X"}
	orphan.SetMetadata(eventlog.Metadata{Sequence: 1})

	err := h.svc.Apply(ctx, orphan)
	var sysErr *saga.SystemError
	assert.ErrorAs(t, err, &sysErr)
}

func TestSubmitToUnsavedSaga(t *testing.T) {
	h := newHarness(t)
	err := h.svc.Submit(context.Background(), &step{Base: eventlog.NewBase(sagaName, "ghost"), name: "X"})
	var sysErr *saga.SystemError
	require.ErrorAs(t, err, &sysErr)
	assert.ErrorIs(t, err, saga.ErrNotFound)
}

func TestHandlerErrorSavesNothing(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("boom")
	require.NoError(t, h.provider.Register(sagaName, saga.HandlerFunc("fails", saga.On("X"),
		func(_ context.Context, _ eventlog.Event, sg *saga.Saga) ([]eventlog.Event, error) {
			sg.Log("about to fail")
			return nil, boom
		})))
	h.start(t, "1")

	sg, err := h.svc.Get(context.Background(), sagaName, "1")
	require.NoError(t, err)
	err = h.svc.Submit(context.Background(), newStep(sg, "X"))
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "saga: handler fails")
	assert.Equal(t, []string{saga.EventSagaSaved, "X"}, h.names(t, "1"))
}

func TestHandlerEmittingForeignEventIsSystemError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.provider.Register(sagaName, saga.HandlerFunc("leaky", saga.On("X"),
		func(context.Context, eventlog.Event, *saga.Saga) ([]eventlog.Event, error) {
			return []eventlog.Event{&step{Base: eventlog.NewBase(sagaName, "other"), name: "Y"}}, nil
		})))
	h.start(t, "1")

	sg, err := h.svc.Get(context.Background(), sagaName, "1")
	require.NoError(t, err)
	err = h.svc.Submit(context.Background(), newStep(sg, "X"))
	var sysErr *saga.SystemError
	assert.ErrorAs(t, err, &sysErr)
}

type provisioner struct {
	compensated int
}

func (*provisioner) Name() string        { return "provision" }
func (*provisioner) Accepts() saga.Shape { return saga.On("X") }
func (*provisioner) Apply(context.Context, eventlog.Event, *saga.Saga) ([]eventlog.Event, error) {
	return nil, nil
}

func (p *provisioner) Compensate(_ context.Context, _ eventlog.Event, sg *saga.Saga) ([]eventlog.Event, error) {
	p.compensated++
	return []eventlog.Event{newStep(sg, "Deprovisioned")}, nil
}

func TestErrorEventCompensates(t *testing.T) {
	h := newHarness(t)
	p := &provisioner{}
	require.NoError(t, h.provider.Register(sagaName, p))
	h.start(t, "1",
		saga.WithRequiredEvents("X", "Y"),
		saga.WithCompensationEvents("Deprovisioned"),
	)
	ctx := context.Background()

	h.submit(t, "1", "X")
	sg, err := h.svc.Get(ctx, sagaName, "1")
	require.NoError(t, err)
	require.NoError(t, h.svc.Submit(ctx, &saga.SagaInternalErrorOccurred{Base: sg.Base(), Reason: "quota exceeded"}))

	assert.Equal(t, 1, p.compensated)
	sg, err = h.svc.Get(ctx, sagaName, "1")
	require.NoError(t, err)
	assert.True(t, sg.Compensating())
	assert.True(t, sg.Completed())

	names := h.names(t, "1")
	assert.Contains(t, names, saga.EventSagaInCompensation)
	assert.Contains(t, names, "Deprovisioned")
	assert.Contains(t, names, saga.EventSagaCompensated)
	completed := sg.Last(saga.EventSagaCompleted).(*saga.SagaCompleted)
	assert.False(t, completed.Success)
}

func TestCompletionHandler(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.svc.Save(ctx, saga.New(sagaName, "1", saga.WithCompletionHandler("summary")), false)
	var invalid *saga.InvalidCompletionHandlerError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "summary", invalid.Handler)

	h.svc.RegisterCompletionHandler("summary", saga.CompletionHandlerFunc(func(_ context.Context, sg *saga.Saga) (any, error) {
		return sg.ID() + " done", nil
	}))
	h.start(t, "1", saga.WithRequiredEvents("X"), saga.WithCompletionHandler("summary"))

	done := make(chan any, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		res, err := h.svc.AwaitCompletion(ctx, sagaName, "1")
		if err != nil {
			done <- err
			return
		}
		done <- res
	}()
	h.submit(t, "1", "X")
	assert.Equal(t, "1 done", <-done)
}

func TestAwaitCompletionHonoursContext(t *testing.T) {
	h := newHarness(t)
	h.start(t, "1", saga.WithRequiredEvents("X"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.svc.AwaitCompletion(ctx, sagaName, "1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSetSequenceBackwards(t *testing.T) {
	sg := saga.New(sagaName, "1")
	require.NoError(t, sg.SetSequence(5))
	err := sg.SetSequence(4)
	var sysErr *saga.SystemError
	assert.ErrorAs(t, err, &sysErr)
	assert.Equal(t, int64(5), sg.Sequence())
}

func TestShapeValidation(t *testing.T) {
	assert.NoError(t, saga.UnionOf(saga.On("A"), saga.On("B")).Validate())
	assert.Error(t, saga.UnionOf(saga.On("A")).Validate())
	assert.Error(t, saga.EitherOf(saga.On("A"), saga.On("B"), saga.On("C"), saga.On("D"), saga.On("E"), saga.On("F")).Validate())
	assert.Error(t, saga.On("").Validate())
	assert.Error(t, saga.UnionOf(saga.On("A"), saga.UnionOf(saga.On("B"))).Validate())

	assert.Equal(t, []string{"A", "B", "C"},
		saga.UnionOf(saga.On("A"), saga.EitherOf(saga.On("B"), saga.On("A"), saga.On("C"))).Leaves())
}

func TestRegisterRejectsDuplicatesAndBadShapes(t *testing.T) {
	p := saga.NewProvider()
	require.NoError(t, p.Register(sagaName, noop("h", saga.On("X"), nil)))
	assert.Error(t, p.Register(sagaName, noop("h", saga.On("Y"), nil)))
	assert.Error(t, p.Register(sagaName, noop("bad", saga.UnionOf(saga.On("X")), nil)))
}

func TestHandlersScopedBySagaName(t *testing.T) {
	h := newHarness(t)
	var scoped, global []eventlog.Event
	require.NoError(t, h.provider.Register("other", noop("other-x", saga.On("X"), &scoped)))
	require.NoError(t, h.provider.Register("", noop("any-x", saga.On("X"), &global)))
	h.start(t, "1")

	h.submit(t, "1", "X")
	assert.Empty(t, scoped)
	assert.Len(t, global, 1)
}
