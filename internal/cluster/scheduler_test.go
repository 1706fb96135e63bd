package cluster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/junban/internal/config"
	"github.com/ashita-ai/junban/internal/ctxutil"
	"github.com/ashita-ai/junban/internal/storage/memory"
	"github.com/ashita-ai/junban/internal/testutil"
)

type testAgent string

func (a testAgent) AgentType() string    { return string(a) }
func (a testAgent) ProviderName() string { return "test" }

type customAgent struct {
	testAgent
	poll, timeout, errInterval time.Duration
}

func (c customAgent) PollInterval() time.Duration    { return c.poll }
func (c customAgent) TimeoutInterval() time.Duration { return c.timeout }
func (c customAgent) ErrorInterval() time.Duration   { return c.errInterval }

// inlineExecutor runs tasks on the caller's goroutine.
type inlineExecutor struct{}

func (inlineExecutor) Submit(task func()) error { task(); return nil }

// lostExecutor accepts tasks and never runs them, like a node that died
// right after claiming.
type lostExecutor struct{}

func (lostExecutor) Submit(func()) error { return nil }

type fullExecutor struct{}

func (fullExecutor) Submit(func()) error { return ErrPoolFull }

type nodeStatus struct{ enabled atomic.Bool }

func (n *nodeStatus) IsNodeEnabled() bool { return n.enabled.Load() }

type runLog struct {
	mu   sync.Mutex
	runs map[string]int
}

func (r *runLog) exec() Execution {
	return ExecutionFunc(func(_ context.Context, a Agent) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.runs == nil {
			r.runs = make(map[string]int)
		}
		r.runs[a.AgentType()]++
		return nil
	})
}

func (r *runLog) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[name]
}

type fixture struct {
	clock   *testutil.Clock
	store   *memory.Store
	dynamic *config.Dynamic
}

func newFixture() *fixture {
	clock := testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return &fixture{
		clock: clock,
		store: memory.New(memory.WithClock(clock.Now)),
		dynamic: config.NewDynamic(config.DynamicValues{
			MaxConcurrentAgents: 10,
			ReleaseThreshold:    500 * time.Millisecond,
			AccountShardRegex:   ".*",
		}),
	}
}

func (f *fixture) scheduler(node string, exec Executor, opts ...SchedulerOption) *Scheduler {
	opts = append([]SchedulerOption{WithSchedulerClock(f.clock.Now)}, opts...)
	return NewScheduler(
		f.store,
		StaticIdentity(node),
		NewDefaultIntervalProvider(time.Minute, 5*time.Second, 30*time.Second),
		AlwaysEnabled{},
		f.dynamic,
		NewAccountShardFilter(f.dynamic, testutil.TestLogger()),
		exec,
		testutil.TestLogger(),
		opts...,
	)
}

func (f *fixture) lockHolder(t *testing.T, name string) (string, time.Time) {
	t.Helper()
	locks, err := f.store.ListLocks(context.Background())
	require.NoError(t, err)
	for _, l := range locks {
		if l.AgentName == name {
			return l.LockedBy, l.LockExpiry
		}
	}
	return "", time.Time{}
}

func TestMutualExclusion(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	blocking := ExecutionFunc(func(context.Context, Agent) error {
		started <- struct{}{}
		<-release
		return nil
	})
	var runs runLog

	pool := NewPoolExecutor(4)
	n1 := f.scheduler("n1", pool)
	n2 := f.scheduler("n2", inlineExecutor{})
	n1.Schedule(testAgent("acct/A"), blocking, nil)
	n2.Schedule(testAgent("acct/A"), runs.exec(), nil)

	require.Equal(t, 1, n1.RunOnce(ctx))
	<-started
	assert.Equal(t, 1, n1.Active())

	f.clock.Advance(10 * time.Second)
	assert.Equal(t, 0, n2.RunOnce(ctx), "n2 must not claim while n1 holds the lease")
	assert.Equal(t, 0, runs.count("acct/A"))
	assert.Equal(t, 0, n1.RunOnce(ctx), "running agents are not re-claimed locally")

	close(release)
	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	n1.Drain(drainCtx)
	assert.Equal(t, 0, n1.Active())

	holder, expiry := f.lockHolder(t, "acct/A")
	assert.Equal(t, "n1", holder, "lease kept until the next run")
	assert.True(t, expiry.Equal(f.clock.Now().Add(time.Minute)))

	assert.Equal(t, 0, n2.RunOnce(ctx), "other nodes honour the poll interval")
	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, n2.RunOnce(ctx))
	assert.Equal(t, 1, runs.count("acct/A"))
}

func TestLivenessViaExpiry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	var runs runLog

	dead := f.scheduler("dead", lostExecutor{})
	dead.Schedule(testAgent("acct/A"), runs.exec(), nil)
	require.Equal(t, 1, dead.RunOnce(ctx))

	n2 := f.scheduler("n2", inlineExecutor{})
	n2.Schedule(testAgent("acct/A"), runs.exec(), nil)

	f.clock.Advance(29 * time.Second)
	assert.Equal(t, 0, n2.RunOnce(ctx))

	f.clock.Advance(time.Second)
	assert.Equal(t, 1, n2.RunOnce(ctx), "claimable once the timeout has elapsed")
	assert.Equal(t, 1, runs.count("acct/A"))
}

func TestFourShardsNoStarvation(t *testing.T) {
	f := newFixture()
	f.dynamic.Set(config.DynamicValues{MaxConcurrentAgents: 2, ReleaseThreshold: 500 * time.Millisecond, AccountShardRegex: ".*"})
	ctx := context.Background()
	var runs runLog

	s := f.scheduler("n1", inlineExecutor{})
	shards := []string{"acct/Agent[1/4]", "acct/Agent[2/4]", "acct/Agent[3/4]", "acct/Agent[4/4]"}
	for _, name := range shards {
		s.Schedule(testAgent(name), runs.exec(), nil)
	}

	for range 4 {
		assert.LessOrEqual(t, s.RunOnce(ctx), 2)
		f.clock.Advance(time.Second)
	}
	for _, name := range shards {
		assert.GreaterOrEqual(t, runs.count(name), 1, name)
	}
}

func TestMaxConcurrentCountsActive(t *testing.T) {
	f := newFixture()
	f.dynamic.Set(config.DynamicValues{MaxConcurrentAgents: 2, AccountShardRegex: ".*"})
	ctx := context.Background()

	s := f.scheduler("n1", lostExecutor{})
	for _, name := range []string{"a/A", "a/B", "a/C"} {
		s.Schedule(testAgent(name), ExecutionFunc(func(context.Context, Agent) error { return nil }), nil)
	}
	assert.Equal(t, 2, s.RunOnce(ctx))
	assert.Equal(t, 0, s.RunOnce(ctx), "budget exhausted by agents still running")
}

func TestCandidateFilters(t *testing.T) {
	f := newFixture()
	f.dynamic.Set(config.DynamicValues{
		MaxConcurrentAgents: 10,
		DisabledAgents:      []string{"prod-1/Disabled"},
		AccountShardRegex:   "prod-.*",
	})
	ctx := context.Background()
	var runs runLog

	s := f.scheduler("n1", inlineExecutor{}, WithEnabledAgentPattern(`prod-\d/.*`))
	for _, name := range []string{"prod-1/Enabled", "prod-1/Disabled", "staging/Other", "prod-x/NotEnabled"} {
		s.Schedule(testAgent(name), runs.exec(), nil)
	}

	assert.Equal(t, 1, s.RunOnce(ctx))
	assert.Equal(t, 1, runs.count("prod-1/Enabled"))
	assert.Equal(t, 0, runs.count("prod-1/Disabled"))
	assert.Equal(t, 0, runs.count("staging/Other"))
	assert.Equal(t, 0, runs.count("prod-x/NotEnabled"))
}

func TestPoolFullReleasesLock(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s := f.scheduler("n1", fullExecutor{})
	s.Schedule(testAgent("acct/A"), ExecutionFunc(func(context.Context, Agent) error { return nil }), nil)
	s.Schedule(testAgent("acct/B"), ExecutionFunc(func(context.Context, Agent) error { return nil }), nil)

	assert.Equal(t, 0, s.RunOnce(ctx))
	locks, err := f.store.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks, "claimed lease handed back, and claiming stopped")
	assert.Equal(t, 0, s.Active())
}

func TestPanicReleasesLockWithErrorInterval(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var failed atomic.Int32
	instr := failureCounter{n: &failed}
	s := f.scheduler("n1", inlineExecutor{})
	s.Schedule(testAgent("acct/A"), ExecutionFunc(func(context.Context, Agent) error { panic("boom") }), instr)

	require.Equal(t, 1, s.RunOnce(ctx))
	assert.Equal(t, int32(1), failed.Load())
	assert.Equal(t, 0, s.Active())

	holder, expiry := f.lockHolder(t, "acct/A")
	assert.Equal(t, "n1", holder)
	assert.True(t, expiry.Equal(f.clock.Now().Add(5*time.Second)), "held for the error interval")

	f.clock.Advance(4 * time.Second)
	assert.Equal(t, 0, s.RunOnce(ctx))
	f.clock.Advance(time.Second)
	assert.Equal(t, 1, s.RunOnce(ctx))
}

type failureCounter struct{ n *atomic.Int32 }

func (failureCounter) ExecutionStarted(Agent)                        {}
func (failureCounter) ExecutionCompleted(Agent, time.Duration)       {}
func (f failureCounter) ExecutionFailed(Agent, error, time.Duration) { f.n.Add(1) }

func TestShortIntervalDeletesLock(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	s := f.scheduler("n1", inlineExecutor{})
	agent := customAgent{testAgent: "acct/Fast", poll: 100 * time.Millisecond, timeout: time.Second}
	s.Schedule(agent, ExecutionFunc(func(context.Context, Agent) error { return nil }), nil)

	require.Equal(t, 1, s.RunOnce(ctx))
	holder, _ := f.lockHolder(t, "acct/Fast")
	assert.Empty(t, holder, "next run is inside the release threshold, so the row is deleted")
}

func TestExecutionDeadlineIsTimeout(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var deadline time.Duration
	var runningAs string
	s := f.scheduler("n1", inlineExecutor{})
	agent := customAgent{testAgent: "acct/Timed", timeout: 3 * time.Second}
	s.Schedule(agent, ExecutionFunc(func(ctx context.Context, _ Agent) error {
		d, ok := ctx.Deadline()
		require.True(t, ok)
		deadline = time.Until(d)
		runningAs = ctxutil.AgentTypeFromContext(ctx) + "@" + ctxutil.NodeIDFromContext(ctx)
		return errors.New("fails")
	}), nil)

	require.Equal(t, 1, s.RunOnce(ctx))
	assert.InDelta(t, 3*time.Second, deadline, float64(time.Second))
	assert.Equal(t, "acct/Timed@n1", runningAs)
}

func TestNodeDisabledSkipsTick(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	var runs runLog
	status := &nodeStatus{}

	s := NewScheduler(f.store, StaticIdentity("n1"), NewDefaultIntervalProvider(time.Minute, 0, 0),
		status, f.dynamic, nil, inlineExecutor{}, testutil.TestLogger(), WithSchedulerClock(f.clock.Now))
	s.Schedule(testAgent("acct/A"), runs.exec(), nil)

	assert.Equal(t, 0, s.RunOnce(ctx))
	status.enabled.Store(true)
	assert.Equal(t, 1, s.RunOnce(ctx))
}

func TestScheduleUnschedule(t *testing.T) {
	f := newFixture()
	s := f.scheduler("n1", inlineExecutor{})
	s.Schedule(testAgent("b/B"), ExecutionFunc(func(context.Context, Agent) error { return nil }), nil)
	s.Schedule(testAgent("a/A"), ExecutionFunc(func(context.Context, Agent) error { return nil }), nil)
	assert.Equal(t, []string{"a/A", "b/B"}, s.Scheduled())

	s.Unschedule("a/A")
	assert.Equal(t, []string{"b/B"}, s.Scheduled())
	assert.Equal(t, 1, s.RunOnce(context.Background()))
}

func TestStartDrain(t *testing.T) {
	f := newFixture()
	var runs runLog
	s := f.scheduler("n1", NewPoolExecutor(2), WithLockAcquisitionInterval(10*time.Millisecond))
	s.Schedule(testAgent("acct/A"), runs.exec(), nil)

	s.Start(context.Background())
	s.Start(context.Background())
	assert.Eventually(t, func() bool { return runs.count("acct/A") == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Drain(ctx)
	assert.Equal(t, 0, s.Active())
}

func TestDefaultIntervalProvider(t *testing.T) {
	p := NewDefaultIntervalProvider(time.Minute, 0, 0)
	assert.Equal(t, Interval{Interval: time.Minute, ErrorInterval: time.Minute, Timeout: 2 * time.Minute}, p.Interval(testAgent("a/A")))

	custom := customAgent{testAgent: "a/B", poll: time.Second}
	got := p.Interval(custom)
	assert.Equal(t, time.Second, got.Interval)
	assert.Equal(t, time.Minute, got.ErrorInterval)
	assert.Equal(t, 2*time.Minute, got.Timeout)
}

func TestPoolExecutor(t *testing.T) {
	p := NewPoolExecutor(1)
	release := make(chan struct{})
	require.NoError(t, p.Submit(func() { <-release }))
	assert.ErrorIs(t, p.Submit(func() {}), ErrPoolFull)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
	assert.NoError(t, p.Submit(func() {}))
}

func TestNodeIdentity(t *testing.T) {
	assert.Equal(t, "fixed", NewNodeIdentity("fixed").NodeID())
	a, b := NewNodeIdentity(""), NewNodeIdentity("")
	assert.NotEqual(t, a.NodeID(), b.NodeID())
}

func TestEnabledPatternMatchesWholeAgentType(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	var runs runLog

	s := f.scheduler("n1", inlineExecutor{}, WithEnabledAgentPattern(`acct/Sync`))
	for _, name := range []string{"acct/Sync", "acct/SyncExtra", "other-acct/Sync"} {
		s.Schedule(testAgent(name), runs.exec(), nil)
	}

	assert.Equal(t, 1, s.RunOnce(ctx))
	assert.Equal(t, 1, runs.count("acct/Sync"))
	assert.Equal(t, 0, runs.count("acct/SyncExtra"))
	assert.Equal(t, 0, runs.count("other-acct/Sync"))
}

func TestInvalidEnabledPatternEnablesAll(t *testing.T) {
	f := newFixture()
	var runs runLog

	s := f.scheduler("n1", inlineExecutor{}, WithEnabledAgentPattern(`(`))
	s.Schedule(testAgent("acct/A"), runs.exec(), nil)

	assert.Equal(t, 1, s.RunOnce(context.Background()))
}

func TestHoldIsMeasuredOnStoreClock(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// The store's clock runs an hour ahead of the scheduling node.
	storeClock := testutil.NewClock(f.clock.Now().Add(time.Hour))
	f.store = memory.New(memory.WithClock(storeClock.Now))

	var runs runLog
	s := f.scheduler("n1", inlineExecutor{})
	s.Schedule(testAgent("acct/A"), runs.exec(), nil)
	require.Equal(t, 1, s.RunOnce(ctx))

	holder, expiry := f.lockHolder(t, "acct/A")
	assert.Equal(t, "n1", holder)
	assert.True(t, expiry.Equal(storeClock.Now().Add(time.Minute)), "expiry %s", expiry)
}
