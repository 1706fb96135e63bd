package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/junban/internal/ctxutil"
	"github.com/ashita-ai/junban/internal/model"
	"github.com/ashita-ai/junban/internal/telemetry"
)

// LockStore holds the cluster-wide agent leases.
type LockStore interface {
	// TryAcquireLock claims agentName for ttl unless a live lease exists.
	// It must be a single conditional write.
	TryAcquireLock(ctx context.Context, agentName, nodeID string, ttl time.Duration) (bool, error)
	// ReleaseLock drops nodeID's lease, or keeps it for hold past the
	// store's clock if hold is positive.
	ReleaseLock(ctx context.Context, agentName, nodeID string, hold time.Duration) error
	ListLocks(ctx context.Context) ([]model.AgentLock, error)
}

// releaseTimeout bounds the release write, which runs after the execution
// context may already have expired.
const releaseTimeout = 10 * time.Second

type scheduledAgent struct {
	agent       Agent
	exec        Execution
	instr       Instrumentation
	nextAttempt time.Time
}

// Scheduler claims and runs agents on this node. See the package doc.
type Scheduler struct {
	locks     LockStore
	identity  NodeIdentity
	intervals IntervalProvider
	status    NodeStatusProvider
	dynamic   DynamicConfig
	filter    ShardingFilter
	executor  Executor
	logger    *slog.Logger

	enabledPattern string
	enabled        *regexp.Regexp
	tickInterval   time.Duration
	now            func() time.Time
	shuffle        func([]*scheduledAgent)

	mu     sync.Mutex
	agents map[string]*scheduledAgent
	active map[string]struct{}
	wg     sync.WaitGroup

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once

	tracer    trace.Tracer
	acquired  metric.Int64Counter
	contended metric.Int64Counter
	rejected  metric.Int64Counter
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithEnabledAgentPattern restricts scheduling to agent types that match
// pattern in full. An invalid pattern is logged and enables every agent.
func WithEnabledAgentPattern(pattern string) SchedulerOption {
	return func(s *Scheduler) { s.enabledPattern = pattern }
}

// WithLockAcquisitionInterval sets the tick period used by Start.
func WithLockAcquisitionInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithSchedulerClock overrides the time source (tests).
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// withShuffle replaces the candidate shuffle (tests).
func withShuffle(f func([]*scheduledAgent)) SchedulerOption {
	return func(s *Scheduler) { s.shuffle = f }
}

// NewScheduler wires a scheduler. filter may be nil to accept every agent.
func NewScheduler(
	locks LockStore,
	identity NodeIdentity,
	intervals IntervalProvider,
	status NodeStatusProvider,
	dynamic DynamicConfig,
	filter ShardingFilter,
	executor Executor,
	logger *slog.Logger,
	opts ...SchedulerOption,
) *Scheduler {
	meter := telemetry.Meter("junban/cluster")
	acquired, _ := meter.Int64Counter("junban.scheduler.locks.acquired",
		metric.WithDescription("Agent leases won by this node"),
	)
	contended, _ := meter.Int64Counter("junban.scheduler.locks.contended",
		metric.WithDescription("Lease claims lost to another node"),
	)
	rejected, _ := meter.Int64Counter("junban.scheduler.submissions.rejected",
		metric.WithDescription("Claimed agents released because the executor was full"),
	)
	s := &Scheduler{
		locks:        locks,
		identity:     identity,
		intervals:    intervals,
		status:       status,
		dynamic:      dynamic,
		filter:       filter,
		executor:     executor,
		logger:       logger,
		tickInterval: time.Second,
		now:          time.Now,
		shuffle: func(c []*scheduledAgent) {
			rand.Shuffle(len(c), func(i, j int) { c[i], c[j] = c[j], c[i] })
		},
		agents:    make(map[string]*scheduledAgent),
		active:    make(map[string]struct{}),
		done:      make(chan struct{}),
		tracer:    telemetry.Tracer("junban/cluster"),
		acquired:  acquired,
		contended: contended,
		rejected:  rejected,
	}
	for _, opt := range opts {
		opt(s)
	}
	re, err := compileFullMatch(s.enabledPattern)
	if err != nil {
		logger.Error("scheduler: invalid enabled agent pattern, enabling all agents",
			"pattern", s.enabledPattern, "error", err)
	}
	s.enabled = re
	return s
}

// Schedule registers agent. Re-scheduling an agent type replaces its
// execution and instrumentation but keeps its next-attempt time.
func (s *Scheduler) Schedule(agent Agent, exec Execution, instr Instrumentation) {
	if instr == nil {
		instr = Instrumentations(nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	name := agent.AgentType()
	if prev, ok := s.agents[name]; ok {
		prev.agent, prev.exec, prev.instr = agent, exec, instr
		return
	}
	s.agents[name] = &scheduledAgent{agent: agent, exec: exec, instr: instr}
}

// Unschedule removes agentType. A run already in progress finishes and
// releases its lease normally.
func (s *Scheduler) Unschedule(agentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentType)
}

// Scheduled returns the registered agent types, sorted.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.agents))
	for name := range s.agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Active returns the number of agents currently running on this node.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// RunOnce performs one scheduling tick and returns the number of agents
// submitted. It never blocks on agent execution.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	if !s.status.IsNodeEnabled() {
		s.logger.Debug("scheduler: node disabled, skipping tick", "node_id", s.identity.NodeID())
		return 0
	}

	candidates, capacity := s.candidates()
	if capacity <= 0 || len(candidates) == 0 {
		return 0
	}
	s.shuffle(candidates)
	if len(candidates) > capacity {
		candidates = candidates[:capacity]
	}

	nodeID := s.identity.NodeID()
	submitted := 0
	for _, sa := range candidates {
		if ctx.Err() != nil {
			break
		}
		name := sa.agent.AgentType()
		interval := s.intervals.Interval(sa.agent)

		ok, err := s.locks.TryAcquireLock(ctx, name, nodeID, interval.Timeout)
		if err != nil {
			s.logger.Warn("scheduler: lock attempt failed", "agent", name, "error", err)
			continue
		}
		if !ok {
			s.contended.Add(ctx, 1)
			s.logger.Debug("scheduler: agent locked elsewhere", "agent", name)
			continue
		}
		s.acquired.Add(ctx, 1)

		if !s.markActive(name) {
			// Claimed a lease for something already running here; give it back.
			s.release(name, 0)
			continue
		}
		s.wg.Add(1)
		err = s.executor.Submit(func() {
			defer s.wg.Done()
			s.run(sa, interval)
		})
		if err != nil {
			s.wg.Done()
			s.clearActive(name)
			s.release(name, 0)
			s.rejected.Add(ctx, 1)
			if errors.Is(err, ErrPoolFull) {
				s.logger.Debug("scheduler: executor full, stopping tick", "agent", name)
			} else {
				s.logger.Warn("scheduler: submit failed", "agent", name, "error", err)
			}
			break
		}
		submitted++
	}
	return submitted
}

// candidates returns eligible agents and the remaining concurrency budget.
func (s *Scheduler) candidates() ([]*scheduledAgent, int) {
	now := s.now()
	maxConcurrent := s.dynamic.MaxConcurrentAgents()

	s.mu.Lock()
	defer s.mu.Unlock()

	capacity := maxConcurrent - len(s.active)
	var out []*scheduledAgent
	for name, sa := range s.agents {
		if _, running := s.active[name]; running {
			continue
		}
		if now.Before(sa.nextAttempt) {
			continue
		}
		if s.enabled != nil && !s.enabled.MatchString(name) {
			continue
		}
		if s.dynamic.AgentDisabled(name) {
			continue
		}
		if s.filter != nil && !s.filter.Filter(sa.agent) {
			continue
		}
		out = append(out, sa)
	}
	// Deterministic input to the shuffle.
	sort.Slice(out, func(i, j int) bool { return out[i].agent.AgentType() < out[j].agent.AgentType() })
	return out, capacity
}

func (s *Scheduler) markActive(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[name]; ok {
		return false
	}
	s.active[name] = struct{}{}
	return true
}

func (s *Scheduler) clearActive(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, name)
}

// run executes one agent pass. Errors and panics stop here; the lease is
// always released.
func (s *Scheduler) run(sa *scheduledAgent, interval Interval) {
	name := sa.agent.AgentType()
	ctx, cancel := context.WithTimeout(context.Background(), interval.Timeout)
	defer cancel()
	ctx = ctxutil.WithAgent(ctx, name, s.identity.NodeID())
	ctx, span := s.tracer.Start(ctx, "agent.execute", trace.WithAttributes(
		attribute.String("agent.type", name),
		attribute.String("agent.provider", sa.agent.ProviderName()),
		attribute.String("node.id", s.identity.NodeID()),
	))
	defer span.End()

	start := s.now()
	sa.instr.ExecutionStarted(sa.agent)
	err := execute(ctx, sa.exec, sa.agent)
	finished := s.now()
	elapsed := finished.Sub(start)

	wait := interval.Interval
	if err != nil {
		wait = interval.ErrorInterval
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		sa.instr.ExecutionFailed(sa.agent, err, elapsed)
	} else {
		sa.instr.ExecutionCompleted(sa.agent, elapsed)
	}
	nextRun := finished.Add(wait)

	var hold time.Duration
	if wait > s.dynamic.ReleaseThreshold() {
		hold = wait
	}
	s.release(name, hold)

	s.mu.Lock()
	sa.nextAttempt = nextRun
	delete(s.active, name)
	s.mu.Unlock()
}

func execute(ctx context.Context, exec Execution, agent Agent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cluster: agent %s panicked: %v", agent.AgentType(), r)
		}
	}()
	return exec.Execute(ctx, agent)
}

func (s *Scheduler) release(name string, hold time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := s.locks.ReleaseLock(ctx, name, s.identity.NodeID(), hold); err != nil {
		// The lease still expires on its own after the agent timeout.
		s.logger.Error("scheduler: release lock failed", "agent", name, "error", err)
	}
}

// Start runs RunOnce every lock-acquisition interval until Drain. It is safe
// to call only once; subsequent calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("scheduler: Start called more than once, ignoring")
		return
	}
	s.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	go s.loop(loopCtx)
}

// Drain stops claiming new agents and waits for in-flight executions to
// finish or ctx to expire.
func (s *Scheduler) Drain(ctx context.Context) {
	if s.started.Load() {
		s.cancelLoop()
		select {
		case <-s.done:
		case <-ctx.Done():
			s.logger.Warn("scheduler: drain timed out waiting for tick loop")
			return
		}
	}

	idle := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		s.logger.Warn("scheduler: drain timed out with agents still running", "active", s.Active())
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.once.Do(func() { close(s.done) })
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *Scheduler) registerMetrics() {
	meter := telemetry.Meter("junban/cluster")
	_, err := meter.Int64ObservableGauge("junban.scheduler.active_agents",
		metric.WithDescription("Agents currently executing on this node"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.Active()))
			return nil
		}),
	)
	if err != nil {
		s.logger.Warn("scheduler: failed to register active agents gauge", "error", err)
	}
}
