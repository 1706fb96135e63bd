package saga

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrActionNotFound is returned by Flow.Inject when the target action is not
// a step of the flow.
var ErrActionNotFound = errors.New("saga: flow action not found")

// AwaitTimeoutError is returned by FlowIterator.Next when an await step's
// condition stayed false past its TTL and the step has no timeout branch.
type AwaitTimeoutError struct {
	Saga string
	ID   string
	TTL  time.Duration
}

func (e *AwaitTimeoutError) Error() string {
	return fmt.Sprintf("saga: %s/%s: await condition not met within %s", e.Saga, e.ID, e.TTL)
}

// Predicate inspects a saga's current state.
type Predicate func(*Saga) bool

// InjectLocation positions an injected action relative to its target.
type InjectLocation int

const (
	Before InjectLocation = iota
	After
)

type flowStep interface{ isFlowStep() }

type actionStep struct{ action string }

type conditionStep struct {
	cond   Predicate
	nested *Flow
}

type awaitStep struct {
	cond      Predicate
	ttl       time.Duration
	interval  time.Duration
	onTimeout *Flow
}

func (*actionStep) isFlowStep()    {}
func (*conditionStep) isFlowStep() {}
func (*awaitStep) isFlowStep()     {}

// Flow describes the ordered actions a saga takes towards completion. An
// action is named by the command it performs; it counts as done once the
// saga holds a SagaCommandCompleted for that name.
//
// A Flow is built once and shared; iteration state lives in FlowIterator.
type Flow struct {
	steps []flowStep
}

// NewFlow returns an empty flow.
func NewFlow() *Flow { return &Flow{} }

// Then appends action.
func (f *Flow) Then(action string) *Flow {
	f.steps = append(f.steps, &actionStep{action: action})
	return f
}

// InjectFirst puts action ahead of every other step.
func (f *Flow) InjectFirst(action string) *Flow {
	f.steps = slices.Insert(f.steps, 0, flowStep(&actionStep{action: action}))
	return f
}

// Inject places action before or after the first top-level step running
// target.
func (f *Flow) Inject(loc InjectLocation, target, action string) error {
	i := slices.IndexFunc(f.steps, func(s flowStep) bool {
		a, ok := s.(*actionStep)
		return ok && a.action == target
	})
	if i < 0 {
		return fmt.Errorf("saga: inject %s: %q: %w", action, target, ErrActionNotFound)
	}
	if loc == After {
		i++
	}
	f.steps = slices.Insert(f.steps, i, flowStep(&actionStep{action: action}))
	return nil
}

// On adds a branch whose steps run only if cond holds when the iterator
// reaches it.
func (f *Flow) On(cond Predicate, build func(*Flow)) *Flow {
	nested := NewFlow()
	build(nested)
	f.steps = append(f.steps, &conditionStep{cond: cond, nested: nested})
	return f
}

// Await holds the flow until cond holds, asking the caller to retry every
// interval. Once ttl has passed since the iterator first reached the step,
// the steps built by onTimeout run instead; without onTimeout the iterator
// fails with *AwaitTimeoutError.
func (f *Flow) Await(cond Predicate, ttl, interval time.Duration, onTimeout func(*Flow)) *Flow {
	step := &awaitStep{cond: cond, ttl: ttl, interval: interval}
	if onTimeout != nil {
		step.onTimeout = NewFlow()
		onTimeout(step.onTimeout)
	}
	f.steps = append(f.steps, step)
	return f
}

// Actions lists the flow's top-level action names in order.
func (f *Flow) Actions() []string {
	var out []string
	for _, s := range f.steps {
		if a, ok := s.(*actionStep); ok {
			out = append(out, a.action)
		}
	}
	return out
}

// FlowState is one iterator result. Action names the next action to run;
// when it is empty the flow is waiting and the caller should retry after
// Delay.
type FlowState struct {
	Action string
	Delay  time.Duration
}

// FlowIterator walks a Flow against the latest saved state of one saga.
// Every call to Next reloads the saga, so branches and awaits see progress
// made by other handlers.
type FlowIterator struct {
	repo *Repository
	name string
	id   string
	now  func() time.Time

	steps      []flowStep
	index      int
	seeked     bool
	awaitStart map[*awaitStep]time.Time
}

// FlowIteratorOption configures a FlowIterator.
type FlowIteratorOption func(*FlowIterator)

// WithFlowClock overrides the time source used for await TTLs (tests).
func WithFlowClock(now func() time.Time) FlowIteratorOption {
	return func(it *FlowIterator) { it.now = now }
}

// NewFlowIterator starts an iteration of flow for saga (name, id).
func NewFlowIterator(repo *Repository, flow *Flow, name, id string, opts ...FlowIteratorOption) *FlowIterator {
	it := &FlowIterator{
		repo:       repo,
		name:       name,
		id:         id,
		now:        time.Now,
		steps:      slices.Clone(flow.steps),
		awaitStart: make(map[*awaitStep]time.Time),
	}
	for _, opt := range opts {
		opt(it)
	}
	return it
}

// Next returns the next state. ok is false once every step has run.
// Actions whose command the saga already completed are skipped, and the
// first call resumes after the last completed top-level action.
func (it *FlowIterator) Next(ctx context.Context) (state FlowState, ok bool, err error) {
	sg, err := it.repo.Get(ctx, it.name, it.id)
	if err != nil {
		return FlowState{}, false, err
	}
	if !it.seeked {
		it.seek(sg)
		it.seeked = true
	}

	for it.index < len(it.steps) {
		switch st := it.steps[it.index].(type) {
		case *actionStep:
			it.index++
			if sg.CommandCompleted(st.action) {
				continue
			}
			return FlowState{Action: st.action}, true, nil
		case *conditionStep:
			it.index++
			if st.cond(sg) {
				it.splice(st.nested)
			}
		case *awaitStep:
			now := it.now()
			start, seen := it.awaitStart[st]
			if !seen {
				start = now
				it.awaitStart[st] = start
			}
			if st.cond(sg) {
				it.index++
				continue
			}
			if now.Sub(start) < st.ttl {
				return FlowState{Delay: st.interval}, true, nil
			}
			if st.onTimeout == nil {
				return FlowState{}, false, &AwaitTimeoutError{Saga: it.name, ID: it.id, TTL: st.ttl}
			}
			it.index++
			it.splice(st.onTimeout)
		}
	}
	return FlowState{}, false, nil
}

// seek moves past the last top-level action the saga has completed.
func (it *FlowIterator) seek(sg *Saga) {
	for i := len(it.steps) - 1; i >= 0; i-- {
		if a, ok := it.steps[i].(*actionStep); ok && sg.CommandCompleted(a.action) {
			it.index = i + 1
			return
		}
	}
}

// splice inserts nested's steps at the current position.
func (it *FlowIterator) splice(nested *Flow) {
	it.steps = slices.Insert(it.steps, it.index, nested.steps...)
}
