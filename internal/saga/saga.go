package saga

import (
	"slices"

	"github.com/ashita-ai/junban/internal/eventlog"
)

// Snapshot is the persisted state of a saga, carried by SagaSaved.
type Snapshot struct {
	Name               string   `json:"name"`
	ID                 string   `json:"id"`
	CompletionHandler  string   `json:"completion_handler,omitempty"`
	RequiredEvents     []string `json:"required_events"`
	CompensationEvents []string `json:"compensation_events,omitempty"`
	Sequence           int64    `json:"sequence"`
	Completed          bool     `json:"completed"`
	Compensating       bool     `json:"compensating"`
}

// Saga is a long-running workflow keyed by (Name, ID). Its events live in the
// event log under aggregate type Name and aggregate id ID.
//
// A Saga is not safe for concurrent use; each Apply loads its own copy.
type Saga struct {
	name               string
	id                 string
	completionHandler  string
	requiredEvents     []string
	compensationEvents []string
	sequence           int64
	completed          bool
	compensating       bool

	version int64
	events  []eventlog.Event
	pending []eventlog.Event
}

// Option configures a new Saga.
type Option func(*Saga)

// WithRequiredEvents sets the event names that must all be seen for the saga
// to complete.
func WithRequiredEvents(names ...string) Option {
	return func(s *Saga) { s.requiredEvents = normalize(names) }
}

// WithCompensationEvents sets the event names that must all be seen for a
// compensating saga to be considered compensated.
func WithCompensationEvents(names ...string) Option {
	return func(s *Saga) { s.compensationEvents = normalize(names) }
}

// WithCompletionHandler names the handler AwaitCompletion invokes.
func WithCompletionHandler(name string) Option {
	return func(s *Saga) { s.completionHandler = name }
}

// New returns an unsaved saga.
func New(name, id string, opts ...Option) *Saga {
	s := &Saga{name: name, id: id}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func fromSnapshot(snap Snapshot) *Saga {
	return &Saga{
		name:               snap.Name,
		id:                 snap.ID,
		completionHandler:  snap.CompletionHandler,
		requiredEvents:     normalize(snap.RequiredEvents),
		compensationEvents: normalize(snap.CompensationEvents),
		sequence:           snap.Sequence,
		completed:          snap.Completed,
		compensating:       snap.Compensating,
	}
}

func normalize(names []string) []string {
	out := slices.Clone(names)
	slices.Sort(out)
	return slices.Compact(out)
}

func (s *Saga) Name() string              { return s.name }
func (s *Saga) ID() string                { return s.id }
func (s *Saga) CompletionHandler() string { return s.completionHandler }
func (s *Saga) Sequence() int64           { return s.sequence }
func (s *Saga) Completed() bool           { return s.completed }
func (s *Saga) Compensating() bool        { return s.compensating }

// RequiredEvents returns the sorted completion set.
func (s *Saga) RequiredEvents() []string { return slices.Clone(s.requiredEvents) }

// CompensationEvents returns the sorted compensation set.
func (s *Saga) CompensationEvents() []string { return slices.Clone(s.compensationEvents) }

// Version is the aggregate head version the saga was loaded at: the highest
// sequence among its hydrated events, 0 for an unsaved saga.
func (s *Saga) Version() int64 { return s.version }

// Base returns an event base bound to this saga, for handlers building the
// events they emit.
func (s *Saga) Base() eventlog.Base { return eventlog.NewBase(s.name, s.id) }

// Snapshot captures the saga's persisted state.
func (s *Saga) Snapshot() Snapshot {
	return Snapshot{
		Name:               s.name,
		ID:                 s.id,
		CompletionHandler:  s.completionHandler,
		RequiredEvents:     slices.Clone(s.requiredEvents),
		CompensationEvents: slices.Clone(s.compensationEvents),
		Sequence:           s.sequence,
		Completed:          s.completed,
		Compensating:       s.compensating,
	}
}

// SetSequence advances the last-applied sequence. Moving backwards is a
// *SystemError.
func (s *Saga) SetSequence(seq int64) error {
	if seq < s.sequence {
		return systemErrorf("saga %s/%s: sequence cannot move backwards from %d to %d", s.name, s.id, s.sequence, seq)
	}
	s.sequence = seq
	return nil
}

// AddRequiredEvents extends the completion set and records the change.
func (s *Saga) AddRequiredEvents(names ...string) {
	if len(names) == 0 {
		return
	}
	s.requiredEvents = normalize(append(s.requiredEvents, names...))
	s.addPending(&SagaRequiredEventsAdded{Base: s.Base(), EventNames: slices.Clone(names)})
}

// RemoveRequiredEvents shrinks the completion set and records the change.
// Names not in the set are ignored.
func (s *Saga) RemoveRequiredEvents(names ...string) {
	var removed []string
	for _, n := range names {
		if i, ok := slices.BinarySearch(s.requiredEvents, n); ok {
			s.requiredEvents = slices.Delete(s.requiredEvents, i, i+1)
			removed = append(removed, n)
		}
	}
	if len(removed) == 0 {
		return
	}
	s.addPending(&SagaRequiredEventsRemoved{Base: s.Base(), EventNames: removed})
}

// CompleteCommand queues a SagaCommandCompleted for command.
func (s *Saga) CompleteCommand(command string) {
	s.addPending(&SagaCommandCompleted{Base: s.Base(), Command: command})
}

// CommandCompleted reports whether a saved SagaCommandCompleted names command.
func (s *Saga) CommandCompleted(command string) bool {
	for _, e := range s.events {
		if c, ok := e.(*SagaCommandCompleted); ok && c.Command == command {
			return true
		}
	}
	return false
}

// NextCommand returns the oldest saved command named name that has not been
// completed, or nil.
func (s *Saga) NextCommand(name string) Command {
	for _, e := range s.events {
		if c, ok := e.(Command); ok && c.EventName() == name && !s.CommandCompleted(name) {
			return c
		}
	}
	return nil
}

// HasUnappliedCommands reports whether any saved or pending command lacks a
// saved SagaCommandCompleted.
func (s *Saga) HasUnappliedCommands() bool {
	for _, list := range [][]eventlog.Event{s.events, s.pending} {
		for _, e := range list {
			if c, ok := e.(Command); ok && !s.CommandCompleted(c.EventName()) {
				return true
			}
		}
	}
	return false
}

// Events returns the hydrated history ordered by sequence.
func (s *Saga) Events() []eventlog.Event { return slices.Clone(s.events) }

// Pending returns events queued for the next save.
func (s *Saga) Pending() []eventlog.Event { return slices.Clone(s.pending) }

// Last returns the most recent hydrated event named name, or nil.
func (s *Saga) Last(name string) eventlog.Event {
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].EventName() == name {
			return s.events[i]
		}
	}
	return nil
}

// Log queues a user-facing log line.
func (s *Saga) Log(message string) {
	s.addPending(&SagaLogAppended{Base: s.Base(), Message: LogMessage{User: message}})
}

// LogError queues a log line carrying failure diagnostics.
func (s *Saga) LogError(message string, err error, retryable bool) {
	d := &Diagnostics{Retryable: retryable}
	if err != nil {
		d.Error = err.Error()
	}
	s.addPending(&SagaLogAppended{Base: s.Base(), Message: LogMessage{User: message, System: d.Error}, Diagnostics: d})
}

// Logs returns the user messages of every log line, saved then pending.
func (s *Saga) Logs() []string {
	var out []string
	for _, list := range [][]eventlog.Event{s.events, s.pending} {
		for _, e := range list {
			if l, ok := e.(*SagaLogAppended); ok && l.Message.User != "" {
				out = append(out, l.Message.User)
			}
		}
	}
	return out
}

func (s *Saga) addPending(e eventlog.Event) { s.pending = append(s.pending, e) }

func (s *Saga) hydrate(events []eventlog.Event) {
	s.events = events
	s.version = 0
	if n := len(events); n > 0 {
		s.version = eventlog.Sequence(events[n-1])
	}
}

// committed records a successful save of events.
func (s *Saga) committed(events []eventlog.Event) {
	s.events = append(s.events, events...)
	s.pending = nil
	if n := len(events); n > 0 {
		s.version = eventlog.Sequence(events[n-1])
	}
}
