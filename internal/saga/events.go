package saga

import (
	"github.com/ashita-ai/junban/internal/eventlog"
)

// Names of the framework's own events.
const (
	EventSagaSaved                 = "SagaSaved"
	EventSagaCompleted             = "SagaCompleted"
	EventSagaLogAppended           = "SagaLogAppended"
	EventSagaInternalErrorOccurred = "SagaInternalErrorOccurred"
	EventSagaInCompensation        = "SagaInCompensation"
	EventSagaCompensated           = "SagaCompensated"
	EventSagaRequiredEventsAdded   = "SagaRequiredEventsAdded"
	EventSagaRequiredEventsRemoved = "SagaRequiredEventsRemoved"
	EventSagaCommandCompleted      = "SagaCommandCompleted"
)

// internalEvents record saga bookkeeping. They are persisted and published
// but never applied.
var internalEvents = map[string]bool{
	EventSagaSaved:                 true,
	EventSagaCompleted:             true,
	EventSagaLogAppended:           true,
	EventSagaInCompensation:        true,
	EventSagaCompensated:           true,
	EventSagaRequiredEventsAdded:   true,
	EventSagaRequiredEventsRemoved: true,
	EventSagaCommandCompleted:      true,
}

// IsInternal reports whether name is a bookkeeping event.
func IsInternal(name string) bool { return internalEvents[name] }

// RegisterEvents adds the framework's events to codec.
func RegisterEvents(codec *eventlog.Codec) {
	codec.Register(EventSagaSaved, func() eventlog.Event { return &SagaSaved{} })
	codec.Register(EventSagaCompleted, func() eventlog.Event { return &SagaCompleted{} })
	codec.Register(EventSagaLogAppended, func() eventlog.Event { return &SagaLogAppended{} })
	codec.Register(EventSagaInternalErrorOccurred, func() eventlog.Event { return &SagaInternalErrorOccurred{} })
	codec.Register(EventSagaInCompensation, func() eventlog.Event { return &SagaInCompensation{} })
	codec.Register(EventSagaCompensated, func() eventlog.Event { return &SagaCompensated{} })
	codec.Register(EventSagaRequiredEventsAdded, func() eventlog.Event { return &SagaRequiredEventsAdded{} })
	codec.Register(EventSagaRequiredEventsRemoved, func() eventlog.Event { return &SagaRequiredEventsRemoved{} })
	codec.Register(EventSagaCommandCompleted, func() eventlog.Event { return &SagaCommandCompleted{} })
}

// SagaSaved carries a full snapshot of the saga's state. Rehydration starts
// from the most recent one.
type SagaSaved struct {
	eventlog.Base
	Saga Snapshot `json:"saga"`
}

func (*SagaSaved) EventName() string { return EventSagaSaved }

// SagaCompleted is emitted once, when the saga first completes.
type SagaCompleted struct {
	eventlog.Base
	Success bool `json:"success"`
}

func (*SagaCompleted) EventName() string { return EventSagaCompleted }

// LogMessage is a user-facing and/or system log line.
type LogMessage struct {
	User   string `json:"user,omitempty"`
	System string `json:"system,omitempty"`
}

// Diagnostics describe a failure attached to a log line.
type Diagnostics struct {
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable"`
}

// SagaLogAppended is a log line recorded against the saga.
type SagaLogAppended struct {
	eventlog.Base
	Message     LogMessage   `json:"message"`
	Diagnostics *Diagnostics `json:"diagnostics,omitempty"`
}

func (*SagaLogAppended) EventName() string { return EventSagaLogAppended }

// ErrorEvent marks events that put a saga into compensation when applied.
type ErrorEvent interface {
	eventlog.Event
	ErrorReason() string
}

// SagaInternalErrorOccurred records a failure inside a saga step. Applying
// it starts compensation.
type SagaInternalErrorOccurred struct {
	eventlog.Base
	Reason    string            `json:"reason"`
	Error     string            `json:"error,omitempty"`
	Retryable bool              `json:"retryable"`
	Data      map[string]string `json:"data,omitempty"`
}

func (*SagaInternalErrorOccurred) EventName() string { return EventSagaInternalErrorOccurred }

func (e *SagaInternalErrorOccurred) ErrorReason() string { return e.Reason }

// SagaInCompensation is emitted when a saga starts compensating.
type SagaInCompensation struct {
	eventlog.Base
}

func (*SagaInCompensation) EventName() string { return EventSagaInCompensation }

// SagaCompensated is emitted once every compensation event has been applied.
type SagaCompensated struct {
	eventlog.Base
}

func (*SagaCompensated) EventName() string { return EventSagaCompensated }

// SagaRequiredEventsAdded records event names added to the completion set.
type SagaRequiredEventsAdded struct {
	eventlog.Base
	EventNames []string `json:"event_names"`
}

func (*SagaRequiredEventsAdded) EventName() string { return EventSagaRequiredEventsAdded }

// SagaRequiredEventsRemoved records event names dropped from the completion set.
type SagaRequiredEventsRemoved struct {
	eventlog.Base
	EventNames []string `json:"event_names"`
}

func (*SagaRequiredEventsRemoved) EventName() string { return EventSagaRequiredEventsRemoved }

// Command is an event asking the saga to perform one step. A command stays
// unapplied until a SagaCommandCompleted naming it is in the log.
type Command interface {
	eventlog.Event
	SagaCommand()
}

// SagaCommandCompleted marks the command named Command as done.
type SagaCommandCompleted struct {
	eventlog.Base
	Command string `json:"command"`
}

func (*SagaCommandCompleted) EventName() string { return EventSagaCommandCompleted }
