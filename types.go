package junban

import (
	"github.com/ashita-ai/junban/internal/cluster"
	"github.com/ashita-ai/junban/internal/eventlog"
	"github.com/ashita-ai/junban/internal/notify"
	"github.com/ashita-ai/junban/internal/saga"
)

// Aliases so embedders can name the types they build against without
// importing internal packages.
type (
	Event         = eventlog.Event
	EventBase     = eventlog.Base
	EventMetadata = eventlog.Metadata

	Saga                          = saga.Saga
	SagaOption                    = saga.Option
	SagaService                   = saga.Service
	Shape                         = saga.Shape
	Composite                     = saga.Composite
	SagaInternalErrorOccurred     = saga.SagaInternalErrorOccurred
	SagaCompleted                 = saga.SagaCompleted
	SystemError                   = saga.SystemError
	InvalidCompletionHandlerError = saga.InvalidCompletionHandlerError
	SagaCommand                   = saga.Command
	SagaCommandCompleted          = saga.SagaCommandCompleted
	Flow                          = saga.Flow
	FlowState                     = saga.FlowState
	FlowIterator                  = saga.FlowIterator
	AwaitTimeoutError             = saga.AwaitTimeoutError

	Notification   = notify.Notification
	AgentTypeParts = cluster.AgentTypeParts
)

// ErrConcurrentModification is returned when a save races another writer.
var ErrConcurrentModification = eventlog.ErrConcurrentModification

// ErrSagaNotFound is returned by SagaService.Get for unknown sagas.
var ErrSagaNotFound = saga.ErrNotFound

// NewEventBase binds an event to its aggregate.
func NewEventBase(aggregateType, aggregateID string) EventBase {
	return eventlog.NewBase(aggregateType, aggregateID)
}

// NewFlow returns an empty saga flow.
func NewFlow() *Flow { return saga.NewFlow() }

// NewSaga returns an unsaved saga.
func NewSaga(name, id string, opts ...SagaOption) *Saga { return saga.New(name, id, opts...) }

// Saga construction options.
var (
	WithRequiredEvents     = saga.WithRequiredEvents
	WithCompensationEvents = saga.WithCompensationEvents
	WithSagaCompletion     = saga.WithCompletionHandler
)

// Handler shapes and adapters.
var (
	NewSagaHandler = saga.HandlerFunc

	On       = saga.On
	UnionOf  = saga.UnionOf
	EitherOf = saga.EitherOf
)
