// Package eventlog provides the append-only, optimistically-concurrent event
// log that backs sagas.
//
// Events are keyed by (aggregate type, aggregate id). Save appends a batch only
// when the caller's originating version matches the aggregate's head version,
// stamps each event with its sequence number and then publishes the batch
// synchronously to registered listeners. Persistence is delegated to a Store
// (Postgres, SQLite or memory); this package owns encoding and the
// concurrency contract, not the SQL.
package eventlog

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrConcurrentModification is returned by Save when the aggregate's head
// version no longer matches the caller's originating version. Nothing is
// written. Callers decide whether to reload and retry.
var ErrConcurrentModification = errors.New("eventlog: concurrent modification")

// Metadata is stamped onto an event once it has been appended to the log.
type Metadata struct {
	ID                 uuid.UUID `json:"id"`
	Sequence           int64     `json:"sequence"`
	OriginatingVersion int64     `json:"originating_version"`
	Timestamp          time.Time `json:"timestamp"`
	ServiceVersion     string    `json:"service_version,omitempty"`
}

// Event is a domain event belonging to one aggregate.
// Concrete events embed Base and add their own payload fields and EventName.
type Event interface {
	// EventName is the stable type name used for persistence and handler matching.
	EventName() string
	AggregateType() string
	AggregateID() string
	// Metadata returns nil until the event has been saved.
	Metadata() *Metadata
	SetMetadata(m Metadata)
}

// Base carries aggregate identity and metadata for concrete events.
// Its fields are not part of the JSON payload; they are restored from the
// record columns on decode.
type Base struct {
	aggregateType string
	aggregateID   string
	meta          *Metadata
}

// NewBase returns a Base bound to the given aggregate.
func NewBase(aggregateType, aggregateID string) Base {
	return Base{aggregateType: aggregateType, aggregateID: aggregateID}
}

func (b *Base) AggregateType() string { return b.aggregateType }
func (b *Base) AggregateID() string   { return b.aggregateID }

func (b *Base) Metadata() *Metadata {
	if b.meta == nil {
		return nil
	}
	m := *b.meta
	return &m
}

func (b *Base) SetMetadata(m Metadata) { b.meta = &m }

func (b *Base) setAggregate(aggregateType, aggregateID string) {
	b.aggregateType = aggregateType
	b.aggregateID = aggregateID
}

type aggregateSetter interface {
	setAggregate(aggregateType, aggregateID string)
}

// Sequence returns the event's sequence number, or 0 if it has not been saved.
func Sequence(e Event) int64 {
	if m := e.Metadata(); m != nil {
		return m.Sequence
	}
	return 0
}
