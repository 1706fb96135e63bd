package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventRecord is the persisted form of a domain event.
// Records for one (AggregateType, AggregateID) carry strictly increasing,
// gap-free Sequence values starting at 1. Never mutated once written.
type EventRecord struct {
	ID                 uuid.UUID       `json:"id"`
	AggregateType      string          `json:"aggregate_type"`
	AggregateID        string          `json:"aggregate_id"`
	Sequence           int64           `json:"sequence"`
	OriginatingVersion int64           `json:"originating_version"`
	EventType          string          `json:"event_type"`
	Payload            json.RawMessage `json:"payload"`
	ServiceVersion     string          `json:"service_version,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// AggregateInfo summarises one event stream.
type AggregateInfo struct {
	AggregateType       string    `json:"aggregate_type"`
	AggregateID         string    `json:"aggregate_id"`
	Version             int64     `json:"version"`
	LastChangeTimestamp time.Time `json:"last_change_timestamp"`
}
