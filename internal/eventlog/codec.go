package eventlog

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ashita-ai/junban/internal/model"
)

// Unknown is decoded for records whose event type has no registered factory.
// The raw payload is preserved so the record can be re-encoded unchanged.
type Unknown struct {
	Base
	Name    string
	Payload json.RawMessage
}

func (u *Unknown) EventName() string { return u.Name }

// Codec maps event type names to factories and converts between events and
// records. The zero value is not usable; call NewCodec.
type Codec struct {
	mu        sync.RWMutex
	factories map[string]func() Event
}

// NewCodec returns an empty codec.
func NewCodec() *Codec {
	return &Codec{factories: make(map[string]func() Event)}
}

// Register binds an event type name to a factory returning a fresh, empty
// pointer of the concrete event type. Registering the same name twice
// replaces the earlier factory.
func (c *Codec) Register(name string, factory func() Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[name] = factory
}

// Registered reports whether a factory exists for name.
func (c *Codec) Registered(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.factories[name]
	return ok
}

// Encode serialises an event payload. Sequence and identity columns are filled
// in by the Repository.
func (c *Codec) Encode(e Event) (model.EventRecord, error) {
	var payload []byte
	if u, ok := e.(*Unknown); ok {
		payload = u.Payload
	} else {
		b, err := json.Marshal(e)
		if err != nil {
			return model.EventRecord{}, fmt.Errorf("eventlog: encode %s: %w", e.EventName(), err)
		}
		payload = b
	}
	return model.EventRecord{
		AggregateType: e.AggregateType(),
		AggregateID:   e.AggregateID(),
		EventType:     e.EventName(),
		Payload:       payload,
	}, nil
}

// Decode rebuilds an event from its record and stamps its metadata.
func (c *Codec) Decode(r model.EventRecord) (Event, error) {
	c.mu.RLock()
	factory, ok := c.factories[r.EventType]
	c.mu.RUnlock()

	var e Event
	if !ok {
		e = &Unknown{Name: r.EventType, Payload: append(json.RawMessage(nil), r.Payload...)}
	} else {
		e = factory()
		if len(r.Payload) > 0 {
			if err := json.Unmarshal(r.Payload, e); err != nil {
				return nil, fmt.Errorf("eventlog: decode %s #%d: %w", r.EventType, r.Sequence, err)
			}
		}
	}
	if s, ok := e.(aggregateSetter); ok {
		s.setAggregate(r.AggregateType, r.AggregateID)
	}
	e.SetMetadata(Metadata{
		ID:                 r.ID,
		Sequence:           r.Sequence,
		OriginatingVersion: r.OriginatingVersion,
		Timestamp:          r.CreatedAt,
		ServiceVersion:     r.ServiceVersion,
	})
	return e, nil
}
