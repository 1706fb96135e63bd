package saga

import (
	"context"
	"fmt"

	"github.com/ashita-ai/junban/internal/eventlog"
)

// Repository loads and saves sagas through the event log. A saga's state is
// rebuilt from its most recent SagaSaved snapshot; its history is every event
// in its aggregate.
type Repository struct {
	events *eventlog.Repository
}

// NewRepository returns a Repository over events. The framework's own event
// types are registered with its codec.
func NewRepository(events *eventlog.Repository) *Repository {
	RegisterEvents(events.Codec())
	return &Repository{events: events}
}

// Get loads a saga, returning ErrNotFound if it has never been saved.
func (r *Repository) Get(ctx context.Context, name, id string) (*Saga, error) {
	events, err := r.events.List(ctx, name, id)
	if err != nil {
		return nil, fmt.Errorf("saga: get %s/%s: %w", name, id, err)
	}
	var snap *SagaSaved
	for i := len(events) - 1; i >= 0; i-- {
		if saved, ok := events[i].(*SagaSaved); ok {
			snap = saved
			break
		}
	}
	if snap == nil {
		if len(events) == 0 {
			return nil, ErrNotFound
		}
		return nil, systemErrorf("saga %s/%s has %d events but no snapshot", name, id, len(events))
	}
	s := fromSnapshot(snap.Saga)
	s.hydrate(events)
	return s, nil
}

// Save appends a fresh snapshot, the saga's pending events and additional
// events in one batch at the saga's version. A stale version returns an error
// wrapping eventlog.ErrConcurrentModification and writes nothing.
func (r *Repository) Save(ctx context.Context, s *Saga, additional []eventlog.Event) error {
	batch := make([]eventlog.Event, 0, 1+len(s.pending)+len(additional))
	batch = append(batch, &SagaSaved{Base: s.Base(), Saga: s.Snapshot()})
	batch = append(batch, s.pending...)
	batch = append(batch, additional...)
	if err := r.events.Save(ctx, s.name, s.id, s.version, batch); err != nil {
		// Listener errors surface after the batch committed.
		if stamped(batch) {
			s.committed(batch)
		}
		return err
	}
	s.committed(batch)
	return nil
}

func stamped(batch []eventlog.Event) bool {
	return batch[len(batch)-1].Metadata() != nil
}
