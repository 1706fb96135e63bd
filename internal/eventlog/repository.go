package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/junban/internal/model"
	"github.com/ashita-ai/junban/internal/telemetry"
)

// Store is the row-store contract the repository persists through.
type Store interface {
	// AppendEvents writes records atomically if the aggregate's head version
	// equals expectedVersion and returns the new head version. A mismatch must
	// return an error wrapping ErrConcurrentModification and write nothing.
	AppendEvents(ctx context.Context, aggregateType, aggregateID string, expectedVersion int64, records []model.EventRecord) (int64, error)
	// ListEvents returns every record of the aggregate ordered by sequence.
	ListEvents(ctx context.Context, aggregateType, aggregateID string) ([]model.EventRecord, error)
}

// Listener receives every event after it has been durably appended.
type Listener interface {
	OnEvent(ctx context.Context, event Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, event Event) error

func (f ListenerFunc) OnEvent(ctx context.Context, event Event) error { return f(ctx, event) }

// Repository is the event log: versioned append, ordered list, publish-on-save.
type Repository struct {
	store          Store
	codec          *Codec
	logger         *slog.Logger
	serviceVersion string
	now            func() time.Time

	mu        sync.RWMutex
	listeners []Listener

	appended  metric.Int64Counter
	conflicts metric.Int64Counter
}

// Option configures a Repository.
type Option func(*Repository)

// WithServiceVersion records the writing service's version on every event.
func WithServiceVersion(v string) Option {
	return func(r *Repository) { r.serviceVersion = v }
}

// WithClock overrides the timestamp source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// NewRepository creates a Repository over store using codec for payloads.
func NewRepository(store Store, codec *Codec, logger *slog.Logger, opts ...Option) *Repository {
	meter := telemetry.Meter("junban/eventlog")
	appended, _ := meter.Int64Counter("junban.eventlog.appended",
		metric.WithDescription("Events appended to the event log"),
	)
	conflicts, _ := meter.Int64Counter("junban.eventlog.conflicts",
		metric.WithDescription("Appends rejected by the optimistic concurrency check"),
	)
	r := &Repository{
		store:     store,
		codec:     codec,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		appended:  appended,
		conflicts: conflicts,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Codec returns the codec used to encode and decode payloads.
func (r *Repository) Codec() *Codec { return r.codec }

// Subscribe registers a listener. Listeners are called in registration order.
func (r *Repository) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Save appends events to (aggregateType, aggregateID) if the aggregate's head
// version equals originatingVersion. On success each event is stamped with
// Sequence = originatingVersion + offset and published synchronously; listener
// errors are returned joined, after the append has committed.
func (r *Repository) Save(ctx context.Context, aggregateType, aggregateID string, originatingVersion int64, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	now := r.now()
	records := make([]model.EventRecord, len(events))
	for i, e := range events {
		if e.AggregateType() != aggregateType || e.AggregateID() != aggregateID {
			return fmt.Errorf("eventlog: %s belongs to %s/%s, not %s/%s",
				e.EventName(), e.AggregateType(), e.AggregateID(), aggregateType, aggregateID)
		}
		rec, err := r.codec.Encode(e)
		if err != nil {
			return err
		}
		rec.ID = uuid.New()
		rec.Sequence = originatingVersion + int64(i) + 1
		rec.OriginatingVersion = originatingVersion
		rec.ServiceVersion = r.serviceVersion
		rec.CreatedAt = now
		records[i] = rec
	}

	attrs := metric.WithAttributes(attribute.String("aggregate_type", aggregateType))
	if _, err := r.store.AppendEvents(ctx, aggregateType, aggregateID, originatingVersion, records); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			r.conflicts.Add(ctx, 1, attrs)
			r.logger.Debug("eventlog: version conflict",
				"aggregate_type", aggregateType,
				"aggregate_id", aggregateID,
				"originating_version", originatingVersion,
			)
			return err
		}
		return fmt.Errorf("eventlog: save %s/%s: %w", aggregateType, aggregateID, err)
	}
	r.appended.Add(ctx, int64(len(records)), attrs)

	for i, e := range events {
		rec := records[i]
		e.SetMetadata(Metadata{
			ID:                 rec.ID,
			Sequence:           rec.Sequence,
			OriginatingVersion: rec.OriginatingVersion,
			Timestamp:          rec.CreatedAt,
			ServiceVersion:     rec.ServiceVersion,
		})
	}

	return r.publish(ctx, events)
}

// List returns the aggregate's full, ordered history. A missing aggregate
// yields an empty slice.
func (r *Repository) List(ctx context.Context, aggregateType, aggregateID string) ([]Event, error) {
	records, err := r.store.ListEvents(ctx, aggregateType, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("eventlog: list %s/%s: %w", aggregateType, aggregateID, err)
	}
	events := make([]Event, 0, len(records))
	for _, rec := range records {
		e, err := r.codec.Decode(rec)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func (r *Repository) publish(ctx context.Context, events []Event) error {
	r.mu.RLock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	var errs []error
	for _, e := range events {
		for _, l := range listeners {
			if err := l.OnEvent(ctx, e); err != nil {
				r.logger.Error("eventlog: listener failed",
					"event", e.EventName(),
					"aggregate_type", e.AggregateType(),
					"aggregate_id", e.AggregateID(),
					"error", err,
				)
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("eventlog: publish: %w", errors.Join(errs...))
	}
	return nil
}
