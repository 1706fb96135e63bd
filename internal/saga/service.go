package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/junban/internal/ctxutil"
	"github.com/ashita-ai/junban/internal/eventlog"
	"github.com/ashita-ai/junban/internal/telemetry"
)

// CompletionHandler turns a completed saga into a caller-facing result.
type CompletionHandler interface {
	Handle(ctx context.Context, s *Saga) (any, error)
}

// CompletionHandlerFunc adapts a function to CompletionHandler.
type CompletionHandlerFunc func(ctx context.Context, s *Saga) (any, error)

func (f CompletionHandlerFunc) Handle(ctx context.Context, s *Saga) (any, error) { return f(ctx, s) }

// Service applies events to sagas. It subscribes to the event log so that
// every event saved to a saga's aggregate is applied, including events the
// saga's own handlers emit.
type Service struct {
	repo     *Repository
	events   *eventlog.Repository
	provider *Provider
	logger   *slog.Logger
	tracer   trace.Tracer
	poll     time.Duration

	mu                 sync.RWMutex
	completionHandlers map[string]CompletionHandler

	applied    metric.Int64Counter
	unhandled  metric.Int64Counter
	outOfOrder metric.Int64Counter
	completed  metric.Int64Counter
	failures   metric.Int64Counter
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPollInterval sets how often AwaitCompletion re-reads a saga. Default 100ms.
func WithPollInterval(d time.Duration) ServiceOption {
	return func(s *Service) { s.poll = d }
}

// NewService returns a Service and subscribes it to events.
func NewService(events *eventlog.Repository, provider *Provider, logger *slog.Logger, opts ...ServiceOption) *Service {
	meter := telemetry.Meter("junban/saga")
	applied, _ := meter.Int64Counter("junban.saga.events.applied",
		metric.WithDescription("Events applied to sagas"),
	)
	unhandled, _ := meter.Int64Counter("junban.saga.events.unhandled",
		metric.WithDescription("Applied events no handler matched"),
	)
	outOfOrder, _ := meter.Int64Counter("junban.saga.events.out_of_order",
		metric.WithDescription("Events dropped because the saga had already applied a later sequence"),
	)
	completed, _ := meter.Int64Counter("junban.saga.completed",
		metric.WithDescription("Sagas that reached completion"),
	)
	failures, _ := meter.Int64Counter("junban.saga.apply.failures",
		metric.WithDescription("Apply calls that returned an error"),
	)
	s := &Service{
		repo:               NewRepository(events),
		events:             events,
		provider:           provider,
		logger:             logger,
		tracer:             telemetry.Tracer("junban/saga"),
		poll:               100 * time.Millisecond,
		completionHandlers: make(map[string]CompletionHandler),
		applied:            applied,
		unhandled:          unhandled,
		outOfOrder:         outOfOrder,
		completed:          completed,
		failures:           failures,
	}
	for _, opt := range opts {
		opt(s)
	}
	events.Subscribe(s)
	return s
}

// RegisterCompletionHandler binds name to h.
func (s *Service) RegisterCompletionHandler(name string, h CompletionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completionHandlers[name] = h
}

func (s *Service) completionHandler(name string) (CompletionHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.completionHandlers[name]
	return h, ok
}

// Get loads a saga. A saga that was never saved returns ErrNotFound.
func (s *Service) Get(ctx context.Context, name, id string) (*Saga, error) {
	return s.repo.Get(ctx, name, id)
}

// Iterate starts walking flow for saga (name, id) against its saved state.
func (s *Service) Iterate(flow *Flow, name, id string, opts ...FlowIteratorOption) *FlowIterator {
	return NewFlowIterator(s.repo, flow, name, id, opts...)
}

// Save persists sg. With onlyIfMissing, an existing saga is left untouched
// and nil is returned. A completion handler that is not registered is
// rejected with *InvalidCompletionHandlerError.
func (s *Service) Save(ctx context.Context, sg *Saga, onlyIfMissing bool) error {
	if h := sg.CompletionHandler(); h != "" {
		if _, ok := s.completionHandler(h); !ok {
			return &InvalidCompletionHandlerError{Handler: h, Saga: sg.Name()}
		}
	}
	if onlyIfMissing {
		_, err := s.repo.Get(ctx, sg.Name(), sg.ID())
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return s.repo.Save(ctx, sg, nil)
}

// Submit appends a command event to its saga's log. The save publishes the
// event, which applies it synchronously.
func (s *Service) Submit(ctx context.Context, event eventlog.Event) error {
	sg, err := s.repo.Get(ctx, event.AggregateType(), event.AggregateID())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &SystemError{Msg: fmt.Sprintf("submit %s to unsaved saga %s/%s", event.EventName(), event.AggregateType(), event.AggregateID()), Err: err}
		}
		return err
	}
	return s.events.Save(ctx, sg.Name(), sg.ID(), sg.Version(), []eventlog.Event{event})
}

// OnEvent applies events published by the event log. Bookkeeping events and
// events saved while an Apply is already draining are skipped; the draining
// Apply handles the latter itself.
func (s *Service) OnEvent(ctx context.Context, event eventlog.Event) error {
	if IsInternal(event.EventName()) {
		return nil
	}
	if ctxutil.Applying(ctx) {
		return nil
	}
	return s.Apply(ctx, event)
}

// AwaitCompletion waits for the saga to complete and returns its completion
// handler's result. A saga without a completion handler yields nil.
func (s *Service) AwaitCompletion(ctx context.Context, name, id string) (any, error) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		sg, err := s.repo.Get(ctx, name, id)
		if err != nil {
			return nil, err
		}
		if sg.Completed() {
			if sg.CompletionHandler() == "" {
				return nil, nil
			}
			h, ok := s.completionHandler(sg.CompletionHandler())
			if !ok {
				return nil, &InvalidCompletionHandlerError{Handler: sg.CompletionHandler(), Saga: name}
			}
			return h.Handle(ctx, sg)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("saga: await %s/%s: %w", name, id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Apply applies event to its saga, then applies the events its handlers
// emitted, breadth-first in emission order, until none remain.
func (s *Service) Apply(ctx context.Context, event eventlog.Event) error {
	ctx = ctxutil.WithApplying(ctx)
	queue := []eventlog.Event{event}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		emitted, err := s.applyOne(ctx, next)
		if err != nil {
			s.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("saga", next.AggregateType())))
			return err
		}
		for _, e := range emitted {
			if !IsInternal(e.EventName()) {
				queue = append(queue, e)
			}
		}
	}
	return nil
}

func (s *Service) applyOne(ctx context.Context, event eventlog.Event) ([]eventlog.Event, error) {
	meta := event.Metadata()
	if meta == nil {
		return nil, systemErrorf("%s for %s/%s has no metadata; events must be saved before they are applied",
			event.EventName(), event.AggregateType(), event.AggregateID())
	}
	name, id := event.AggregateType(), event.AggregateID()

	ctx, span := s.tracer.Start(ctx, "saga.apply", trace.WithAttributes(
		attribute.String("saga.name", name),
		attribute.String("saga.id", id),
		attribute.String("saga.event", event.EventName()),
		attribute.Int64("saga.sequence", meta.Sequence),
	))
	defer span.End()

	emitted, err := s.applyLoaded(ctx, event, meta.Sequence)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return emitted, err
}

func (s *Service) applyLoaded(ctx context.Context, event eventlog.Event, seq int64) ([]eventlog.Event, error) {
	name, id := event.AggregateType(), event.AggregateID()
	attrs := metric.WithAttributes(attribute.String("saga", name))

	sg, err := s.repo.Get(ctx, name, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &SystemError{Msg: fmt.Sprintf("apply %s to unsaved saga %s/%s", event.EventName(), name, id), Err: err}
		}
		return nil, err
	}
	// Log sequences are unique, so once anything has been applied an equal
	// sequence is a redelivery of the last applied event.
	if sg.Sequence() > 0 && seq <= sg.Sequence() {
		s.outOfOrder.Add(ctx, 1, attrs)
		s.logger.Warn("saga: dropping out-of-order event",
			"saga", name,
			"saga_id", id,
			"event", event.EventName(),
			"event_sequence", seq,
			"saga_sequence", sg.Sequence(),
		)
		return nil, nil
	}

	history := make([]eventlog.Event, 0, len(sg.events))
	for _, e := range sg.events {
		if eventlog.Sequence(e) <= seq && e.Metadata().ID != event.Metadata().ID {
			history = append(history, e)
		}
	}

	var emitted []eventlog.Event
	handlers := s.provider.Matching(name, event, history)
	if len(handlers) == 0 {
		s.unhandled.Add(ctx, 1, attrs)
		s.logger.Info("saga: no handler for event",
			"saga", name,
			"saga_id", id,
			"event", event.EventName(),
		)
	}
	for _, h := range handlers {
		input, err := buildInput(h.Accepts(), event, history)
		if err != nil {
			return nil, err
		}
		out, err := h.Apply(ctx, input, sg)
		if err != nil {
			return nil, fmt.Errorf("saga: handler %s: %w", h.Name(), err)
		}
		if err := checkEmitted(sg, h.Name(), out); err != nil {
			return nil, err
		}
		emitted = append(emitted, out...)
	}

	if errEvent, ok := event.(ErrorEvent); ok && !sg.compensating && !sg.completed {
		sg.compensating = true
		s.logger.Warn("saga: compensating",
			"saga", name,
			"saga_id", id,
			"reason", errEvent.ErrorReason(),
		)
		emitted = append(emitted, &SagaInCompensation{Base: sg.Base()})
		for _, h := range s.provider.Compensators(name, history) {
			out, err := h.(Compensator).Compensate(ctx, event, sg)
			if err != nil {
				return nil, fmt.Errorf("saga: compensate %s: %w", h.Name(), err)
			}
			if err := checkEmitted(sg, h.Name(), out); err != nil {
				return nil, err
			}
			emitted = append(emitted, out...)
		}
	}

	if !sg.completed {
		seen := seenNames(event, history)
		for _, e := range sg.pending {
			seen[e.EventName()] = true
		}
		for _, e := range emitted {
			seen[e.EventName()] = true
		}
		switch {
		case sg.compensating && containsAll(seen, sg.compensationEvents):
			sg.completed = true
			emitted = append(emitted, &SagaCompensated{Base: sg.Base()}, &SagaCompleted{Base: sg.Base(), Success: false})
		case !sg.compensating && containsAll(seen, sg.requiredEvents):
			sg.completed = true
			emitted = append(emitted, &SagaCompleted{Base: sg.Base(), Success: true})
		}
		if sg.completed {
			s.completed.Add(ctx, 1, attrs)
			s.logger.Info("saga: completed",
				"saga", name,
				"saga_id", id,
				"compensated", sg.compensating,
			)
		}
	}

	if err := sg.SetSequence(seq); err != nil {
		return nil, err
	}

	before := sg.Version()
	if err := s.repo.Save(ctx, sg, emitted); err != nil {
		if sg.Version() == before {
			return nil, err
		}
		s.logger.Warn("saga: listener failed after save",
			"saga", name,
			"saga_id", id,
			"error", err,
		)
	}
	s.applied.Add(ctx, 1, attrs)
	return emitted, nil
}

func checkEmitted(sg *Saga, handler string, events []eventlog.Event) error {
	for _, e := range events {
		if _, ok := e.(*Composite); ok {
			return systemErrorf("handler %s emitted a composite event", handler)
		}
		if e.AggregateType() != sg.Name() || e.AggregateID() != sg.ID() {
			return systemErrorf("handler %s emitted %s for %s/%s, not %s/%s",
				handler, e.EventName(), e.AggregateType(), e.AggregateID(), sg.Name(), sg.ID())
		}
		if e.Metadata() != nil {
			return systemErrorf("handler %s emitted %s which was already saved", handler, e.EventName())
		}
	}
	return nil
}

func containsAll(seen map[string]bool, names []string) bool {
	for _, n := range names {
		if !seen[n] {
			return false
		}
	}
	return true
}
