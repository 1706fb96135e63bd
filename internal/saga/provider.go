package saga

import (
	"context"
	"fmt"
	"sync"

	"github.com/ashita-ai/junban/internal/eventlog"
)

// Handler reacts to an event (or a composite of events) applied to a saga
// and returns the events it emits. Emitted events must be built with the
// saga's Base and are saved together with the saga's new snapshot.
type Handler interface {
	Name() string
	Accepts() Shape
	Apply(ctx context.Context, event eventlog.Event, s *Saga) ([]eventlog.Event, error)
}

// Compensator is implemented by handlers that can undo their work. It is
// called when a saga enters compensation, for every handler whose shape was
// satisfied by the saga's history.
type Compensator interface {
	Compensate(ctx context.Context, cause eventlog.Event, s *Saga) ([]eventlog.Event, error)
}

// HandlerFunc builds a Handler from a name, a shape and a function.
func HandlerFunc(name string, accepts Shape, fn func(ctx context.Context, event eventlog.Event, s *Saga) ([]eventlog.Event, error)) Handler {
	return funcHandler{name: name, accepts: accepts, fn: fn}
}

type funcHandler struct {
	name    string
	accepts Shape
	fn      func(ctx context.Context, event eventlog.Event, s *Saga) ([]eventlog.Event, error)
}

func (h funcHandler) Name() string   { return h.name }
func (h funcHandler) Accepts() Shape { return h.accepts }
func (h funcHandler) Apply(ctx context.Context, event eventlog.Event, s *Saga) ([]eventlog.Event, error) {
	return h.fn(ctx, event, s)
}

type registration struct {
	saga    string
	handler Handler
}

// Provider holds handler registrations and selects the ones matching an
// applied event.
type Provider struct {
	mu    sync.RWMutex
	regs  []registration
	names map[string]bool
}

// NewProvider returns an empty provider.
func NewProvider() *Provider {
	return &Provider{names: make(map[string]bool)}
}

// Register binds h to sagas named sagaName. An empty sagaName binds h to
// every saga. Handler names must be unique.
func (p *Provider) Register(sagaName string, h Handler) error {
	if err := h.Accepts().Validate(); err != nil {
		return fmt.Errorf("saga: register %s: %w", h.Name(), err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.names[h.Name()] {
		return fmt.Errorf("saga: handler %s already registered", h.Name())
	}
	p.names[h.Name()] = true
	p.regs = append(p.regs, registration{saga: sagaName, handler: h})
	return nil
}

func (p *Provider) forSaga(sagaName string) []Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Handler
	for _, r := range p.regs {
		if r.saga == "" || r.saga == sagaName {
			out = append(out, r.handler)
		}
	}
	return out
}

// Matching returns the handlers, in registration order, that fire for event
// given the saga's prior history. A concrete shape fires when its name equals
// the event's. A composite fires when the event is one of its leaves and the
// shape is satisfied by the history plus the event.
func (p *Provider) Matching(sagaName string, event eventlog.Event, history []eventlog.Event) []Handler {
	var seen map[string]bool
	var out []Handler
	for _, h := range p.forSaga(sagaName) {
		shape := h.Accepts()
		if shape.Kind == Concrete {
			if shape.Name == event.EventName() {
				out = append(out, h)
			}
			continue
		}
		if !shape.hasLeaf(event.EventName()) {
			continue
		}
		if seen == nil {
			seen = seenNames(event, history)
		}
		if shape.satisfied(seen) {
			out = append(out, h)
		}
	}
	return out
}

// Compensators returns the compensating handlers for sagaName whose shapes
// are satisfied by history.
func (p *Provider) Compensators(sagaName string, history []eventlog.Event) []Handler {
	seen := seenNames(nil, history)
	var out []Handler
	for _, h := range p.forSaga(sagaName) {
		if _, ok := h.(Compensator); !ok {
			continue
		}
		if h.Accepts().satisfied(seen) {
			out = append(out, h)
		}
	}
	return out
}

func seenNames(event eventlog.Event, history []eventlog.Event) map[string]bool {
	seen := make(map[string]bool, len(history)+1)
	for _, e := range history {
		seen[e.EventName()] = true
	}
	if event != nil {
		seen[event.EventName()] = true
	}
	return seen
}
