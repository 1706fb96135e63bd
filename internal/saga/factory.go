package saga

import (
	"github.com/ashita-ai/junban/internal/eventlog"
)

// buildInput produces the value a handler receives. Concrete shapes receive
// the applied event itself. Composite shapes receive a *Composite whose
// leaves are bound to the applied event or, failing that, to the most recent
// event of that name in history.
func buildInput(shape Shape, event eventlog.Event, history []eventlog.Event) (eventlog.Event, error) {
	if shape.Kind == Concrete {
		return event, nil
	}
	c, err := buildComposite(shape, event, history, true)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, systemErrorf("no event in history resolves %s", shape)
	}
	return c, nil
}

// buildComposite binds shape's children. Only a required Union treats a
// missing child as an error; Union children inherit required and Either
// children are optional, so an unresolved branch under an Either is left
// nil. A nil result means nothing under shape resolved.
func buildComposite(shape Shape, event eventlog.Event, history []eventlog.Event, required bool) (*Composite, error) {
	c := &Composite{
		Base:  eventlog.NewBase(event.AggregateType(), event.AggregateID()),
		Shape: shape,
		Parts: make([]eventlog.Event, len(shape.Children)),
	}
	childRequired := required && shape.Kind == Union
	resolved := 0
	for i, child := range shape.Children {
		var part eventlog.Event
		if child.Kind == Concrete {
			if e := bind(child.Name, event, history); e != nil {
				part = e
			}
		} else {
			nested, err := buildComposite(child, event, history, childRequired)
			if err != nil {
				return nil, err
			}
			if nested != nil {
				part = nested
			}
		}
		if part == nil && shape.Kind == Union {
			if required {
				return nil, systemErrorf("%s: no event resolves %s", shape, child)
			}
			return nil, nil
		}
		if part != nil {
			c.Parts[i] = part
			resolved++
		}
	}
	if resolved == 0 {
		return nil, nil
	}
	return c, nil
}

func bind(name string, event eventlog.Event, history []eventlog.Event) eventlog.Event {
	if event.EventName() == name {
		return event
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].EventName() == name {
			return history[i]
		}
	}
	return nil
}
