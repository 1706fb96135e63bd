package saga

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/junban/internal/eventlog"
)

// Kind distinguishes a concrete event shape from the composite ones.
type Kind int

const (
	// Concrete matches a single event by name.
	Concrete Kind = iota
	// Union is satisfied once every child has been seen.
	Union
	// Either is satisfied once any child has been seen.
	Either
)

func (k Kind) String() string {
	switch k {
	case Concrete:
		return "Concrete"
	case Union:
		return "Union"
	case Either:
		return "Either"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

const (
	minChildren = 2
	maxChildren = 5
)

// Shape describes the events a handler accepts: a single event name, or a
// Union/Either of 2 to 5 child shapes.
type Shape struct {
	Kind     Kind
	Name     string
	Children []Shape
}

// On returns a concrete shape matching events named name.
func On(name string) Shape { return Shape{Kind: Concrete, Name: name} }

// UnionOf returns a shape that fires once all children have been seen.
func UnionOf(children ...Shape) Shape { return Shape{Kind: Union, Children: children} }

// EitherOf returns a shape that fires once any child has been seen.
func EitherOf(children ...Shape) Shape { return Shape{Kind: Either, Children: children} }

// Validate checks names and arity recursively.
func (s Shape) Validate() error {
	switch s.Kind {
	case Concrete:
		if s.Name == "" {
			return fmt.Errorf("saga: concrete shape needs an event name")
		}
		if len(s.Children) > 0 {
			return fmt.Errorf("saga: concrete shape %s cannot have children", s.Name)
		}
	case Union, Either:
		if n := len(s.Children); n < minChildren || n > maxChildren {
			return fmt.Errorf("saga: %s needs %d to %d children, got %d", s.Kind, minChildren, maxChildren, n)
		}
		for _, c := range s.Children {
			if err := c.Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("saga: unknown shape kind %d", int(s.Kind))
	}
	return nil
}

// Leaves returns the distinct concrete event names in the shape, in
// declaration order.
func (s Shape) Leaves() []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(Shape)
	walk = func(n Shape) {
		if n.Kind == Concrete {
			if !seen[n.Name] {
				seen[n.Name] = true
				out = append(out, n.Name)
			}
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(s)
	return out
}

func (s Shape) hasLeaf(name string) bool {
	if s.Kind == Concrete {
		return s.Name == name
	}
	for _, c := range s.Children {
		if c.hasLeaf(name) {
			return true
		}
	}
	return false
}

func (s Shape) satisfied(seen map[string]bool) bool {
	switch s.Kind {
	case Concrete:
		return seen[s.Name]
	case Union:
		for _, c := range s.Children {
			if !c.satisfied(seen) {
				return false
			}
		}
		return true
	case Either:
		for _, c := range s.Children {
			if c.satisfied(seen) {
				return true
			}
		}
	}
	return false
}

func (s Shape) String() string {
	if s.Kind == Concrete {
		return s.Name
	}
	parts := make([]string, len(s.Children))
	for i, c := range s.Children {
		parts[i] = c.String()
	}
	return s.Kind.String() + "[" + strings.Join(parts, ",") + "]"
}

// Composite is the value handed to a Union or Either handler. Parts align
// with the shape's children: concrete children resolve to the bound event,
// nested composites to *Composite, and unresolved Either branches to nil.
// Composites exist only in memory and are never saved.
type Composite struct {
	eventlog.Base
	Shape Shape
	Parts []eventlog.Event
}

func (c *Composite) EventName() string { return c.Shape.String() }

// Part returns the i-th part, or nil if out of range or unresolved.
func (c *Composite) Part(i int) eventlog.Event {
	if i < 0 || i >= len(c.Parts) {
		return nil
	}
	return c.Parts[i]
}

// Find returns the first bound leaf event named name, searching nested
// composites depth-first.
func (c *Composite) Find(name string) eventlog.Event {
	for _, p := range c.Parts {
		switch v := p.(type) {
		case nil:
		case *Composite:
			if e := v.Find(name); e != nil {
				return e
			}
		default:
			if v.EventName() == name {
				return v
			}
		}
	}
	return nil
}
