// Package trigger manages trigger conditions and matches incoming TTL and message events against
// them.
package trigger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sanspareilsmyn/triggeredavg/internal/average"
)

// AnyLine makes a condition respond to TTL events on every line.
const AnyLine = -1

// Type selects which events a condition responds to.
type Type int

const (
	TTL           Type = 1 // fire on a rising TTL edge
	Message       Type = 2 // fire on a matching text message
	TTLAndMessage Type = 3 // a matching message arms; the next rising edge fires
)

func (t Type) String() string {
	switch t {
	case TTL:
		return "ttl"
	case Message:
		return "message"
	case TTLAndMessage:
		return "ttl_and_message"
	default:
		return "unknown"
	}
}

// ParseType accepts the names produced by String.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ttl", "":
		return TTL, nil
	case "message", "msg":
		return Message, nil
	case "ttl_and_message", "ttl+message":
		return TTLAndMessage, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
}

func (t Type) valid() bool {
	return t == TTL || t == Message || t == TTLAndMessage
}

// Condition is one trigger source whose windows are averaged together.
type Condition struct {
	ID    average.ConditionID
	Name  string
	Line  int
	Type  Type
	Armed bool
}

// Registry holds the configured conditions. Names are unique.
type Registry struct {
	mu         sync.RWMutex
	conditions []*Condition
	nextID     average.ConditionID
	nextIndex  int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{nextID: 1, nextIndex: 1}
}

// Add creates a condition named "Condition N", made unique if needed, and returns a copy of it.
func (r *Registry) Add(line int, typ Type) (Condition, error) {
	return r.AddNamed("", line, typ)
}

// AddNamed creates a condition with the given name, or a generated one when name is empty.
func (r *Registry) AddNamed(name string, line int, typ Type) (Condition, error) {
	if !typ.valid() {
		return Condition{}, ErrUnknownType
	}
	if line < AnyLine {
		return Condition{}, ErrInvalidLine
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("Condition %d", r.nextIndex)
		r.nextIndex++
	}

	c := &Condition{
		ID:    r.nextID,
		Name:  r.uniqueName(name, 0),
		Line:  line,
		Type:  typ,
		Armed: typ == TTL,
	}
	r.nextID++
	r.conditions = append(r.conditions, c)
	return *c, nil
}

// Remove deletes a condition and reports whether it existed.
func (r *Registry) Remove(id average.ConditionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, c := range r.conditions {
		if c.ID == id {
			r.conditions = append(r.conditions[:i], r.conditions[i+1:]...)
			return true
		}
	}
	return false
}

// Rename gives a condition a new name, adding a numeric suffix if another condition already has it.
func (r *Registry) Rename(id average.ConditionID, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.find(id)
	if c == nil {
		return "", ErrUnknownCondition
	}
	c.Name = r.uniqueName(name, id)
	return c.Name, nil
}

// SetLine changes the TTL line a condition responds to. AnyLine matches every line.
func (r *Registry) SetLine(id average.ConditionID, line int) error {
	if line < AnyLine {
		return ErrInvalidLine
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.find(id)
	if c == nil {
		return ErrUnknownCondition
	}
	c.Line = line
	return nil
}

// SetType changes what a condition responds to. TTL conditions are always armed; the other types
// start disarmed.
func (r *Registry) SetType(id average.ConditionID, typ Type) error {
	if !typ.valid() {
		return ErrUnknownType
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.find(id)
	if c == nil {
		return ErrUnknownCondition
	}
	c.Type = typ
	c.Armed = typ == TTL
	return nil
}

// Get returns a copy of one condition.
func (r *Registry) Get(id average.ConditionID) (Condition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := r.find(id)
	if c == nil {
		return Condition{}, false
	}
	return *c, true
}

// List returns copies of every condition in insertion order.
func (r *Registry) List() []Condition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Condition, len(r.conditions))
	for i, c := range r.conditions {
		out[i] = *c
	}
	return out
}

// Len returns the number of registered conditions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conditions)
}

// find must be called with the lock held.
func (r *Registry) find(id average.ConditionID) *Condition {
	for _, c := range r.conditions {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// uniqueName must be called with the lock held. self is ignored when checking for collisions.
func (r *Registry) uniqueName(name string, self average.ConditionID) string {
	taken := func(candidate string) bool {
		for _, c := range r.conditions {
			if c.ID != self && c.Name == candidate {
				return true
			}
		}
		return false
	}

	if !taken(name) {
		return name
	}
	suffix := 2
	for taken(fmt.Sprintf("%s %d", name, suffix)) {
		suffix++
	}
	return fmt.Sprintf("%s %d", name, suffix)
}
