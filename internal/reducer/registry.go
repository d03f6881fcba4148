package reducer

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/scorelog/internal/ir"
)

// FoldFunc applies one committed event to a state and returns the next state.
// It must be pure and must not modify state in place.
type FoldFunc func(state ir.Object, ev ir.Event) ir.Object

// Definition registers one event type.
type Definition struct {
	Type string

	// Schema is CUE source constraining the payload, for example
	// `{playerId: string & != "", points: int}`. Empty accepts any object.
	Schema string

	Fold FoldFunc

	// Roster marks event types that define who is playing. They are carried
	// into the fresh session when a game is archived.
	Roster bool
}

type entry struct {
	def    Definition
	schema cue.Value
	hasSch bool
}

// Registry is the event-type table. Safe for concurrent use once built.
type Registry struct {
	initial func() ir.Object

	// cue.Context is not safe for concurrent use; mu guards it and every
	// cue.Value derived from it.
	mu      sync.Mutex
	cue     *cue.Context
	entries map[string]*entry
}

// NewRegistry builds a registry with the given initial-state constructor and
// definitions. initial may be nil, meaning an empty object.
func NewRegistry(initial func() ir.Object, defs ...Definition) (*Registry, error) {
	r := &Registry{
		initial: initial,
		cue:     cuecontext.New(),
		entries: make(map[string]*entry),
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// MustRegistry is NewRegistry that panics on error. For static tables.
func MustRegistry(initial func() ir.Object, defs ...Definition) *Registry {
	r, err := NewRegistry(initial, defs...)
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds a definition. Registering a type twice is an error.
func (r *Registry) Register(def Definition) error {
	if def.Type == "" {
		return errors.New("register: empty event type")
	}
	if def.Fold == nil {
		return fmt.Errorf("register %s: nil fold", def.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[def.Type]; ok {
		return fmt.Errorf("register %s: duplicate event type", def.Type)
	}

	e := &entry{def: def}
	if def.Schema != "" {
		v := r.cue.CompileString(def.Schema)
		if err := v.Err(); err != nil {
			return fmt.Errorf("register %s: compile schema: %w", def.Type, err)
		}
		e.schema = v
		e.hasSch = true
	}
	r.entries[def.Type] = e
	return nil
}

// Lookup returns the definition for an event type.
func (r *Registry) Lookup(eventType string) (Definition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[eventType]
	if !ok {
		return Definition{}, false
	}
	return e.def, true
}

// Types returns registered event types in sorted order.
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// IsRoster reports whether eventType is roster-defining.
func (r *Registry) IsRoster(eventType string) bool {
	def, ok := r.Lookup(eventType)
	return ok && def.Roster
}

// Initial returns a fresh initial state.
func (r *Registry) Initial() ir.Object {
	if r.initial == nil {
		return ir.Object{}
	}
	return r.initial()
}

// Validate checks an event's base fields and its payload schema. On failure
// it returns an *InvalidEventError.
func (r *Registry) Validate(ev ir.Event) error {
	switch {
	case ev.Type == "":
		return &InvalidEventError{Code: CodeInvalidShape, EventID: ev.EventID, Err: errors.New("missing type")}
	case ev.EventID == "":
		return &InvalidEventError{Code: CodeInvalidShape, Type: ev.Type, Err: errors.New("missing eventId")}
	case ev.Payload == nil:
		return &InvalidEventError{Code: CodeInvalidShape, Type: ev.Type, EventID: ev.EventID, Err: errors.New("missing payload")}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[ev.Type]
	if !ok {
		return &InvalidEventError{Code: CodeUnknownType, Type: ev.Type, EventID: ev.EventID}
	}
	if !e.hasSch {
		return nil
	}

	data, err := ir.MarshalCanonical(ev.Payload)
	if err != nil {
		return &InvalidEventError{Code: CodeInvalidPayload, Type: ev.Type, EventID: ev.EventID, Err: err}
	}
	payload := r.cue.CompileBytes(data)
	if err := payload.Err(); err != nil {
		return &InvalidEventError{Code: CodeInvalidPayload, Type: ev.Type, EventID: ev.EventID, Err: err}
	}
	if err := e.schema.Unify(payload).Validate(cue.Concrete(true)); err != nil {
		return &InvalidEventError{Code: CodeInvalidPayload, Type: ev.Type, EventID: ev.EventID, Err: err}
	}
	return nil
}

// Fold applies ev to state. Events of an unregistered type leave the state
// unchanged: they were committed by a build that knows more types than this
// one, and every reader skips them the same way.
func (r *Registry) Fold(state ir.Object, ev ir.Event) ir.Object {
	def, ok := r.Lookup(ev.Type)
	if !ok {
		return state
	}
	return def.Fold(state, ev)
}

// FoldAll folds evs onto state in order.
func (r *Registry) FoldAll(state ir.Object, evs []ir.Event) ir.Object {
	for _, ev := range evs {
		state = r.Fold(state, ev)
	}
	return state
}
