package wal

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Registry maps action type names to Go types so persisted actions can be
// decoded during recovery on any node. Register every action type at startup,
// identically on all nodes sharing a log.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// Register binds name to the dynamic type of prototype. Pointer and value
// prototypes are both supported; decoded actions have the same shape.
func (r *Registry) Register(name string, prototype Action) error {
	if name == "" {
		return fmt.Errorf("wal: action name required")
	}
	if prototype == nil {
		return fmt.Errorf("wal: nil prototype for %q", name)
	}
	typ := reflect.TypeOf(prototype)
	if typ.Kind() == reflect.Func {
		return fmt.Errorf("wal: function action %q cannot be persisted", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[name]; ok && existing != typ {
		return fmt.Errorf("wal: action name %q already bound to %s", name, existing)
	}
	if existing, ok := r.byType[typ]; ok && existing != name {
		return fmt.Errorf("wal: action type %s already registered as %q", typ, existing)
	}
	r.byName[name] = typ
	r.byType[typ] = name
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(name string, prototype Action) {
	if err := r.Register(name, prototype); err != nil {
		panic(err)
	}
}

// Names lists the registered action names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type actionEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (r *Registry) encode(action Action) (actionEnvelope, error) {
	if action == nil {
		return actionEnvelope{}, fmt.Errorf("wal: nil action")
	}
	typ := reflect.TypeOf(action)
	r.mu.RLock()
	name, ok := r.byType[typ]
	r.mu.RUnlock()
	if !ok {
		return actionEnvelope{}, fmt.Errorf("%w: %s", ErrUnknownAction, typ)
	}
	payload, err := json.Marshal(action)
	if err != nil {
		return actionEnvelope{}, fmt.Errorf("wal: encode %s: %w", name, err)
	}
	return actionEnvelope{Type: name, Payload: payload}, nil
}

func (r *Registry) decode(env actionEnvelope) (Action, error) {
	r.mu.RLock()
	typ, ok := r.byName[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, env.Type)
	}
	var target reflect.Value
	if typ.Kind() == reflect.Pointer {
		target = reflect.New(typ.Elem())
	} else {
		target = reflect.New(typ)
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, target.Interface()); err != nil {
			return nil, fmt.Errorf("wal: decode %s: %w", env.Type, err)
		}
	}
	if typ.Kind() != reflect.Pointer {
		target = target.Elem()
	}
	action, ok := target.Interface().(Action)
	if !ok {
		return nil, fmt.Errorf("wal: decoded %s does not implement Action", env.Type)
	}
	return action, nil
}
