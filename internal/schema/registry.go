package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Category groups a message type the way §4.4 tables it.
type Category string

const (
	CategoryToolExecution Category = "tool_execution"
	CategoryCognitive     Category = "cognitive"
	CategoryLegacy        Category = "legacy"
)

// TypeInfo is a registered message type's metadata.
type TypeInfo struct {
	Name             string
	Category         Category
	SchemaVersion    string
	RequiresResponse bool
	DefaultTimeout   time.Duration
	// Priority is advisory, one of low/normal/high/critical. Unlike a
	// Stream's Priority this accepts "critical" for message types that
	// warrant preferential router treatment.
	Priority string
	Deprecated bool
	// Replacement names the type that superseded this one. Only meaningful
	// when Deprecated is true.
	Replacement string
}

// Handler processes one dispatched message of a registered type.
type Handler func(ctx context.Context, env Envelope, raw []byte) error

// Next is the continuation a Middleware calls to proceed down the chain.
// A middleware that never calls Next short-circuits dispatch entirely.
type Next func(ctx context.Context, env Envelope, raw []byte) error

// Middleware wraps every dispatched message. Middleware run in registration
// order, outermost first.
type Middleware func(ctx context.Context, env Envelope, raw []byte, next Next) error

// ValidationError is returned by Validate and carries enough detail for a
// caller to build the `{type:"error", error:{code,message}}` reply §7
// requires.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Registry is the single place a message type, its schema, and its handlers
// are registered. The tool message router (C7) validates through it; the
// broker (C5) routes by its own handling table and does not consult it.
type Registry struct {
	mu         sync.RWMutex
	types      map[string]TypeInfo
	schemas    map[string]*jsonschema.Schema
	handlers   map[string][]Handler
	middleware []Middleware
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types:    make(map[string]TypeInfo),
		schemas:  make(map[string]*jsonschema.Schema),
		handlers: make(map[string][]Handler),
	}
}

// Register adds a message type, compiling its JSON Schema if one is given.
// schemaJSON may be empty for envelope-only types whose body isn't
// schema-validated (see schemas.go).
func (r *Registry) Register(info TypeInfo, schemaJSON string) error {
	if info.Name == "" {
		return fmt.Errorf("message type name is required")
	}
	var compiled *jsonschema.Schema
	if schemaJSON != "" {
		c, err := jsonschema.CompileString(info.Name, schemaJSON)
		if err != nil {
			return fmt.Errorf("compile schema for %q: %w", info.Name, err)
		}
		compiled = c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[info.Name] = info
	if compiled != nil {
		r.schemas[info.Name] = compiled
	}
	return nil
}

// RegisterHandler appends a handler for a message type. Multiple handlers
// for the same type all run, in registration order, on every dispatch.
func (r *Registry) RegisterHandler(typeName string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typeName] = append(r.handlers[typeName], h)
}

// Use appends a middleware to the chain wrapping every dispatched message.
func (r *Registry) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
}

// TypeInfo returns the registered metadata for a type, if any.
func (r *Registry) TypeInfo(name string) (TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.types[name]
	return info, ok
}

// Validate is a pure function of (message, registered schemas): it parses
// the envelope, rejects unknown types, and — for deprecated types — returns
// a non-fatal warning message naming the replacement when one is known.
// Per T4, calling Validate twice with the same message and the same
// registered schemas always yields the same result; Registry never mutates
// registered schemas as a side effect of validating.
func (r *Registry) Validate(raw []byte) (env Envelope, warning string, err error) {
	env, err = ParseEnvelope(raw)
	if err != nil {
		return Envelope{}, "", &ValidationError{Code: "INVALID_ENVELOPE", Message: err.Error()}
	}

	r.mu.RLock()
	info, known := r.types[env.Type]
	compiled := r.schemas[env.Type]
	r.mu.RUnlock()

	if !known {
		return Envelope{}, "", &ValidationError{Code: "UNKNOWN_TYPE", Message: fmt.Sprintf("unregistered message type %q", env.Type)}
	}

	if compiled != nil {
		var payload any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return Envelope{}, "", &ValidationError{Code: "INVALID_JSON", Message: err.Error()}
		}
		if err := compiled.Validate(payload); err != nil {
			return Envelope{}, "", &ValidationError{Code: "SCHEMA_VIOLATION", Message: err.Error()}
		}
	}

	if info.Deprecated {
		if info.Replacement != "" {
			warning = fmt.Sprintf("message type %q is deprecated; use %q instead", env.Type, info.Replacement)
		} else {
			warning = fmt.Sprintf("message type %q is deprecated", env.Type)
		}
	}

	return env, warning, nil
}

// Dispatch validates raw, then runs the middleware chain around every
// handler registered for the message's type. A middleware that doesn't call
// next short-circuits the remaining chain and the handlers.
func (r *Registry) Dispatch(ctx context.Context, raw []byte) (warning string, err error) {
	env, warning, err := r.Validate(raw)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	handlers := append([]Handler(nil), r.handlers[env.Type]...)
	mws := append([]Middleware(nil), r.middleware...)
	r.mu.RUnlock()

	final := func(ctx context.Context, env Envelope, raw []byte) error {
		for _, h := range handlers {
			if err := h(ctx, env, raw); err != nil {
				return err
			}
		}
		return nil
	}

	chain := final
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		next := chain
		chain = func(ctx context.Context, env Envelope, raw []byte) error {
			return mw(ctx, env, raw, next)
		}
	}

	return warning, chain(ctx, env, raw)
}
