package sagaflow

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// Event represents a domain event routed into saga handling.
// Events carry a unique id (the idempotency key for duplicate delivery) and
// a business correlation id used to locate the saga instance they belong to.
type Event interface {
	// EventID returns the unique identifier for this event instance.
	EventID() string

	// EventType returns the type identifier for this event (e.g., "OrderPlaced").
	EventType() string

	// CorrelationID returns the business correlation key for this event.
	// Events without a correlation id cannot be routed to a saga.
	CorrelationID() string
}

// EventBase provides a default partial implementation of Event.
// Embed this struct in your event types and implement EventType.
type EventBase struct {
	// ID is the unique identifier for this event instance.
	ID string `json:"id"`

	// CorrID links this event to a saga instance.
	CorrID string `json:"correlationId,omitempty"`

	// OccurredAt is when the event happened.
	OccurredAt time.Time `json:"occurredAt"`
}

// NewEventBase creates a new EventBase with the given event and correlation ids.
func NewEventBase(id, correlationID string) EventBase {
	return EventBase{
		ID:         id,
		CorrID:     correlationID,
		OccurredAt: time.Now(),
	}
}

// EventID returns the event's unique identifier.
func (e EventBase) EventID() string {
	return e.ID
}

// CorrelationID returns the correlation ID.
func (e EventBase) CorrelationID() string {
	return e.CorrID
}

// Command represents an intent to change state in the system.
// Commands produced by sagas are dispatched through the CommandBus port.
type Command interface {
	// CommandType returns the type identifier for this command (e.g., "ReserveStock").
	CommandType() string
}

// CommandBase provides common metadata for command types.
// Embed this struct in your command types to get correlation support.
type CommandBase struct {
	// CorrelationID links related commands and events.
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID identifies the event that caused this command.
	CausationID string `json:"causationId,omitempty"`
}

// WithCorrelationID returns a copy of CommandBase with the correlation ID set.
func (c CommandBase) WithCorrelationID(id string) CommandBase {
	c.CorrelationID = id
	return c
}

// WithCausationID returns a copy of CommandBase with the causation ID set.
func (c CommandBase) WithCausationID(id string) CommandBase {
	c.CausationID = id
	return c
}

// CommandBus is the dispatch port for outgoing commands. Any transport
// error is treated as a dispatch failure for recovery accounting.
type CommandBus interface {
	Dispatch(ctx context.Context, cmd Command) error
}

// CommandBusFunc is a function that implements CommandBus.
type CommandBusFunc func(ctx context.Context, cmd Command) error

// Dispatch implements CommandBus.
func (f CommandBusFunc) Dispatch(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}

// EventHandlerFunc handles a single event.
type EventHandlerFunc func(ctx context.Context, event Event) error

// EventDispatcher is the inbound event fabric port. SagaManager.BindTo
// registers a handler for every event type its registry knows about.
type EventDispatcher interface {
	Subscribe(eventType string, handler EventHandlerFunc)
}

// CommandRegistry maps command type names to Go types so that serialized
// commands (pending commands, compensation entries, TCC cancel commands)
// can be rehydrated into concrete instances after a restart.
type CommandRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewCommandRegistry creates a new empty CommandRegistry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		types: make(map[string]reflect.Type),
	}
}

// Register adds a mapping from the example's CommandType to its Go type.
// The example should be a value (not a pointer) of the command type.
func (r *CommandRegistry) Register(example Command) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := reflect.TypeOf(example)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.types[example.CommandType()] = t
}

// RegisterAll registers multiple commands.
func (r *CommandRegistry) RegisterAll(examples ...Command) {
	for _, example := range examples {
		r.Register(example)
	}
}

// Lookup returns the Go type for the given command type name.
// Returns nil and false if the type is not registered.
func (r *CommandRegistry) Lookup(commandType string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[commandType]
	return t, ok
}

// RegisteredTypes returns a slice of all registered command type names.
func (r *CommandRegistry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.types))
	for t := range r.types {
		types = append(types, t)
	}
	return types
}

// Count returns the number of registered command types.
func (r *CommandRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// Rehydrate converts a serialized payload back into a concrete command.
// Returns CommandNotRegisteredError if the type is unknown; callers treat
// that as a fatal configuration error.
func (r *CommandRegistry) Rehydrate(commandType string, data []byte) (Command, error) {
	t, ok := r.Lookup(commandType)
	if !ok {
		return nil, &CommandNotRegisteredError{CommandType: commandType}
	}

	ptr := reflect.New(t)
	if len(data) > 0 {
		if err := json.Unmarshal(data, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("sagaflow: failed to rehydrate command %q: %w", commandType, err)
		}
	}

	if cmd, ok := ptr.Elem().Interface().(Command); ok {
		return cmd, nil
	}
	if cmd, ok := ptr.Interface().(Command); ok {
		return cmd, nil
	}
	return nil, fmt.Errorf("sagaflow: registered type for %q does not implement Command", commandType)
}

// marshalCommand serializes a command payload for durable storage.
func marshalCommand(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("sagaflow: failed to serialize command %q: %w", cmd.CommandType(), err)
	}
	return data, nil
}
