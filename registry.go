package sagaflow

import (
	"fmt"
	"sync"
)

// SagaRegistry maps event types to the saga definitions interested in them.
// Multiple saga types may subscribe to the same event type; one inbound
// event then fans out to one instance of each.
type SagaRegistry struct {
	mu          sync.RWMutex
	definitions map[string]SagaDefinition
	byEvent     map[string][]string // event type -> saga type names, registration order
}

// NewSagaRegistry creates an empty SagaRegistry.
func NewSagaRegistry() *SagaRegistry {
	return &SagaRegistry{
		definitions: make(map[string]SagaDefinition),
		byEvent:     make(map[string][]string),
	}
}

// Register subscribes a saga definition to one event type. Registering the
// same (event type, saga type) pair twice is a no-op.
func (r *SagaRegistry) Register(eventType string, def SagaDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.register(eventType, def)
}

// RegisterSaga builds a throwaway instance of the definition to discover the
// event types it listens to, then subscribes it to each. This keeps event
// wiring in one place: the factory's On calls.
func (r *SagaRegistry) RegisterSaga(def SagaDefinition) error {
	if def.SagaType == "" {
		return fmt.Errorf("sagaflow: saga definition requires a saga type name")
	}
	if def.Factory == nil {
		return fmt.Errorf("sagaflow: saga definition %q requires a factory", def.SagaType)
	}

	probe, err := def.Factory(NewSagaState("", def.SagaType, ""))
	if err != nil {
		return fmt.Errorf("sagaflow: failed to probe saga %q: %w", def.SagaType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.definitions[def.SagaType] = def
	for _, eventType := range probe.ListenedEvents() {
		r.register(eventType, def)
	}
	return nil
}

// RegisterType records a definition without subscribing it to any event.
// Useful for sagas driven explicitly through StartSaga or the TCC protocol
// rather than by inbound events.
func (r *SagaRegistry) RegisterType(def SagaDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.definitions[def.SagaType] = def
}

// register must be called with the write lock held.
func (r *SagaRegistry) register(eventType string, def SagaDefinition) {
	r.definitions[def.SagaType] = def

	for _, existing := range r.byEvent[eventType] {
		if existing == def.SagaType {
			return
		}
	}
	r.byEvent[eventType] = append(r.byEvent[eventType], def.SagaType)
}

// SagasForEvent returns the definitions subscribed to an event type, in
// registration order.
func (r *SagaRegistry) SagasForEvent(eventType string) []SagaDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.byEvent[eventType]
	defs := make([]SagaDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.definitions[name])
	}
	return defs
}

// Definition returns the definition for a saga type name.
func (r *SagaRegistry) Definition(sagaType string) (SagaDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[sagaType]
	return def, ok
}

// RegisteredEventTypes returns every event type with at least one subscriber.
func (r *SagaRegistry) RegisteredEventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.byEvent))
	for t := range r.byEvent {
		types = append(types, t)
	}
	return types
}
