package sagaflow

import (
	"context"
	"fmt"
	"time"
)

// EventMapping declares how a saga reacts to one event type.
// Exactly one of Send or Handler must be set.
type EventMapping struct {
	// Send builds the outgoing command for the event. The command is
	// buffered and delivered by the manager, never sent directly.
	Send func(event Event) Command

	// Handler is an imperative alternative to Send for reactions that need
	// more than a single command.
	Handler func(ctx context.Context, saga *Saga, event Event) error

	// Step labels the progress point recorded when the mapping fires.
	Step string

	// Compensate builds the compensating command pushed onto the
	// compensation stack when the mapping fires.
	Compensate func(event Event) Command

	// CompensateDescription summarizes what the compensation undoes.
	CompensateDescription string

	// Complete marks the saga completed after the mapping fires.
	Complete bool
}

// SagaOption configures a Saga.
type SagaOption func(*Saga)

// WithCommandRegistry sets the registry used to rehydrate serialized
// compensation and TCC cancel commands.
func WithCommandRegistry(registry *CommandRegistry) SagaOption {
	return func(s *Saga) {
		s.commands = registry
	}
}

// WithTimeoutHandler overrides the default suspension-timeout escalation.
// The default fails the saga with an error containing "timed out".
func WithTimeoutHandler(fn func(saga *Saga) error) SagaOption {
	return func(s *Saga) {
		s.timeoutFn = fn
	}
}

// Saga is the per-instance orchestration unit. It wraps a SagaState,
// consumes domain events, mutates the state, and buffers outgoing commands
// for the manager to deliver. A Saga is not safe for concurrent use; the
// manager never processes two events for the same instance concurrently.
type Saga struct {
	state    *SagaState
	commands *CommandRegistry

	mappings   map[string][]EventMapping
	eventTypes []string // registration order

	tccSteps []TCCStep
	tccIndex map[string]int

	outbox    []Command
	timeoutFn func(saga *Saga) error
}

// SagaFactory builds a configured Saga around a state. Factories are called
// both for new instances and when rehydrating persisted ones, so all On and
// AddTCCStep registration must happen inside the factory.
type SagaFactory func(state *SagaState) (*Saga, error)

// SagaDefinition pairs a saga type name with its factory.
type SagaDefinition struct {
	// SagaType is the type name stored in SagaState.SagaType.
	SagaType string

	// Factory builds instances of this saga type.
	Factory SagaFactory
}

// NewSaga creates a Saga wrapping the given state.
func NewSaga(state *SagaState, opts ...SagaOption) *Saga {
	s := &Saga{
		state:    state,
		mappings: make(map[string][]EventMapping),
		tccIndex: make(map[string]int),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// State returns the wrapped saga state.
func (s *Saga) State() *SagaState {
	return s.state
}

// ID returns the saga instance id.
func (s *Saga) ID() string {
	return s.state.ID
}

// SagaType returns the saga type name.
func (s *Saga) SagaType() string {
	return s.state.SagaType
}

// On registers a declarative reaction for an event type. Multiple mappings
// may be registered for the same event type; they fire in order.
func (s *Saga) On(eventType string, mapping EventMapping) error {
	if (mapping.Send == nil) == (mapping.Handler == nil) {
		return fmt.Errorf("%w (event type %q)", ErrInvalidMapping, eventType)
	}

	if _, seen := s.mappings[eventType]; !seen {
		s.eventTypes = append(s.eventTypes, eventType)
	}
	s.mappings[eventType] = append(s.mappings[eventType], mapping)
	return nil
}

// ListenedEvents returns the event types registered via On, in registration
// order. The registry uses this for bulk registration.
func (s *Saga) ListenedEvents() []string {
	out := make([]string, len(s.eventTypes))
	copy(out, s.eventTypes)
	return out
}

// Handle is the public entry point: applies one event to the saga.
// Terminal sagas and already-processed event ids are silent no-ops.
// Errors from user-supplied handlers propagate unchanged.
func (s *Saga) Handle(ctx context.Context, event Event) error {
	if s.state.IsTerminal() {
		return nil
	}
	if !s.state.MarkEventProcessed(event.EventID()) {
		return nil
	}

	for _, m := range s.mappings[event.EventType()] {
		if m.Handler != nil {
			if err := m.Handler(ctx, s, event); err != nil {
				return err
			}
		} else {
			if cmd := m.Send(event); cmd != nil {
				s.Dispatch(cmd)
			}
			if m.Compensate != nil {
				if cmd := m.Compensate(event); cmd != nil {
					if err := s.AddCompensation(cmd, m.CompensateDescription); err != nil {
						return err
					}
				}
			}
		}

		if m.Step != "" {
			s.state.RecordStep(m.Step, event.EventType(), nil)
		}
		if m.Complete {
			s.complete()
		}
	}

	s.state.Touch()
	return nil
}

// Dispatch buffers an outgoing command. Commands are not auto-sent; the
// manager drains the buffer via CollectCommands and owns delivery.
func (s *Saga) Dispatch(cmd Command) {
	s.outbox = append(s.outbox, cmd)
	if s.state.Status == StatusPending {
		s.state.Status = StatusRunning
	}
}

// CollectCommands drains and returns the buffered outgoing commands.
func (s *Saga) CollectCommands() []Command {
	cmds := s.outbox
	s.outbox = nil
	return cmds
}

// AddCompensation pushes a compensating command onto the compensation stack.
func (s *Saga) AddCompensation(cmd Command, description string) error {
	data, err := marshalCommand(cmd)
	if err != nil {
		return err
	}
	s.state.CompensationStack = append(s.state.CompensationStack, CompensationEntry{
		CommandType: cmd.CommandType(),
		Data:        data,
		Description: description,
	})
	return nil
}

// ExecuteCompensations pops every compensation entry in reverse push order,
// rehydrates it into a concrete command and buffers it for dispatch, then
// marks the saga compensated and empties the stack. A rehydration failure
// for an unregistered command type is a fatal configuration error.
func (s *Saga) ExecuteCompensations() error {
	if len(s.state.CompensationStack) > 0 && s.commands == nil {
		return ErrNoCommandRegistry
	}

	for i := len(s.state.CompensationStack) - 1; i >= 0; i-- {
		entry := s.state.CompensationStack[i]
		cmd, err := s.commands.Rehydrate(entry.CommandType, entry.Data)
		if err != nil {
			return err
		}
		s.Dispatch(cmd)
	}

	s.state.CompensationStack = nil
	s.state.Status = StatusCompensated
	now := time.Now()
	s.state.CompletedAt = &now
	s.state.Touch()
	return nil
}

// Suspend parks the saga until an external condition or the timeout.
func (s *Saga) Suspend(reason string, timeout time.Duration) {
	now := time.Now()
	deadline := now.Add(timeout)

	s.state.Status = StatusSuspended
	s.state.SuspensionReason = reason
	s.state.SuspendedAt = &now
	s.state.TimeoutAt = &deadline
	s.state.Touch()
}

// Resume clears the suspension and restores StatusRunning.
// It is a no-op unless the saga is suspended.
func (s *Saga) Resume() {
	if s.state.Status != StatusSuspended {
		return
	}
	s.state.Status = StatusRunning
	s.state.SuspensionReason = ""
	s.state.SuspendedAt = nil
	s.state.TimeoutAt = nil
	s.state.Touch()
}

// Fail records the failure reason and moves the saga to a terminal state.
// With compensate set, compensations run first and leave the saga
// StatusCompensated instead of StatusFailed.
func (s *Saga) Fail(reason string, compensate bool) error {
	now := time.Now()
	s.state.Error = reason
	s.state.FailedAt = &now

	if compensate {
		return s.ExecuteCompensations()
	}

	s.state.Status = StatusFailed
	s.state.Touch()
	return nil
}

// HandleTimeout escalates an expired suspension. The default transitions
// the saga to StatusFailed; a custom handler (WithTimeoutHandler) may
// recover instead, e.g. by resuming and dispatching a retry command.
func (s *Saga) HandleTimeout() error {
	if s.timeoutFn != nil {
		return s.timeoutFn(s)
	}

	reason := s.state.SuspensionReason
	if reason == "" {
		reason = "suspension"
	}
	return s.Fail(fmt.Sprintf("%s timed out", reason), false)
}

// complete marks the saga successfully finished.
func (s *Saga) complete() {
	s.state.Status = StatusCompleted
	now := time.Now()
	s.state.CompletedAt = &now
}
