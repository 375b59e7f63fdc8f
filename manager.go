package sagaflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ManagerOption configures a SagaManager.
type ManagerOption func(*SagaManager)

// WithLogger sets the logger used by the manager and its recovery sweeps.
func WithLogger(logger Logger) ManagerOption {
	return func(m *SagaManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithCommands sets the command registry used to rehydrate serialized
// commands during recovery. Sagas built by the manager inherit it unless
// their factory set one explicitly.
func WithCommands(registry *CommandRegistry) ManagerOption {
	return func(m *SagaManager) {
		m.commands = registry
	}
}

// WithMaxRetries sets the recovery attempt bound for sagas created by the
// manager. Defaults to DefaultMaxRetries.
func WithMaxRetries(n int) ManagerOption {
	return func(m *SagaManager) {
		if n > 0 {
			m.maxRetries = n
		}
	}
}

// SagaManager routes events to saga instances, persists their state with a
// record-then-confirm delivery discipline, and runs the recovery sweeps.
//
// Delivery discipline: commands a saga produces are first recorded on the
// state as pending and saved, then dispatched on the bus, then marked
// dispatched and saved again. A crash between the two saves leaves a
// pending record for RecoverPendingSagas, giving at-least-once delivery.
type SagaManager struct {
	registry *SagaRegistry
	store    SagaStore
	bus      CommandBus
	commands *CommandRegistry
	logger   Logger

	maxRetries int
}

// NewSagaManager creates a SagaManager.
func NewSagaManager(registry *SagaRegistry, store SagaStore, bus CommandBus, opts ...ManagerOption) *SagaManager {
	m := &SagaManager{
		registry:   registry,
		store:      store,
		bus:        bus,
		logger:     &noopLogger{},
		maxRetries: DefaultMaxRetries,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Handle routes one inbound event to every saga type subscribed to it.
// Events with no subscribers or no correlation id are dropped with a log
// line. For each subscribed type the instance is located by correlation id,
// created fresh if none is active, and the event applied.
func (m *SagaManager) Handle(ctx context.Context, event Event) error {
	defs := m.registry.SagasForEvent(event.EventType())
	if len(defs) == 0 {
		return nil
	}

	correlationID := event.CorrelationID()
	if correlationID == "" {
		m.logger.Warn("event has no correlation id, skipping",
			"eventId", event.EventID(), "eventType", event.EventType())
		return nil
	}

	for _, def := range defs {
		state, err := m.store.FindByCorrelationID(ctx, correlationID, def.SagaType)
		if errors.Is(err, ErrSagaNotFound) {
			state = NewSagaState(uuid.NewString(), def.SagaType, correlationID)
			state.MaxRetries = m.maxRetries
		} else if err != nil {
			return fmt.Errorf("sagaflow: failed to locate saga %q for correlation %q: %w",
				def.SagaType, correlationID, err)
		}

		saga, err := m.buildSaga(def, state)
		if err != nil {
			return err
		}

		if err := saga.Handle(ctx, event); err != nil {
			return fmt.Errorf("sagaflow: saga %s failed handling %s: %w",
				state.ID, event.EventType(), err)
		}

		if err := m.flush(ctx, saga); err != nil {
			return err
		}
	}

	return nil
}

// StartSaga explicitly creates a saga instance and applies a seed event to
// it, bypassing correlation lookup. Returns the new saga id.
func (m *SagaManager) StartSaga(ctx context.Context, sagaType string, seed Event) (string, error) {
	def, ok := m.registry.Definition(sagaType)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrSagaTypeNotRegistered, sagaType)
	}

	state := NewSagaState(uuid.NewString(), sagaType, seed.CorrelationID())
	state.MaxRetries = m.maxRetries

	saga, err := m.buildSaga(def, state)
	if err != nil {
		return "", err
	}
	if err := saga.Handle(ctx, seed); err != nil {
		return "", err
	}
	if err := m.flush(ctx, saga); err != nil {
		return "", err
	}

	return state.ID, nil
}

// BindTo subscribes the manager to every event type in its registry.
func (m *SagaManager) BindTo(dispatcher EventDispatcher) {
	for _, eventType := range m.registry.RegisteredEventTypes() {
		dispatcher.Subscribe(eventType, m.Handle)
	}
}

// RecoverPendingSagas re-drives commands recorded but never confirmed
// dispatched, e.g. after a crash between the record and confirm saves.
//
// A saga at its retry bound is failed instead of retried, with no dispatch
// attempt. An unregistered command type is a fatal configuration error and
// aborts the sweep. Other per-saga failures increment the retry count and
// the sweep moves on.
func (m *SagaManager) RecoverPendingSagas(ctx context.Context) error {
	states, err := m.store.FindStalledSagas(ctx)
	if err != nil {
		return fmt.Errorf("sagaflow: failed to find stalled sagas: %w", err)
	}

	for _, state := range states {
		maxRetries := state.MaxRetries
		if maxRetries <= 0 {
			maxRetries = m.maxRetries
		}

		if state.RetryCount >= maxRetries {
			state.Status = StatusFailed
			state.Error = fmt.Sprintf("max_retries exceeded after %d recovery attempts", state.RetryCount)
			now := time.Now()
			state.FailedAt = &now
			state.Touch()
			if err := m.saveRecovered(ctx, state); err != nil {
				return err
			}
			m.logger.Error("saga exceeded max retries, marked failed",
				"sagaId", state.ID, "sagaType", state.SagaType, "retryCount", state.RetryCount)
			continue
		}

		if m.commands == nil {
			return ErrNoCommandRegistry
		}

		if err := m.redrivePending(ctx, state); err != nil {
			var notRegistered *CommandNotRegisteredError
			if errors.As(err, &notRegistered) {
				return err
			}

			state.RetryCount++
			state.Touch()
			if saveErr := m.saveRecovered(ctx, state); saveErr != nil {
				return saveErr
			}
			m.logger.Warn("saga recovery attempt failed",
				"sagaId", state.ID, "retryCount", state.RetryCount, "error", err)
			continue
		}

		state.PendingCommands = nil
		state.RetryCount = 0
		state.Touch()
		if err := m.saveRecovered(ctx, state); err != nil {
			return err
		}
		m.logger.Info("saga pending commands recovered", "sagaId", state.ID)
	}

	return nil
}

// ProcessTimeouts escalates suspended sagas whose deadline has passed by
// invoking their timeout handler.
func (m *SagaManager) ProcessTimeouts(ctx context.Context) error {
	states, err := m.store.FindExpiredSuspendedSagas(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("sagaflow: failed to find expired suspended sagas: %w", err)
	}

	for _, state := range states {
		def, ok := m.registry.Definition(state.SagaType)
		if !ok {
			m.logger.Error("suspended saga has unregistered type",
				"sagaId", state.ID, "sagaType", state.SagaType)
			continue
		}

		saga, err := m.buildSaga(def, state)
		if err != nil {
			m.logger.Error("failed to rebuild suspended saga",
				"sagaId", state.ID, "error", err)
			continue
		}

		if err := saga.HandleTimeout(); err != nil {
			m.logger.Error("saga timeout handler failed", "sagaId", state.ID, "error", err)
			continue
		}
		if err := m.flush(ctx, saga); err != nil {
			m.logger.Error("failed to persist timed-out saga", "sagaId", state.ID, "error", err)
			continue
		}

		m.logger.Info("saga suspension timed out",
			"sagaId", state.ID, "reason", state.SuspensionReason, "status", state.Status.String())
	}

	return nil
}

// ProcessTCCTimeouts cancels expired time-based TCC reservations.
func (m *SagaManager) ProcessTCCTimeouts(ctx context.Context) error {
	states, err := m.store.FindRunningSagasWithTCCSteps(ctx)
	if err != nil {
		return fmt.Errorf("sagaflow: failed to find sagas with TCC steps: %w", err)
	}

	now := time.Now()
	for _, state := range states {
		def, ok := m.registry.Definition(state.SagaType)
		if !ok {
			m.logger.Error("TCC saga has unregistered type",
				"sagaId", state.ID, "sagaType", state.SagaType)
			continue
		}

		saga, err := m.buildSaga(def, state)
		if err != nil {
			m.logger.Error("failed to rebuild TCC saga", "sagaId", state.ID, "error", err)
			continue
		}

		expired, err := saga.CheckTCCTimeouts(now)
		if err != nil {
			m.logger.Error("TCC timeout check failed", "sagaId", state.ID, "error", err)
			continue
		}
		if len(expired) == 0 {
			continue
		}

		if err := m.flush(ctx, saga); err != nil {
			m.logger.Error("failed to persist TCC cancellations", "sagaId", state.ID, "error", err)
			continue
		}
		m.logger.Info("expired TCC reservations cancelled",
			"sagaId", state.ID, "steps", expired)
	}

	return nil
}

// buildSaga runs the definition's factory and injects the manager's command
// registry when the factory did not set one.
func (m *SagaManager) buildSaga(def SagaDefinition, state *SagaState) (*Saga, error) {
	saga, err := def.Factory(state)
	if err != nil {
		return nil, fmt.Errorf("sagaflow: factory for saga %q failed: %w", def.SagaType, err)
	}
	if saga.commands == nil {
		saga.commands = m.commands
	}
	return saga, nil
}

// flush implements record-then-confirm delivery for a saga's buffered
// commands. Dispatch failures are logged and left pending; they do not fail
// the event that produced them.
func (m *SagaManager) flush(ctx context.Context, saga *Saga) error {
	cmds := saga.CollectCommands()
	state := saga.State()

	offset := len(state.PendingCommands)
	for _, cmd := range cmds {
		data, err := marshalCommand(cmd)
		if err != nil {
			return err
		}
		state.PendingCommands = append(state.PendingCommands, PendingCommand{
			Type: cmd.CommandType(),
			Data: data,
		})
	}

	if err := m.store.Save(ctx, state); err != nil {
		return fmt.Errorf("sagaflow: failed to save saga %s: %w", state.ID, err)
	}
	if len(cmds) == 0 {
		return nil
	}

	delivered := 0
	for i, cmd := range cmds {
		if err := m.bus.Dispatch(ctx, cmd); err != nil {
			m.logger.Warn("command dispatch failed, left pending for recovery",
				"sagaId", state.ID, "commandType", cmd.CommandType(), "error", err)
			continue
		}
		state.PendingCommands[offset+i].Dispatched = true
		delivered++
	}
	if delivered == 0 {
		return nil
	}

	if !state.HasPendingCommands() {
		state.PendingCommands = nil
	}
	if err := m.store.Save(ctx, state); err != nil {
		return fmt.Errorf("sagaflow: failed to confirm dispatch for saga %s: %w", state.ID, err)
	}
	return nil
}

// redrivePending rehydrates and dispatches every undispatched pending
// command on a state.
func (m *SagaManager) redrivePending(ctx context.Context, state *SagaState) error {
	for i := range state.PendingCommands {
		pc := &state.PendingCommands[i]
		if pc.Dispatched {
			continue
		}

		cmd, err := m.commands.Rehydrate(pc.Type, pc.Data)
		if err != nil {
			return err
		}
		if err := m.bus.Dispatch(ctx, cmd); err != nil {
			return fmt.Errorf("dispatch of %q failed: %w", pc.Type, err)
		}
		pc.Dispatched = true
	}
	return nil
}

// saveRecovered saves sweep mutations, tolerating version conflicts: a
// conflict means another sweep or a live event got there first.
func (m *SagaManager) saveRecovered(ctx context.Context, state *SagaState) error {
	err := m.store.Save(ctx, state)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConcurrencyConflict) {
		m.logger.Warn("recovery save lost version race, skipping",
			"sagaId", state.ID, "version", state.Version)
		return nil
	}
	return fmt.Errorf("sagaflow: failed to save saga %s during recovery: %w", state.ID, err)
}
