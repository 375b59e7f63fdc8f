// Package memory provides an in-memory saga store, primarily intended for
// testing and development.
package memory

import (
	"context"
	"sync"
	"time"

	sagaflow "github.com/sagaflow/go-sagaflow"
)

// Ensure interface compliance at compile time
var _ sagaflow.SagaStore = (*SagaStore)(nil)

// SagaStore provides an in-memory implementation of sagaflow.SagaStore.
// All reads return deep copies, so a loaded state can be mutated freely and
// written back through Save.
type SagaStore struct {
	mu    sync.RWMutex
	sagas map[string]*sagaflow.SagaState
}

// NewSagaStore creates a new in-memory SagaStore.
func NewSagaStore() *SagaStore {
	return &SagaStore{
		sagas: make(map[string]*sagaflow.SagaState),
	}
}

// Save persists a saga state.
// Uses optimistic concurrency control based on the Version field.
func (s *SagaStore) Save(ctx context.Context, state *sagaflow.SagaState) error {
	if state == nil {
		return sagaflow.ErrNilState
	}
	if state.ID == "" {
		return sagaflow.ErrEmptySagaID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	existing, exists := s.sagas[state.ID]

	if exists {
		if state.Version != existing.Version {
			return &sagaflow.ConcurrencyError{
				SagaID:          state.ID,
				ExpectedVersion: state.Version,
				ActualVersion:   existing.Version,
			}
		}
	} else if state.Version > 0 {
		// Version > 0 on an unknown id means the caller expected an
		// existing saga.
		return &sagaflow.SagaNotFoundError{SagaID: state.ID}
	}

	saved := copyState(state)
	saved.Version = state.Version + 1
	saved.UpdatedAt = time.Now()

	s.sagas[state.ID] = saved

	state.Version = saved.Version
	state.UpdatedAt = saved.UpdatedAt
	return nil
}

// Load retrieves a saga state by ID.
func (s *SagaStore) Load(ctx context.Context, sagaID string) (*sagaflow.SagaState, error) {
	if sagaID == "" {
		return nil, sagaflow.ErrEmptySagaID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	state, exists := s.sagas[sagaID]
	if !exists {
		return nil, &sagaflow.SagaNotFoundError{SagaID: sagaID}
	}

	return copyState(state), nil
}

// FindByCorrelationID returns the most recently started non-terminal saga
// of the given type carrying the correlation id.
func (s *SagaStore) FindByCorrelationID(ctx context.Context, correlationID, sagaType string) (*sagaflow.SagaState, error) {
	if correlationID == "" {
		return nil, sagaflow.ErrEmptySagaID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var found *sagaflow.SagaState
	for _, state := range s.sagas {
		if state.CorrelationID != correlationID || state.SagaType != sagaType {
			continue
		}
		if state.IsTerminal() {
			continue
		}
		if found == nil || state.StartedAt.After(found.StartedAt) {
			found = state
		}
	}

	if found == nil {
		return nil, &sagaflow.SagaNotFoundError{
			CorrelationID: correlationID,
			SagaType:      sagaType,
		}
	}
	return copyState(found), nil
}

// FindStalledSagas returns running sagas with unconfirmed pending commands.
func (s *SagaStore) FindStalledSagas(ctx context.Context) ([]*sagaflow.SagaState, error) {
	return s.find(ctx, func(state *sagaflow.SagaState) bool {
		return !state.IsTerminal() && state.HasPendingCommands()
	})
}

// FindSuspendedSagas returns all suspended sagas.
func (s *SagaStore) FindSuspendedSagas(ctx context.Context) ([]*sagaflow.SagaState, error) {
	return s.find(ctx, func(state *sagaflow.SagaState) bool {
		return state.Status == sagaflow.StatusSuspended
	})
}

// FindExpiredSuspendedSagas returns suspended sagas past their timeout.
func (s *SagaStore) FindExpiredSuspendedSagas(ctx context.Context, now time.Time) ([]*sagaflow.SagaState, error) {
	return s.find(ctx, func(state *sagaflow.SagaState) bool {
		return state.Status == sagaflow.StatusSuspended &&
			state.TimeoutAt != nil && !now.Before(*state.TimeoutAt)
	})
}

// FindRunningSagasWithTCCSteps returns non-terminal sagas with a TCC ledger.
func (s *SagaStore) FindRunningSagasWithTCCSteps(ctx context.Context) ([]*sagaflow.SagaState, error) {
	return s.find(ctx, func(state *sagaflow.SagaState) bool {
		return !state.IsTerminal() && len(state.TCCSteps) > 0
	})
}

// Close releases resources. No-op for the in-memory store.
func (s *SagaStore) Close() error {
	return nil
}

// Count returns the number of stored sagas.
func (s *SagaStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sagas)
}

// Clear removes all stored sagas.
func (s *SagaStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sagas = make(map[string]*sagaflow.SagaState)
}

func (s *SagaStore) find(ctx context.Context, match func(*sagaflow.SagaState) bool) ([]*sagaflow.SagaState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var out []*sagaflow.SagaState
	for _, state := range s.sagas {
		if match(state) {
			out = append(out, copyState(state))
		}
	}
	return out, nil
}

// copyState creates a deep copy to prevent external mutation.
func copyState(state *sagaflow.SagaState) *sagaflow.SagaState {
	copied := *state

	copied.SuspendedAt = copyTime(state.SuspendedAt)
	copied.TimeoutAt = copyTime(state.TimeoutAt)
	copied.FailedAt = copyTime(state.FailedAt)
	copied.CompletedAt = copyTime(state.CompletedAt)

	if state.StepHistory != nil {
		copied.StepHistory = make([]sagaflow.StepRecord, len(state.StepHistory))
		for i, step := range state.StepHistory {
			copied.StepHistory[i] = step
			copied.StepHistory[i].Metadata = copyStringMap(step.Metadata)
		}
	}

	if state.ProcessedEventIDs != nil {
		copied.ProcessedEventIDs = make([]string, len(state.ProcessedEventIDs))
		copy(copied.ProcessedEventIDs, state.ProcessedEventIDs)
	}

	if state.CompensationStack != nil {
		copied.CompensationStack = make([]sagaflow.CompensationEntry, len(state.CompensationStack))
		for i, entry := range state.CompensationStack {
			copied.CompensationStack[i] = entry
			copied.CompensationStack[i].Data = copyBytes(entry.Data)
		}
	}

	if state.PendingCommands != nil {
		copied.PendingCommands = make([]sagaflow.PendingCommand, len(state.PendingCommands))
		for i, pc := range state.PendingCommands {
			copied.PendingCommands[i] = pc
			copied.PendingCommands[i].Data = copyBytes(pc.Data)
		}
	}

	if state.TCCSteps != nil {
		copied.TCCSteps = make([]sagaflow.TCCStepRecord, len(state.TCCSteps))
		for i, record := range state.TCCSteps {
			copied.TCCSteps[i] = record
			copied.TCCSteps[i].TimeoutAt = copyTime(record.TimeoutAt)
			copied.TCCSteps[i].CancelData = copyBytes(record.CancelData)
		}
	}

	copied.Metadata = copyStringMap(state.Metadata)

	return &copied
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	copied := make([]byte, len(b))
	copy(copied, b)
	return copied
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	copied := make(map[string]string, len(m))
	for k, v := range m {
		copied[k] = v
	}
	return copied
}
