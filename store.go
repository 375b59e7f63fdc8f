package sagaflow

import (
	"context"
	"time"
)

// SagaStore is the persistence port for saga state.
//
// Save enforces optimistic concurrency: the caller passes the state at the
// version it last loaded, and the store rejects the write with
// ErrConcurrencyConflict (or a ConcurrencyError wrapping it) if the stored
// version differs. On success the store increments the version both in
// storage and on the passed state.
type SagaStore interface {
	// Save persists the state, enforcing the version check described above.
	Save(ctx context.Context, state *SagaState) error

	// Load returns the state for a saga id, or ErrSagaNotFound.
	Load(ctx context.Context, sagaID string) (*SagaState, error)

	// FindByCorrelationID returns the most recently started non-terminal
	// saga of the given type with the given correlation id, or
	// ErrSagaNotFound. Terminal sagas are invisible to correlation routing
	// so a new instance can reuse the business key.
	FindByCorrelationID(ctx context.Context, correlationID, sagaType string) (*SagaState, error)

	// FindStalledSagas returns running sagas with at least one pending
	// command not yet confirmed dispatched.
	FindStalledSagas(ctx context.Context) ([]*SagaState, error)

	// FindSuspendedSagas returns all suspended sagas.
	FindSuspendedSagas(ctx context.Context) ([]*SagaState, error)

	// FindExpiredSuspendedSagas returns suspended sagas whose timeout
	// deadline is at or before now.
	FindExpiredSuspendedSagas(ctx context.Context, now time.Time) ([]*SagaState, error)

	// FindRunningSagasWithTCCSteps returns non-terminal sagas carrying at
	// least one TCC step record, for the reservation timeout sweep.
	FindRunningSagasWithTCCSteps(ctx context.Context) ([]*SagaState, error)

	// Close releases resources held by the store.
	Close() error
}
