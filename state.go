package sagaflow

import (
	"encoding/json"
	"time"
)

// Status represents the current status of a saga instance.
type Status int

const (
	// StatusPending indicates the saga was created but has not dispatched
	// its first command yet.
	StatusPending Status = iota

	// StatusRunning indicates the saga is making forward progress.
	StatusRunning

	// StatusSuspended indicates the saga is waiting for an external
	// condition, with a timeout deadline.
	StatusSuspended

	// StatusCompensating indicates the saga is rolling back.
	StatusCompensating

	// StatusCompensated indicates rollback finished. Terminal.
	StatusCompensated

	// StatusCompleted indicates the saga finished successfully. Terminal.
	StatusCompleted

	// StatusFailed indicates the saga failed without (full) rollback. Terminal.
	StatusFailed
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSuspended:
		return "suspended"
	case StatusCompensating:
		return "compensating"
	case StatusCompensated:
		return "compensated"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the status is a terminal state.
// Terminal sagas ignore all further events.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCompensated
}

// StepRecord is one entry in a saga's append-only audit trail.
type StepRecord struct {
	// StepName labels the progress point (e.g., "reserving-stock").
	StepName string `json:"stepName"`

	// EventType is the type of the event that triggered this step.
	EventType string `json:"eventType,omitempty"`

	// Metadata carries optional step context.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Timestamp is when the step was recorded.
	Timestamp time.Time `json:"timestamp"`
}

// CompensationEntry is a serialized compensating command pushed when a
// forward step succeeds. Entries are popped in reverse order during rollback.
type CompensationEntry struct {
	// CommandType identifies the compensating command in the command registry.
	CommandType string `json:"commandType"`

	// Data is the serialized command payload.
	Data json.RawMessage `json:"data,omitempty"`

	// Description is a human-readable summary of what the entry undoes.
	Description string `json:"description,omitempty"`
}

// PendingCommand is a command durably recorded as "to be sent" but whose
// delivery has not yet been confirmed. This is the unit of work recovered
// after a crash.
type PendingCommand struct {
	// Type identifies the command in the command registry.
	Type string `json:"type"`

	// Data is the serialized command payload.
	Data json.RawMessage `json:"data,omitempty"`

	// Dispatched records confirmed delivery. The zero value is false, so
	// legacy records without the field decode as undispatched and are
	// re-driven by the recovery sweep.
	Dispatched bool `json:"dispatched,omitempty"`
}

// DefaultMaxRetries bounds recovery attempts for a saga's pending commands
// before it is escalated to a terminal failure.
const DefaultMaxRetries = 3

// InitialStep is the current-step label of a freshly created saga.
const InitialStep = "init"

// SagaState is the persisted record of one saga instance's progress.
// It holds no behavior beyond small invariant-preserving mutators; all
// orchestration logic lives in Saga.
type SagaState struct {
	// ID is the unique saga instance identifier.
	ID string `json:"id"`

	// SagaType names the owning saga definition; used for repository
	// filtering and rehydration.
	SagaType string `json:"sagaType"`

	// Status is the current saga status.
	Status Status `json:"status"`

	// Version is incremented by the repository on every save.
	Version int64 `json:"version"`

	// CurrentStep is a free-text label describing progress.
	CurrentStep string `json:"currentStep"`

	// StepHistory is the append-only audit trail.
	StepHistory []StepRecord `json:"stepHistory,omitempty"`

	// ProcessedEventIDs is the idempotency ledger: event ids already
	// applied, in application order, unique.
	ProcessedEventIDs []string `json:"processedEventIds,omitempty"`

	// CompensationStack holds compensating commands in push order.
	CompensationStack []CompensationEntry `json:"compensationStack,omitempty"`

	// PendingCommands holds commands recorded but not yet confirmed sent.
	PendingCommands []PendingCommand `json:"pendingCommands,omitempty"`

	// TCCSteps holds the TCC step ledger. An absent list means the saga
	// uses no TCC steps.
	TCCSteps []TCCStepRecord `json:"tccSteps,omitempty"`

	// Metadata is an open key/value bag for application data.
	Metadata map[string]string `json:"metadata,omitempty"`

	// CorrelationID is the business key used to find this instance when a
	// later event arrives.
	CorrelationID string `json:"correlationId,omitempty"`

	// RetryCount counts failed recovery sweeps for this saga.
	RetryCount int `json:"retryCount"`

	// MaxRetries bounds RetryCount before the saga is failed.
	MaxRetries int `json:"maxRetries"`

	// SuspensionReason records why the saga was suspended.
	SuspensionReason string `json:"suspensionReason,omitempty"`

	// SuspendedAt is when the saga was suspended.
	SuspendedAt *time.Time `json:"suspendedAt,omitempty"`

	// TimeoutAt is the suspension deadline. Also consulted by TCC
	// time-based reservations via the step ledger.
	TimeoutAt *time.Time `json:"timeoutAt,omitempty"`

	// Error contains the failure message for failed sagas.
	Error string `json:"error,omitempty"`

	// FailedAt is when the saga failed.
	FailedAt *time.Time `json:"failedAt,omitempty"`

	// StartedAt is when the saga was created.
	StartedAt time.Time `json:"startedAt"`

	// UpdatedAt is when the saga state last changed.
	UpdatedAt time.Time `json:"updatedAt"`

	// CompletedAt is when the saga reached a successful terminal state.
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// NewSagaState creates a fresh saga state in StatusPending.
func NewSagaState(id, sagaType, correlationID string) *SagaState {
	now := time.Now()
	return &SagaState{
		ID:            id,
		SagaType:      sagaType,
		Status:        StatusPending,
		CurrentStep:   InitialStep,
		CorrelationID: correlationID,
		MaxRetries:    DefaultMaxRetries,
		StartedAt:     now,
		UpdatedAt:     now,
	}
}

// IsTerminal returns true if the saga is in a terminal state.
func (s *SagaState) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// HasProcessedEvent reports whether the event id is already in the
// idempotency ledger.
func (s *SagaState) HasProcessedEvent(eventID string) bool {
	for _, id := range s.ProcessedEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// MarkEventProcessed appends the event id to the idempotency ledger.
// Returns false without mutating if the id is already present.
func (s *SagaState) MarkEventProcessed(eventID string) bool {
	if s.HasProcessedEvent(eventID) {
		return false
	}
	s.ProcessedEventIDs = append(s.ProcessedEventIDs, eventID)
	return true
}

// RecordStep appends a step to the audit trail and updates CurrentStep.
func (s *SagaState) RecordStep(name, eventType string, metadata map[string]string) {
	s.StepHistory = append(s.StepHistory, StepRecord{
		StepName:  name,
		EventType: eventType,
		Metadata:  metadata,
		Timestamp: time.Now(),
	})
	s.CurrentStep = name
}

// HasPendingCommands reports whether any recorded command is still
// awaiting confirmed dispatch.
func (s *SagaState) HasPendingCommands() bool {
	for _, pc := range s.PendingCommands {
		if !pc.Dispatched {
			return true
		}
	}
	return false
}

// Touch bumps the updated-at marker.
func (s *SagaState) Touch() {
	s.UpdatedAt = time.Now()
}
