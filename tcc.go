package sagaflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TCCPhase represents the lifecycle phase of one TCC step.
type TCCPhase int

const (
	// PhaseTrying indicates the try command was dispatched.
	PhaseTrying TCCPhase = iota

	// PhaseTried indicates the reservation was acknowledged.
	PhaseTried

	// PhaseConfirming indicates the confirm command was dispatched.
	PhaseConfirming

	// PhaseConfirmed indicates the reservation was made permanent.
	PhaseConfirmed

	// PhaseCancelling indicates the cancel command was dispatched.
	PhaseCancelling

	// PhaseCancelled indicates the reservation was released.
	PhaseCancelled

	// PhaseFailed indicates the step failed before confirmation.
	PhaseFailed
)

// String returns the string representation of the phase.
func (p TCCPhase) String() string {
	switch p {
	case PhaseTrying:
		return "trying"
	case PhaseTried:
		return "tried"
	case PhaseConfirming:
		return "confirming"
	case PhaseConfirmed:
		return "confirmed"
	case PhaseCancelling:
		return "cancelling"
	case PhaseCancelled:
		return "cancelled"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// resolved reports whether the phase needs no further transition.
func (p TCCPhase) resolved() bool {
	return p == PhaseConfirmed || p == PhaseCancelled || p == PhaseFailed
}

// ReservationType classifies how a TCC reservation expires.
type ReservationType int

const (
	// ReservationResource marks a reservation released only by an explicit
	// cancel; it never auto-expires.
	ReservationResource ReservationType = iota

	// ReservationTimeBased marks a reservation with a deadline after which
	// it is cancelled automatically.
	ReservationTimeBased
)

// String returns the string representation of the reservation type.
func (r ReservationType) String() string {
	switch r {
	case ReservationResource:
		return "resource"
	case ReservationTimeBased:
		return "time_based"
	default:
		return "unknown"
	}
}

// TCCStep defines one participant in the saga's TCC protocol.
type TCCStep struct {
	// Name uniquely identifies the step within the saga.
	Name string

	// Try tentatively reserves the resource.
	Try Command

	// Confirm makes the reservation permanent.
	Confirm Command

	// Cancel releases the reservation.
	Cancel Command

	// Reservation classifies expiry behavior.
	Reservation ReservationType

	// Timeout is the reservation deadline. Required for time-based steps.
	Timeout time.Duration
}

// TCCStepRecord is the persisted ledger entry for one TCC step.
// The cancel command is serialized so compensation and timeout sweeps can
// release the reservation after a restart.
type TCCStepRecord struct {
	// Name uniquely identifies the step within the saga.
	Name string `json:"name"`

	// Phase is the current lifecycle phase.
	Phase TCCPhase `json:"phase"`

	// Reservation classifies expiry behavior.
	Reservation ReservationType `json:"reservation"`

	// TimeoutAt is the reservation deadline, set only for time-based steps.
	TimeoutAt *time.Time `json:"timeoutAt,omitempty"`

	// CancelType identifies the serialized cancel command.
	CancelType string `json:"cancelType,omitempty"`

	// CancelData is the serialized cancel command payload.
	CancelData json.RawMessage `json:"cancelData,omitempty"`

	// Error records why the step failed.
	Error string `json:"error,omitempty"`
}

// AddTCCStep registers a TCC step. Duplicate names and time-based steps
// without a timeout are configuration errors.
func (s *Saga) AddTCCStep(step TCCStep) error {
	if step.Name == "" {
		return errors.New("sagaflow: TCC step name is required")
	}
	if step.Try == nil || step.Confirm == nil || step.Cancel == nil {
		return fmt.Errorf("sagaflow: TCC step %q requires try, confirm and cancel commands", step.Name)
	}
	if _, exists := s.tccIndex[step.Name]; exists {
		return &TCCStepError{SagaID: s.state.ID, StepName: step.Name, Cause: ErrTCCStepExists}
	}
	if step.Reservation == ReservationTimeBased && step.Timeout <= 0 {
		return &TCCStepError{SagaID: s.state.ID, StepName: step.Name, Cause: ErrTCCTimeoutRequired}
	}

	s.tccIndex[step.Name] = len(s.tccSteps)
	s.tccSteps = append(s.tccSteps, step)
	return nil
}

// BeginTCC dispatches every step's try command and opens the step ledger.
// It requires at least one registered step and must not be called twice.
func (s *Saga) BeginTCC() error {
	if len(s.tccSteps) == 0 {
		return ErrTCCNoSteps
	}
	if len(s.state.TCCSteps) > 0 {
		return ErrTCCAlreadyStarted
	}

	now := time.Now()
	for _, step := range s.tccSteps {
		record := TCCStepRecord{
			Name:        step.Name,
			Phase:       PhaseTrying,
			Reservation: step.Reservation,
			CancelType:  step.Cancel.CommandType(),
		}
		data, err := marshalCommand(step.Cancel)
		if err != nil {
			return err
		}
		record.CancelData = data

		if step.Reservation == ReservationTimeBased {
			deadline := now.Add(step.Timeout)
			record.TimeoutAt = &deadline
		}

		s.state.TCCSteps = append(s.state.TCCSteps, record)
		s.Dispatch(step.Try)
	}

	s.state.Status = StatusRunning
	s.state.RecordStep("trying", "", nil)
	s.state.Touch()
	return nil
}

// MarkStepTried acknowledges a step's reservation. When every step is
// tried, all confirm commands are dispatched automatically.
func (s *Saga) MarkStepTried(name string) error {
	record, err := s.tccRecord(name)
	if err != nil {
		return err
	}
	if record.Phase != PhaseTrying {
		return s.tccTransitionError(name, record.Phase, PhaseTried)
	}
	record.Phase = PhaseTried

	if s.allTCCStepsIn(PhaseTried) {
		if err := s.confirmAllTCCSteps(); err != nil {
			return err
		}
	}

	s.state.Touch()
	return nil
}

// MarkStepConfirmed records a permanent reservation. When every step is
// confirmed, the saga completes.
func (s *Saga) MarkStepConfirmed(name string) error {
	record, err := s.tccRecord(name)
	if err != nil {
		return err
	}
	if record.Phase != PhaseConfirming && record.Phase != PhaseTried {
		return s.tccTransitionError(name, record.Phase, PhaseConfirmed)
	}
	record.Phase = PhaseConfirmed

	confirmed := true
	for i := range s.state.TCCSteps {
		if s.state.TCCSteps[i].Phase != PhaseConfirmed {
			confirmed = false
			break
		}
	}
	if confirmed {
		s.complete()
	}

	s.state.Touch()
	return nil
}

// MarkStepFailed fails a step and starts compensation: cancel commands are
// dispatched for every step already tried. Steps still trying are left for
// their own failure or timeout to resolve.
func (s *Saga) MarkStepFailed(name, reason string) error {
	record, err := s.tccRecord(name)
	if err != nil {
		return err
	}
	if record.Phase != PhaseTrying && record.Phase != PhaseTried {
		return s.tccTransitionError(name, record.Phase, PhaseFailed)
	}
	record.Phase = PhaseFailed
	record.Error = reason

	s.state.Status = StatusCompensating
	for i := range s.state.TCCSteps {
		other := &s.state.TCCSteps[i]
		if other.Phase != PhaseTried {
			continue
		}
		cancel, err := s.resolveCancelCommand(other)
		if err != nil {
			return err
		}
		s.Dispatch(cancel)
		other.Phase = PhaseCancelling
	}

	s.convergeTCC()
	s.state.Touch()
	return nil
}

// MarkStepCancelled records a released reservation. When every
// non-confirmed step has resolved, the saga becomes compensated.
func (s *Saga) MarkStepCancelled(name string) error {
	record, err := s.tccRecord(name)
	if err != nil {
		return err
	}
	if record.Phase.resolved() {
		return s.tccTransitionError(name, record.Phase, PhaseCancelled)
	}
	record.Phase = PhaseCancelled

	if s.state.Status != StatusCompensating {
		s.state.Status = StatusCompensating
	}
	s.convergeTCC()
	s.state.Touch()
	return nil
}

// TCCStepPhase returns the current phase of the named step.
func (s *Saga) TCCStepPhase(name string) (TCCPhase, error) {
	record, err := s.tccRecord(name)
	if err != nil {
		return 0, err
	}
	return record.Phase, nil
}

// TCCStepRecords returns a copy of the step ledger.
func (s *Saga) TCCStepRecords() []TCCStepRecord {
	out := make([]TCCStepRecord, len(s.state.TCCSteps))
	copy(out, s.state.TCCSteps)
	return out
}

// CheckTCCTimeouts cancels every time-based step whose deadline has passed
// while still trying or tried, moving the saga to compensation. Resource
// reservations never auto-expire. Returns the names of expired steps.
func (s *Saga) CheckTCCTimeouts(now time.Time) ([]string, error) {
	var expired []string

	for i := range s.state.TCCSteps {
		record := &s.state.TCCSteps[i]
		if record.Reservation != ReservationTimeBased {
			continue
		}
		if record.Phase != PhaseTrying && record.Phase != PhaseTried {
			continue
		}
		if record.TimeoutAt == nil || now.Before(*record.TimeoutAt) {
			continue
		}

		cancel, err := s.resolveCancelCommand(record)
		if err != nil {
			return expired, err
		}
		s.Dispatch(cancel)
		record.Phase = PhaseCancelled
		expired = append(expired, record.Name)
	}

	if len(expired) > 0 {
		s.state.Status = StatusCompensating
		s.convergeTCC()
		s.state.Touch()
	}

	return expired, nil
}

// tccRecord finds the ledger entry for a step name.
func (s *Saga) tccRecord(name string) (*TCCStepRecord, error) {
	for i := range s.state.TCCSteps {
		if s.state.TCCSteps[i].Name == name {
			return &s.state.TCCSteps[i], nil
		}
	}
	return nil, &TCCStepError{SagaID: s.state.ID, StepName: name, Cause: ErrTCCStepNotFound}
}

// tccTransitionError reports an invalid phase transition.
func (s *Saga) tccTransitionError(name string, from, to TCCPhase) error {
	return &TCCStepError{
		SagaID:   s.state.ID,
		StepName: name,
		Cause:    fmt.Errorf("invalid transition from %s to %s", from, to),
	}
}

// allTCCStepsIn reports whether every ledger entry is in the given phase.
func (s *Saga) allTCCStepsIn(phase TCCPhase) bool {
	for i := range s.state.TCCSteps {
		if s.state.TCCSteps[i].Phase != phase {
			return false
		}
	}
	return len(s.state.TCCSteps) > 0
}

// confirmAllTCCSteps dispatches every step's confirm command.
// Confirm commands are not serialized in the ledger, so the live step
// definitions registered by the factory are required here.
func (s *Saga) confirmAllTCCSteps() error {
	for i := range s.state.TCCSteps {
		record := &s.state.TCCSteps[i]
		idx, ok := s.tccIndex[record.Name]
		if !ok {
			return &TCCStepError{SagaID: s.state.ID, StepName: record.Name, Cause: ErrTCCStepNotFound}
		}
		s.Dispatch(s.tccSteps[idx].Confirm)
		record.Phase = PhaseConfirming
	}

	s.state.RecordStep("confirming", "", nil)
	return nil
}

// resolveCancelCommand prefers the live step definition and falls back to
// rehydrating the serialized cancel command from the ledger.
func (s *Saga) resolveCancelCommand(record *TCCStepRecord) (Command, error) {
	if idx, ok := s.tccIndex[record.Name]; ok {
		return s.tccSteps[idx].Cancel, nil
	}
	if record.CancelType == "" {
		return nil, &TCCStepError{SagaID: s.state.ID, StepName: record.Name, Cause: ErrTCCStepNotFound}
	}
	if s.commands == nil {
		return nil, ErrNoCommandRegistry
	}
	return s.commands.Rehydrate(record.CancelType, record.CancelData)
}

// convergeTCC transitions a compensating saga to compensated once every
// non-confirmed step has resolved.
func (s *Saga) convergeTCC() {
	if s.state.Status != StatusCompensating {
		return
	}
	for i := range s.state.TCCSteps {
		if !s.state.TCCSteps[i].Phase.resolved() {
			return
		}
	}

	s.state.Status = StatusCompensated
	now := time.Now()
	s.state.CompletedAt = &now
}
