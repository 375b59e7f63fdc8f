package sagaflow

import (
	"context"
	"sync"
	"time"
)

// Test events for an order fulfillment flow.

type orderPlaced struct {
	EventBase
	OrderID string `json:"orderId"`
}

func (orderPlaced) EventType() string { return "OrderPlaced" }

type stockReserved struct {
	EventBase
	OrderID string `json:"orderId"`
}

func (stockReserved) EventType() string { return "StockReserved" }

type paymentCharged struct {
	EventBase
	OrderID string `json:"orderId"`
}

func (paymentCharged) EventType() string { return "PaymentCharged" }

type paymentFailed struct {
	EventBase
	Reason string `json:"reason"`
}

func (paymentFailed) EventType() string { return "PaymentFailed" }

type orderShipped struct {
	EventBase
	OrderID string `json:"orderId"`
}

func (orderShipped) EventType() string { return "OrderShipped" }

// Test commands.

type reserveStock struct {
	CommandBase
	OrderID string `json:"orderId"`
}

func (reserveStock) CommandType() string { return "ReserveStock" }

type releaseStock struct {
	CommandBase
	OrderID string `json:"orderId"`
}

func (releaseStock) CommandType() string { return "ReleaseStock" }

type chargePayment struct {
	CommandBase
	OrderID string `json:"orderId"`
}

func (chargePayment) CommandType() string { return "ChargePayment" }

type refundPayment struct {
	CommandBase
	OrderID string `json:"orderId"`
}

func (refundPayment) CommandType() string { return "RefundPayment" }

type shipOrder struct {
	CommandBase
	OrderID string `json:"orderId"`
}

func (shipOrder) CommandType() string { return "ShipOrder" }

// newTestCommandRegistry registers every test command.
func newTestCommandRegistry() *CommandRegistry {
	registry := NewCommandRegistry()
	registry.RegisterAll(reserveStock{}, releaseStock{}, chargePayment{}, refundPayment{}, shipOrder{})
	return registry
}

// recordingBus collects dispatched commands and can be told to fail
// specific command types.
type recordingBus struct {
	mu         sync.Mutex
	dispatched []Command
	failures   map[string]error
}

func newRecordingBus() *recordingBus {
	return &recordingBus{failures: make(map[string]error)}
}

func (b *recordingBus) Dispatch(ctx context.Context, cmd Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err, ok := b.failures[cmd.CommandType()]; ok {
		return err
	}
	b.dispatched = append(b.dispatched, cmd)
	return nil
}

func (b *recordingBus) failOn(commandType string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[commandType] = err
}

func (b *recordingBus) clearFailures() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = make(map[string]error)
}

func (b *recordingBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, len(b.dispatched))
	for i, cmd := range b.dispatched {
		out[i] = cmd.CommandType()
	}
	return out
}

func (b *recordingBus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatched = nil
}

// drainTypes drains a saga's outbox and returns the command type names.
func drainTypes(s *Saga) []string {
	cmds := s.CollectCommands()
	out := make([]string, len(cmds))
	for i, cmd := range cmds {
		out[i] = cmd.CommandType()
	}
	return out
}

// newOrderSagaFactory wires the standard test flow:
// OrderPlaced -> ReserveStock (compensate ReleaseStock)
// StockReserved -> ChargePayment (compensate RefundPayment)
// PaymentCharged -> ShipOrder
// PaymentFailed -> fail with compensation
// OrderShipped -> complete
func newOrderSagaFactory(commands *CommandRegistry) SagaFactory {
	return func(state *SagaState) (*Saga, error) {
		saga := NewSaga(state, WithCommandRegistry(commands))

		mappings := []struct {
			event   string
			mapping EventMapping
		}{
			{"OrderPlaced", EventMapping{
				Step:                  "reserving-stock",
				Send:                  func(e Event) Command { return reserveStock{OrderID: e.CorrelationID()} },
				Compensate:            func(e Event) Command { return releaseStock{OrderID: e.CorrelationID()} },
				CompensateDescription: "release stock reservation",
			}},
			{"StockReserved", EventMapping{
				Step:                  "charging-payment",
				Send:                  func(e Event) Command { return chargePayment{OrderID: e.CorrelationID()} },
				Compensate:            func(e Event) Command { return refundPayment{OrderID: e.CorrelationID()} },
				CompensateDescription: "refund payment",
			}},
			{"PaymentCharged", EventMapping{
				Step: "shipping",
				Send: func(e Event) Command { return shipOrder{OrderID: e.CorrelationID()} },
			}},
			{"PaymentFailed", EventMapping{
				Handler: func(ctx context.Context, s *Saga, e Event) error {
					return s.Fail("payment declined", true)
				},
			}},
			{"OrderShipped", EventMapping{
				Step:     "shipped",
				Complete: true,
				Send:     func(e Event) Command { return nil },
			}},
		}

		for _, m := range mappings {
			if err := saga.On(m.event, m.mapping); err != nil {
				return nil, err
			}
		}
		return saga, nil
	}
}

// memStore is a serializing in-memory SagaStore for manager tests. States
// round-trip through the JSON serializer on every save and load, so a loaded
// state never aliases stored data.
type memStore struct {
	mu         sync.Mutex
	serializer StateSerializer
	docs       map[string][]byte
	versions   map[string]int64
}

func newMemStore() *memStore {
	return &memStore{
		serializer: NewJSONSerializer(),
		docs:       make(map[string][]byte),
		versions:   make(map[string]int64),
	}
}

func (m *memStore) Save(ctx context.Context, state *SagaState) error {
	if state == nil {
		return ErrNilState
	}
	if state.ID == "" {
		return ErrEmptySagaID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if current, exists := m.versions[state.ID]; exists && current != state.Version {
		return &ConcurrencyError{SagaID: state.ID, ExpectedVersion: state.Version, ActualVersion: current}
	}

	state.Version++
	doc, err := m.serializer.Marshal(state)
	if err != nil {
		state.Version--
		return err
	}
	m.docs[state.ID] = doc
	m.versions[state.ID] = state.Version
	return nil
}

func (m *memStore) Load(ctx context.Context, sagaID string) (*SagaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[sagaID]
	if !ok {
		return nil, &SagaNotFoundError{SagaID: sagaID}
	}
	return m.serializer.Unmarshal(doc)
}

func (m *memStore) FindByCorrelationID(ctx context.Context, correlationID, sagaType string) (*SagaState, error) {
	states, err := m.all()
	if err != nil {
		return nil, err
	}

	var found *SagaState
	for _, state := range states {
		if state.CorrelationID != correlationID || state.SagaType != sagaType || state.IsTerminal() {
			continue
		}
		if found == nil || state.StartedAt.After(found.StartedAt) {
			found = state
		}
	}
	if found == nil {
		return nil, &SagaNotFoundError{CorrelationID: correlationID, SagaType: sagaType}
	}
	return found, nil
}

func (m *memStore) FindStalledSagas(ctx context.Context) ([]*SagaState, error) {
	return m.filter(func(s *SagaState) bool {
		return !s.IsTerminal() && s.HasPendingCommands()
	})
}

func (m *memStore) FindSuspendedSagas(ctx context.Context) ([]*SagaState, error) {
	return m.filter(func(s *SagaState) bool { return s.Status == StatusSuspended })
}

func (m *memStore) FindExpiredSuspendedSagas(ctx context.Context, now time.Time) ([]*SagaState, error) {
	return m.filter(func(s *SagaState) bool {
		return s.Status == StatusSuspended && s.TimeoutAt != nil && !now.Before(*s.TimeoutAt)
	})
}

func (m *memStore) FindRunningSagasWithTCCSteps(ctx context.Context) ([]*SagaState, error) {
	return m.filter(func(s *SagaState) bool {
		return !s.IsTerminal() && len(s.TCCSteps) > 0
	})
}

func (m *memStore) Close() error { return nil }

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

func (m *memStore) all() ([]*SagaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*SagaState
	for _, doc := range m.docs {
		state, err := m.serializer.Unmarshal(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}

func (m *memStore) filter(match func(*SagaState) bool) ([]*SagaState, error) {
	states, err := m.all()
	if err != nil {
		return nil, err
	}
	var out []*SagaState
	for _, state := range states {
		if match(state) {
			out = append(out, state)
		}
	}
	return out, nil
}
