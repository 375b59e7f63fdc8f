package sagaflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSaga(t *testing.T) *Saga {
	t.Helper()
	factory := newOrderSagaFactory(newTestCommandRegistry())
	saga, err := factory(NewSagaState("saga-1", "OrderFulfillment", "order-42"))
	require.NoError(t, err)
	return saga
}

func TestSaga_On_InvalidMapping(t *testing.T) {
	saga := NewSaga(NewSagaState("saga-1", "Test", "corr-1"))

	err := saga.On("SomethingHappened", EventMapping{})
	assert.ErrorIs(t, err, ErrInvalidMapping)

	err = saga.On("SomethingHappened", EventMapping{
		Send:    func(e Event) Command { return nil },
		Handler: func(ctx context.Context, s *Saga, e Event) error { return nil },
	})
	assert.ErrorIs(t, err, ErrInvalidMapping)
}

func TestSaga_ListenedEvents(t *testing.T) {
	saga := newTestSaga(t)

	assert.Equal(t, []string{
		"OrderPlaced", "StockReserved", "PaymentCharged", "PaymentFailed", "OrderShipped",
	}, saga.ListenedEvents())
}

func TestSaga_Handle_SendMapping(t *testing.T) {
	saga := newTestSaga(t)

	event := orderPlaced{EventBase: NewEventBase("evt-1", "order-42"), OrderID: "order-42"}
	require.NoError(t, saga.Handle(context.Background(), event))

	assert.Equal(t, StatusRunning, saga.State().Status)
	assert.Equal(t, "reserving-stock", saga.State().CurrentStep)
	assert.Equal(t, []string{"ReserveStock"}, drainTypes(saga))

	require.Len(t, saga.State().CompensationStack, 1)
	assert.Equal(t, "ReleaseStock", saga.State().CompensationStack[0].CommandType)
	assert.Equal(t, "release stock reservation", saga.State().CompensationStack[0].Description)
}

func TestSaga_Handle_DuplicateEventIsNoOp(t *testing.T) {
	saga := newTestSaga(t)
	ctx := context.Background()

	event := orderPlaced{EventBase: NewEventBase("evt-1", "order-42"), OrderID: "order-42"}
	require.NoError(t, saga.Handle(ctx, event))
	first := drainTypes(saga)

	require.NoError(t, saga.Handle(ctx, event))

	assert.Equal(t, []string{"ReserveStock"}, first)
	assert.Empty(t, drainTypes(saga), "duplicate delivery must not buffer commands")
	assert.Len(t, saga.State().CompensationStack, 1)
	assert.Len(t, saga.State().StepHistory, 1)
}

func TestSaga_Handle_TerminalSagaIgnoresEvents(t *testing.T) {
	saga := newTestSaga(t)
	saga.State().Status = StatusCompleted

	event := orderPlaced{EventBase: NewEventBase("evt-1", "order-42"), OrderID: "order-42"}
	require.NoError(t, saga.Handle(context.Background(), event))

	assert.Empty(t, drainTypes(saga))
	assert.Empty(t, saga.State().ProcessedEventIDs, "terminal sagas do not consume event ids")
}

func TestSaga_Handle_CompleteMapping(t *testing.T) {
	saga := newTestSaga(t)

	event := orderShipped{EventBase: NewEventBase("evt-4", "order-42"), OrderID: "order-42"}
	require.NoError(t, saga.Handle(context.Background(), event))

	assert.Equal(t, StatusCompleted, saga.State().Status)
	require.NotNil(t, saga.State().CompletedAt)
}

func TestSaga_Handle_HandlerError(t *testing.T) {
	saga := NewSaga(NewSagaState("saga-1", "Test", "corr-1"))
	boom := errors.New("boom")
	require.NoError(t, saga.On("SomethingHappened", EventMapping{
		Handler: func(ctx context.Context, s *Saga, e Event) error { return boom },
	}))

	err := saga.Handle(context.Background(), genericEvent{NewEventBase("evt-1", "corr-1"), "SomethingHappened"})
	assert.ErrorIs(t, err, boom)
}

func TestSaga_ExecuteCompensations_LIFO(t *testing.T) {
	saga := newTestSaga(t)
	ctx := context.Background()

	require.NoError(t, saga.Handle(ctx, orderPlaced{EventBase: NewEventBase("evt-1", "order-42"), OrderID: "order-42"}))
	require.NoError(t, saga.Handle(ctx, stockReserved{EventBase: NewEventBase("evt-2", "order-42"), OrderID: "order-42"}))
	saga.CollectCommands() // drop forward commands

	require.NoError(t, saga.ExecuteCompensations())

	// Last pushed first: refund before release.
	assert.Equal(t, []string{"RefundPayment", "ReleaseStock"}, drainTypes(saga))
	assert.Empty(t, saga.State().CompensationStack)
	assert.Equal(t, StatusCompensated, saga.State().Status)
	require.NotNil(t, saga.State().CompletedAt)
}

func TestSaga_ExecuteCompensations_RequiresRegistry(t *testing.T) {
	saga := NewSaga(NewSagaState("saga-1", "Test", "corr-1"))
	require.NoError(t, saga.AddCompensation(releaseStock{OrderID: "order-42"}, "release"))

	err := saga.ExecuteCompensations()
	assert.ErrorIs(t, err, ErrNoCommandRegistry)
}

func TestSaga_ExecuteCompensations_UnregisteredCommandIsFatal(t *testing.T) {
	saga := NewSaga(NewSagaState("saga-1", "Test", "corr-1"),
		WithCommandRegistry(NewCommandRegistry()))
	require.NoError(t, saga.AddCompensation(releaseStock{OrderID: "order-42"}, "release"))

	err := saga.ExecuteCompensations()
	assert.ErrorIs(t, err, ErrCommandNotRegistered)
}

func TestSaga_Fail_WithCompensation(t *testing.T) {
	saga := newTestSaga(t)
	ctx := context.Background()

	require.NoError(t, saga.Handle(ctx, orderPlaced{EventBase: NewEventBase("evt-1", "order-42"), OrderID: "order-42"}))
	saga.CollectCommands()

	require.NoError(t, saga.Handle(ctx, paymentFailed{EventBase: NewEventBase("evt-2", "order-42"), Reason: "card declined"}))

	assert.Equal(t, StatusCompensated, saga.State().Status)
	assert.Equal(t, "payment declined", saga.State().Error)
	require.NotNil(t, saga.State().FailedAt)
	assert.Equal(t, []string{"ReleaseStock"}, drainTypes(saga))
}

func TestSaga_Fail_WithoutCompensation(t *testing.T) {
	saga := newTestSaga(t)

	require.NoError(t, saga.Fail("downstream unavailable", false))

	assert.Equal(t, StatusFailed, saga.State().Status)
	assert.Equal(t, "downstream unavailable", saga.State().Error)
	require.NotNil(t, saga.State().FailedAt)
}

func TestSaga_SuspendResume(t *testing.T) {
	saga := newTestSaga(t)

	saga.Suspend("awaiting-manual-approval", time.Hour)

	state := saga.State()
	assert.Equal(t, StatusSuspended, state.Status)
	assert.Equal(t, "awaiting-manual-approval", state.SuspensionReason)
	require.NotNil(t, state.SuspendedAt)
	require.NotNil(t, state.TimeoutAt)
	assert.True(t, state.TimeoutAt.After(*state.SuspendedAt))

	saga.Resume()

	assert.Equal(t, StatusRunning, state.Status)
	assert.Empty(t, state.SuspensionReason)
	assert.Nil(t, state.SuspendedAt)
	assert.Nil(t, state.TimeoutAt)
}

func TestSaga_Resume_OnlyWhenSuspended(t *testing.T) {
	saga := newTestSaga(t)
	saga.State().Status = StatusRunning

	saga.Resume()
	assert.Equal(t, StatusRunning, saga.State().Status)

	saga.State().Status = StatusCompleted
	saga.Resume()
	assert.Equal(t, StatusCompleted, saga.State().Status)
}

func TestSaga_HandleTimeout_Default(t *testing.T) {
	saga := newTestSaga(t)
	saga.Suspend("awaiting-payment-confirmation", time.Minute)

	require.NoError(t, saga.HandleTimeout())

	assert.Equal(t, StatusFailed, saga.State().Status)
	assert.Contains(t, saga.State().Error, "timed out")
	assert.Contains(t, saga.State().Error, "awaiting-payment-confirmation")
}

func TestSaga_HandleTimeout_CustomHandler(t *testing.T) {
	factory := func(state *SagaState) (*Saga, error) {
		saga := NewSaga(state,
			WithCommandRegistry(newTestCommandRegistry()),
			WithTimeoutHandler(func(s *Saga) error {
				s.Resume()
				s.Dispatch(chargePayment{OrderID: s.State().CorrelationID})
				return nil
			}),
		)
		return saga, nil
	}

	saga, err := factory(NewSagaState("saga-1", "OrderFulfillment", "order-42"))
	require.NoError(t, err)
	saga.Suspend("awaiting-payment-confirmation", time.Minute)

	require.NoError(t, saga.HandleTimeout())

	assert.Equal(t, StatusRunning, saga.State().Status)
	assert.Equal(t, []string{"ChargePayment"}, drainTypes(saga))
}

// genericEvent lets tests emit arbitrary event types without a new struct.
type genericEvent struct {
	EventBase
	Type string
}

func (e genericEvent) EventType() string { return e.Type }
