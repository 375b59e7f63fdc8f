package sagaflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkerFixture(t *testing.T) (*managerFixture, *RecoveryWorker) {
	t.Helper()
	f := newManagerFixture(t)
	worker := NewRecoveryWorker(f.manager, WithPollInterval(5*time.Millisecond))
	return f, worker
}

func TestRecoveryWorker_StartStop(t *testing.T) {
	_, worker := newWorkerFixture(t)
	ctx := context.Background()

	assert.False(t, worker.IsRunning())
	require.NoError(t, worker.Start(ctx))
	assert.True(t, worker.IsRunning())

	assert.ErrorIs(t, worker.Start(ctx), ErrWorkerRunning)

	require.NoError(t, worker.Stop(ctx))
	assert.False(t, worker.IsRunning())

	// Stopping twice is harmless.
	require.NoError(t, worker.Stop(ctx))
}

func TestRecoveryWorker_Restart(t *testing.T) {
	_, worker := newWorkerFixture(t)
	ctx := context.Background()

	require.NoError(t, worker.Start(ctx))
	require.NoError(t, worker.Stop(ctx))
	require.NoError(t, worker.Start(ctx))
	require.NoError(t, worker.Stop(ctx))
}

func TestRecoveryWorker_RunOnce_RedrivesPending(t *testing.T) {
	f, worker := newWorkerFixture(t)
	ctx := context.Background()

	f.bus.failOn("ReserveStock", errors.New("broker down"))
	require.NoError(t, f.manager.Handle(ctx, orderPlaced{EventBase: NewEventBase("evt-1", "order-42"), OrderID: "order-42"}))
	f.bus.clearFailures()

	require.NoError(t, worker.RunOnce(ctx))

	assert.Equal(t, []string{"ReserveStock"}, f.bus.types())
	assert.Empty(t, f.state(t, "order-42").PendingCommands)
}

func TestRecoveryWorker_RunOnce_EscalatesExpiredSuspensions(t *testing.T) {
	f, worker := newWorkerFixture(t)
	ctx := context.Background()

	factory := newOrderSagaFactory(f.commands)
	saga, err := factory(NewSagaState("saga-s", "OrderFulfillment", "order-5"))
	require.NoError(t, err)
	saga.Suspend("awaiting-approval", -time.Second)
	require.NoError(t, f.store.Save(ctx, saga.State()))

	require.NoError(t, worker.RunOnce(ctx))

	state, err := f.store.Load(ctx, "saga-s")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Contains(t, state.Error, "timed out")
}

func TestRecoveryWorker_BackgroundSweep(t *testing.T) {
	f, worker := newWorkerFixture(t)
	ctx := context.Background()

	f.bus.failOn("ReserveStock", errors.New("broker down"))
	require.NoError(t, f.manager.Handle(ctx, orderPlaced{EventBase: NewEventBase("evt-1", "order-42"), OrderID: "order-42"}))
	f.bus.clearFailures()

	require.NoError(t, worker.Start(ctx))
	defer worker.Stop(ctx)

	require.Eventually(t, func() bool {
		state, err := f.store.FindByCorrelationID(ctx, "order-42", "OrderFulfillment")
		if err != nil {
			return false
		}
		return len(state.PendingCommands) == 0
	}, time.Second, 5*time.Millisecond, "background sweep should redeliver the pending command")

	assert.Equal(t, []string{"ReserveStock"}, f.bus.types())
}
