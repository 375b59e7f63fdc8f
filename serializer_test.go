package sagaflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONSerializer_RoundTrip(t *testing.T) {
	serializer := NewJSONSerializer()

	state := NewSagaState("saga-1", "OrderFulfillment", "order-42")
	state.Status = StatusSuspended
	state.MarkEventProcessed("evt-1")
	state.RecordStep("reserving-stock", "OrderPlaced", map[string]string{"sku": "ABC"})
	state.CompensationStack = []CompensationEntry{
		{CommandType: "ReleaseStock", Data: json.RawMessage(`{"orderId":"order-42"}`)},
	}
	deadline := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	state.TimeoutAt = &deadline
	state.TCCSteps = []TCCStepRecord{
		{Name: "payment", Phase: PhaseTried, Reservation: ReservationTimeBased, TimeoutAt: &deadline, CancelType: "VoidPayment"},
	}

	data, err := serializer.Marshal(state)
	require.NoError(t, err)

	decoded, err := serializer.Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, state.ID, decoded.ID)
	assert.Equal(t, StatusSuspended, decoded.Status)
	assert.Equal(t, []string{"evt-1"}, decoded.ProcessedEventIDs)
	assert.Equal(t, "reserving-stock", decoded.CurrentStep)
	require.Len(t, decoded.TCCSteps, 1)
	assert.Equal(t, PhaseTried, decoded.TCCSteps[0].Phase)
	assert.Equal(t, ReservationTimeBased, decoded.TCCSteps[0].Reservation)
	require.NotNil(t, decoded.TimeoutAt)
	assert.True(t, decoded.TimeoutAt.Equal(deadline))
}

func TestJSONSerializer_NilState(t *testing.T) {
	serializer := NewJSONSerializer()

	_, err := serializer.Marshal(nil)
	assert.ErrorIs(t, err, ErrNilState)
}

func TestJSONSerializer_MalformedInput(t *testing.T) {
	serializer := NewJSONSerializer()

	_, err := serializer.Unmarshal([]byte(`{broken`))
	assert.Error(t, err)
}
