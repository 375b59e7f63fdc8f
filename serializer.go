package sagaflow

import (
	"encoding/json"
	"fmt"
)

// StateSerializer converts saga state to and from bytes for storage.
// Stores that persist the state as an opaque document take one of these;
// JSONSerializer is the default.
type StateSerializer interface {
	Marshal(state *SagaState) ([]byte, error)
	Unmarshal(data []byte) (*SagaState, error)
}

// JSONSerializer serializes saga state as JSON.
type JSONSerializer struct{}

// NewJSONSerializer creates a JSONSerializer.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

// Marshal serializes the state to JSON.
func (s *JSONSerializer) Marshal(state *SagaState) ([]byte, error) {
	if state == nil {
		return nil, ErrNilState
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("sagaflow: failed to serialize saga state %s: %w", state.ID, err)
	}
	return data, nil
}

// Unmarshal deserializes JSON into saga state.
func (s *JSONSerializer) Unmarshal(data []byte) (*SagaState, error) {
	var state SagaState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("sagaflow: failed to deserialize saga state: %w", err)
	}
	return &state, nil
}
