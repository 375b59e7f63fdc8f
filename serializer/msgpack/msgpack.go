// Package msgpack provides a MessagePack saga state serializer, a compact
// binary alternative to the default JSON serializer.
package msgpack

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	sagaflow "github.com/sagaflow/go-sagaflow"
)

// Serializer serializes saga state with MessagePack.
type Serializer struct{}

// New creates a MessagePack serializer.
func New() *Serializer {
	return &Serializer{}
}

// Marshal serializes the state to MessagePack bytes.
func (s *Serializer) Marshal(state *sagaflow.SagaState) ([]byte, error) {
	if state == nil {
		return nil, sagaflow.ErrNilState
	}
	data, err := msgpack.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("msgpack: failed to serialize saga state %s: %w", state.ID, err)
	}
	return data, nil
}

// Unmarshal deserializes MessagePack bytes into saga state.
func (s *Serializer) Unmarshal(data []byte) (*sagaflow.SagaState, error) {
	var state sagaflow.SagaState
	if err := msgpack.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("msgpack: failed to deserialize saga state: %w", err)
	}
	return &state, nil
}
