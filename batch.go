package simctl

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Batch is the ordered list of commands sent in one exchange. The simulator
// executes them in order within a single step.
type Batch []Command

// Names returns the discriminators of the batch in order.
func (b Batch) Names() []CommandName {
	names := make([]CommandName, len(b))
	for i, cmd := range b {
		names[i] = cmd.Name
	}
	return names
}

// EncodeBatch serializes the batch to a JSON array. An empty or nil batch
// encodes as "[]".
func EncodeBatch(b Batch) ([]byte, error) {
	if len(b) == 0 {
		return []byte("[]"), nil
	}
	for i, cmd := range b {
		if err := cmd.Validate(); err != nil {
			return nil, fmt.Errorf("command %d: %w", i, err)
		}
	}
	data, err := json.Marshal([]Command(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return data, nil
}

// DecodeBatch parses a JSON array produced by EncodeBatch. Numbers are kept
// as json.Number so integers and floats survive unchanged.
func DecodeBatch(data []byte) (Batch, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw []json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}

	b := make(Batch, len(raw))
	for i, msg := range raw {
		if err := b[i].UnmarshalJSON(msg); err != nil {
			return nil, fmt.Errorf("command %d: %w", i, err)
		}
	}
	return b, nil
}
