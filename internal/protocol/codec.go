package protocol

import (
	"encoding/json"
	"fmt"
)

// Codec serializes runtime messages into packet payload bytes and
// back. Implementations must be safe for concurrent use.
type Codec interface {
	SerializeMessage(msg *Message) ([]byte, error)
	DeserializeMessage(data []byte) (*Message, error)
}

// JSONCodec is the default codec used when no language bridge is
// registered.
type JSONCodec struct{}

func (JSONCodec) SerializeMessage(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrInvalidMessage
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return data, nil
}

func (JSONCodec) DeserializeMessage(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
