package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidMessage = errors.New("protocol: invalid message")
	ErrEmptyPayload   = errors.New("protocol: empty payload")
)

// Well-known message types. Application message types start at 100.
const (
	MsgRequest  uint16 = 1
	MsgResponse uint16 = 2
	MsgEvent    uint16 = 3
	MsgError    uint16 = 4
)

// Message is the application-level envelope carried in a packet
// payload. ID correlates a response with its request; the transport
// assigns it on send and echoes it back on reply.
type Message struct {
	Type   uint16 `json:"type"`
	ID     uint32 `json:"id"`
	Method string `json:"method,omitempty"`
	Body   []byte `json:"body,omitempty"`
}

func (m Message) Validate() error {
	if m.Type == 0 {
		return fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	if m.Type > MsgError && m.Type < 100 {
		return fmt.Errorf("%w: reserved type %d", ErrInvalidMessage, m.Type)
	}
	if m.Type == MsgRequest && strings.TrimSpace(m.Method) == "" {
		return fmt.Errorf("%w: request missing method", ErrInvalidMessage)
	}
	return nil
}
