package client

import (
	"encoding/json"
	"fmt"

	"personal/discord_gateway/src/opcodes"
)

// Envelope is a decoded gateway frame. Sequence and EventName are only set
// for DISPATCH frames.
type Envelope struct {
	Op        opcodes.Opcode
	Sequence  *int64
	EventName string
	Payload   json.RawMessage
}

type Packet struct {
	Op *opcodes.Opcode `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s"`
	T  *string         `json:"t"`
}

// DecodeEnvelope parses one decompressed gateway message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if p.Op == nil {
		return Envelope{}, fmt.Errorf("%w: missing op", ErrMalformedFrame)
	}

	env := Envelope{Op: *p.Op}
	if len(p.D) > 0 && string(p.D) != "null" {
		env.Payload = p.D
	}

	if env.Op == opcodes.Dispatch {
		if p.T == nil || *p.T == "" {
			return Envelope{}, fmt.Errorf("%w: dispatch without event name", ErrMalformedFrame)
		}
		env.EventName = *p.T
		env.Sequence = p.S
	}

	return env, nil
}

// State is the connection supervisor state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdentifying
	StateConnected
	StateClosing
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}
