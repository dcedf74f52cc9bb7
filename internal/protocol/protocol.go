// Package protocol defines the wire envelope and command vocabulary used
// between the broker and its clients.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType enumerates the control/signaling commands carried in the
// textual envelope. Values are fixed by the wire protocol; do not reorder.
type MessageType int

const (
	JOIN MessageType = iota
	ID
	PEER_CONNECT
	PEER_DISCONNECT
	OFFER
	ANSWER
	CANDIDATE
	SEAL
	HOST_CHANGED
	GAME_STATE
	SAVE_GAME
)

func (t MessageType) String() string {
	switch t {
	case JOIN:
		return "JOIN"
	case ID:
		return "ID"
	case PEER_CONNECT:
		return "PEER_CONNECT"
	case PEER_DISCONNECT:
		return "PEER_DISCONNECT"
	case OFFER:
		return "OFFER"
	case ANSWER:
		return "ANSWER"
	case CANDIDATE:
		return "CANDIDATE"
	case SEAL:
		return "SEAL"
	case HOST_CHANGED:
		return "HOST_CHANGED"
	case GAME_STATE:
		return "GAME_STATE"
	case SAVE_GAME:
		return "SAVE_GAME"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// Envelope is the textual wire format: exactly three fields, no more, no
// less.
type Envelope struct {
	Type int    `json:"type"`
	ID   int    `json:"id"`
	Data string `json:"data"`
}

// Encode marshals an envelope for sending over the wire.
func Encode(typ MessageType, id int, data string) ([]byte, error) {
	return json.Marshal(Envelope{Type: int(typ), ID: id, Data: data})
}

// Decode parses a textual frame into its three fields, rejecting negative
// or non-integer type/id per spec.
func Decode(raw []byte) (typ MessageType, id int, data string, err error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, 0, "", &ProtoError{Code: 4000, Reason: "Malformed message envelope"}
	}
	if env.Type < 0 {
		return 0, 0, "", &ProtoError{Code: 4000, Reason: "Invalid message type"}
	}
	if env.ID < 0 {
		return 0, 0, "", &ProtoError{Code: 4000, Reason: "Invalid message id"}
	}
	return MessageType(env.Type), env.ID, env.Data, nil
}

// ProtoError is surfaced to the client by closing the transport with
// (Code, Reason). It is the only error type the broker's dispatch loop
// needs to understand to terminate a connection uniformly.
type ProtoError struct {
	Code   int
	Reason string
}

func (e *ProtoError) Error() string {
	return e.Reason
}

// NewProtoError builds a ProtoError carrying the given close code and
// reason.
func NewProtoError(code int, reason string) *ProtoError {
	return &ProtoError{Code: code, Reason: reason}
}
