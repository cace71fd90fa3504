package server

import (
	"encoding/json"
	"errors"
)

// MessageType identifies a WebSocket frame.
type MessageType string

const (
	// Client -> Server message types
	MessageTypeInput  MessageType = "input"
	MessageTypeResize MessageType = "resize"
	MessageTypeSignal MessageType = "signal"
	MessageTypeClose  MessageType = "close"
	MessageTypePing   MessageType = "ping"

	// Server -> Client message types
	MessageTypeInit   MessageType = "init"
	MessageTypeOutput MessageType = "output"
	MessageTypeExit   MessageType = "exit"
	MessageTypeError  MessageType = "error"
	MessageTypePong   MessageType = "pong"
)

// Window sizes outside these bounds are clamped.
const (
	maxCols = 500
	maxRows = 200
)

var errMissingType = errors.New("frame has no type")

// ControlMessage is any client frame. Only the fields belonging to Type are
// meaningful.
type ControlMessage struct {
	Type MessageType `json:"type"`
	Data string      `json:"data,omitempty"`
	Cols int         `json:"cols,omitempty"`
	Rows int         `json:"rows,omitempty"`
	Name string      `json:"name,omitempty"`
}

// decodeControlMessage parses one inbound frame. Unknown types decode
// successfully; the control loop ignores them.
func decodeControlMessage(raw []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ControlMessage{}, err
	}
	if msg.Type == "" {
		return ControlMessage{}, errMissingType
	}
	return msg, nil
}

// known reports whether the control loop acts on this frame type.
func (m ControlMessage) known() bool {
	switch m.Type {
	case MessageTypeInput, MessageTypeResize, MessageTypeSignal, MessageTypeClose, MessageTypePing:
		return true
	}
	return false
}

// InitMessage is sent once, right after attach and before any replay.
type InitMessage struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Shell       string      `json:"shell"`
	Reused      bool        `json:"reused"`
	Seq         uint64      `json:"seq"`
	ReplacedOld bool        `json:"replaced_old"`
}

// OutputMessage carries one buffered or live output chunk.
type OutputMessage struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
	Seq  uint64      `json:"seq"`
}

// ExitMessage reports the shell's exit status.
type ExitMessage struct {
	Type MessageType `json:"type"`
	Code int         `json:"code"`
}

// ErrorMessage reports a failure to the client.
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// PongMessage answers a ping.
type PongMessage struct {
	Type MessageType `json:"type"`
}

func clampSize(cols, rows int) (int, int) {
	return min(cols, maxCols), min(rows, maxRows)
}
