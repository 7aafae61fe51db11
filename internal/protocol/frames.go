// Package protocol defines the WebSocket frames exchanged between the session
// coordinator, its clients and the sandbox worker.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the current frame protocol version. Frames without a version
// field are treated as version 1.
const Version = 1

// FrameType is the required "type" discriminator on every frame.
type FrameType string

// Client frames.
const (
	TypeSubscribe FrameType = "subscribe"
	TypePrompt    FrameType = "prompt"
	TypeStop      FrameType = "stop"
	TypePing      FrameType = "ping"
	TypeTyping    FrameType = "typing"
)

// Sandbox frames.
const (
	TypeSandboxConnect    FrameType = "sandbox_connect"
	TypeEvent             FrameType = "event"
	TypeExecutionStarted  FrameType = "execution_started"
	TypeExecutionComplete FrameType = "execution_complete"
	TypePong              FrameType = "pong"
)

// Outbound frames.
const (
	TypeSubscribed        FrameType = "subscribed"
	TypeHistory           FrameType = "history"
	TypeSessionState      FrameType = "session_state"
	TypeMessage           FrameType = "message"
	TypeMessageStatus     FrameType = "message_status"
	TypeSandboxEvent      FrameType = "sandbox_event"
	TypeSandboxStatus     FrameType = "sandbox_status"
	TypeParticipantJoined FrameType = "participant_joined"
	TypeParticipantLeft   FrameType = "participant_left"
	TypePromptAccepted    FrameType = "prompt_accepted"
	TypeError             FrameType = "error"
	TypeSandboxConnected  FrameType = "sandbox_connected"
)

// Inbound reports whether t may be sent to the coordinator.
func (t FrameType) Inbound() bool {
	switch t {
	case TypeSubscribe, TypePrompt, TypeStop, TypePing, TypeTyping,
		TypeSandboxConnect, TypeEvent, TypeExecutionStarted, TypeExecutionComplete, TypePong:
		return true
	}
	return false
}

// SandboxOnly reports whether t is accepted only from the authenticated
// sandbox connection.
func (t FrameType) SandboxOnly() bool {
	switch t {
	case TypeEvent, TypeExecutionStarted, TypeExecutionComplete:
		return true
	}
	return false
}

// Inbound is a parsed and validated frame. Body holds the full raw frame for
// decoding into the typed struct for its Type.
type Inbound struct {
	Type FrameType
	V    int
	Body json.RawMessage
}

// Decode unmarshals the frame body into v.
func (in Inbound) Decode(v any) error {
	if err := json.Unmarshal(in.Body, v); err != nil {
		return &Error{Code: CodeInvalidFrame, Message: fmt.Sprintf("decode %s: %v", in.Type, err)}
	}
	return nil
}

// Subscribe authenticates a client connection.
type Subscribe struct {
	Token  string `json:"token"`
	Source string `json:"source,omitempty"`
}

// Prompt submits work for the sandbox. RequestID is an optional client
// idempotency key.
type Prompt struct {
	Content   string `json:"content"`
	AuthorID  string `json:"authorId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Stop asks the sandbox to stop one message or all execution.
type Stop struct {
	MessageID string `json:"messageId,omitempty"`
}

// SandboxConnect authenticates the sandbox connection.
type SandboxConnect struct {
	SandboxID string `json:"sandboxId"`
	Token     string `json:"token"`
}

// EventFrame carries one sandbox event.
type EventFrame struct {
	Event SandboxEvent `json:"event"`
}

// ExecutionStarted acknowledges that the sandbox began a message.
type ExecutionStarted struct {
	MessageID string `json:"messageId"`
}

// ExecutionComplete reports the end of a message's execution.
type ExecutionComplete struct {
	MessageID string `json:"messageId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// Parse decodes the envelope of raw, checks its version and type and
// validates it against the frame schema. Failures are *Error values with a
// stable code.
func Parse(raw []byte) (Inbound, error) {
	var env struct {
		Type FrameType `json:"type"`
		V    *int      `json:"v"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return Inbound{}, &Error{Code: CodeInvalidFrame, Message: "frame is not a JSON object"}
	}
	version := Version
	if env.V != nil {
		version = *env.V
	}
	if version > Version {
		return Inbound{}, &Error{
			Code:    CodeUnsupportedVersion,
			Message: fmt.Sprintf("protocol version %d not supported (max %d)", version, Version),
		}
	}
	if env.Type == "" {
		return Inbound{}, &Error{Code: CodeInvalidFrame, Message: "missing frame type"}
	}
	if !env.Type.Inbound() {
		return Inbound{}, &Error{Code: CodeUnknownType, Message: fmt.Sprintf("unknown frame type %q", env.Type)}
	}
	if err := validate(raw); err != nil {
		return Inbound{}, &Error{Code: CodeInvalidFrame, Message: err.Error()}
	}
	return Inbound{Type: env.Type, V: version, Body: raw}, nil
}
