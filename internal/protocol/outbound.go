package protocol

import (
	"encoding/json"

	"github.com/workspace/session-coordinator/internal/persistence"
)

// Header is embedded in every outbound frame.
type Header struct {
	Type FrameType `json:"type"`
	V    int       `json:"v"`
}

// FrameType returns the frame's discriminator.
func (h Header) FrameType() FrameType { return h.Type }

// Frame is any outbound frame.
type Frame interface {
	FrameType() FrameType
}

func header(t FrameType) Header {
	return Header{Type: t, V: Version}
}

// SubscribedFrame confirms a client subscription.
type SubscribedFrame struct {
	Header
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	ConnectionID  string `json:"connectionId"`
}

// HistoryFrame replays a bounded window of the session. The limits are the
// server's current replay window, not a protocol guarantee.
type HistoryFrame struct {
	Header
	Messages     []persistence.Message `json:"messages"`
	Events       []persistence.Event   `json:"events"`
	MessageLimit int                   `json:"messageLimit"`
	EventLimit   int                   `json:"eventLimit"`
}

// SessionStateFrame carries the materialized session snapshot.
type SessionStateFrame struct {
	Header
	State persistence.SessionState `json:"state"`
}

// MessageFrame announces a new message.
type MessageFrame struct {
	Header
	Message persistence.Message `json:"message"`
}

// MessageStatusFrame announces a message status transition.
type MessageStatusFrame struct {
	Header
	MessageID string                    `json:"messageId"`
	Status    persistence.MessageStatus `json:"status"`
}

// SandboxEventFrame relays a persisted sandbox event.
type SandboxEventFrame struct {
	Header
	Event persistence.Event `json:"event"`
}

// SandboxStatusFrame announces a sandbox status transition.
type SandboxStatusFrame struct {
	Header
	Status persistence.SandboxStatus `json:"status"`
}

// ParticipantFrame announces a participant joining or leaving.
type ParticipantFrame struct {
	Header
	Participant persistence.Participant `json:"participant"`
}

// PromptAcceptedFrame acknowledges a persisted prompt to its sender.
type PromptAcceptedFrame struct {
	Header
	MessageID string `json:"messageId"`
	RequestID string `json:"requestId,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// PongFrame answers a ping.
type PongFrame struct {
	Header
	Timestamp int64 `json:"timestamp"`
}

// ErrorFrame reports a failure to the originating connection only.
type ErrorFrame struct {
	Header
	Code     ErrorCode `json:"code"`
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
}

// SandboxConnectedFrame confirms sandbox authentication.
type SandboxConnectedFrame struct {
	Header
	SessionID string `json:"sessionId"`
	Epoch     int64  `json:"epoch"`
}

// SandboxPromptFrame delivers a prompt to the sandbox. Attempt increases
// on every redelivery so the sandbox can dedupe by MessageID.
type SandboxPromptFrame struct {
	Header
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	AuthorID  string `json:"authorId,omitempty"`
	Model     string `json:"model,omitempty"`
	Attempt   int    `json:"attempt"`
}

// SandboxStopFrame asks the sandbox to stop. An empty MessageID stops all
// execution.
type SandboxStopFrame struct {
	Header
	MessageID string `json:"messageId,omitempty"`
}

func Subscribed(sessionID, participantID, connID string) SubscribedFrame {
	return SubscribedFrame{Header: header(TypeSubscribed), SessionID: sessionID, ParticipantID: participantID, ConnectionID: connID}
}

func History(messages []persistence.Message, events []persistence.Event, messageLimit, eventLimit int) HistoryFrame {
	return HistoryFrame{Header: header(TypeHistory), Messages: messages, Events: events, MessageLimit: messageLimit, EventLimit: eventLimit}
}

func SessionState(state persistence.SessionState) SessionStateFrame {
	return SessionStateFrame{Header: header(TypeSessionState), State: state}
}

func Message(m persistence.Message) MessageFrame {
	return MessageFrame{Header: header(TypeMessage), Message: m}
}

func MessageStatus(id string, status persistence.MessageStatus) MessageStatusFrame {
	return MessageStatusFrame{Header: header(TypeMessageStatus), MessageID: id, Status: status}
}

func SandboxEventOut(e persistence.Event) SandboxEventFrame {
	return SandboxEventFrame{Header: header(TypeSandboxEvent), Event: e}
}

func SandboxStatus(status persistence.SandboxStatus) SandboxStatusFrame {
	return SandboxStatusFrame{Header: header(TypeSandboxStatus), Status: status}
}

func ParticipantJoined(p persistence.Participant) ParticipantFrame {
	return ParticipantFrame{Header: header(TypeParticipantJoined), Participant: p}
}

func ParticipantLeft(p persistence.Participant) ParticipantFrame {
	return ParticipantFrame{Header: header(TypeParticipantLeft), Participant: p}
}

func PromptAccepted(messageID, requestID string, duplicate bool) PromptAcceptedFrame {
	return PromptAcceptedFrame{Header: header(TypePromptAccepted), MessageID: messageID, RequestID: requestID, Duplicate: duplicate}
}

func Pong(ts int64) PongFrame {
	return PongFrame{Header: header(TypePong), Timestamp: ts}
}

func ErrorOut(code ErrorCode, message string, severity Severity) ErrorFrame {
	return ErrorFrame{Header: header(TypeError), Code: code, Message: message, Severity: severity}
}

func SandboxConnected(sessionID string, epoch int64) SandboxConnectedFrame {
	return SandboxConnectedFrame{Header: header(TypeSandboxConnected), SessionID: sessionID, Epoch: epoch}
}

func SandboxPrompt(messageID, content, authorID, model string, attempt int) SandboxPromptFrame {
	return SandboxPromptFrame{Header: header(TypePrompt), MessageID: messageID, Content: content, AuthorID: authorID, Model: model, Attempt: attempt}
}

func SandboxStop(messageID string) SandboxStopFrame {
	return SandboxStopFrame{Header: header(TypeStop), MessageID: messageID}
}

// Encode marshals an outbound frame.
func Encode(frame Frame) ([]byte, error) {
	return json.Marshal(frame)
}
