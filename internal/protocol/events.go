package protocol

import (
	"encoding/json"
	"fmt"

	acpsdk "github.com/coder/acp-go-sdk"
)

// Event types emitted by the sandbox.
const (
	EventToolCall          = "tool_call"
	EventToolResult        = "tool_result"
	EventToken             = "token"
	EventError             = "error"
	EventGitSync           = "git_sync"
	EventExecutionComplete = "execution_complete"
	EventHeartbeat         = "heartbeat"
	EventSessionUpdate     = "session_update"
)

// SandboxEvent is the wire form of an event. Data stays raw until decoded.
type SandboxEvent struct {
	Type      string          `json:"type"`
	MessageID string          `json:"messageId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Payload is the typed body of an event.
type Payload interface {
	EventType() string
}

// ToolCall records the sandbox invoking a tool.
type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// ToolResult records a tool's output.
type ToolResult struct {
	ToolCallID string          `json:"toolCallId"`
	Output     json.RawMessage `json:"output,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
}

// Token is a streamed chunk of assistant text.
type Token struct {
	Text string `json:"text"`
}

// ExecError reports a sandbox-side failure. Fatal errors fail the sandbox.
type ExecError struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// GitSync reports repository synchronisation progress.
type GitSync struct {
	Status string `json:"status,omitempty"`
	Branch string `json:"branch,omitempty"`
	Commit string `json:"commit,omitempty"`
}

// ExecutionCompleteEvent is the event-log form of an execution end.
type ExecutionCompleteEvent struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Heartbeat is a liveness ping from the sandbox. It is never replayed.
type Heartbeat struct{}

// SessionUpdate carries a raw ACP session notification from the agent.
type SessionUpdate struct {
	Notification acpsdk.SessionNotification
}

// Raw preserves events of types this coordinator does not know.
type Raw struct {
	Type string
	Data json.RawMessage
}

func (ToolCall) EventType() string               { return EventToolCall }
func (ToolResult) EventType() string             { return EventToolResult }
func (Token) EventType() string                  { return EventToken }
func (ExecError) EventType() string              { return EventError }
func (GitSync) EventType() string                { return EventGitSync }
func (ExecutionCompleteEvent) EventType() string { return EventExecutionComplete }
func (Heartbeat) EventType() string              { return EventHeartbeat }
func (SessionUpdate) EventType() string          { return EventSessionUpdate }
func (r Raw) EventType() string                  { return r.Type }

// Decode returns the typed payload of e. Unknown types decode to Raw.
func (e SandboxEvent) Decode() (Payload, error) {
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	var (
		p   Payload
		err error
	)
	switch e.Type {
	case EventToolCall:
		var v ToolCall
		err = json.Unmarshal(data, &v)
		p = v
	case EventToolResult:
		var v ToolResult
		err = json.Unmarshal(data, &v)
		p = v
	case EventToken:
		var v Token
		err = json.Unmarshal(data, &v)
		p = v
	case EventError:
		var v ExecError
		err = json.Unmarshal(data, &v)
		p = v
	case EventGitSync:
		var v GitSync
		err = json.Unmarshal(data, &v)
		p = v
	case EventExecutionComplete:
		var v ExecutionCompleteEvent
		err = json.Unmarshal(data, &v)
		p = v
	case EventHeartbeat:
		p = Heartbeat{}
	case EventSessionUpdate:
		var v acpsdk.SessionNotification
		err = json.Unmarshal(data, &v)
		p = SessionUpdate{Notification: v}
	default:
		p = Raw{Type: e.Type, Data: data}
	}
	if err != nil {
		return nil, &Error{Code: CodeInvalidFrame, Message: fmt.Sprintf("decode %s event: %v", e.Type, err)}
	}
	return p, nil
}

// EncodePayload renders a payload for storage.
func EncodePayload(p Payload) (json.RawMessage, error) {
	switch v := p.(type) {
	case Raw:
		return v.Data, nil
	case SessionUpdate:
		return json.Marshal(v.Notification)
	default:
		return json.Marshal(v)
	}
}
