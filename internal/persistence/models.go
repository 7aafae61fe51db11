package persistence

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionArchived  SessionStatus = "archived"
)

// CanTransition reports whether a session may move from s to next.
// Archived is terminal.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if s == next {
		return s != SessionArchived
	}
	switch s {
	case SessionArchived:
		return false
	case SessionCreated:
		return next == SessionActive || next == SessionArchived
	case SessionActive:
		return next == SessionPaused || next == SessionCompleted || next == SessionArchived
	case SessionPaused, SessionCompleted:
		return next == SessionActive || next == SessionArchived
	}
	return false
}

// SandboxStatus is the lifecycle state of the session's execution worker.
type SandboxStatus string

const (
	SandboxPending SandboxStatus = "pending"
	SandboxWarming SandboxStatus = "warming"
	SandboxSyncing SandboxStatus = "syncing"
	SandboxReady   SandboxStatus = "ready"
	SandboxRunning SandboxStatus = "running"
	SandboxStopped SandboxStatus = "stopped"
	SandboxFailed  SandboxStatus = "failed"
)

// ParticipantSource identifies the client surface a participant joined from.
type ParticipantSource string

const (
	SourceWeb     ParticipantSource = "web"
	SourceDesktop ParticipantSource = "desktop"
	SourceSlack   ParticipantSource = "slack"
)

// Valid reports whether the source is one of the known surfaces.
func (s ParticipantSource) Valid() bool {
	switch s {
	case SourceWeb, SourceDesktop, SourceSlack:
		return true
	}
	return false
}

// Role is the author role of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageStatus is the execution state of a message.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageCompleted  MessageStatus = "completed"
	MessageFailed     MessageStatus = "failed"
)

// Session is the single session row owned by a store.
type Session struct {
	ID             string        `json:"id" yaml:"id"`
	OrganizationID string        `json:"organizationId" yaml:"organizationId"`
	UserID         string        `json:"userId" yaml:"userId"`
	RepoOwner      string        `json:"repoOwner" yaml:"repoOwner"`
	RepoName       string        `json:"repoName" yaml:"repoName"`
	Branch         string        `json:"branch" yaml:"branch"`
	Status         SessionStatus `json:"status" yaml:"status"`
	SandboxStatus  SandboxStatus `json:"sandboxStatus" yaml:"sandboxStatus"`
	SandboxID      string        `json:"sandboxId,omitempty" yaml:"sandboxId,omitempty"`
	Model          string        `json:"model" yaml:"model"`
	CreatedAt      time.Time     `json:"createdAt" yaml:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt" yaml:"updatedAt"`
	ArchivedAt     *time.Time    `json:"archivedAt,omitempty" yaml:"archivedAt,omitempty"`
}

// CreateSessionParams describes a new session.
type CreateSessionParams struct {
	ID             string
	OrganizationID string
	UserID         string
	RepoOwner      string
	RepoName       string
	Branch         string
	Model          string
}

// Participant is an authenticated human attached to the session.
type Participant struct {
	ID          string            `json:"id" yaml:"id"`
	UserID      string            `json:"userId" yaml:"userId"`
	DisplayName string            `json:"displayName" yaml:"displayName"`
	Email       string            `json:"email,omitempty" yaml:"email,omitempty"`
	Source      ParticipantSource `json:"source" yaml:"source"`
	JoinedAt    time.Time         `json:"joinedAt" yaml:"joinedAt"`
	LastSeenAt  time.Time         `json:"lastSeenAt" yaml:"lastSeenAt"`
	IsOnline    bool              `json:"isOnline" yaml:"isOnline"`
}

// Message is a prompt or reply in the session conversation.
type Message struct {
	Seq           int64         `json:"seq" yaml:"seq"`
	ID            string        `json:"id" yaml:"id"`
	SessionID     string        `json:"sessionId" yaml:"sessionId"`
	ParticipantID string        `json:"participantId,omitempty" yaml:"participantId,omitempty"`
	AuthorID      string        `json:"authorId,omitempty" yaml:"authorId,omitempty"`
	RequestID     string        `json:"requestId,omitempty" yaml:"requestId,omitempty"`
	Content       string        `json:"content" yaml:"content"`
	Role          Role          `json:"role" yaml:"role"`
	Status        MessageStatus `json:"status" yaml:"status"`
	CreatedAt     time.Time     `json:"createdAt" yaml:"createdAt"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty" yaml:"completedAt,omitempty"`
}

// MessageFilter narrows ListMessages. Zero fields match everything.
type MessageFilter struct {
	Status MessageStatus
	Role   Role
}

// Event is an append-only record of something that happened during execution.
type Event struct {
	Seq       int64           `json:"seq" yaml:"seq"`
	ID        string          `json:"id" yaml:"id"`
	SessionID string          `json:"sessionId" yaml:"sessionId"`
	MessageID string          `json:"messageId,omitempty" yaml:"messageId,omitempty"`
	Type      string          `json:"type" yaml:"type"`
	Payload   json.RawMessage `json:"payload" yaml:"-"`
	CreatedAt time.Time       `json:"createdAt" yaml:"createdAt"`
}

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	Type         string
	MessageID    string
	ExcludeTypes []string
}

// SandboxConnection is the durable record of the last authenticated sandbox.
type SandboxConnection struct {
	SessionID       string     `json:"sessionId" yaml:"sessionId"`
	SandboxID       string     `json:"sandboxId" yaml:"sandboxId"`
	Epoch           int64      `json:"epoch" yaml:"epoch"`
	AuthenticatedAt time.Time  `json:"authenticatedAt" yaml:"authenticatedAt"`
	DisconnectedAt  *time.Time `json:"disconnectedAt,omitempty" yaml:"disconnectedAt,omitempty"`
}

// SessionState is the materialized view returned to clients and the control API.
type SessionState struct {
	Session      Session       `json:"session" yaml:"session"`
	Participants []Participant `json:"participants" yaml:"participants"`
	MessageCount int           `json:"messageCount" yaml:"messageCount"`
	EventCount   int           `json:"eventCount" yaml:"eventCount"`
	PendingCount int           `json:"pendingCount" yaml:"pendingCount"`
}
