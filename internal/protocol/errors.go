package protocol

import "errors"

// ErrorCode is a stable machine-readable error identifier sent in error frames.
type ErrorCode string

const (
	CodeInvalidFrame        ErrorCode = "invalid_frame"
	CodeUnknownType         ErrorCode = "unknown_type"
	CodeUnsupportedVersion  ErrorCode = "unsupported_version"
	CodeUnauthorized        ErrorCode = "unauthorized"
	CodeNotSubscribed       ErrorCode = "not_subscribed"
	CodeResubscribeRequired ErrorCode = "resubscribe_required"
	CodeSessionArchived     ErrorCode = "session_archived"
	CodeNotInitialized      ErrorCode = "session_not_initialized"
	CodePromptQueued        ErrorCode = "prompt_queued"
	CodeUnknownMessage      ErrorCode = "unknown_message"
	CodeInternal            ErrorCode = "internal_error"
)

// Severity ranks an error frame for client display.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityError Severity = "error"
)

// Close codes used when the coordinator terminates a connection.
const (
	CloseSandboxAuthFailed     = 4001
	CloseSessionNotInitialized = 4004
	CloseSubscribeTimeout      = 4008
	CloseSandboxSuperseded     = 4009
)

// Error is a protocol-level failure reported to the originating connection.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// CodeOf returns the protocol code carried by err, or CodeInternal.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternal
}
