package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Category classifies a protocol error for the client. The set is closed;
// clients switch on these strings.
type Category string

const (
	CategoryValidation    Category = "VALIDATION"
	CategoryAuthorization Category = "AUTHORIZATION"
	CategoryNotFound      Category = "NOT_FOUND"
	CategoryConflict      Category = "CONFLICT"
	CategoryRateLimit     Category = "RATE_LIMIT"
	CategoryTimeout       Category = "TIMEOUT"
	CategoryInternal      Category = "INTERNAL"
)

// Machine-readable error codes carried in socket:error and rejection payloads.
const (
	CodeMissingToken       = "MISSING_TOKEN"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeMaxConnections     = "MAX_CONNECTIONS_EXCEEDED"
	CodeInvalidRoomID      = "INVALID_ROOM_ID"
	CodeRoomFull           = "ROOM_FULL"
	CodeUserNotInRoom      = "USER_NOT_IN_ROOM"
	CodeUnsupportedType    = "UNSUPPORTED_RESOURCE_TYPE"
	CodeInvalidUUID        = "INVALID_RESOURCE_UUID"
	CodeResourceNotFound   = "SURGERY_NOT_FOUND"
	CodeResourceNotOpen    = "SURGERY_NOT_EDITABLE"
	CodeInvalidSubResource = "INVALID_SUBRESOURCE_ID"
	CodeAlreadyLocked      = "SUBRESOURCE_ALREADY_LOCKED"
	CodeLockNotFound       = "LOCK_NOT_FOUND"
	CodeLockNotOwned       = "LOCK_NOT_OWNED"
	CodeCannotForceOwnLock = "CANNOT_FORCE_OWN_LOCK"
	CodeForcePending       = "FORCE_REQUEST_ALREADY_PENDING"
	CodeForceProcessed     = "FORCE_REQUEST_ALREADY_PROCESSED"
	CodeNotLockOwner       = "NOT_LOCK_OWNER"
	CodeForceNotFound      = "FORCE_REQUEST_NOT_FOUND"
	CodeRateLimitAbuse     = "RATE_LIMIT_ABUSE"
	CodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeUnknownEvent       = "UNKNOWN_EVENT"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
)

// Error is the gateway's operational error. It is safe to show to the
// originating client; anything else is wrapped as INTERNAL before it
// crosses the dispatcher boundary.
type Error struct {
	Category Category
	Code     string
	Message  string
	Details  map[string]any
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Category, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetails attaches structured detail fields, returning the same error
// for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithCause records the underlying error for logs. The cause never reaches
// the wire.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// NewError builds an operational error.
func NewError(category Category, code, message string) *Error {
	return &Error{Category: category, Code: code, Message: message}
}

// Convenience constructors for the common categories.

func ValidationError(code, message string) *Error {
	return NewError(CategoryValidation, code, message)
}

func AuthorizationError(code, message string) *Error {
	return NewError(CategoryAuthorization, code, message)
}

func NotFoundError(code, message string) *Error {
	return NewError(CategoryNotFound, code, message)
}

func ConflictError(code, message string) *Error {
	return NewError(CategoryConflict, code, message)
}

func InternalError(message string) *Error {
	return NewError(CategoryInternal, CodeInternal, message)
}

// AsError extracts an *Error if err is one (directly or wrapped).
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// SocketError is the uniform error DTO emitted as socket:error.
type SocketError struct {
	Category  Category       `json:"category"`
	ErrorCode string         `json:"errorCode"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	SocketID  string         `json:"socketId"`
	UserID    string         `json:"userId,omitempty"`
	EventName string         `json:"eventName,omitempty"`
}

// ToSocketError converts any error into the wire DTO. Non-operational
// errors collapse to a generic INTERNAL payload; their details stay in the
// logs only.
func ToSocketError(err error, socketID, userID, eventName string) SocketError {
	if pe, ok := AsError(err); ok {
		return SocketError{
			Category:  pe.Category,
			ErrorCode: pe.Code,
			Message:   pe.Message,
			Details:   pe.Details,
			Timestamp: time.Now().UTC(),
			SocketID:  socketID,
			UserID:    userID,
			EventName: eventName,
		}
	}
	return SocketError{
		Category:  CategoryInternal,
		ErrorCode: CodeInternal,
		Message:   "An internal error occurred",
		Timestamp: time.Now().UTC(),
		SocketID:  socketID,
		UserID:    userID,
		EventName: eventName,
	}
}
