package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinels checked with errors.Is across packages
var (
	ErrMissingField     = errors.New("missing field")
	ErrDuplicateSession = errors.New("duplicate session")
	ErrSessionNotFound  = errors.New("session not found")
	ErrProtocol         = errors.New("protocol error")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrInternal         = errors.New("internal error")
)

// Error codes sent to clients in "error" messages
const (
	CodeMissingField          = "MISSING_FIELD"
	CodeDuplicateSession      = "DUPLICATE_SESSION"
	CodeSessionNotFound       = "SESSION_NOT_FOUND"
	CodeSessionOwnedElsewhere = "SESSION_OWNED_ELSEWHERE"
	CodeConnectionBusy        = "CONNECTION_BUSY"
	CodeInvalidJSON           = "INVALID_JSON"
	CodeUnknownType           = "UNKNOWN_MESSAGE_TYPE"
	CodeRateLimited           = "RATE_LIMITED"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeForbidden             = "FORBIDDEN"
	CodeInternal              = "INTERNAL_ERROR"
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// MissingField reports a required message field that was absent or empty.
func MissingField(field string) *AppError {
	return &AppError{
		Err:        ErrMissingField,
		Message:    fmt.Sprintf("%s is required", field),
		Code:       CodeMissingField,
		HTTPStatus: http.StatusBadRequest,
		Details:    map[string]string{"field": field},
	}
}

// DuplicateSession reports a start for a consultation that is already live.
func DuplicateSession(consultationID string) *AppError {
	return &AppError{
		Err:        ErrDuplicateSession,
		Message:    fmt.Sprintf("Session %s already active", consultationID),
		Code:       CodeDuplicateSession,
		HTTPStatus: http.StatusConflict,
		Details:    map[string]string{"consultation_id": consultationID},
	}
}

// SessionNotFound reports an unknown or evicted consultation.
func SessionNotFound(consultationID string) *AppError {
	return &AppError{
		Err:        ErrSessionNotFound,
		Message:    fmt.Sprintf("Session %s not found", consultationID),
		Code:       CodeSessionNotFound,
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"consultation_id": consultationID},
	}
}

// SessionOwnedElsewhere reports an attempt to end a session attached to another connection.
func SessionOwnedElsewhere(consultationID string) *AppError {
	return &AppError{
		Err:        ErrProtocol,
		Message:    fmt.Sprintf("Session %s is attached to another connection", consultationID),
		Code:       CodeSessionOwnedElsewhere,
		HTTPStatus: http.StatusConflict,
		Details:    map[string]string{"consultation_id": consultationID},
	}
}

// ConnectionBusy reports a start_session on a connection already running a consultation.
func ConnectionBusy(currentID string) *AppError {
	return &AppError{
		Err:        ErrProtocol,
		Message:    fmt.Sprintf("Connection already serving session %s", currentID),
		Code:       CodeConnectionBusy,
		HTTPStatus: http.StatusConflict,
		Details:    map[string]string{"consultation_id": currentID},
	}
}

func InvalidJSON() *AppError {
	return &AppError{
		Err:        ErrProtocol,
		Message:    "Invalid JSON format",
		Code:       CodeInvalidJSON,
		HTTPStatus: http.StatusBadRequest,
	}
}

func UnknownMessageType(msgType string) *AppError {
	return &AppError{
		Err:        ErrProtocol,
		Message:    fmt.Sprintf("Unknown message type: %s", msgType),
		Code:       CodeUnknownType,
		HTTPStatus: http.StatusBadRequest,
	}
}

func RateLimited() *AppError {
	return &AppError{
		Err:        ErrRateLimited,
		Message:    "Too many messages",
		Code:       CodeRateLimited,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Message:    message,
		Code:       CodeUnauthorized,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a forbidden error
func Forbidden(message string) *AppError {
	return &AppError{
		Err:        ErrForbidden,
		Message:    message,
		Code:       CodeForbidden,
		HTTPStatus: http.StatusForbidden,
	}
}

// Internal creates an internal error
func Internal(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "internal server error",
		Code:       CodeInternal,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Err:        appErr.Err,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			Code:       appErr.Code,
			HTTPStatus: appErr.HTTPStatus,
			Details:    appErr.Details,
		}
	}
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       CodeInternal,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// CodeOf returns the client-facing code carried by err, or CodeInternal.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// MessageOf returns the client-facing message carried by err.
func MessageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
