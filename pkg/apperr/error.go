package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the fixed taxonomy every service-layer error is classified
// into. Callers branch on Kind, never on Code, to decide retry/requeue
// behavior.
type Kind string

const (
	// KindNotFound: the referenced entity does not exist. Not retried.
	KindNotFound Kind = "NOT_FOUND"
	// KindUnprocessable: the input is well-formed but cannot be acted
	// on (e.g. malformed DSN, unparseable MIME). Not retried.
	KindUnprocessable Kind = "UNPROCESSABLE"
	// KindTransient: a downstream dependency is temporarily unavailable.
	// Safe to retry with backoff.
	KindTransient Kind = "TRANSIENT"
	// KindDuplicate: the operation already happened (the
	// UNIQUE(emailId, endpointId) lock was already held). Treated as
	// success by the caller, never retried.
	KindDuplicate Kind = "DUPLICATE"
	// KindReceiverError: the remote endpoint rejected the payload
	// (4xx from a webhook, SES handoff refusal). Not retried
	// automatically; surfaced for operator visibility.
	KindReceiverError Kind = "RECEIVER_ERROR"
	// KindFatal: an unexpected internal failure. Logged, never retried
	// blindly.
	KindFatal Kind = "FATAL"
)

// Error codes, one family per Kind plus a few cross-cutting ones used
// at the HTTP boundary.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeUnprocessable   = "UNPROCESSABLE"
	CodeTransient       = "TRANSIENT"
	CodeDuplicate       = "DUPLICATE"
	CodeReceiverError   = "RECEIVER_ERROR"
	CodeFatal           = "FATAL"
	CodeBadRequest      = "BAD_REQUEST"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeForbidden       = "FORBIDDEN"
	CodeTimeout         = "TIMEOUT"
)

// AppError is the structured error every service boundary returns.
type AppError struct {
	Kind    Kind           `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// HTTPStatus returns the HTTP status code for this error.
func (e *AppError) HTTPStatus() int {
	return e.Status
}

// IsRetryable reports whether the caller should retry the operation
// that produced this error (only KindTransient qualifies).
func (e *AppError) IsRetryable() bool {
	return e.Kind == KindTransient
}

// Constructor functions

func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status, Err: err}
}

// NotFound reports that the named resource does not exist.
func NotFound(resource string) *AppError {
	return &AppError{
		Kind:    KindNotFound,
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
	}
}

// Unprocessable reports that input was well-formed but could not be
// acted on (malformed DSN, unparseable MIME, rule config with no
// predicates).
func Unprocessable(message string, err error) *AppError {
	return &AppError{
		Kind:    KindUnprocessable,
		Code:    CodeUnprocessable,
		Message: message,
		Status:  http.StatusUnprocessableEntity,
		Err:     err,
	}
}

// Transient reports a retryable downstream failure (DB connection
// drop, webhook 5xx/timeout, SES throttling).
func Transient(operation string, err error) *AppError {
	return &AppError{
		Kind:    KindTransient,
		Code:    CodeTransient,
		Message: fmt.Sprintf("transient failure: %s", operation),
		Status:  http.StatusServiceUnavailable,
		Err:     err,
	}
}

// Duplicate reports that the idempotency lock was already held; the
// caller treats this as a successful no-op.
func Duplicate(emailID, endpointID string) *AppError {
	return &AppError{
		Kind:    KindDuplicate,
		Code:    CodeDuplicate,
		Message: "delivery already recorded",
		Status:  http.StatusConflict,
		Details: map[string]any{"emailId": emailID, "endpointId": endpointID},
	}
}

// ReceiverError reports that a remote endpoint rejected a delivered
// payload.
func ReceiverError(endpointID string, statusCode int, err error) *AppError {
	return &AppError{
		Kind:    KindReceiverError,
		Code:    CodeReceiverError,
		Message: fmt.Sprintf("endpoint %s rejected delivery (status %d)", endpointID, statusCode),
		Status:  http.StatusBadGateway,
		Details: map[string]any{"endpointId": endpointID, "remoteStatus": statusCode},
		Err:     err,
	}
}

// Fatal reports an unexpected internal failure; never retried blindly.
func Fatal(message string, err error) *AppError {
	if message == "" {
		message = "internal failure"
	}
	return &AppError{
		Kind:    KindFatal,
		Code:    CodeFatal,
		Message: message,
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// BadRequest and ValidationFailed serve the thin admin/ingestion HTTP
// surface; they are not part of the core Kind taxonomy.
func BadRequest(message string) *AppError {
	return &AppError{Code: CodeBadRequest, Message: message, Status: http.StatusBadRequest}
}

func ValidationFailed(message string) *AppError {
	return &AppError{Code: CodeValidationFailed, Message: message, Status: http.StatusBadRequest}
}

func Forbidden(message string) *AppError {
	if message == "" {
		message = "forbidden"
	}
	return &AppError{Code: CodeForbidden, Message: message, Status: http.StatusForbidden}
}

func Timeout(operation string) *AppError {
	return &AppError{
		Kind:    KindTransient,
		Code:    CodeTimeout,
		Message: fmt.Sprintf("operation timed out: %s", operation),
		Status:  http.StatusGatewayTimeout,
	}
}

// Common error instances
var (
	ErrNotFound   = NotFound("resource")
	ErrBadRequest = BadRequest("bad request")
	ErrForbidden  = Forbidden("")
)

// Helper functions

func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Fatal("", err)
}

func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// Is reports whether err is an AppError of the given Kind.
func Is(err error, kind Kind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}
