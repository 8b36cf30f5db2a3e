package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig ErrorCode = "MISSING_CONFIG"
	ErrCodeInvalidCACert ErrorCode = "INVALID_CA_CERT"

	// Authentication errors
	ErrCodeUnauthorized         ErrorCode = "UNAUTHORIZED"
	ErrCodeTokenInvalid         ErrorCode = "TOKEN_INVALID"
	ErrCodeTokenExpired         ErrorCode = "TOKEN_EXPIRED"
	ErrCodeSubjectNotRecognized ErrorCode = "SUBJECT_NOT_RECOGNIZED"

	// Handshake and request errors
	ErrCodeInvalidState        ErrorCode = "INVALID_STATE"
	ErrCodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrCodeRedirectNotAllowed  ErrorCode = "REDIRECT_NOT_ALLOWED"
	ErrCodeAuthorizationFailed ErrorCode = "AUTHORIZATION_FAILED"

	// Upstream errors
	ErrCodeTransport ErrorCode = "TRANSPORT_ERROR"
	ErrCodeProtocol  ErrorCode = "PROTOCOL_ERROR"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// BridgeError represents a standardized error with context
type BridgeError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	HTTPStatus int                    `json:"http_status"`
	TraceID    string                 `json:"trace_id,omitempty"`
}

// Error implements the error interface
func (e *BridgeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *BridgeError) Unwrap() error {
	return e.Cause
}

// WithDetails adds additional context to the error
func (e *BridgeError) WithDetails(key string, value interface{}) *BridgeError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithTraceID adds a trace ID to the error
func (e *BridgeError) WithTraceID(traceID string) *BridgeError {
	e.TraceID = traceID
	return e
}

// WithStatus overrides the HTTP status derived from the code
func (e *BridgeError) WithStatus(status int) *BridgeError {
	e.HTTPStatus = status
	return e
}

// New creates a new BridgeError with the given code and message
func New(code ErrorCode, message string) *BridgeError {
	return &BridgeError{
		Code:       code,
		Message:    message,
		HTTPStatus: getHTTPStatus(code),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *BridgeError {
	return &BridgeError{
		Code:       code,
		Message:    message,
		Cause:      err,
		HTTPStatus: getHTTPStatus(code),
	}
}

// Wrapf wraps an existing error with formatted message
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *BridgeError {
	return &BridgeError{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		Cause:      err,
		HTTPStatus: getHTTPStatus(code),
	}
}

func getHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeUnauthorized, ErrCodeTokenInvalid, ErrCodeTokenExpired, ErrCodeSubjectNotRecognized:
		return http.StatusUnauthorized
	case ErrCodeInvalidState, ErrCodeInvalidRequest, ErrCodeRedirectNotAllowed, ErrCodeAuthorizationFailed:
		return http.StatusBadRequest
	case ErrCodeTransport, ErrCodeProtocol:
		return http.StatusBadGateway
	case ErrCodeInvalidConfig, ErrCodeMissingConfig, ErrCodeInvalidCACert, ErrCodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// As returns the first BridgeError in err's chain
func As(err error) (*BridgeError, bool) {
	var bErr *BridgeError
	if stderrors.As(err, &bErr) {
		return bErr, true
	}
	return nil, false
}

// IsCode reports whether any BridgeError in err's chain carries code
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		var bErr *BridgeError
		if !stderrors.As(err, &bErr) {
			return false
		}
		if bErr.Code == code {
			return true
		}
		err = bErr.Cause
	}
	return false
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	if bErr, ok := As(err); ok {
		return bErr.Code
	}
	return ErrCodeInternal
}

// GetHTTPStatus extracts the HTTP status from an error
func GetHTTPStatus(err error) int {
	if bErr, ok := As(err); ok {
		return bErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// GetTraceID extracts the trace ID from an error
func GetTraceID(err error) string {
	if bErr, ok := As(err); ok {
		return bErr.TraceID
	}
	return ""
}

// NewInvalidConfig creates an invalid config error
func NewInvalidConfig(message string) *BridgeError {
	return New(ErrCodeInvalidConfig, message)
}

// NewTokenInvalid creates an invalid token error
func NewTokenInvalid(message string) *BridgeError {
	return New(ErrCodeTokenInvalid, message)
}

// NewInvalidState creates an error for an unknown, expired or missing OAuth state
func NewInvalidState(message string) *BridgeError {
	return New(ErrCodeInvalidState, message)
}

// NewInvalidRequest creates a bad request error
func NewInvalidRequest(message string) *BridgeError {
	return New(ErrCodeInvalidRequest, message)
}

// NewTransportError wraps a network failure talking to an upstream
func NewTransportError(err error, message string) *BridgeError {
	return Wrap(err, ErrCodeTransport, message)
}

// NewProtocolError wraps an upstream response that could not be understood
func NewProtocolError(err error, message string) *BridgeError {
	return Wrap(err, ErrCodeProtocol, message)
}

// NewInternalError wraps a local failure the caller cannot correct
func NewInternalError(err error, message string) *BridgeError {
	return Wrap(err, ErrCodeInternal, message)
}

// WriteHTTP writes err as a plain-text response carrying only the short
// message and code of the first BridgeError in the chain. Causes stay in logs.
func WriteHTTP(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := ErrCodeInternal
	message := http.StatusText(status)
	if bErr, ok := As(err); ok {
		status = bErr.HTTPStatus
		code = bErr.Code
		message = bErr.Message
	}
	w.Header().Set("X-Error-Code", string(code))
	http.Error(w, message, status)
}
