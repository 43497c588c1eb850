package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType defines the type of error
type ErrorType string

const (
	// ErrorTypeValidation represents a validation error
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeNotFound represents a not found error
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeTooLarge represents a request body over the configured limit
	ErrorTypeTooLarge ErrorType = "too_large"

	// ErrorTypeCallback represents a failed callback under the halt policy
	ErrorTypeCallback ErrorType = "callback_failed"

	// ErrorTypeInternal represents an internal server error
	ErrorTypeInternal ErrorType = "internal"
)

// APIError represents a standardized API error
type APIError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	HTTPCode  int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Code, e.Message)
}

// WithDetails adds details to the error
func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

// WithRequestID adds a request ID to the error
func (e *APIError) WithRequestID(requestID string) *APIError {
	e.RequestID = requestID
	return e
}

// ValidationError creates a new validation error
func ValidationError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeValidation,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusBadRequest,
	}
}

// NotFoundError creates a new not found error
func NotFoundError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeNotFound,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusNotFound,
	}
}

// TooLargeError creates a new request-too-large error
func TooLargeError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeTooLarge,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusRequestEntityTooLarge,
	}
}

// CallbackError reports a callback failure that halted a notification
func CallbackError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeCallback,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusBadGateway,
	}
}

// InternalError creates a new internal server error
func InternalError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeInternal,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusInternalServerError,
	}
}

// FromError creates a new API error from a Go error
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	return InternalError("internal_error", err.Error())
}
