// Package apperror defines the error taxonomy shared across the sandbox
// service: timeouts, transport failures, provisioning failures, and plain
// validation errors. Handlers map these to HTTP status codes.
package apperror

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout means a call exceeded its bound. It says nothing about the
	// health of the environment behind it.
	ErrTimeout = errors.New("timeout")
	// ErrTransport means a stream or protocol level failure: broken pipe,
	// malformed record, dead resident process.
	ErrTransport = errors.New("transport failure")
	// ErrProvisioning means an environment or process could not be created.
	ErrProvisioning = errors.New("provisioning failure")
	// ErrSessionClosed means a call was issued against a released session.
	// This is a caller logic error and is never retried.
	ErrSessionClosed = errors.New("session closed")
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrForbidden     = errors.New("forbidden")
)

type AppError struct {
	Err     error  // sentinel, for errors.Is
	Message string // human-readable error message
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func Timeout(message string) *AppError {
	return &AppError{Err: ErrTimeout, Message: message}
}

func Transport(message string) *AppError {
	return &AppError{Err: ErrTransport, Message: message}
}

func Provisioning(resource string, cause error) *AppError {
	return &AppError{
		Err:     ErrProvisioning,
		Message: fmt.Sprintf("could not provision %s: %v", resource, cause),
	}
}

func SessionClosed(callerID string) *AppError {
	return &AppError{
		Err:     ErrSessionClosed,
		Message: fmt.Sprintf("session %s has been released and accepts no further calls", callerID),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: fmt.Sprintf("%s: %s", field, message),
	}
}

func Forbidden(message string) *AppError {
	return &AppError{Err: ErrForbidden, Message: message}
}
