package apperror

import (
	"errors"
	"testing"
)

func TestErrorsIs(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		target    error
		wantMatch bool
	}{
		{
			name:      "Timeout wraps ErrTimeout",
			err:       Timeout("call exceeded 30s"),
			target:    ErrTimeout,
			wantMatch: true,
		},
		{
			name:      "Transport wraps ErrTransport",
			err:       Transport("broken pipe"),
			target:    ErrTransport,
			wantMatch: true,
		},
		{
			name:      "Provisioning wraps ErrProvisioning",
			err:       Provisioning("environment", errors.New("no such image")),
			target:    ErrProvisioning,
			wantMatch: true,
		},
		{
			name:      "SessionClosed wraps ErrSessionClosed",
			err:       SessionClosed("agent-1"),
			target:    ErrSessionClosed,
			wantMatch: true,
		},
		{
			name:      "Timeout does NOT match ErrTransport",
			err:       Timeout("call exceeded 30s"),
			target:    ErrTransport,
			wantMatch: false,
		},
		{
			name:      "ValidationFailed does NOT match ErrNotFound",
			err:       ValidationFailed("code", "code is required"),
			target:    ErrNotFound,
			wantMatch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errors.Is(tt.err, tt.target)
			if got != tt.wantMatch {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.wantMatch)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name        string
		err         *AppError
		wantMessage string
	}{
		{
			name:        "Provisioning message includes resource and cause",
			err:         Provisioning("environment", errors.New("no such image")),
			wantMessage: "could not provision environment: no such image",
		},
		{
			name:        "SessionClosed message includes the caller id",
			err:         SessionClosed("agent-1"),
			wantMessage: "session agent-1 has been released and accepts no further calls",
		},
		{
			name:        "ValidationFailed prefixes the field",
			err:         ValidationFailed("code", "must not be empty"),
			wantMessage: "code: must not be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMessage {
				t.Errorf("Error() = %q, want %q", got, tt.wantMessage)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	err := Transport("unexpected EOF")
	if unwrapped := err.Unwrap(); unwrapped != ErrTransport {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, ErrTransport)
	}
}
