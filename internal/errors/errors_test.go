// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"testing"
)

// TestErrorCodeValues verifies all error codes have non-empty values.
func TestErrorCodeValues(t *testing.T) {
	tests := []struct {
		name string
		code ErrorCode
	}{
		{"internal", ErrInternal},
		{"invalid", ErrInvalid},
		{"not found", ErrNotFound},
		{"invalid state", ErrInvalidState},
		{"database", ErrDatabase},
		{"migration", ErrMigration},
		{"cache miss", ErrCacheMiss},
		{"cache populate", ErrCachePopulateFailed},
		{"network", ErrNetwork},
		{"delivery failed", ErrDeliveryFailed},
		{"sync in progress", ErrSyncInProgress},
		{"retries exhausted", ErrSyncRetriesExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code == "" {
				t.Errorf("ErrorCode %q should not be empty", tt.name)
			}
		})
	}
}

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrDatabase, Message: "query failed", Err: errors.New("connection lost")},
			want:     "[DATABASE_ERROR] query failed: connection lost",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestWrap verifies error wrapping keeps the chain intact.
func TestWrap(t *testing.T) {
	underlying := errors.New("underlying")

	err := Wrap(ErrDatabase, "query failed", underlying)
	if !errors.Is(err, underlying) {
		t.Error("errors.Is() should find the wrapped error")
	}
	if err.Code != ErrDatabase {
		t.Errorf("Wrap() code = %q, want %q", err.Code, ErrDatabase)
	}
}

// TestIs verifies code matching through fmt.Errorf wrapping and nested AppErrors.
func TestIs(t *testing.T) {
	inner := New(ErrNetwork, "dial failed")
	outer := Wrap(ErrCachePopulateFailed, "precache /", inner)
	wrapped := fmt.Errorf("install: %w", outer)

	if !Is(wrapped, ErrCachePopulateFailed) {
		t.Error("Is() should match the outer code")
	}
	if !Is(wrapped, ErrNetwork) {
		t.Error("Is() should match a nested code")
	}
	if Is(wrapped, ErrNotFound) {
		t.Error("Is() should not match an absent code")
	}
	if Is(errors.New("plain"), ErrInternal) {
		t.Error("Is() should be false for non-AppError")
	}
	if Is(nil, ErrInternal) {
		t.Error("Is() should be false for nil")
	}
}

// TestCode verifies the outermost code is reported.
func TestCode(t *testing.T) {
	if got := Code(fmt.Errorf("x: %w", New(ErrNotFound, "gone"))); got != ErrNotFound {
		t.Errorf("Code() = %q, want %q", got, ErrNotFound)
	}
	if got := Code(errors.New("plain")); got != ErrInternal {
		t.Errorf("Code() = %q, want %q", got, ErrInternal)
	}
}
