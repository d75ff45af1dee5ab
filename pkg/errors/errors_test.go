package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(CategoryValidation, CodeInvalidAmount, "test message")

	if err.Category != CategoryValidation {
		t.Errorf("Expected category %s, got %s", CategoryValidation, err.Category)
	}

	if err.Code != CodeInvalidAmount {
		t.Errorf("Expected code %s, got %s", CodeInvalidAmount, err.Code)
	}

	if err.Message != "test message" {
		t.Errorf("Expected message 'test message', got '%s'", err.Message)
	}

	if err.StackTrace == nil {
		t.Error("Expected stack trace to be captured")
	}
}

func TestWrap(t *testing.T) {
	cause := stderrors.New("underlying error")
	err := Wrap(cause, CategoryStorage, CodeQueryFailed, "query failed")

	if err.Cause != cause {
		t.Error("Expected cause to be preserved")
	}

	if !stderrors.Is(err, cause) {
		t.Error("Expected errors.Is to find the cause through Unwrap")
	}

	if Wrap(nil, CategoryStorage, CodeQueryFailed, "no-op") != nil {
		t.Error("Expected Wrap(nil) to return nil")
	}
}

func TestErrorString(t *testing.T) {
	err := New(CategoryConflict, CodeVersionMismatch, "conflict detected")
	if err.Error() != "conflict detected" {
		t.Errorf("Unexpected error string: %s", err.Error())
	}

	err = err.WithSuggestion("retry the operation")
	if !strings.Contains(err.Error(), "suggestion: retry the operation") {
		t.Errorf("Expected suggestion in error string, got: %s", err.Error())
	}
}

func TestWithContext(t *testing.T) {
	err := New(CategoryNotFound, CodeMovementNotFound, "not found").
		WithContext("movement_id", "mv-1").
		WithContext("tenant_id", "t-1")

	if err.Context["movement_id"] != "mv-1" {
		t.Error("Expected movement_id in context")
	}

	if err.Context["tenant_id"] != "t-1" {
		t.Error("Expected tenant_id in context")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"conflict is retryable", ConflictError(CodeVersionMismatch, "movement", "mv-1"), true},
		{"stale is not retryable", SuggestionStaleError(CodeTargetChanged, "sg-1", "target changed"), false},
		{"invariant is not retryable", InvariantViolation(CodeOverAllocation, "sum exceeds amount"), false},
		{"validation is not retryable", ValidationError(CodeInvalidAmount, "amount", "abc"), false},
		{"plain error is not retryable", stderrors.New("plain"), false},
		{"wrapped conflict is retryable", fmt.Errorf("outer: %w", ConflictError(CodeAlreadyApplied, "suggestion", "sg-1")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestIsCategory(t *testing.T) {
	err := NotFoundError(CodeTargetNotFound, "target", "tr-1")

	if !IsCategory(err, CategoryNotFound) {
		t.Error("Expected not_found category")
	}

	if IsCategory(err, CategoryConflict) {
		t.Error("Did not expect conflict category")
	}
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		category ErrorCategory
		code     int
	}{
		{CategoryValidation, 2},
		{CategoryNotFound, 3},
		{CategoryStale, 3},
		{CategoryConfiguration, 4},
		{CategoryConflict, 5},
		{CategoryExternal, 6},
		{CategoryInvariant, 7},
	}

	for _, tt := range tests {
		err := New(tt.category, CodeUnexpectedError, "test")
		if got := err.GetExitCode(); got != tt.code {
			t.Errorf("Category %s: expected exit code %d, got %d", tt.category, tt.code, got)
		}
	}
}

func TestWrapIfNeeded(t *testing.T) {
	original := ConflictError(CodeVersionMismatch, "target", "tr-1")
	wrapped := WrapIfNeeded(original, CategoryInternal, CodeUnexpectedError, "should not rewrap")

	if wrapped != original {
		t.Error("Expected existing *Error to pass through unchanged")
	}

	plain := stderrors.New("plain")
	wrapped = WrapIfNeeded(plain, CategoryStorage, CodeQueryFailed, "storage failed")

	if wrapped.Category != CategoryStorage {
		t.Errorf("Expected storage category, got %s", wrapped.Category)
	}
}

func TestErrorSummary(t *testing.T) {
	errs := []*Error{
		ValidationError(CodeInvalidAmount, "amount", "x"),
		ValidationError(CodeInvalidDate, "date", "y"),
		ConflictError(CodeVersionMismatch, "movement", "mv-1"),
	}

	summary := NewErrorSummary(errs)

	if summary.Total != 3 {
		t.Errorf("Expected 3 errors, got %d", summary.Total)
	}

	if summary.ByCategory[CategoryValidation] != 2 {
		t.Errorf("Expected 2 validation errors, got %d", summary.ByCategory[CategoryValidation])
	}

	if !summary.HasCategory(CategoryConflict) {
		t.Error("Expected conflict category in summary")
	}

	// Conflict carries exit code 5, validation 2
	if summary.GetExitCode() != 5 {
		t.Errorf("Expected exit code 5, got %d", summary.GetExitCode())
	}
}

func TestErrorSummaryEmpty(t *testing.T) {
	summary := NewErrorSummary(nil)

	if summary.Total != 0 {
		t.Errorf("Expected 0 errors, got %d", summary.Total)
	}

	if summary.Error() != "no errors" {
		t.Errorf("Unexpected summary string: %s", summary.Error())
	}

	if summary.GetExitCode() != 0 {
		t.Errorf("Expected exit code 0, got %d", summary.GetExitCode())
	}
}
