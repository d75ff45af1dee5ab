package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory represents different categories of errors raised by the
// matching engine and its supporting infrastructure.
type ErrorCategory string

const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryConflict      ErrorCategory = "conflict"
	CategoryNotFound      ErrorCategory = "not_found"
	CategoryExternal      ErrorCategory = "external"
	CategoryStale         ErrorCategory = "stale"
	CategoryInvariant     ErrorCategory = "invariant"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryStorage       ErrorCategory = "storage"
	CategoryInternal      ErrorCategory = "internal"
)

// ErrorCode represents specific error codes within categories
type ErrorCode string

const (
	// Validation errors
	CodeInvalidAmount ErrorCode = "invalid_amount"
	CodeInvalidDate   ErrorCode = "invalid_date"
	CodeMissingField  ErrorCode = "missing_field"
	CodeOutOfRange    ErrorCode = "out_of_range"

	// Conflict errors
	CodeVersionMismatch      ErrorCode = "version_mismatch"
	CodeDuplicateFingerprint ErrorCode = "duplicate_fingerprint"
	CodeDuplicateLink        ErrorCode = "duplicate_link"
	CodeDuplicateID          ErrorCode = "duplicate_id"
	CodeAlreadyApplied       ErrorCode = "already_applied"

	// Not-found errors
	CodeMovementNotFound   ErrorCode = "movement_not_found"
	CodeTargetNotFound     ErrorCode = "target_not_found"
	CodeSuggestionNotFound ErrorCode = "suggestion_not_found"
	CodeLinkNotFound       ErrorCode = "link_not_found"
	CodeConfigNotFound     ErrorCode = "config_not_found"

	// External service errors
	CodeSimilarityUnavailable ErrorCode = "similarity_unavailable"
	CodeTimeout               ErrorCode = "timeout"
	CodeCircuitOpen           ErrorCode = "circuit_open"

	// Stale errors
	CodeMovementChanged ErrorCode = "movement_changed"
	CodeTargetChanged   ErrorCode = "target_changed"
	CodeSuggestionState ErrorCode = "suggestion_state"

	// Invariant errors
	CodeOverAllocation   ErrorCode = "over_allocation"
	CodeResidualTooLarge ErrorCode = "residual_too_large"
	CodeWeightsInvalid   ErrorCode = "weights_invalid"

	// Configuration errors
	CodeInvalidConfig ErrorCode = "invalid_config"
	CodeMissingConfig ErrorCode = "missing_config"

	// Storage errors
	CodeQueryFailed ErrorCode = "query_failed"
	CodeTxFailed    ErrorCode = "tx_failed"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
)

// Error is the base error type for all application errors
type Error struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional information about the error
type Context map[string]interface{}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", e.Message, e.Suggestion)
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *Error) Unwrap() error {
	return e.Cause
}

// GetExitCode returns an appropriate exit code for the error
func (e *Error) GetExitCode() int {
	switch e.Category {
	case CategoryValidation:
		return 2
	case CategoryNotFound, CategoryStale:
		return 3
	case CategoryConfiguration:
		return 4
	case CategoryConflict, CategoryStorage, CategoryInternal:
		return 5
	case CategoryExternal:
		return 6
	case CategoryInvariant:
		return 7
	default:
		return 1
	}
}

// WithContext adds context information to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for resolving the error
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// New creates a new Error
func New(category ErrorCategory, code ErrorCode, message string) *Error {
	return &Error{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with Error context
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

// stackTracer interface for extracting stack traces
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Specific error constructors

// ValidationError creates a validation error for a malformed field value
func ValidationError(code ErrorCode, field string, value interface{}) *Error {
	var message string
	var suggestion string

	switch code {
	case CodeInvalidAmount:
		message = fmt.Sprintf("invalid amount in field '%s': %v", field, value)
		suggestion = "ensure amounts are valid decimal numbers (e.g., '850.50')"
	case CodeInvalidDate:
		message = fmt.Sprintf("invalid date in field '%s': %v", field, value)
		suggestion = "use date format YYYY-MM-DD or RFC 3339"
	case CodeMissingField:
		message = fmt.Sprintf("required field '%s' is missing or empty", field)
		suggestion = "provide a value for this required field"
	case CodeOutOfRange:
		message = fmt.Sprintf("value out of range in field '%s': %v", field, value)
		suggestion = "ensure the value is within the acceptable range"
	default:
		message = fmt.Sprintf("validation error in field '%s': %v", field, value)
		suggestion = "check the field value and format"
	}

	return New(CategoryValidation, code, message).
		WithSuggestion(suggestion).
		WithContext("field", field).
		WithContext("value", value)
}

// ConflictError creates a retryable optimistic-concurrency conflict error
func ConflictError(code ErrorCode, entity, id string) *Error {
	var message string
	var suggestion string

	switch code {
	case CodeVersionMismatch:
		message = fmt.Sprintf("%s %s was modified concurrently", entity, id)
		suggestion = "re-read the record and retry the operation"
	case CodeDuplicateFingerprint:
		message = fmt.Sprintf("%s with fingerprint %s already imported", entity, id)
		suggestion = "duplicate statement lines are rejected, not re-matched"
	case CodeDuplicateLink:
		message = fmt.Sprintf("a match link already exists for %s %s", entity, id)
		suggestion = "supersede the existing link instead of creating a duplicate"
	case CodeAlreadyApplied:
		message = fmt.Sprintf("%s %s has already been applied", entity, id)
		suggestion = "regenerate suggestions to see the current state"
	default:
		message = fmt.Sprintf("conflict on %s %s", entity, id)
		suggestion = "retry the operation"
	}

	return New(CategoryConflict, code, message).
		WithSuggestion(suggestion).
		WithContext("entity", entity).
		WithContext("id", id)
}

// NotFoundError creates an error for a missing movement, target, suggestion or link
func NotFoundError(code ErrorCode, entity, id string) *Error {
	return New(CategoryNotFound, code, fmt.Sprintf("%s not found: %s", entity, id)).
		WithSuggestion("verify the identifier and the tenant scope").
		WithContext("entity", entity).
		WithContext("id", id)
}

// ExternalServiceError creates an error for a degraded external dependency.
// Callers are expected to degrade gracefully rather than abort.
func ExternalServiceError(code ErrorCode, service string, err error) *Error {
	var message string
	var suggestion string

	switch code {
	case CodeSimilarityUnavailable:
		message = fmt.Sprintf("similarity service unavailable: %s", service)
		suggestion = "description scores degrade to 0 until the service recovers"
	case CodeTimeout:
		message = fmt.Sprintf("timeout calling %s", service)
		suggestion = "increase the timeout setting or check network health"
	case CodeCircuitOpen:
		message = fmt.Sprintf("circuit breaker open for %s", service)
		suggestion = "the service is marked unhealthy; calls resume after the cooldown"
	default:
		message = fmt.Sprintf("external service error: %s", service)
		suggestion = "check the service endpoint and try again"
	}

	var result *Error
	if err != nil {
		result = Wrap(err, CategoryExternal, code, message)
	} else {
		result = New(CategoryExternal, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("service", service)
}

// SuggestionStaleError creates an error for a suggestion whose underlying
// state changed between generation and acceptance
func SuggestionStaleError(code ErrorCode, suggestionID, detail string) *Error {
	return New(CategoryStale, code,
		fmt.Sprintf("suggestion %s is stale: %s", suggestionID, detail)).
		WithSuggestion("regenerate suggestions and review the new proposal").
		WithContext("suggestion_id", suggestionID)
}

// InvariantViolation creates a fatal error for a write that would break an
// allocation invariant. It must never be swallowed; the enclosing transaction
// aborts and a critical audit entry is recorded.
func InvariantViolation(code ErrorCode, detail string) *Error {
	var message string

	switch code {
	case CodeOverAllocation:
		message = fmt.Sprintf("allocation invariant violated: %s", detail)
	case CodeResidualTooLarge:
		message = fmt.Sprintf("residual above tolerance: %s", detail)
	case CodeWeightsInvalid:
		message = fmt.Sprintf("feature weights invalid: %s", detail)
	default:
		message = fmt.Sprintf("invariant violated: %s", detail)
	}

	return New(CategoryInvariant, code, message).
		WithSuggestion("this indicates corrupt state or a bug; investigate the critical audit entry").
		WithContext("detail", detail)
}

// ConfigurationError creates a configuration-related error
func ConfigurationError(code ErrorCode, setting string, value interface{}) *Error {
	var message string
	var suggestion string

	switch code {
	case CodeInvalidConfig:
		message = fmt.Sprintf("invalid configuration for '%s': %v", setting, value)
		suggestion = "check the configuration documentation for valid values"
	case CodeMissingConfig:
		message = fmt.Sprintf("missing required configuration: %s", setting)
		suggestion = "provide this configuration setting or use a config file"
	default:
		message = fmt.Sprintf("configuration error: %s", setting)
		suggestion = "check your configuration and try again"
	}

	return New(CategoryConfiguration, code, message).
		WithSuggestion(suggestion).
		WithContext("setting", setting).
		WithContext("value", value)
}

// StorageError wraps a database error
func StorageError(code ErrorCode, operation string, err error) *Error {
	message := fmt.Sprintf("storage error during %s", operation)

	var result *Error
	if err != nil {
		result = Wrap(err, CategoryStorage, code, message)
	} else {
		result = New(CategoryStorage, code, message)
	}

	return result.
		WithSuggestion("check database connectivity and schema").
		WithContext("operation", operation)
}

// InternalError creates an internal error
func InternalError(operation string, err error) *Error {
	message := fmt.Sprintf("unexpected error during %s", operation)

	var result *Error
	if err != nil {
		result = Wrap(err, CategoryInternal, CodeUnexpectedError, message)
	} else {
		result = New(CategoryInternal, CodeUnexpectedError, message)
	}

	return result.
		WithSuggestion("this is likely a bug - please report it with the error details").
		WithContext("operation", operation)
}

// Utility functions

// IsRetryable reports whether the error is a transient conflict that may
// succeed on retry. Only optimistic-concurrency conflicts qualify.
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	return ok && e.Category == CategoryConflict
}

// IsCategory reports whether the error belongs to the given category
func IsCategory(err error, category ErrorCategory) bool {
	e, ok := AsError(err)
	return ok && e.Category == category
}

// AsError extracts an *Error from an error chain
func AsError(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// WrapIfNeeded wraps an error if it's not already an *Error
func WrapIfNeeded(err error, category ErrorCategory, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}

	if appErr, ok := AsError(err); ok {
		return appErr
	}

	return Wrap(err, category, code, message)
}

// ErrorSummary provides a summary of multiple errors
type ErrorSummary struct {
	Total        int                   `json:"total"`
	ByCategory   map[ErrorCategory]int `json:"by_category"`
	ByCode       map[ErrorCode]int     `json:"by_code"`
	Errors       []*Error              `json:"errors"`
	SampleErrors []*Error              `json:"sample_errors,omitempty"`
}

// NewErrorSummary creates a new error summary
func NewErrorSummary(errs []*Error) *ErrorSummary {
	summary := &ErrorSummary{
		Total:      len(errs),
		ByCategory: make(map[ErrorCategory]int),
		ByCode:     make(map[ErrorCode]int),
		Errors:     errs,
	}

	if len(errs) == 0 {
		summary.Errors = []*Error{}
		return summary
	}

	for _, err := range errs {
		summary.ByCategory[err.Category]++
		summary.ByCode[err.Code]++
	}

	// Include sample errors (max 5)
	maxSamples := 5
	if len(errs) > maxSamples {
		summary.SampleErrors = errs[:maxSamples]
	} else {
		summary.SampleErrors = errs
	}

	return summary
}

// Error returns a formatted error message for the summary
func (es *ErrorSummary) Error() string {
	if es.Total == 0 {
		return "no errors"
	}

	if es.Total == 1 {
		return es.Errors[0].Error()
	}

	var categories []string
	for category, count := range es.ByCategory {
		categories = append(categories, fmt.Sprintf("%s: %d", category, count))
	}

	return fmt.Sprintf("%d errors occurred (%s)", es.Total, strings.Join(categories, ", "))
}

// HasCategory checks if the summary contains errors of the given category
func (es *ErrorSummary) HasCategory(category ErrorCategory) bool {
	count, exists := es.ByCategory[category]
	return exists && count > 0
}

// GetExitCode returns the highest priority exit code from all errors
func (es *ErrorSummary) GetExitCode() int {
	if es.Total == 0 {
		return 0
	}

	maxCode := 1
	for _, err := range es.Errors {
		if code := err.GetExitCode(); code > maxCode {
			maxCode = code
		}
	}

	return maxCode
}
