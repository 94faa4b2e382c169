package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

// Error categories
const (
	// Instruction errors (INSTR-001 to INSTR-099)
	ErrCodeNotFound      ErrorCode = "INSTR-001"
	ErrCodeAlreadyExists ErrorCode = "INSTR-002"

	// Workflow errors (FLOW-001 to FLOW-099)
	ErrCodeInvalidPhaseTransition ErrorCode = "FLOW-001"
	ErrCodeIncompleteExecution    ErrorCode = "FLOW-002"

	// Dispatch errors (TOOL-001 to TOOL-099)
	ErrCodeUnknownTool      ErrorCode = "TOOL-001"
	ErrCodeInvalidArguments ErrorCode = "TOOL-002"
	ErrCodeExternalTool     ErrorCode = "TOOL-003"

	// Storage errors (STORE-001 to STORE-099)
	ErrCodeStorage ErrorCode = "STORE-001"
)

// ForemanError represents an enhanced error with code, suggestions, and cause
type ForemanError struct {
	Code        ErrorCode
	Message     string
	Suggestions []string
	Cause       error
}

// Error implements the error interface
func (e *ForemanError) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(": %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for _, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  • %s", suggestion))
		}
	}

	return b.String()
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *ForemanError) Unwrap() error {
	return e.Cause
}

// New creates a new ForemanError
func New(code ErrorCode, message string) *ForemanError {
	return &ForemanError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new ForemanError wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *ForemanError {
	return &ForemanError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithSuggestion adds a suggestion to the error
func (e *ForemanError) WithSuggestion(suggestion string) *ForemanError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// WithSuggestions adds multiple suggestions to the error
func (e *ForemanError) WithSuggestions(suggestions ...string) *ForemanError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// CodeOf extracts the error code from err, unwrapping as needed.
// Returns an empty code when err carries no ForemanError.
func CodeOf(err error) ErrorCode {
	var fe *ForemanError
	if stderrors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// Common error constructors for frequently used errors

// NewNotFoundError creates an unknown-instruction error
func NewNotFoundError(id string) *ForemanError {
	return New(ErrCodeNotFound, fmt.Sprintf("instruction not found: %s", id)).
		WithSuggestion("Run 'foreman status' to list known instructions").
		WithSuggestion("Check if the instruction id is correct")
}

// NewAlreadyExistsError creates an id-collision error
func NewAlreadyExistsError(id string) *ForemanError {
	return New(ErrCodeAlreadyExists, fmt.Sprintf("instruction already exists: %s", id)).
		WithSuggestion("Omit the id to have one assigned at creation")
}

// NewInvalidPhaseError creates a phase-ordering violation error.
// Both phases are named so the caller can see where the workflow stands.
func NewInvalidPhaseError(operation, current, required string) *ForemanError {
	return New(ErrCodeInvalidPhaseTransition,
		fmt.Sprintf("%s requires phase %s but instruction is in phase %s", operation, required, current)).
		WithSuggestion("Phases advance strictly forward and are never revisited").
		WithSuggestion(fmt.Sprintf("Complete the %s phase before calling %s", current, operation))
}

// NewIncompleteExecutionError creates a premature-report error
func NewIncompleteExecutionError(pending []string) *ForemanError {
	return New(ErrCodeIncompleteExecution,
		fmt.Sprintf("execution plan has %d unexecuted steps: %s", len(pending), strings.Join(pending, ", "))).
		WithSuggestion("Call execute_step for each remaining plan step").
		WithSuggestion("Then retry generate_final_report")
}

// NewUnknownToolError creates an unresolvable-tool error
func NewUnknownToolError(name string) *ForemanError {
	return New(ErrCodeUnknownTool, fmt.Sprintf("unknown tool: %s", name)).
		WithSuggestion("Check the tool name against the server's advertised tool list")
}

// NewInvalidArgumentsError creates a malformed-arguments error naming the field
func NewInvalidArgumentsError(field, detail string) *ForemanError {
	return New(ErrCodeInvalidArguments, fmt.Sprintf("invalid argument %q: %s", field, detail)).
		WithSuggestion(fmt.Sprintf("Provide a valid value for %q and retry", field))
}

// NewExternalToolError wraps a failure from a pass-through capability
func NewExternalToolError(tool string, cause error) *ForemanError {
	return Wrap(ErrCodeExternalTool, fmt.Sprintf("external tool %s failed", tool), cause).
		WithSuggestion("Retry policy is owned by the caller; the dispatcher does not retry")
}

// NewStorageError wraps a persistence failure. The prior persisted record
// is intact; the mutation did not apply.
func NewStorageError(op string, cause error) *ForemanError {
	return Wrap(ErrCodeStorage, fmt.Sprintf("storage %s failed", op), cause).
		WithSuggestion("The mutation did not apply; retry the call").
		WithSuggestion("Check that the data directory is writable")
}
