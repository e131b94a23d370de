// Package deployerr defines the coded errors reported by a deployment attempt.
package deployerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error represents a deployment failure with additional context for troubleshooting.
type Error struct {
	// Code identifies the error type
	Code Code

	// Message is the primary error message
	Message string

	// Context provides additional details
	Context map[string]interface{}

	// Cause is the underlying error (if any)
	Cause error

	// Suggestion provides actionable guidance for resolving the error
	Suggestion string
}

// Code identifies categories of errors
type Code string

const (
	// Fatal before anything is spawned
	CodeConfiguration Code = "CONFIGURATION_ERROR"
	CodePackaging     Code = "PACKAGING_ERROR"
	CodeResolution    Code = "RESOLUTION_ERROR"

	// Process lifecycle errors
	CodeLaunch            Code = "LAUNCH_ERROR"
	CodeTimedOut          Code = "DEPLOYMENT_TIMED_OUT"
	CodeCancelled         Code = "DEPLOYMENT_CANCELLED"
	CodeProcessExited     Code = "PROCESS_EXITED"
	CodeSignalledError    Code = "DEPLOYMENT_SIGNALLED_ERROR"
	CodeProcessNotAlive   Code = "PROCESS_NOT_ALIVE"
	CodeTerminationFailed Code = "TERMINATION_FAILED"
)

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "; ")
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and message
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause adds the underlying cause to the error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithSuggestion adds an actionable suggestion to the error
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// Common error constructors with helpful suggestions

// ErrInvalidDebugPort is returned when the configured debug port is not an integer port.
func ErrInvalidDebugPort(value string, cause error) *Error {
	return New(CodeConfiguration,
		fmt.Sprintf("Failed to parse debug port of %q", value)).
		WithContext("debug_port", value).
		WithCause(cause).
		WithSuggestion("Set PRISM_HARNESS_DEBUG_PORT to an integer between 1 and 65535, or unset it")
}

// ErrInvalidConfiguration creates an error for configuration validation failures
func ErrInvalidConfiguration(field string, value interface{}, reason string) *Error {
	return New(CodeConfiguration,
		fmt.Sprintf("Invalid configuration: %s", reason)).
		WithContext("field", field).
		WithContext("value", value)
}

// ErrNonStaticFactory is returned when an annotated container factory method is not static.
func ErrNonStaticFactory(testName, method string) *Error {
	return New(CodeConfiguration,
		fmt.Sprintf("Method annotated with Container is %s but it is not static", method)).
		WithContext("test", testName).
		WithContext("method", method).
		WithSuggestion("Declare the container factory method as static")
}

// ErrPackaging creates an error for bundle build or export failures
func ErrPackaging(name string, cause error) *Error {
	return New(CodePackaging,
		fmt.Sprintf("Failed to package bundle '%s'", name)).
		WithContext("bundle", name).
		WithCause(cause).
		WithSuggestion("Packaging failures are deterministic: fix the build inputs and retry")
}

// ErrResolution wraps a failure reported by the dependency resolver
func ErrResolution(request string, cause error) *Error {
	return New(CodeResolution,
		fmt.Sprintf("Failed to resolve dependencies for %s", request)).
		WithContext("request", request).
		WithCause(cause)
}

// ErrLaunch creates an error for process spawn failures
func ErrLaunch(command string, cause error) *Error {
	return New(CodeLaunch,
		fmt.Sprintf("Failed to start process '%s'", command)).
		WithContext("command", command).
		WithCause(cause).
		WithSuggestion(
			"Common causes:\n" +
				"  1. Runtime binary not found or not runnable\n" +
				"  2. Working directory missing\n" +
				"  3. Insufficient permissions")
}

// ErrTimedOut reports that no readiness signal arrived in the allotted window
func ErrTimedOut(timeout fmt.Stringer) *Error {
	return New(CodeTimedOut,
		fmt.Sprintf("No deployment signal within %s", timeout)).
		WithContext("timeout", timeout.String()).
		WithSuggestion("The process was left running and is stopped by the container; check its output for slow startup")
}

// ErrCancelled reports that the caller abandoned the attempt before the
// process gave any evidence of success or failure
func ErrCancelled(cause error) *Error {
	return New(CodeCancelled, "Deployment cancelled before the process signalled").
		WithCause(cause).
		WithSuggestion("The attempt was interrupted by the caller; the process is stopped by the container")
}

// ErrProcessExited reports that the process died before signalling
func ErrProcessExited(exitCode int, cause error) *Error {
	return New(CodeProcessExited,
		fmt.Sprintf("Process exited with status %d before signalling deployment", exitCode)).
		WithContext("exit_code", exitCode).
		WithCause(cause).
		WithSuggestion("Check the process output for startup errors")
}

// ErrSignalled reports an explicit deployment failure sent by the process
func ErrSignalled(cause error) *Error {
	return New(CodeSignalledError, "Error starting process").
		WithCause(cause)
}

// ErrProcessNotAlive reports a ready signal contradicted by a dead process
func ErrProcessNotAlive() *Error {
	return New(CodeProcessNotAlive, "Process failed to start").
		WithSuggestion("The process signalled readiness but was not alive immediately after")
}

// ErrTerminationFailed creates an error for process termination failures
func ErrTerminationFailed(pid int, cause error) *Error {
	return New(CodeTerminationFailed,
		fmt.Sprintf("Failed to terminate process %d", pid)).
		WithContext("pid", pid).
		WithCause(cause).
		WithSuggestion("Force kill the process: kill -9 <pid>")
}

// IsCode checks if an error chain contains an Error with the specified code
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the first Error in the chain, or empty string
func CodeOf(err error) Code {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Code
	}
	return ""
}

// SuggestionOf returns the suggestion from an error, or empty string if not available
func SuggestionOf(err error) string {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Suggestion
	}
	return ""
}
