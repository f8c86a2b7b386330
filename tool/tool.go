// Package tool implements the external API capabilities that terminal
// dispatch modules expose: a Tool performs one call against an outside
// system, and a Translator turns free-form request text into validated
// arguments and the tool's result back into report text.
package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/procmesh/core"
)

// Tool is an external API capability.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define a JSON schema for their parameters
//   - Return *APIError (or any error, which is wrapped) on failure
//   - Be safe for concurrent use; a module may serve several calls at once
type Tool interface {
	// Name returns the unique identifier for this tool (snake_case recommended).
	Name() string

	// Description returns a human-readable description of what this tool
	// does. Dispatch strategies use it to route requests.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	Parameters() map[string]any

	// Call executes the tool with already validated arguments.
	Call(ctx context.Context, args map[string]any) (Result, error)
}

// Result is the outcome of a successful call.
type Result struct {
	// Output is the API's return value. It must be JSON-serializable.
	Output any `json:"output"`
	// Logs are diagnostic lines produced during the call.
	Logs []string `json:"logs,omitempty"`
	// Session, when set, asks the module to spawn an interactive session
	// process and advertise it to the caller.
	Session *SessionSpec `json:"-"`
}

// SessionSpec describes an interactive session created by a call.
type SessionSpec struct {
	// Description is advertised to the caller and stored in its reference
	// table when it adds the session.
	Description string
	// Interactor answers messages sent to the session.
	Interactor Interactor
}

// Interactor handles the conversation of an interactive session. Respond
// returns the reply to broadcast to the session's peers and whether the
// session is finished.
type Interactor interface {
	Respond(ctx context.Context, from core.Address, text string) (reply string, done bool, err error)
}

// InteractorFunc adapts a function to the Interactor interface.
type InteractorFunc func(ctx context.Context, from core.Address, text string) (string, bool, error)

// Respond implements Interactor.
func (f InteractorFunc) Respond(ctx context.Context, from core.Address, text string) (string, bool, error) {
	return f(ctx, from, text)
}

// ValidationError reports request text that could not be turned into valid
// arguments. It matches core.ErrValidation with errors.Is.
type ValidationError struct {
	Tool    string `json:"tool"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("tool %s: invalid argument %q: %s", e.Tool, e.Field, e.Message)
	}
	return fmt.Sprintf("tool %s: invalid arguments: %s", e.Tool, e.Message)
}

// Is makes errors.Is(err, core.ErrValidation) hold.
func (e *ValidationError) Is(target error) bool { return target == core.ErrValidation }

// APIError represents a failure of the external API call. It matches
// core.ErrAPI with errors.Is.
type APIError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
	Err     error  `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("api error in %s: %s", e.Tool, e.Message)
}

// Is makes errors.Is(err, core.ErrAPI) hold.
func (e *APIError) Is(target error) bool { return target == core.ErrAPI }

// Unwrap returns the underlying cause, if any.
func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new APIError with the specified details.
func NewAPIError(tool, message, code string) *APIError {
	return &APIError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// AsAPIError wraps err as an *APIError unless it already is one or is a
// *ValidationError.
func AsAPIError(tool string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return err
	}
	return &APIError{Tool: tool, Message: err.Error(), Code: "EXECUTION_ERROR", Err: err}
}
