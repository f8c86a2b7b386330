package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/procmesh/internal/util"
	"github.com/hupe1980/procmesh/logging"
)

// FunctionTool is a generic adapter that exposes a plain Go function as a Tool.
//
// Responsibilities:
//   - Holds a lightweight JSON-Schema-like parameter schema (parameters)
//   - Validates arguments against that schema before execution
//   - Normalizes error handling so callers receive consistent errors:
//     *ValidationError -> schema / argument mismatch
//     *APIError        -> the function failed (code EXECUTION_ERROR unless the
//     function returned its own *APIError)
//
// Concurrency:
//
//	A FunctionTool has no internal mutable state after construction and is safe for
//	concurrent use by multiple goroutines.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(ctx context.Context, args map[string]any) (Result, error)
	logger      logging.Logger
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
//
// Example:
//
//	sumTool := NewFunctionTool(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(ctx context.Context, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(ctx context.Context, args map[string]any) (any, error),
) *FunctionTool {
	return NewResultTool(name, description, parameters, func(ctx context.Context, args map[string]any) (Result, error) {
		out, err := fn(ctx, args)
		if err != nil {
			return Result{}, err
		}
		return Result{Output: out}, nil
	})
}

// NewResultTool is like NewFunctionTool but lets the function return a full
// Result, including logs or a SessionSpec.
func NewResultTool(
	name, description string,
	parameters map[string]any,
	fn func(ctx context.Context, args map[string]any) (Result, error),
) *FunctionTool {
	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
		logger:      logging.NoOpLogger{},
	}
}

// NewFunctionToolFromStruct derives the parameter schema from a struct using
// reflection (see util.CreateSchema).
//
// Example:
//
//	type SumArgs struct {
//	  A float64 `json:"a" description:"First addend"`
//	  B float64 `json:"b" description:"Second addend"`
//	}
//
//	sumTool := NewFunctionToolFromStruct("calculate_sum", "Calculate the sum of two numbers", SumArgs{}, fn)
func NewFunctionToolFromStruct(
	name, description string,
	structType any,
	fn func(ctx context.Context, args map[string]any) (any, error),
) *FunctionTool {
	return NewFunctionTool(name, description, util.CreateSchema(structType), fn)
}

// WithLogger sets the logger used for call diagnostics and returns the tool.
func (t *FunctionTool) WithLogger(l logging.Logger) *FunctionTool {
	t.logger = logging.OrNoOp(l)
	return t
}

// Name returns the unique tool name.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the short natural language description.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the (minimal) JSON schema describing expected arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Call validates the provided args against the declared schema then invokes
// the underlying function.
//
// Logging Fields:
//
//	tool: tool name
//	duration_ms: execution time in milliseconds
func (t *FunctionTool) Call(ctx context.Context, args map[string]any) (Result, error) {
	start := time.Now()

	t.logger.Debug("tool.call.start", "tool", t.name)

	if err := util.ValidateParameters(args, t.parameters); err != nil {
		t.logger.Warn("tool.call.validation_failed", "tool", t.name, "error", err.Error())
		return Result{}, newValidationError(t.name, err)
	}

	result, err := t.fn(ctx, args)
	if err != nil {
		t.logger.Error("tool.call.error", "tool", t.name, "error", err.Error())
		return Result{}, AsAPIError(t.name, err)
	}

	t.logger.Info("tool.call.success", "tool", t.name, "duration_ms", time.Since(start).Milliseconds())

	return result, nil
}

func newValidationError(tool string, err error) *ValidationError {
	if ve, ok := err.(*util.ValidationError); ok {
		return &ValidationError{Tool: tool, Field: ve.Field, Message: ve.Message}
	}
	return &ValidationError{Tool: tool, Message: fmt.Sprint(err)}
}
