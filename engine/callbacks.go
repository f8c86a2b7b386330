package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/procmesh/core"
)

// CallbackType defines the lifecycle points where callbacks can be executed.
//
// Callbacks provide a hook into process lifecycle management without
// modifying the engine. They run synchronously on the goroutine that
// triggered them.
type CallbackType string

const (
	// CallbackBeforeSpawn is triggered before a process is registered by
	// Spawn. Returning an error rejects the spawn.
	CallbackBeforeSpawn CallbackType = "before_spawn"

	// CallbackAfterSpawn is triggered once a process is registered and its
	// loop, if any, is started.
	CallbackAfterSpawn CallbackType = "after_spawn"

	// CallbackOnRunError is triggered when a Runnable's loop returns an error.
	CallbackOnRunError CallbackType = "on_run_error"

	// CallbackOnDeregister is triggered after a process leaves the registry.
	CallbackOnDeregister CallbackType = "on_deregister"
)

// CallbackContext carries the data passed to a callback.
type CallbackContext struct {
	// Process is the address of the process the callback concerns.
	Process core.Address

	// CallbackType indicates which lifecycle point triggered this execution.
	CallbackType CallbackType

	// Err is set for CallbackOnRunError.
	Err error

	// Metadata provides extensible storage for custom callback data.
	Metadata map[string]any
}

// Callback is a lifecycle hook.
type Callback interface {
	// Type returns the callback type this implementation handles.
	Type() CallbackType

	// Execute performs the callback logic. Returning an error from a
	// CallbackBeforeSpawn callback aborts the spawn; other errors are ignored.
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback adapts a function to the Callback interface.
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a callback that runs fn at callbackType.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type implements Callback.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute implements Callback.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager stores callbacks by type and executes them in registration
// order. It is safe for concurrent use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks runs all callbacks of a type, stopping at the first error.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	cm.mu.RLock()
	callbacks := append([]Callback(nil), cm.callbacks[callbackType]...)
	cm.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}

	return nil
}

// LoggingCallback writes a one-line summary for every execution.
type LoggingCallback struct {
	callbackType CallbackType
	logger       func(message string)
}

// NewLoggingCallback creates a logging callback for callbackType.
func NewLoggingCallback(callbackType CallbackType, logger func(message string)) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type implements Callback.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute implements Callback.
func (c *LoggingCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.logger != nil {
		message := fmt.Sprintf("[%s] process: %s", c.callbackType, callbackCtx.Process)
		if callbackCtx.Err != nil {
			message += fmt.Sprintf(", error: %v", callbackCtx.Err)
		}
		c.logger(message)
	}
	return nil
}
