package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/procmesh/core"
	"github.com/hupe1980/procmesh/logging"
	"github.com/hupe1980/procmesh/trace"
)

// ErrCapacity is returned when registering a process would exceed
// Config.MaxProcesses.
var ErrCapacity = errors.New("engine: process capacity reached")

// ErrDuplicateAddress is returned when an address is registered twice.
var ErrDuplicateAddress = errors.New("engine: duplicate address")

// Config defines tuning parameters for the Engine's operational behavior.
//
// Example:
//
//	cfg := Config{
//	    MaxProcesses: 1024,
//	}
type Config struct {
	// MaxProcesses limits the number of live processes. It provides
	// backpressure against runaway spawning (e.g. a module spawning a session
	// per request). Set to 0 for unlimited.
	MaxProcesses int
}

// DefaultConfig provides production-ready default configuration values.
//
// Configuration values:
//   - MaxProcesses: 0 (unlimited)
var DefaultConfig = Config{
	MaxProcesses: 0,
}

// Options configures an Engine instance using the functional options pattern.
//
// Example:
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.Logger = logger
//	    o.Recorder = trace.NewInMemoryRecorder()
//	})
type Options struct {
	// Config contains operational parameters for the engine behavior.
	// Defaults to DefaultConfig if not specified.
	Config Config

	// Logger provides structured logging for debugging and monitoring.
	// Defaults to NoOp logger if nil to ensure no logging dependencies.
	Logger logging.Logger

	// Recorder receives process lifecycle trace events. Defaults to a no-op.
	Recorder trace.Recorder

	// Callbacks are executed at process lifecycle points. Optional.
	Callbacks *CallbackManager
}

// starter is implemented by processes that track a Created to Running
// transition (see process.Base).
type starter interface {
	Start()
}

// Engine is the process registry, router and spawner of a procmesh system.
//
// Core Responsibilities:
//   - Registry: thread-safe registration and lookup of processes by address
//   - Routing: implements core.Resolver for every send in the system
//   - Spawning: starts Runnable processes on their own goroutine and tracks
//     them for cancellation and shutdown
//
// Concurrency Model:
//   - Registration and lookup are guarded by an RWMutex
//   - Each Runnable gets a derived context; Shutdown cancels all of them and
//     waits for their loops to return
//
// The engine does not own message handling. Delivery happens by calling the
// resolved process's HandleMessage from the sender's goroutine.
type Engine struct {
	logger    logging.Logger
	recorder  trace.Recorder
	callbacks *CallbackManager
	config    Config

	// Process registry - protected by mu
	procs map[core.Address]core.Process
	mu    sync.RWMutex

	// Running loops - protected by runningMu
	running   map[core.Address]context.CancelFunc
	runningMu sync.Mutex
	wg        sync.WaitGroup
}

// New creates a new Engine with sensible defaults and optional configuration.
//
// Examples:
//
//	// Minimal setup with all defaults
//	eng := engine.New()
//
//	// Bounded registry with logging
//	eng := engine.New(func(o *engine.Options) {
//	    o.Config.MaxProcesses = 256
//	    o.Logger = logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	})
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	callbacks := opts.Callbacks
	if callbacks == nil {
		callbacks = NewCallbackManager()
	}

	return &Engine{
		logger:    logging.OrNoOp(opts.Logger),
		recorder:  trace.OrNop(opts.Recorder),
		callbacks: callbacks,
		config:    opts.Config,
		procs:     make(map[core.Address]core.Process),
		running:   make(map[core.Address]context.CancelFunc),
	}
}

// Logger returns the engine logger so processes can share it.
func (e *Engine) Logger() logging.Logger { return e.logger }

// Recorder returns the engine trace recorder so processes can share it.
func (e *Engine) Recorder() trace.Recorder { return e.recorder }

// Callbacks returns the engine's callback manager.
func (e *Engine) Callbacks() *CallbackManager { return e.callbacks }

// Register adds a process to the registry, making it resolvable by its
// address. Processes embedding process.Base are moved to Running.
//
// Registering the same address twice fails with ErrDuplicateAddress; use
// Deregister first to replace a process.
func (e *Engine) Register(p core.Process) error {
	addr := p.Address()
	if addr.IsZero() {
		return errors.New("engine: process has empty address")
	}

	e.mu.Lock()
	if _, exists := e.procs[addr]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateAddress, addr)
	}
	if e.config.MaxProcesses > 0 && len(e.procs) >= e.config.MaxProcesses {
		e.mu.Unlock()
		return fmt.Errorf("%w (%d)", ErrCapacity, e.config.MaxProcesses)
	}
	e.procs[addr] = p
	e.mu.Unlock()

	if s, ok := p.(starter); ok {
		s.Start()
	}
	e.logger.Debug("process registered", "process", addr)
	return nil
}

// Deregister removes a process from the registry and cancels its loop if
// one is running. Unknown addresses are ignored.
func (e *Engine) Deregister(addr core.Address) {
	e.mu.Lock()
	_, existed := e.procs[addr]
	delete(e.procs, addr)
	e.mu.Unlock()

	e.runningMu.Lock()
	cancel, running := e.running[addr]
	delete(e.running, addr)
	e.runningMu.Unlock()
	if running {
		cancel()
	}

	if existed {
		e.logger.Debug("process deregistered", "process", addr)
		_ = e.callbacks.ExecuteCallbacks(context.Background(), CallbackOnDeregister, &CallbackContext{Process: addr, CallbackType: CallbackOnDeregister})
	}
}

// Resolve implements core.Resolver. Unknown addresses yield an error wrapping
// core.ErrUnknownRecipient.
func (e *Engine) Resolve(addr core.Address) (core.Process, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.procs[addr]
	if !ok {
		return nil, fmt.Errorf("engine: %w: %s", core.ErrUnknownRecipient, addr)
	}
	return p, nil
}

// Processes returns the addresses of all live processes, sorted.
func (e *Engine) Processes() []core.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]core.Address, 0, len(e.procs))
	for addr := range e.procs {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Spawn registers p and, if it is a core.Runnable, starts its Run loop on a
// dedicated goroutine with a context derived from ctx. When the loop returns
// the process is deregistered; a non-nil error other than cancellation is
// logged and passed to CallbackOnRunError callbacks.
//
// BeforeSpawn callbacks may veto the spawn by returning an error.
func (e *Engine) Spawn(ctx context.Context, p core.Process) error {
	cbCtx := &CallbackContext{Process: p.Address(), CallbackType: CallbackBeforeSpawn}
	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackBeforeSpawn, cbCtx); err != nil {
		return fmt.Errorf("engine: spawn %s rejected: %w", p.Address(), err)
	}
	if err := e.Register(p); err != nil {
		return err
	}

	r, ok := p.(core.Runnable)
	if ok {
		runCtx, cancel := context.WithCancel(ctx)
		e.runningMu.Lock()
		e.running[p.Address()] = cancel
		e.runningMu.Unlock()

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer e.Deregister(r.Address())

			if err := r.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("process run failed", "process", r.Address(), "error", err)
				_ = e.callbacks.ExecuteCallbacks(context.Background(), CallbackOnRunError, &CallbackContext{
					Process:      r.Address(),
					CallbackType: CallbackOnRunError,
					Err:          err,
				})
			}
		}()
	}

	_ = e.callbacks.ExecuteCallbacks(ctx, CallbackAfterSpawn, &CallbackContext{Process: p.Address(), CallbackType: CallbackAfterSpawn})
	e.logger.Info("process spawned", "process", p.Address(), "runnable", ok)
	return nil
}

// Stop cancels the running loop of one process.
func (e *Engine) Stop(addr core.Address) error {
	e.runningMu.Lock()
	cancel, exists := e.running[addr]
	e.runningMu.Unlock()

	if !exists {
		return fmt.Errorf("engine: process %s has no running loop", addr)
	}
	cancel()
	return nil
}

// Shutdown cancels every running loop and waits for them to return, or for
// ctx to be done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.runningMu.Lock()
	for _, cancel := range e.running {
		cancel()
	}
	e.runningMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("engine shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine: shutdown: %w", ctx.Err())
	}
}
