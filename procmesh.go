// Package procmesh provides a high-level façade over the engine, the step
// scheduler and the dispatch tree, enabling rapid construction of networks
// of communicating processes. Most applications interact with this package
// by:
//  1. Creating a Mesh via New() or NewFromFile()
//  2. Building processes with the Mesh constructors (thinkers, hubs, modules)
//  3. Spawning them and talking to them through the Mesh inbox (Send)
//
// The façade delegates routing and lifecycle to engine.Engine while keeping
// setup concise. All defaults are safe for local development and testing.
package procmesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/hupe1980/procmesh/config"
	"github.com/hupe1980/procmesh/core"
	"github.com/hupe1980/procmesh/dispatch"
	"github.com/hupe1980/procmesh/engine"
	"github.com/hupe1980/procmesh/logging"
	"github.com/hupe1980/procmesh/model"
	"github.com/hupe1980/procmesh/model/anthropic"
	"github.com/hupe1980/procmesh/model/openai"
	"github.com/hupe1980/procmesh/oracle"
	"github.com/hupe1980/procmesh/process"
	"github.com/hupe1980/procmesh/scheduler"
	"github.com/hupe1980/procmesh/tool"
	"github.com/hupe1980/procmesh/trace"
	"github.com/hupe1980/procmesh/trace/sqlite"
)

// InboxAddress is the address of the mesh's own process. Messages sent with
// Mesh.Send come from it, and replies to them land in Mesh.Inbox.
const InboxAddress core.Address = "mesh"

// Options configures the Mesh instance.
type Options struct {
	Config config.Config

	// Logger defaults to a MeshLogger built from Config.Log.
	Logger logging.Logger
	// Recorder defaults to the backend selected by Config.Trace.
	Recorder trace.Recorder
	// Model defaults to the provider selected by Config.Oracle.
	Model model.Model
	// ModelStrategy makes hubs route with the model instead of keyword
	// matching.
	ModelStrategy bool
}

type closer interface {
	Close(ctx context.Context) error
}

// Mesh is the high-level façade aggregating the engine and its collaborators.
type Mesh struct {
	opts     Options
	engine   *engine.Engine
	logger   logging.Logger
	recorder trace.Recorder
	model    model.Model
	inbox    *process.Base
	store    *sqlite.Store

	mu      sync.Mutex
	closers []closer
}

// New creates a Mesh. Unset collaborators are built from Options.Config.
func New(optFns ...func(o *Options)) (*Mesh, error) {
	opts := Options{Config: config.Default()}
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	m := &Mesh{opts: opts}

	m.logger = opts.Logger
	if m.logger == nil {
		level, _ := logging.ParseLevel(opts.Config.Log.Level)
		m.logger = logging.NewSlogLogger(level, opts.Config.Log.Format, opts.Config.Log.AddSource).WithComponent("procmesh")
	}

	m.recorder = opts.Recorder
	if m.recorder == nil {
		rec, store, err := newRecorder(opts.Config.Trace)
		if err != nil {
			return nil, err
		}
		m.recorder, m.store = rec, store
	}

	m.model = opts.Model
	if m.model == nil {
		m.model = newModel(opts.Config.Oracle)
	}
	m.model = model.WithTimeout(m.model, opts.Config.Oracle.Timeout.Duration)

	m.engine = engine.New(func(o *engine.Options) {
		o.Config.MaxProcesses = opts.Config.Engine.MaxProcesses
		o.Logger = m.logger
		o.Recorder = m.recorder
	})

	m.inbox = process.NewBase(InboxAddress, m.engine, func(o *process.Options) {
		o.Logger = m.logger
		o.Recorder = m.recorder
	})
	if err := m.engine.Register(m.inbox); err != nil {
		m.closeStore()
		return nil, err
	}
	return m, nil
}

// NewFromFile loads a YAML or TOML configuration and creates a Mesh from it.
func NewFromFile(path string, optFns ...func(o *Options)) (*Mesh, error) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return New(append([]func(o *Options){func(o *Options) { o.Config = cfg }}, optFns...)...)
}

func newRecorder(cfg config.TraceConfig) (trace.Recorder, *sqlite.Store, error) {
	switch cfg.Backend {
	case "none":
		return trace.NopRecorder{}, nil, nil
	case "sqlite":
		store, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("procmesh: %w", err)
		}
		return store, store, nil
	default:
		return trace.NewInMemoryRecorder(), nil, nil
	}
}

func newModel(cfg config.OracleConfig) model.Model {
	switch cfg.Provider {
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			o.Temperature = cfg.Temperature
			o.MaxCompletionTokens = cfg.MaxTokens
			o.APIKey = cfg.APIKey()
		})
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			if cfg.Model != "" {
				o.Model = anthropicsdk.Model(cfg.Model)
			}
			o.Temperature = cfg.Temperature
			o.MaxTokens = cfg.MaxTokens
			o.APIKey = cfg.APIKey()
		})
	default:
		return model.NewMockModel("mock", "mock")
	}
}

// Engine returns the underlying engine.
func (m *Mesh) Engine() *engine.Engine { return m.engine }

// Logger returns the mesh logger.
func (m *Mesh) Logger() logging.Logger { return m.logger }

// Recorder returns the trace recorder.
func (m *Mesh) Recorder() trace.Recorder { return m.recorder }

// Model returns the model used by model-backed oracles and strategies.
func (m *Mesh) Model() model.Model { return m.model }

// Inbox returns the mesh's own process.
func (m *Mesh) Inbox() *process.Base { return m.inbox }

// Register adds a passive process (hubs, modules, plain processes).
func (m *Mesh) Register(p core.Process) error {
	if err := m.engine.Register(p); err != nil {
		return err
	}
	m.track(p)
	return nil
}

// Spawn registers p and starts its loop if it has one.
func (m *Mesh) Spawn(ctx context.Context, p core.Process) error {
	if err := m.engine.Spawn(ctx, p); err != nil {
		return err
	}
	m.track(p)
	return nil
}

func (m *Mesh) track(p core.Process) {
	if c, ok := p.(closer); ok {
		m.mu.Lock()
		m.closers = append(m.closers, c)
		m.mu.Unlock()
	}
}

// Send delivers content from the mesh inbox to targets.
func (m *Mesh) Send(ctx context.Context, content string, targets ...core.Address) (core.DeliveryResult, error) {
	return m.inbox.Send(ctx, targets, content, core.KindCommunication)
}

// NewProcess builds a plain process.
func (m *Mesh) NewProcess(addr core.Address) *process.Base {
	return process.NewBase(addr, m.engine, func(o *process.Options) {
		o.Logger = m.logger
		o.Recorder = m.recorder
	})
}

// NewThinker builds a thinker driven by o with the configured scheduler
// settings.
func (m *Mesh) NewThinker(addr core.Address, o oracle.Oracle) (*scheduler.Thinker, error) {
	cfg := m.opts.Config.Scheduler
	policy, err := scheduler.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		return nil, err
	}
	return scheduler.NewThinker(addr, m.engine, o, func(to *scheduler.ThinkerOptions) {
		to.Scheduler = scheduler.Config{
			MaxOracleCalls:         cfg.MaxOracleCalls,
			FailurePolicy:          policy,
			MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
			StartImmediately:       cfg.StartImmediately,
		}
		to.Logger = m.logger
		to.Recorder = m.recorder
	}), nil
}

// NewModelThinker builds a thinker whose oracle is the mesh model.
func (m *Mesh) NewModelThinker(addr core.Address, persona string) (*scheduler.Thinker, error) {
	o := oracle.NewModelOracle(m.model, func(mo *oracle.ModelOptions) {
		mo.Persona = persona
		if persona == "" {
			mo.Persona = m.opts.Config.Oracle.Persona
		}
		mo.Logger = m.logger
	})
	return m.NewThinker(addr, o)
}

// NewHub builds a dispatch hub.
func (m *Mesh) NewHub(addr core.Address) *dispatch.Hub {
	return dispatch.NewHub(addr, m.engine, func(o *dispatch.HubOptions) {
		if m.opts.ModelStrategy {
			o.Strategy = dispatch.NewModelStrategy(m.model)
		}
		o.MaxIDAttempts = m.opts.Config.Dispatch.MaxIDAttempts
		o.Logger = m.logger
		o.Recorder = m.recorder
	})
}

// NewModule builds a terminal dispatch module serving t.
func (m *Mesh) NewModule(addr core.Address, t tool.Tool) *dispatch.Module {
	return dispatch.NewModule(addr, m.engine, t, func(o *dispatch.ModuleOptions) {
		o.Workers = m.opts.Config.Dispatch.Workers
		o.MaxIDAttempts = m.opts.Config.Dispatch.MaxIDAttempts
		o.Logger = m.logger
		o.Recorder = m.recorder
	})
}

// Shutdown stops every loop, drains dispatch workers and closes the trace
// store. Without a deadline on ctx, Config.Engine.ShutdownTimeout applies.
func (m *Mesh) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok && m.opts.Config.Engine.ShutdownTimeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.Config.Engine.ShutdownTimeout.Duration)
		defer cancel()
	}

	var errs []error
	if err := m.engine.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	m.mu.Lock()
	closers := append([]closer(nil), m.closers...)
	m.mu.Unlock()
	for _, c := range closers {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.closeStore(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Mesh) closeStore() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}
