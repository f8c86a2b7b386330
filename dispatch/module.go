package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/procmesh/core"
	"github.com/hupe1980/procmesh/logging"
	"github.com/hupe1980/procmesh/process"
	"github.com/hupe1980/procmesh/tool"
	"github.com/hupe1980/procmesh/trace"
)

// ModuleOptions configures a Module.
type ModuleOptions struct {
	// Translator parses request text and formats results. Defaults to a
	// JSONTranslator for the module's tool.
	Translator tool.Translator
	// Workers caps concurrent tool calls; 0 means unlimited.
	Workers       int
	IDGenerator   IDGenerator
	MaxIDAttempts int
	Logger        logging.Logger
	Recorder      trace.Recorder
}

// Module is a terminal dispatch tree node owning exactly one tool.
//
// HandleMessage records the call and returns; a worker goroutine then runs
// parse, call and format, and sends exactly one report to the caller.
// Validation and API errors become failed reports.
type Module struct {
	*process.Base
	tool       tool.Tool
	translator tool.Translator
	calls      *CallTable
	logger     logging.Logger
	recorder   trace.Recorder
	sem        chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Dispatcher = (*Module)(nil)

// NewModule creates a module at addr serving t.
func NewModule(addr core.Address, resolver core.Resolver, t tool.Tool, optFns ...func(o *ModuleOptions)) *Module {
	opts := ModuleOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Translator == nil {
		opts.Translator = tool.NewJSONTranslator(t)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Module{
		Base: process.NewBase(addr, resolver, func(o *process.Options) {
			o.Logger = opts.Logger
			o.Recorder = opts.Recorder
		}),
		tool:       t,
		translator: opts.Translator,
		calls: NewCallTable(addr, func(o *CallTableOptions) {
			if opts.IDGenerator != nil {
				o.IDGenerator = opts.IDGenerator
			}
			if opts.MaxIDAttempts > 0 {
				o.MaxAttempts = opts.MaxIDAttempts
			}
			o.Recorder = opts.Recorder
		}),
		logger:   logging.OrNoOp(opts.Logger),
		recorder: opts.Recorder,
		ctx:      ctx,
		cancel:   cancel,
	}
	if opts.Workers > 0 {
		m.sem = make(chan struct{}, opts.Workers)
	}
	return m
}

// Calls returns the module's call table.
func (m *Module) Calls() *CallTable { return m.calls }

// Tool returns the served tool.
func (m *Module) Tool() tool.Tool { return m.tool }

// HandleMessage implements core.Process.
func (m *Module) HandleMessage(_ context.Context, msg core.Message) error {
	if m.State().IsTerminal() {
		return fmt.Errorf("module %s: %w", m.Address(), core.ErrMailboxClosed)
	}
	if msg.IsEndProcess() {
		return nil
	}
	if role, _ := msg.Meta(MetaRole); role == RoleReport {
		return fmt.Errorf("module %s: %w: modules forward no calls", m.Address(), ErrUnknownCall)
	}

	entry, err := m.calls.Create(summarize(msg.Content, 80), msg.Sender, msg.CorrelationID)
	if err != nil {
		return fmt.Errorf("module %s: %w", m.Address(), err)
	}
	if _, err := m.calls.Transition(entry.LocalID, StatusRunning); err != nil {
		return fmt.Errorf("module %s: %w", m.Address(), err)
	}
	m.Trace(trace.KindHandled, string(msg.Sender), msg.ID)

	m.wg.Add(1)
	go m.serve(entry, msg)
	return nil
}

func (m *Module) serve(entry CallEntry, msg core.Message) {
	defer m.wg.Done()

	if m.sem != nil {
		select {
		case m.sem <- struct{}{}:
			defer func() { <-m.sem }()
		case <-m.ctx.Done():
			return
		}
	}

	content, status, md := m.execute(m.ctx, msg)
	if _, err := m.calls.Transition(entry.LocalID, status); err != nil {
		m.logger.Error("module.transition_failed", "module", m.Address(), "call", entry.LocalID, "error", err)
	}
	md[MetaRole] = RoleReport
	md[MetaStatus] = status.String()
	report := core.NewMessage(m.Address(), core.KindCommunication, content, md).WithCorrelation(entry.Upstream)

	_, err := m.Deliver(m.ctx, []core.Address{entry.Caller}, report)
	if err != nil && callerGone(err) {
		err = fmt.Errorf("module %s: %w: %w", m.Address(), core.ErrOrphanedReply, err)
	}
	_ = m.calls.Retire(entry.LocalID)
	logging.Dispatch(m.logger, "module.report", entry.LocalID, status.String(), err)
}

func (m *Module) execute(ctx context.Context, msg core.Message) (string, CallStatus, map[string]string) {
	md := make(map[string]string, 4)
	fail := func(kind ErrorKind, err error) (string, CallStatus, map[string]string) {
		md[MetaError] = string(kind)
		return err.Error(), StatusFailed, md
	}

	args, err := m.translator.ParseAndValidate(ctx, msg.Content)
	if err != nil {
		return fail(ErrorValidation, err)
	}

	res, err := m.tool.Call(ctx, args)
	if err != nil {
		err = tool.AsAPIError(m.tool.Name(), err)
		if errors.Is(err, core.ErrValidation) {
			return fail(ErrorValidation, err)
		}
		return fail(ErrorExecution, err)
	}

	out, err := m.translator.FormatReturn(ctx, res)
	if err != nil {
		return fail(ErrorExecution, err)
	}

	if res.Session != nil {
		addr, err := m.spawnSession(ctx, res.Session)
		if err != nil {
			return fail(ErrorExecution, err)
		}
		md[MetaSessionAddress] = string(addr)
		md[MetaSessionDescription] = res.Session.Description
	}
	return out, StatusCompleted, md
}

func (m *Module) spawnSession(ctx context.Context, spec *tool.SessionSpec) (core.Address, error) {
	spawner, ok := m.Resolver().(core.Spawner)
	if !ok {
		return "", fmt.Errorf("module %s: resolver cannot spawn sessions", m.Address())
	}
	if spec.Interactor == nil {
		return "", fmt.Errorf("module %s: session without interactor", m.Address())
	}

	s := NewSession(core.NewAddress(string(m.Address())+"-session"), spawner, spec.Interactor, func(o *SessionOptions) {
		o.Description = spec.Description
		o.Logger = m.logger
		o.Recorder = m.recorder
	})
	// The session outlives this call and the module.
	if err := spawner.Spawn(context.WithoutCancel(ctx), s); err != nil {
		return "", fmt.Errorf("module %s: spawn session: %w", m.Address(), err)
	}
	return s.Address(), nil
}

// Close waits for running calls to report, or until ctx is done, then
// cancels whatever is still running.
func (m *Module) Close(ctx context.Context) error {
	err := waitGroup(ctx, &m.wg)
	m.cancel()
	return err
}
