package process

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/procmesh/core"
	"github.com/hupe1980/procmesh/logging"
	"github.com/hupe1980/procmesh/trace"
)

// Options configures a Base process.
type Options struct {
	// Logger receives lifecycle and delivery diagnostics. Nil disables logging.
	Logger logging.Logger
	// Recorder receives trace events. Nil disables tracing.
	Recorder trace.Recorder
}

// deregisterer is implemented by resolvers that track live processes and
// want to forget them when they terminate.
type deregisterer interface {
	Deregister(addr core.Address)
}

// Base bundles the state every process kind shares: address, reference
// table, mailbox and lifecycle, plus the send and terminate primitives. Embed
// it in concrete process implementations. All exported methods are
// goroutine-safe.
type Base struct {
	addr     core.Address
	refs     *core.ReferenceTable
	mailbox  *Mailbox
	resolver core.Resolver
	logger   logging.Logger
	recorder trace.Recorder

	mu     sync.Mutex
	state  core.Lifecycle
	ending bool
}

// NewBase constructs a Base owning addr. resolver is used to look up send
// targets; it is usually the engine the process is registered with.
func NewBase(addr core.Address, resolver core.Resolver, optFns ...func(o *Options)) *Base {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Base{
		addr:     addr,
		refs:     core.NewReferenceTable(),
		mailbox:  NewMailbox(),
		resolver: resolver,
		logger:   logging.OrNoOp(opts.Logger),
		recorder: trace.OrNop(opts.Recorder),
		state:    core.LifecycleCreated,
	}
}

// Address returns the process address.
func (b *Base) Address() core.Address { return b.addr }

// References returns the process's reference table.
func (b *Base) References() *core.ReferenceTable { return b.refs }

// Mailbox returns the process's mailbox.
func (b *Base) Mailbox() *Mailbox { return b.mailbox }

// Resolver returns the resolver used for sends.
func (b *Base) Resolver() core.Resolver { return b.resolver }

// Logger returns the process logger.
func (b *Base) Logger() logging.Logger { return b.logger }

// Recorder returns the trace recorder.
func (b *Base) Recorder() trace.Recorder { return b.recorder }

// State returns the current lifecycle state.
func (b *Base) State() core.Lifecycle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Start moves a created process to running. Calling it in any other state is
// a no-op.
func (b *Base) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == core.LifecycleCreated {
		b.state = core.LifecycleRunning
	}
}

// HandleMessage enqueues msg in the mailbox. It returns as soon as the message
// is buffered; processing happens in a later step.
func (b *Base) HandleMessage(_ context.Context, msg core.Message) error {
	if err := b.mailbox.Push(msg); err != nil {
		return fmt.Errorf("process %s: %w", b.addr, err)
	}
	b.trace(trace.KindHandled, string(msg.Sender), msg.ID)
	return nil
}

// Send builds a message authored by this process and delivers it to every
// target. See Deliver for the delivery contract.
func (b *Base) Send(ctx context.Context, targets []core.Address, content string, kind core.MessageKind) (core.DeliveryResult, error) {
	return b.Deliver(ctx, targets, core.NewMessage(b.addr, kind, content, nil))
}

// Broadcast sends content to every communication subscriber.
func (b *Base) Broadcast(ctx context.Context, content string) (core.DeliveryResult, error) {
	return b.Send(ctx, b.refs.Subscribers(core.KindCommunication), content, core.KindCommunication)
}

// Deliver sends a prebuilt message to every target, exactly once each.
//
// All targets are resolved before anything is delivered: if any target is
// unknown the send fails with core.ErrUnknownRecipient and no copy leaves.
// Resolved targets then receive the same message concurrently. When some
// HandleMessage calls fail, the result lists them and the returned error is a
// *core.DeliveryError; copies that were delivered stay delivered.
//
// Delivering after the process began terminating fails with
// core.ErrSendAfterTerminal. End-process messages fail with
// core.ErrEndProcessSend; Terminate is the only way to emit one.
func (b *Base) Deliver(ctx context.Context, targets []core.Address, msg core.Message) (core.DeliveryResult, error) {
	if msg.Sender != b.addr {
		return core.DeliveryResult{Message: msg}, fmt.Errorf("process %s: message sender %q is not this process", b.addr, msg.Sender)
	}
	if msg.IsEndProcess() {
		return core.DeliveryResult{Message: msg}, fmt.Errorf("process %s: %w", b.addr, core.ErrEndProcessSend)
	}
	if err := b.markSending(msg.Kind); err != nil {
		return core.DeliveryResult{Message: msg}, err
	}

	targets = dedupe(targets)
	procs, err := b.resolveAll(targets)
	if err != nil {
		return core.DeliveryResult{Message: msg}, err
	}
	return b.fanOut(ctx, msg, targets, procs)
}

// Terminate emits the single end-process message to terminal subscribers,
// moves the process to status and closes its mailbox. Subscribers that can no
// longer be resolved are reported in the result but do not stop the others
// from being notified. A second call fails with core.ErrSendAfterTerminal.
func (b *Base) Terminate(ctx context.Context, status core.Lifecycle, content string) (core.DeliveryResult, error) {
	if !status.IsTerminal() {
		return core.DeliveryResult{}, fmt.Errorf("process %s: terminate with non-terminal state %s", b.addr, status)
	}
	msg := core.NewMessage(b.addr, core.KindEndProcess, content, nil)
	if err := b.markSending(core.KindEndProcess); err != nil {
		return core.DeliveryResult{Message: msg}, err
	}

	targets := b.refs.Subscribers(core.KindEndProcess)
	procs := make([]core.Process, len(targets))
	unresolved := make(map[core.Address]error)
	for i, addr := range targets {
		p, err := b.resolver.Resolve(addr)
		if err != nil {
			unresolved[addr] = err
			continue
		}
		procs[i] = p
	}

	res, deliverErr := b.fanOut(ctx, msg, targets, procs)
	for addr, err := range unresolved {
		if res.Failed == nil {
			res.Failed = make(map[core.Address]error)
		}
		res.Failed[addr] = err
	}
	if deliverErr == nil && len(res.Failed) > 0 {
		deliverErr = &core.DeliveryError{MessageID: msg.ID, Failed: res.Failed}
	}

	b.mu.Lock()
	b.state = status
	b.mu.Unlock()

	if dropped := b.mailbox.Close(); len(dropped) > 0 {
		b.logger.Warn("process terminated with unprocessed messages", "process", b.addr, "dropped", len(dropped))
	}
	b.trace(trace.KindTerminated, status.String(), content)
	if d, ok := b.resolver.(deregisterer); ok {
		d.Deregister(b.addr)
	}
	b.logger.Debug("process terminated", "process", b.addr, "status", status.String())
	return res, deliverErr
}

func (b *Base) markSending(kind core.MessageKind) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ending || b.state.IsTerminal() {
		return fmt.Errorf("process %s: %w", b.addr, core.ErrSendAfterTerminal)
	}
	if kind == core.KindEndProcess {
		b.ending = true
	}
	return nil
}

func (b *Base) resolveAll(targets []core.Address) ([]core.Process, error) {
	procs := make([]core.Process, len(targets))
	var errs []error
	for i, addr := range targets {
		p, err := b.resolver.Resolve(addr)
		if err != nil {
			if !errors.Is(err, core.ErrUnknownRecipient) {
				err = fmt.Errorf("%w: %s: %v", core.ErrUnknownRecipient, addr, err)
			}
			errs = append(errs, err)
			continue
		}
		procs[i] = p
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("process %s: send aborted: %w", b.addr, errors.Join(errs...))
	}
	return procs, nil
}

// fanOut delivers msg concurrently to every non-nil entry of procs.
func (b *Base) fanOut(ctx context.Context, msg core.Message, targets []core.Address, procs []core.Process) (core.DeliveryResult, error) {
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, p := range procs {
		if p == nil {
			continue
		}
		wg.Add(1)
		go func(i int, p core.Process) {
			defer wg.Done()
			errs[i] = p.HandleMessage(ctx, msg)
		}(i, p)
	}
	wg.Wait()

	res := core.DeliveryResult{Message: msg}
	for i, addr := range targets {
		if procs[i] == nil {
			continue
		}
		if errs[i] != nil {
			if res.Failed == nil {
				res.Failed = make(map[core.Address]error)
			}
			res.Failed[addr] = errs[i]
			b.logger.Warn("delivery failed", "process", b.addr, "target", addr, "error", errs[i])
			continue
		}
		res.Delivered = append(res.Delivered, addr)
		b.trace(trace.KindDelivered, string(addr), msg.ID)
	}
	if len(res.Failed) > 0 {
		return res, &core.DeliveryError{MessageID: msg.ID, Failed: res.Failed}
	}
	return res, nil
}

func (b *Base) trace(kind trace.Kind, subject, detail string) {
	if err := b.recorder.Record(trace.Event{Kind: kind, Process: b.addr, Subject: subject, Detail: detail}); err != nil {
		b.logger.Warn("trace record failed", "process", b.addr, "kind", string(kind), "error", err)
	}
}

// Trace records an event attributed to this process.
func (b *Base) Trace(kind trace.Kind, subject, detail string) { b.trace(kind, subject, detail) }

func dedupe(addrs []core.Address) []core.Address {
	seen := make(map[core.Address]struct{}, len(addrs))
	out := make([]core.Address, 0, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
