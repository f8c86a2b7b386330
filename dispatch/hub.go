package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/procmesh/core"
	"github.com/hupe1980/procmesh/logging"
	"github.com/hupe1980/procmesh/process"
	"github.com/hupe1980/procmesh/trace"
)

// Dispatcher is implemented by hubs and modules. A report forwarded to a
// dispatcher is still in flight; only a non-dispatcher caller ends the chain.
type Dispatcher interface {
	core.Process
	Calls() *CallTable
}

// HubOptions configures a Hub.
type HubOptions struct {
	Strategy    Strategy
	IDGenerator IDGenerator
	// MaxIDAttempts bounds local id generation retries; 0 keeps the call
	// table default.
	MaxIDAttempts int
	Logger        logging.Logger
	Recorder      trace.Recorder
}

// Hub is an inner dispatch tree node. Its children are the entries of its
// reference table.
//
// Requests are recorded, forwarded to one child and acknowledged at once.
// Reports are matched to their entry, forwarded to the caller and awaited:
// HandleMessage for a report returns only after the caller handled it.
type Hub struct {
	*process.Base
	calls    *CallTable
	strategy Strategy
	logger   logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Dispatcher = (*Hub)(nil)

// NewHub creates a hub at addr.
func NewHub(addr core.Address, resolver core.Resolver, optFns ...func(o *HubOptions)) *Hub {
	opts := HubOptions{Strategy: StaticStrategy{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Strategy == nil {
		opts.Strategy = StaticStrategy{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		Base: process.NewBase(addr, resolver, func(o *process.Options) {
			o.Logger = opts.Logger
			o.Recorder = opts.Recorder
		}),
		calls: NewCallTable(addr, func(o *CallTableOptions) {
			if opts.IDGenerator != nil {
				o.IDGenerator = opts.IDGenerator
			}
			if opts.MaxIDAttempts > 0 {
				o.MaxAttempts = opts.MaxIDAttempts
			}
			o.Recorder = opts.Recorder
		}),
		strategy: opts.Strategy,
		logger:   logging.OrNoOp(opts.Logger),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Calls returns the hub's call table.
func (h *Hub) Calls() *CallTable { return h.calls }

// AddChild makes addr routable from this hub.
func (h *Hub) AddChild(addr core.Address, description string) error {
	return h.References().AddReference(addr, description)
}

// HandleMessage implements core.Process.
func (h *Hub) HandleMessage(ctx context.Context, msg core.Message) error {
	if h.State().IsTerminal() {
		return fmt.Errorf("hub %s: %w", h.Address(), core.ErrMailboxClosed)
	}
	defer h.Trace(trace.KindHandled, string(msg.Sender), msg.ID)

	if msg.IsEndProcess() {
		h.logger.Debug("hub.end_process", "hub", h.Address(), "from", msg.Sender)
		return nil
	}

	typ, err := h.strategy.Classify(ctx, msg)
	if err != nil {
		h.notifyFailure("", msg.Sender, msg.CorrelationID, ErrorUnknownMessageType, err)
		return nil
	}
	if typ == MessageReport {
		return h.handleReport(ctx, msg)
	}
	h.handleRequest(ctx, msg)
	return nil
}

func (h *Hub) handleRequest(ctx context.Context, msg core.Message) {
	summary, err := h.strategy.Summarize(ctx, msg.Content)
	if err != nil {
		h.logger.Warn("hub.summarize_failed", "hub", h.Address(), "error", err)
		summary = summarize(msg.Content, 80)
	}

	entry, err := h.calls.Create(summary, msg.Sender, msg.CorrelationID)
	if err != nil {
		h.notifyFailure("", msg.Sender, msg.CorrelationID, ErrorForward, err)
		return
	}

	child, err := h.strategy.SelectChild(ctx, msg.Content, h.References().Entries())
	if err != nil {
		_, _ = h.calls.Transition(entry.LocalID, StatusFailed)
		h.notifyFailure(entry.LocalID, entry.Caller, entry.Upstream, ErrorNoHandler, err)
		return
	}

	// Running before forwarding: a fast child may report before Deliver returns.
	_ = h.calls.SetChild(entry.LocalID, child)
	if _, err := h.calls.Transition(entry.LocalID, StatusRunning); err != nil {
		h.notifyFailure(entry.LocalID, entry.Caller, entry.Upstream, ErrorForward, err)
		return
	}

	fwd := core.NewMessage(h.Address(), core.KindCommunication, msg.Content, map[string]string{MetaRole: RoleRequest}).
		WithCorrelation(entry.LocalID)
	if _, err := h.Deliver(ctx, []core.Address{child}, fwd); err != nil {
		if _, terr := h.calls.Transition(entry.LocalID, StatusFailed); terr == nil {
			h.notifyFailure(entry.LocalID, entry.Caller, entry.Upstream, ErrorForward, err)
		}
		return
	}
	logging.Dispatch(h.logger, "hub.forward", entry.LocalID, StatusRunning.String(), nil)
}

func (h *Hub) handleReport(ctx context.Context, msg core.Message) error {
	entry, ok := h.calls.Lookup(msg.CorrelationID)
	if !ok || entry.Child != msg.Sender {
		err := fmt.Errorf("hub %s: %w: %q from %s", h.Address(), ErrUnknownCall, msg.CorrelationID, msg.Sender)
		logging.Dispatch(h.logger, "hub.report", msg.CorrelationID, "rejected", err)
		return err
	}

	content := msg.Content
	md := msg.Metadata()
	if md == nil {
		md = make(map[string]string, 2)
	}
	status, err := h.strategy.ReplyStatus(ctx, msg, entry)
	if err != nil {
		status = StatusFailed
		content = fmt.Sprintf("%s: %v\n%s", ErrorUndeterminedStatus, err, msg.Content)
		md[MetaError] = string(ErrorUndeterminedStatus)
	}
	if _, err := h.calls.Transition(entry.LocalID, status); err != nil {
		return fmt.Errorf("hub %s: %w", h.Address(), err)
	}

	md[MetaRole] = RoleReport
	md[MetaStatus] = status.String()
	up := core.NewMessage(h.Address(), core.KindCommunication, content, md).WithCorrelation(entry.Upstream)

	_, err = h.Deliver(ctx, []core.Address{entry.Caller}, up)
	_ = h.calls.Retire(entry.LocalID)
	if err != nil {
		if callerGone(err) {
			err = fmt.Errorf("hub %s: %w: caller %s of call %s: %w", h.Address(), core.ErrOrphanedReply, entry.Caller, entry.LocalID, err)
		}
		logging.Dispatch(h.logger, "hub.report", entry.LocalID, status.String(), err)
		return err
	}
	logging.Dispatch(h.logger, "hub.report", entry.LocalID, status.String(), nil)

	h.openChannel(ctx, entry.Caller, up)
	return nil
}

// openChannel introduces a session advertised by a report to the caller that
// received it. It runs only after the caller handled the report, and only at
// the hub whose caller ends the dispatch chain.
func (h *Hub) openChannel(ctx context.Context, caller core.Address, report core.Message) {
	session, _, ok := SessionOf(report)
	if !ok {
		return
	}
	p, err := h.Resolver().Resolve(caller)
	if err != nil {
		return
	}
	if _, isDispatcher := p.(Dispatcher); isDispatcher {
		return
	}

	cmd := core.NewMessage(h.Address(), core.KindCommunication, ControlChannelOpen, map[string]string{
		MetaControl: ControlChannelOpen,
		MetaPeer:    string(caller),
	})
	if _, err := h.Deliver(ctx, []core.Address{session}, cmd); err != nil {
		h.logger.Warn("hub.channel_open_failed", "hub", h.Address(), "session", session, "caller", caller, "error", err)
	}
}

// notifyFailure reports a failed request to its caller in the background, so
// the request path never waits on the caller. localID, when set, is retired
// afterwards.
func (h *Hub) notifyFailure(localID string, caller core.Address, upstream string, kind ErrorKind, cause error) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		report := NewReport(h.Address(), fmt.Sprintf("%s: %v", kind, cause), StatusFailed, upstream).
			WithMeta(MetaError, string(kind))
		_, err := h.Deliver(h.ctx, []core.Address{caller}, report)
		if localID != "" {
			_ = h.calls.Retire(localID)
		}
		logging.Dispatch(h.logger, "hub.error_report", localID, string(kind), err)
	}()
}

// Close waits for pending failure notifications, or until ctx is done.
func (h *Hub) Close(ctx context.Context) error {
	defer h.cancel()
	return waitGroup(ctx, &h.wg)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
