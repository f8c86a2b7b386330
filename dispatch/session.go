package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/procmesh/core"
	"github.com/hupe1980/procmesh/logging"
	"github.com/hupe1980/procmesh/process"
	"github.com/hupe1980/procmesh/tool"
	"github.com/hupe1980/procmesh/trace"
)

// SessionOptions configures a Session.
type SessionOptions struct {
	Description string
	Logger      logging.Logger
	Recorder    trace.Recorder
}

// Session is an interactive process spawned by a module for a manageable
// call. It answers every message through its interactor and ends on a stop
// command or when the interactor reports it is done. The dispatch tree does
// not track it.
type Session struct {
	*process.Base
	interactor  tool.Interactor
	description string
	logger      logging.Logger
}

var _ core.Runnable = (*Session)(nil)

// NewSession creates a session at addr.
func NewSession(addr core.Address, resolver core.Resolver, interactor tool.Interactor, optFns ...func(o *SessionOptions)) *Session {
	opts := SessionOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Session{
		Base: process.NewBase(addr, resolver, func(o *process.Options) {
			o.Logger = opts.Logger
			o.Recorder = opts.Recorder
		}),
		interactor:  interactor,
		description: opts.Description,
		logger:      logging.OrNoOp(opts.Logger),
	}
}

// Description returns what the session offers.
func (s *Session) Description() string { return s.description }

// HandleMessage implements core.Process. channel.open commands are applied
// on receipt; everything else is queued for Run.
func (s *Session) HandleMessage(ctx context.Context, msg core.Message) error {
	if c, ok := msg.Meta(MetaControl); ok && c == ControlChannelOpen {
		return s.openChannel(msg)
	}
	return s.Base.HandleMessage(ctx, msg)
}

func (s *Session) openChannel(msg core.Message) error {
	if s.State().IsTerminal() {
		return fmt.Errorf("session %s: %w", s.Address(), core.ErrMailboxClosed)
	}
	peer, _ := msg.Meta(MetaPeer)
	if peer == "" {
		return fmt.Errorf("session %s: channel.open without peer", s.Address())
	}

	refs := s.References()
	addr := core.Address(peer)
	if err := refs.AddReference(addr, "session peer"); err != nil {
		return fmt.Errorf("session %s: %w", s.Address(), err)
	}
	if err := refs.AddSubscriber(addr, core.AllMessages); err != nil {
		return fmt.Errorf("session %s: %w", s.Address(), err)
	}
	if err := refs.Subscribe(addr); err != nil {
		return fmt.Errorf("session %s: %w", s.Address(), err)
	}
	s.Trace(trace.KindChannelOpened, peer, string(msg.Sender))
	s.logger.Debug("session.channel_opened", "session", s.Address(), "peer", peer)
	return nil
}

// Run implements core.Runnable.
func (s *Session) Run(ctx context.Context) error {
	for {
		if err := s.Mailbox().Wait(ctx, ""); err != nil {
			if errors.Is(err, core.ErrMailboxClosed) {
				return nil
			}
			return err
		}

		for _, msg := range s.Mailbox().Drain() {
			if msg.IsEndProcess() {
				s.logger.Debug("session.peer_ended", "session", s.Address(), "peer", msg.Sender)
				continue
			}
			if IsStop(msg) {
				return s.end(ctx, "session stopped")
			}

			reply, done, err := s.interactor.Respond(ctx, msg.Sender, msg.Content)
			if err != nil {
				s.logger.Warn("session.respond_failed", "session", s.Address(), "from", msg.Sender, "error", err)
				reply = "error: " + err.Error()
			}
			if reply != "" {
				s.reply(ctx, msg.Sender, reply)
			}
			if done {
				return s.end(ctx, "")
			}
		}
	}
}

// reply answers the sender and every communication subscriber.
func (s *Session) reply(ctx context.Context, to core.Address, text string) {
	targets := append(s.References().Subscribers(core.KindCommunication), to)
	if _, err := s.Send(ctx, targets, text, core.KindCommunication); err != nil {
		s.logger.Warn("session.reply_failed", "session", s.Address(), "error", err)
	}
}

func (s *Session) end(ctx context.Context, content string) error {
	if _, err := s.Terminate(ctx, core.LifecycleCompleted, content); err != nil {
		s.logger.Warn("session.terminate", "session", s.Address(), "error", err)
	}
	return nil
}
