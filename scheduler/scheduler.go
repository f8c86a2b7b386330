package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hupe1980/procmesh/core"
	"github.com/hupe1980/procmesh/logging"
	"github.com/hupe1980/procmesh/oracle"
	"github.com/hupe1980/procmesh/process"
	"github.com/hupe1980/procmesh/trace"
)

// ErrTerminated is returned by Step once the driven process has terminated.
var ErrTerminated = errors.New("scheduler: process terminated")

// FailurePolicy selects what a process does after a step failure.
type FailurePolicy int

const (
	// FailTerminate ends the process with status Failed.
	FailTerminate FailurePolicy = iota
	// FailContinue keeps the process alive; the aborted batch is retried by
	// the next step.
	FailContinue
)

// String returns the policy name.
func (p FailurePolicy) String() string {
	switch p {
	case FailTerminate:
		return "terminate"
	case FailContinue:
		return "continue"
	default:
		return "unknown"
	}
}

// ParseFailurePolicy parses "terminate" or "continue".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "terminate", "":
		return FailTerminate, nil
	case "continue":
		return FailContinue, nil
	default:
		return FailTerminate, fmt.Errorf("scheduler: unknown failure policy %q", s)
	}
}

// Config defines tuning parameters for a scheduler.
type Config struct {
	// MaxOracleCalls bounds the oracle calls of one step. 0 means unlimited.
	MaxOracleCalls int
	// FailurePolicy decides what Run does after a step failure.
	FailurePolicy FailurePolicy
	// MaxConsecutiveFailures stops Run under FailContinue once this many steps
	// in a row failed; the process then terminates as Failed. 0 means never.
	MaxConsecutiveFailures int
	// StartImmediately runs the first step without waiting for a message.
	StartImmediately bool
}

// DefaultConfig provides the default scheduler configuration.
//
// Configuration values:
//   - MaxOracleCalls: 16
//   - FailurePolicy: FailTerminate
//   - MaxConsecutiveFailures: 3
var DefaultConfig = Config{
	MaxOracleCalls:         16,
	FailurePolicy:          FailTerminate,
	MaxConsecutiveFailures: 3,
}

// Options configures a Scheduler.
type Options struct {
	Config   Config
	Logger   logging.Logger
	Recorder trace.Recorder
}

// Host is the process a scheduler drives. *process.Base implements it.
type Host interface {
	Address() core.Address
	References() *core.ReferenceTable
	Mailbox() *process.Mailbox
	Resolver() core.Resolver
	State() core.Lifecycle
	Send(ctx context.Context, targets []core.Address, content string, kind core.MessageKind) (core.DeliveryResult, error)
	Terminate(ctx context.Context, status core.Lifecycle, content string) (core.DeliveryResult, error)
}

// Outcome is how a committed step ends.
type Outcome int

const (
	// OutcomeContinue starts the next step immediately.
	OutcomeContinue Outcome = iota
	// OutcomeAwait suspends until a message arrives.
	OutcomeAwait
	// OutcomeTerminated means the process terminated.
	OutcomeTerminated
)

// StepResult describes a committed step.
type StepResult struct {
	Step        uint64
	Consumed    int
	OracleCalls int
	Committed   int
	Outcome     Outcome
	// WaitFrom restricts the wait to one sender when Outcome is OutcomeAwait.
	WaitFrom core.Address
	// Deliveries holds one result per committed send, in commit order.
	Deliveries []core.DeliveryResult
	// CommitErrors lists effects that failed while committing. Committed
	// effects are not revoked.
	CommitErrors []error
}

// StepError reports an aborted step. It matches core.ErrStepFailure with
// errors.Is and unwraps to the last oracle or validation error.
type StepError struct {
	Process     core.Address
	Step        uint64
	OracleCalls int
	Err         error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d of %s failed after %d oracle calls: %v", e.Step, e.Process, e.OracleCalls, e.Err)
}

// Unwrap exposes core.ErrStepFailure and the cause.
func (e *StepError) Unwrap() []error { return []error{core.ErrStepFailure, e.Err} }

// Scheduler drives the steps of one process.
type Scheduler struct {
	host     Host
	oracle   oracle.Oracle
	config   Config
	logger   logging.Logger
	recorder trace.Recorder

	stepMu sync.Mutex
	step   uint64
}

// New creates a scheduler for host consulting o.
func New(host Host, o oracle.Oracle, optFns ...func(o *Options)) *Scheduler {
	opts := Options{Config: DefaultConfig}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Scheduler{
		host:     host,
		oracle:   o,
		config:   opts.Config,
		logger:   logging.OrNoOp(opts.Logger),
		recorder: trace.OrNop(opts.Recorder),
	}
}

// Steps returns the number of steps started so far.
func (s *Scheduler) Steps() uint64 {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()
	return s.step
}

// Step runs one step: drain, decide until complete, commit. Concurrent calls
// are serialized.
func (s *Scheduler) Step(ctx context.Context) (StepResult, error) {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()

	if s.host.State().IsTerminal() {
		return StepResult{}, ErrTerminated
	}

	s.step++
	start := time.Now()
	self := s.host.Address()
	batch := s.host.Mailbox().Drain()
	res := StepResult{Step: s.step, Consumed: len(batch)}
	s.record(trace.KindStepStarted, strconv.FormatUint(s.step, 10), strconv.Itoa(len(batch)))

	var (
		state    oracle.State
		budget   = oracle.Budget{Limit: s.config.MaxOracleCalls}
		feedback string
		failed   int
	)
	for !state.Complete() {
		if err := budget.Spend(); err != nil {
			return res, s.abort(batch, res, err, start)
		}
		res.OracleCalls++

		refs := s.host.References()
		d, err := s.oracle.Decide(ctx, oracle.Context{
			Self:        self,
			Step:        s.step,
			Call:        res.OracleCalls,
			Remaining:   budget.Remaining(),
			References:  refs.Entries(),
			Subscribers: refs.Subscribers(core.KindCommunication),
			Inbox:       batch,
			State:       state.Clone(),
			Feedback:    feedback,
		})
		if err == nil {
			err = s.checkRecipients(d)
		}
		if err == nil {
			err = state.Apply(d)
		}
		if err == nil {
			failed, feedback = 0, ""
			continue
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, s.abort(batch, res, ctxErr, start)
		}
		failed++
		s.logger.Warn("step.oracle.rejected", "process", self, "step", s.step, "call", res.OracleCalls, "error", err)
		if failed > 1 {
			return res, s.abort(batch, res, err, start)
		}
		feedback = err.Error()
	}

	s.commit(ctx, state, &res)

	switch {
	case state.Terminate != nil:
		res.Outcome = OutcomeTerminated
		if _, err := s.host.Terminate(ctx, state.Terminate.Status, state.Terminate.Content); err != nil {
			res.CommitErrors = append(res.CommitErrors, err)
		}
	case state.Wait:
		res.Outcome, res.WaitFrom = OutcomeAwait, state.WaitFrom
	default:
		res.Outcome = OutcomeContinue
	}

	logging.Step(s.logger, s.step, res.OracleCalls, res.Committed, time.Since(start), nil)
	return res, nil
}

// checkRecipients rejects decisions addressing processes that cannot be
// resolved, so the oracle gets a chance to correct itself before commit.
func (s *Scheduler) checkRecipients(d oracle.Decision) error {
	resolver := s.host.Resolver()
	for i, in := range d.Instructions {
		if in.Kind != oracle.KindAppendSend {
			continue
		}
		for _, t := range in.Targets {
			if _, err := resolver.Resolve(t); err != nil {
				return fmt.Errorf("%w: instruction %d: %w", core.ErrMalformedDecision, i, err)
			}
		}
	}
	return nil
}

// commit applies staged effects in production order.
func (s *Scheduler) commit(ctx context.Context, state oracle.State, res *StepResult) {
	self := s.host.Address()
	refs := s.host.References()
	for _, e := range state.Effects {
		switch {
		case e.Send != nil:
			dr, err := s.host.Send(ctx, e.Send.Targets, e.Send.Content, core.KindCommunication)
			res.Deliveries = append(res.Deliveries, dr)
			if err != nil {
				res.CommitErrors = append(res.CommitErrors, err)
				s.logger.Warn("step.commit.send_failed", "process", self, "step", res.Step, "error", err)
			}
			if len(dr.Delivered) > 0 {
				res.Committed++
				s.record(trace.KindSend, dr.Message.ID, e.Send.Content)
			}
		case e.Edit != nil:
			if err := e.Edit.Apply(refs); err != nil {
				res.CommitErrors = append(res.CommitErrors, err)
				s.logger.Warn("step.commit.edit_failed", "process", self, "step", res.Step, "error", err)
				continue
			}
			res.Committed++
			s.record(trace.KindReferenceEdit, string(e.Edit.Op), string(e.Edit.Address))
		}
	}
	s.record(trace.KindStepCommitted, strconv.FormatUint(res.Step, 10), strconv.Itoa(res.Committed))
}

// abort discards the step and puts its batch back in front of the mailbox.
func (s *Scheduler) abort(batch []core.Message, res StepResult, cause error, start time.Time) error {
	s.host.Mailbox().Requeue(batch)
	err := &StepError{Process: s.host.Address(), Step: res.Step, OracleCalls: res.OracleCalls, Err: cause}
	s.record(trace.KindStepFailed, strconv.FormatUint(res.Step, 10), cause.Error())
	logging.Step(s.logger, res.Step, res.OracleCalls, 0, time.Since(start), err)
	return err
}

func (s *Scheduler) record(kind trace.Kind, subject, detail string) {
	if err := s.recorder.Record(trace.Event{Kind: kind, Process: s.host.Address(), Subject: subject, Detail: detail}); err != nil {
		s.logger.Warn("trace record failed", "process", s.host.Address(), "kind", string(kind), "error", err)
	}
}

// Run loops steps until the process terminates or ctx is done. Between steps
// it honors the wait decision of the last step. Step failures are handled by
// the configured FailurePolicy; under FailContinue the failed batch is retried
// only once a message newer than that step arrives.
func (s *Scheduler) Run(ctx context.Context) error {
	mailbox := s.host.Mailbox()
	await := !s.config.StartImmediately
	var from core.Address
	failures := 0
	retryAfter := uint64(0)

	for {
		var err error
		switch {
		case failures > 0:
			err = mailbox.WaitPushed(ctx, retryAfter)
		case await:
			err = mailbox.Wait(ctx, from)
		}
		if err != nil {
			if errors.Is(err, core.ErrMailboxClosed) {
				return nil
			}
			return err
		}

		mark := mailbox.Pushed()
		res, err := s.Step(ctx)
		if err != nil {
			if errors.Is(err, ErrTerminated) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if s.config.FailurePolicy == FailContinue &&
				(s.config.MaxConsecutiveFailures == 0 || failures < s.config.MaxConsecutiveFailures) {
				// The requeued batch alone does not trigger another attempt.
				retryAfter = mark
				continue
			}
			if _, termErr := s.host.Terminate(ctx, core.LifecycleFailed, err.Error()); termErr != nil {
				s.logger.Warn("terminate after step failure", "process", s.host.Address(), "error", termErr)
			}
			return err
		}
		failures = 0

		switch res.Outcome {
		case OutcomeTerminated:
			return nil
		case OutcomeAwait:
			await, from = true, res.WaitFrom
		default:
			await, from = false, ""
		}
	}
}
