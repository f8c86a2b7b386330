package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/procmesh/core"
	"github.com/hupe1980/procmesh/engine"
	"github.com/hupe1980/procmesh/oracle"
	"github.com/hupe1980/procmesh/process"
	"github.com/hupe1980/procmesh/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Host          = (*process.Base)(nil)
	_ core.Runnable = (*Thinker)(nil)
)

func endStep(wait bool) []oracle.Instruction {
	ins := []oracle.Instruction{oracle.FinalizeSends(), oracle.FinalizeEdits()}
	if wait {
		return append(ins, oracle.Wait(""))
	}
	return append(ins, oracle.Continue())
}

func register(t *testing.T, eng *engine.Engine, addr core.Address) *process.Base {
	t.Helper()
	b := process.NewBase(addr, eng)
	require.NoError(t, eng.Register(b))
	return b
}

func newThinker(t *testing.T, eng *engine.Engine, o oracle.Oracle, optFns ...func(o *ThinkerOptions)) *Thinker {
	t.Helper()
	th := NewThinker("a", eng, o, optFns...)
	require.NoError(t, eng.Register(th))
	return th
}

func push(t *testing.T, p core.Process, from core.Address, content string) {
	t.Helper()
	require.NoError(t, p.HandleMessage(context.Background(), core.NewMessage(from, core.KindCommunication, content, nil)))
}

func TestStep_SendsOneMessageToAllTargets(t *testing.T) {
	eng := engine.New()
	b := register(t, eng, "b")
	c := register(t, eng, "c")
	o := oracle.NewScripted(oracle.Answer(append([]oracle.Instruction{oracle.Send("hello", "b", "c")}, endStep(true)...)...))
	a := newThinker(t, eng, o)
	push(t, a, "user", "greet your friends")

	res, err := a.Scheduler().Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Consumed)
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, OutcomeAwait, res.Outcome)

	gotB, gotC := b.Mailbox().Drain(), c.Mailbox().Drain()
	require.Len(t, gotB, 1)
	require.Len(t, gotC, 1)
	assert.Equal(t, "hello", gotB[0].Content)
	assert.Equal(t, core.Address("a"), gotB[0].Sender)
	assert.Equal(t, gotB[0].ID, gotC[0].ID)
	assert.Zero(t, a.Mailbox().Len())
}

func TestStep_AccumulatesAcrossOracleCalls(t *testing.T) {
	eng := engine.New()
	b := register(t, eng, "b")
	o := oracle.NewScripted(
		oracle.Answer(oracle.Send("one", "b")),
		oracle.Answer(oracle.Edit(core.ReferenceEdit{Op: core.EditAdd, Address: "b", Description: "peer"}), oracle.FinalizeSends()),
		oracle.Answer(oracle.FinalizeEdits(), oracle.Continue()),
	)
	a := newThinker(t, eng, o)

	res, err := a.Scheduler().Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.OracleCalls)
	assert.Equal(t, 2, res.Committed)
	assert.Equal(t, OutcomeContinue, res.Outcome)

	calls := o.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, 1, calls[0].Call)
	assert.Len(t, calls[1].State.Effects, 1)
	assert.Len(t, calls[2].State.Effects, 2)
	assert.True(t, calls[2].State.SendsFinal)

	ref, ok := a.References().Lookup("b")
	require.True(t, ok)
	assert.Equal(t, "peer", ref.Description)
	assert.Len(t, b.Mailbox().Drain(), 1)
}

func TestStep_CommitsInProductionOrder(t *testing.T) {
	eng := engine.New()
	register(t, eng, "b")
	rec := trace.NewInMemoryRecorder()
	o := oracle.NewScripted(oracle.Answer(append([]oracle.Instruction{
		oracle.Edit(core.ReferenceEdit{Op: core.EditAdd, Address: "b"}),
		oracle.Send("first", "b"),
		oracle.Edit(core.ReferenceEdit{Op: core.EditUpdateDescription, Address: "b", Description: "x"}),
	}, endStep(true)...)...))
	a := newThinker(t, eng, o, func(o *ThinkerOptions) { o.Recorder = rec })

	_, err := a.Scheduler().Step(context.Background())
	require.NoError(t, err)

	var kinds []trace.Kind
	for _, ev := range rec.Events() {
		if ev.Kind == trace.KindSend || ev.Kind == trace.KindReferenceEdit {
			kinds = append(kinds, ev.Kind)
		}
	}
	assert.Equal(t, []trace.Kind{trace.KindReferenceEdit, trace.KindSend, trace.KindReferenceEdit}, kinds)
}

func TestStep_RetriesOnceWithFeedback(t *testing.T) {
	eng := engine.New()
	o := oracle.NewScripted(
		oracle.Fail(errors.New("flaky backend")),
		oracle.Answer(endStep(true)...),
	)
	a := newThinker(t, eng, o)

	res, err := a.Scheduler().Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.OracleCalls)

	calls := o.Calls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].Feedback)
	assert.Contains(t, calls[1].Feedback, "flaky backend")
}

func TestStep_UnknownRecipientIsRejectedBeforeCommit(t *testing.T) {
	eng := engine.New()
	b := register(t, eng, "b")
	o := oracle.NewScripted(
		oracle.Answer(oracle.Send("hi", "b", "nobody")),
		oracle.Answer(append([]oracle.Instruction{oracle.Send("hi", "b")}, endStep(true)...)...),
	)
	a := newThinker(t, eng, o)

	res, err := a.Scheduler().Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
	assert.Contains(t, o.Calls()[1].Feedback, "unknown recipient")
	assert.Len(t, b.Mailbox().Drain(), 1)
}

func TestStep_SecondFailureAbortsWithoutCommitting(t *testing.T) {
	eng := engine.New()
	b := register(t, eng, "b")
	rec := trace.NewInMemoryRecorder()
	o := oracle.NewScripted(
		oracle.Answer(oracle.Send("staged", "b")),
		oracle.Answer(oracle.FinalizeSends(), oracle.FinalizeSends()),
		oracle.Fail(fmt.Errorf("%w: timeout", core.ErrOracleUnavailable)),
	)
	a := newThinker(t, eng, o, func(o *ThinkerOptions) { o.Recorder = rec })
	push(t, a, "user", "m1")
	push(t, a, "user", "m2")

	_, err := a.Scheduler().Step(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrStepFailure)
	assert.ErrorIs(t, err, core.ErrOracleUnavailable)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, uint64(1), stepErr.Step)
	assert.Equal(t, 3, stepErr.OracleCalls)

	assert.Zero(t, b.Mailbox().Len())
	assert.Empty(t, rec.Filter(trace.KindSend))
	assert.Len(t, rec.Filter(trace.KindStepFailed), 1)

	batch := a.Mailbox().Drain()
	require.Len(t, batch, 2)
	assert.Equal(t, "m1", batch[0].Content)
	assert.Equal(t, "m2", batch[1].Content)
}

func TestStep_BudgetExceeded(t *testing.T) {
	eng := engine.New()
	register(t, eng, "b")
	o := oracle.NewScripted(
		oracle.Answer(oracle.Send("1", "b")),
		oracle.Answer(oracle.Send("2", "b")),
		oracle.Answer(endStep(true)...),
	)
	a := newThinker(t, eng, o, func(o *ThinkerOptions) { o.Scheduler.MaxOracleCalls = 2 })

	_, err := a.Scheduler().Step(context.Background())
	assert.ErrorIs(t, err, oracle.ErrBudgetExceeded)
	assert.ErrorIs(t, err, core.ErrStepFailure)
	calls := o.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, 1, calls[0].Remaining)
	assert.Equal(t, 0, calls[1].Remaining)
}

func TestStep_Terminate(t *testing.T) {
	eng := engine.New()
	b := register(t, eng, "b")
	o := oracle.NewScripted(oracle.Answer(oracle.Terminate(core.LifecycleCompleted, "done")))
	a := newThinker(t, eng, o)
	require.NoError(t, a.References().AddReference("b", "watcher"))
	require.NoError(t, a.References().AddSubscriber("b", core.SubscriberMode{Terminal: true}))

	res, err := a.Scheduler().Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeTerminated, res.Outcome)
	assert.Equal(t, core.LifecycleCompleted, a.State())

	got := b.Mailbox().Drain()
	require.Len(t, got, 1)
	assert.True(t, got[0].IsEndProcess())
	assert.Equal(t, "done", got[0].Content)

	_, err = a.Scheduler().Step(context.Background())
	assert.ErrorIs(t, err, ErrTerminated)
	_, err = eng.Resolve("a")
	assert.ErrorIs(t, err, core.ErrUnknownRecipient)
}

func TestStep_MessagesArrivingMidStepWaitForNextStep(t *testing.T) {
	eng := engine.New()
	var a *Thinker
	o := oracle.Func(func(ctx context.Context, c oracle.Context) (oracle.Decision, error) {
		if c.Step == 1 {
			push(t, a, "user", "late")
		}
		return oracle.Decide(endStep(false)...), nil
	})
	a = newThinker(t, eng, o)
	push(t, a, "user", "early")

	res, err := a.Scheduler().Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Consumed)
	assert.Equal(t, 1, a.Mailbox().Len())

	res, err = a.Scheduler().Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Consumed)
	assert.Equal(t, uint64(2), a.Scheduler().Steps())
}

func TestStep_NeverRunsConcurrently(t *testing.T) {
	eng := engine.New()
	var active, peak atomic.Int32
	o := oracle.Func(func(context.Context, oracle.Context) (oracle.Decision, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return oracle.Decide(endStep(true)...), nil
	})
	a := newThinker(t, eng, o)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Scheduler().Step(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, uint64(5), a.Scheduler().Steps())
}

func TestRun_RepliesAndTerminates(t *testing.T) {
	eng := engine.New()
	b := register(t, eng, "b")
	o := oracle.Func(func(_ context.Context, c oracle.Context) (oracle.Decision, error) {
		for _, m := range c.Inbox {
			if m.Content == "stop" {
				return oracle.Decide(oracle.Terminate(core.LifecycleCompleted, "")), nil
			}
		}
		ins := []oracle.Instruction{}
		for _, m := range c.Inbox {
			ins = append(ins, oracle.Send("ack "+m.Content, m.Sender))
		}
		return oracle.Decide(append(ins, endStep(true)...)...), nil
	})
	a := NewThinker("a", eng, o)
	require.NoError(t, eng.Spawn(context.Background(), a))

	_, err := b.Send(context.Background(), []core.Address{"a"}, "ping", core.KindCommunication)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Mailbox().Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "ack ping", b.Mailbox().Drain()[0].Content)

	_, err = b.Send(context.Background(), []core.Address{"a"}, "stop", core.KindCommunication)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := eng.Resolve("a")
		return err != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, core.LifecycleCompleted, a.State())
}

func TestRun_WaitsForChosenSender(t *testing.T) {
	eng := engine.New()
	b := register(t, eng, "b")
	c := register(t, eng, "c")

	var inboxes []int
	var mu sync.Mutex
	o := oracle.Func(func(_ context.Context, oc oracle.Context) (oracle.Decision, error) {
		mu.Lock()
		inboxes = append(inboxes, len(oc.Inbox))
		mu.Unlock()
		return oracle.Decide(oracle.FinalizeSends(), oracle.FinalizeEdits(), oracle.Wait("c")), nil
	})
	a := NewThinker("a", eng, o)
	require.NoError(t, eng.Spawn(context.Background(), a))
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	_, err := b.Send(context.Background(), []core.Address{"a"}, "start", core.KindCommunication)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Scheduler().Steps() == 1 }, time.Second, 5*time.Millisecond)

	_, err = b.Send(context.Background(), []core.Address{"a"}, "noise", core.KindCommunication)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, uint64(1), a.Scheduler().Steps())

	_, err = c.Send(context.Background(), []core.Address{"a"}, "go", core.KindCommunication)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Scheduler().Steps() == 2 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, inboxes)
}

func TestRun_FailurePolicy(t *testing.T) {
	t.Run("terminate", func(t *testing.T) {
		eng := engine.New()
		a := newThinker(t, eng, oracle.NewScripted())
		push(t, a, "user", "hi")

		err := a.Run(context.Background())
		assert.ErrorIs(t, err, core.ErrStepFailure)
		assert.Equal(t, core.LifecycleFailed, a.State())
		assert.Equal(t, uint64(1), a.Scheduler().Steps())
	})

	t.Run("continue until limit", func(t *testing.T) {
		eng := engine.New()
		a := newThinker(t, eng, oracle.NewScripted(), func(o *ThinkerOptions) {
			o.Scheduler.FailurePolicy = FailContinue
			o.Scheduler.MaxConsecutiveFailures = 3
		})
		push(t, a, "user", "hi")

		done := make(chan error, 1)
		go func() { done <- a.Run(context.Background()) }()

		for step := uint64(1); step < 3; step++ {
			require.Eventually(t, func() bool { return a.Scheduler().Steps() == step }, time.Second, 5*time.Millisecond)
			push(t, a, "user", "again")
		}

		select {
		case err := <-done:
			assert.ErrorIs(t, err, core.ErrStepFailure)
		case <-time.After(2 * time.Second):
			t.Fatal("run did not stop after three failed steps")
		}
		assert.Equal(t, core.LifecycleFailed, a.State())
		assert.Equal(t, uint64(3), a.Scheduler().Steps())
	})
}

func TestRun_FailedBatchWaitsForNewMessage(t *testing.T) {
	eng := engine.New()
	var calls atomic.Int64
	var inboxes []int
	var mu sync.Mutex
	o := oracle.Func(func(_ context.Context, c oracle.Context) (oracle.Decision, error) {
		calls.Add(1)
		mu.Lock()
		inboxes = append(inboxes, len(c.Inbox))
		mu.Unlock()
		return oracle.Decision{}, fmt.Errorf("%w: down", core.ErrOracleUnavailable)
	})
	a := newThinker(t, eng, o, func(o *ThinkerOptions) {
		o.Scheduler.FailurePolicy = FailContinue
		o.Scheduler.MaxConsecutiveFailures = 0
	})
	push(t, a, "user", "hi")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Scheduler().Steps() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, uint64(1), a.Scheduler().Steps())
	assert.Equal(t, 1, a.Mailbox().Len())

	push(t, a, "user", "retry")
	require.Eventually(t, func() bool { return a.Scheduler().Steps() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(4), calls.Load())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 1, 2, 2}, inboxes)
}

func TestParseFailurePolicy(t *testing.T) {
	p, err := ParseFailurePolicy("continue")
	require.NoError(t, err)
	assert.Equal(t, FailContinue, p)
	assert.Equal(t, "continue", p.String())

	_, err = ParseFailurePolicy("explode")
	assert.Error(t, err)
}
