package oracle

import (
	"context"
	"errors"
	"testing"

	"github.com/hupe1980/procmesh/core"
	"github.com/hupe1980/procmesh/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Oracle = (*Scripted)(nil)
	_ Oracle = (*ModelOracle)(nil)
	_ Oracle = Func(nil)
)

func TestState_ApplyInOrder(t *testing.T) {
	var s State
	require.NoError(t, s.Apply(Decide(
		Send("hello", "b", "c"),
		Edit(core.ReferenceEdit{Op: core.EditAdd, Address: "d", Description: "new peer"}),
	)))
	assert.False(t, s.Complete())

	require.NoError(t, s.Apply(Decide(Send("bye", "b"), FinalizeSends(), FinalizeEdits(), Wait("b"))))
	assert.True(t, s.Complete())
	require.Len(t, s.Effects, 3)
	assert.NotNil(t, s.Effects[0].Send)
	assert.NotNil(t, s.Effects[1].Edit)
	assert.Equal(t, "bye", s.Effects[2].Send.Content)
	assert.Len(t, s.Sends(), 2)
	assert.Len(t, s.Edits(), 1)
	assert.True(t, s.Wait)
	assert.Equal(t, core.Address("b"), s.WaitFrom)
}

func TestState_InvalidDecisionStagesNothing(t *testing.T) {
	tests := []struct {
		name  string
		prior Decision
		d     Decision
	}{
		{"empty", Decision{}, Decision{}},
		{"send without targets", Decision{}, Decide(Send("x"))},
		{"send after finalize", Decide(FinalizeSends()), Decide(Send("x", "b"))},
		{"double finalize in one decision", Decision{}, Decide(FinalizeEdits(), FinalizeEdits())},
		{"invalid edit", Decision{}, Decide(Edit(core.ReferenceEdit{Op: core.EditAdd}))},
		{"missing edit", Decision{}, Decide(Instruction{Kind: KindAppendEdit})},
		{"wait twice", Decide(Continue()), Decide(Wait(""))},
		{"continue with sender", Decision{}, Decide(Instruction{Kind: KindSetWait, From: "b"})},
		{"after terminate", Decision{}, Decide(Terminate(core.LifecycleCompleted, ""), Send("x", "b"))},
		{"bad status", Decision{}, Decide(Instruction{Kind: KindTerminate, Status: "paused"})},
		{"unknown kind", Decision{}, Decide(Instruction{Kind: "dance"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s State
			if len(tt.prior.Instructions) > 0 {
				require.NoError(t, s.Apply(tt.prior))
			}
			before := s.Clone()

			err := s.Apply(tt.d)
			assert.ErrorIs(t, err, core.ErrMalformedDecision)
			assert.Equal(t, before, s)
		})
	}
}

func TestState_ValidPrefixIsNotStaged(t *testing.T) {
	var s State
	err := s.Apply(Decide(Send("ok", "b"), FinalizeSends(), Send("late", "b")))
	require.ErrorIs(t, err, core.ErrMalformedDecision)
	assert.ErrorContains(t, err, "instruction 2")
	assert.Empty(t, s.Effects)
	assert.False(t, s.SendsFinal)
}

func TestState_TerminateCompletesStep(t *testing.T) {
	var s State
	require.NoError(t, s.Apply(Decide(Send("last words", "b"), Terminate(core.LifecycleFailed, "gave up"))))
	assert.True(t, s.Complete())
	assert.Equal(t, core.LifecycleFailed, s.Terminate.Status)
	assert.ErrorIs(t, s.Apply(Decide(Continue())), core.ErrMalformedDecision)
}

func TestState_CloneIsDeep(t *testing.T) {
	var s State
	require.NoError(t, s.Apply(Decide(Send("x", "b"))))
	cp := s.Clone()
	cp.Effects[0].Send.Targets[0] = "mutated"
	assert.Equal(t, core.Address("b"), s.Effects[0].Send.Targets[0])
}

func TestBudget(t *testing.T) {
	b := Budget{Limit: 2}
	assert.Equal(t, 2, b.Remaining())
	require.NoError(t, b.Spend())
	require.NoError(t, b.Spend())
	assert.Equal(t, 0, b.Remaining())
	assert.ErrorIs(t, b.Spend(), ErrBudgetExceeded)
	assert.Equal(t, 2, b.Used())

	var unlimited Budget
	for i := 0; i < 100; i++ {
		require.NoError(t, unlimited.Spend())
	}
	assert.Equal(t, -1, unlimited.Remaining())
	assert.Equal(t, 100, unlimited.Used())
}

func TestState_ValidateStagesNothing(t *testing.T) {
	var s State
	require.NoError(t, s.Apply(Decide(Send("x", "b"))))
	before := s.Clone()

	require.NoError(t, s.Validate(Decide(Send("y", "c"), FinalizeSends(), FinalizeEdits(), Continue())))
	assert.Equal(t, before, s)
	assert.ErrorIs(t, s.Validate(Decide(FinalizeSends(), FinalizeSends())), core.ErrMalformedDecision)
	assert.Equal(t, before, s)
}

func TestScripted(t *testing.T) {
	boom := errors.New("boom")
	s := NewScripted(Answer(Continue()), Fail(boom))

	d, err := s.Decide(context.Background(), Context{Self: "a", Step: 1, Call: 1})
	require.NoError(t, err)
	assert.Equal(t, KindSetWait, d.Instructions[0].Kind)

	_, err = s.Decide(context.Background(), Context{Self: "a", Step: 1, Call: 2})
	assert.ErrorIs(t, err, boom)

	_, err = s.Decide(context.Background(), Context{})
	assert.ErrorIs(t, err, core.ErrOracleUnavailable)

	assert.Len(t, s.Calls(), 3)
	assert.Equal(t, 2, s.Calls()[1].Call)
	assert.Equal(t, 0, s.Remaining())
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision("```json\n{\"instructions\":[{\"kind\":\"append_send\",\"targets\":[\"b\"],\"content\":\"hi\"},{\"kind\":\"finalize_sends\"}]}\n```")
	require.NoError(t, err)
	require.Len(t, d.Instructions, 2)
	assert.Equal(t, []core.Address{"b"}, d.Instructions[0].Targets)

	d, err = ParseDecision(`[{"kind":"terminate","status":"failed"}]`)
	require.NoError(t, err)
	assert.Equal(t, KindTerminate, d.Instructions[0].Kind)

	_, err = ParseDecision("I think we should say hello")
	assert.ErrorIs(t, err, core.ErrMalformedDecision)

	_, err = ParseDecision(`{"instructions": "nope"}`)
	assert.ErrorIs(t, err, core.ErrMalformedDecision)
}

func TestModelOracle_Decide(t *testing.T) {
	m := model.NewMockModel("mock", "mock")
	m.Enqueue(`{"instructions":[{"kind":"append_send","targets":["b"],"content":"hello"},{"kind":"finalize_sends"},{"kind":"finalize_edits"},{"kind":"set_wait","wait":true}]}`)
	o := NewModelOracle(m, func(o *ModelOptions) { o.Persona = "You greet people." })

	c := Context{
		Self:       "a",
		Step:       3,
		Call:       1,
		Remaining:  4,
		References: []core.Reference{{Address: "b", Description: "a friend"}},
		Inbox:      []core.Message{core.NewMessage("b", core.KindCommunication, "hi there", nil)},
		Feedback:   "previous answer had no instructions",
	}
	d, err := o.Decide(context.Background(), c)
	require.NoError(t, err)

	var s State
	require.NoError(t, s.Apply(d))
	assert.True(t, s.Complete())

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].System, "process a")
	assert.Contains(t, reqs[0].System, "You greet people.")
	user := reqs[0].Messages[0].Text
	assert.Contains(t, user, "Step 3, call 1 (4 more allowed this step).")
	assert.Contains(t, user, "- b: a friend")
	assert.Contains(t, user, "from b: hi there")
	assert.Contains(t, user, "previous answer had no instructions")
}

func TestModelOracle_Errors(t *testing.T) {
	m := model.NewMockModel("mock", "mock")
	m.EnqueueError(errors.New("connection refused"))
	m.Enqueue("no json at all")
	o := NewModelOracle(m)

	_, err := o.Decide(context.Background(), Context{Self: "a"})
	assert.ErrorIs(t, err, core.ErrOracleUnavailable)

	_, err = o.Decide(context.Background(), Context{Self: "a"})
	assert.ErrorIs(t, err, core.ErrMalformedDecision)
}
