package core

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddress_UniqueWithPrefix(t *testing.T) {
	a := NewAddress("hub")
	b := NewAddress("hub")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a.String(), "hub-"))
	assert.False(t, NewAddress("").IsZero())
}

func TestMessage_MetadataIsCopied(t *testing.T) {
	md := map[string]string{"k": "v"}
	msg := NewMessage("a", KindCommunication, "hello", md)
	md["k"] = "changed"

	v, ok := msg.Meta("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	got := msg.Metadata()
	got["k"] = "mutated"
	v, _ = msg.Meta("k")
	assert.Equal(t, "v", v)

	derived := msg.WithMeta("k", "other").WithCorrelation("c-1")
	v, _ = msg.Meta("k")
	assert.Equal(t, "v", v, "WithMeta must not mutate the receiver")
	dv, _ := derived.Meta("k")
	assert.Equal(t, "other", dv)
	assert.True(t, derived.HasCorrelation())
	assert.False(t, msg.HasCorrelation())
}

func TestMessageKind_String(t *testing.T) {
	assert.Equal(t, "communication", KindCommunication.String())
	assert.Equal(t, "end_process", KindEndProcess.String())
	assert.True(t, NewMessage("a", KindEndProcess, "", nil).IsEndProcess())
}

func TestReferenceTable_Edits(t *testing.T) {
	tbl := NewReferenceTable()
	require.NoError(t, tbl.AddReference("b", "worker b"))
	require.NoError(t, tbl.AddReference("a", "worker a"))

	entries := tbl.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, Address("a"), entries[0].Address)

	require.NoError(t, tbl.UpdateDescription("a", "lists files"))
	ref, ok := tbl.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "lists files", ref.Description)

	err := tbl.UpdateDescription("zz", "nope")
	assert.ErrorIs(t, err, ErrUnknownReference)

	require.NoError(t, tbl.RemoveReference("b"))
	assert.Equal(t, 1, tbl.Len())
	assert.ErrorIs(t, tbl.RemoveReference("b"), ErrUnknownReference)
	assert.Error(t, tbl.AddReference("", "empty"))
}

func TestReferenceTable_SubscriptionsAreNotMutual(t *testing.T) {
	tbl := NewReferenceTable()
	require.NoError(t, tbl.AddReference("peer", "a peer"))

	assert.ErrorIs(t, tbl.AddSubscriber("stranger", AllMessages), ErrUnknownReference)

	require.NoError(t, tbl.AddSubscriber("peer", SubscriberMode{Terminal: true}))
	assert.False(t, tbl.IsSubscribedTo("peer"))
	assert.False(t, tbl.IsSubscriber("peer"), "terminal-only subscriber gets no chatter")
	assert.Empty(t, tbl.Subscribers(KindCommunication))
	assert.Equal(t, []Address{"peer"}, tbl.Subscribers(KindEndProcess))

	require.NoError(t, tbl.Subscribe("peer"))
	assert.Equal(t, []Address{"peer"}, tbl.Subscriptions())

	tbl.Unsubscribe("peer")
	assert.Empty(t, tbl.Subscriptions())
	_, ok := tbl.Lookup("peer")
	assert.True(t, ok, "unsubscribing never prunes the reference")
}

func TestReferenceEdit_ValidateAndApply(t *testing.T) {
	tests := []struct {
		name    string
		edit    ReferenceEdit
		wantErr bool
	}{
		{"add", ReferenceEdit{Op: EditAdd, Address: "x", Description: "d"}, false},
		{"empty address", ReferenceEdit{Op: EditAdd}, true},
		{"unknown op", ReferenceEdit{Op: "rename", Address: "x"}, true},
		{"subscriber without mode", ReferenceEdit{Op: EditAddSubscriber, Address: "x"}, true},
		{"subscriber", ReferenceEdit{Op: EditAddSubscriber, Address: "x", Mode: AllMessages}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.edit.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	tbl := NewReferenceTable()
	for _, e := range []ReferenceEdit{
		{Op: EditAdd, Address: "x", Description: "d"},
		{Op: EditAddSubscriber, Address: "x", Mode: AllMessages},
		{Op: EditSubscribe, Address: "x"},
		{Op: EditUpdateDescription, Address: "x", Description: "d2"},
	} {
		require.NoError(t, e.Apply(tbl))
	}
	ref, _ := tbl.Lookup("x")
	assert.Equal(t, "d2", ref.Description)
	assert.True(t, tbl.IsSubscriber("x"))
	assert.True(t, tbl.IsSubscribedTo("x"))

	require.NoError(t, ReferenceEdit{Op: EditRemove, Address: "x"}.Apply(tbl))
	assert.False(t, tbl.IsSubscriber("x"))
	assert.False(t, tbl.IsSubscribedTo("x"))
}

func TestDeliveryError_UnwrapsCauses(t *testing.T) {
	err := &DeliveryError{
		MessageID: "m1",
		Failed: map[Address]error{
			"b": ErrMailboxClosed,
			"a": errors.New("boom"),
		},
	}
	assert.ErrorIs(t, err, ErrMailboxClosed)
	assert.Contains(t, err.Error(), "a: boom; b: mailbox closed")

	r := DeliveryResult{Failed: err.Failed}
	assert.False(t, r.OK())
	assert.True(t, DeliveryResult{}.OK())
}

func TestLifecycle(t *testing.T) {
	assert.False(t, LifecycleRunning.IsTerminal())
	assert.True(t, LifecycleFailed.IsTerminal())
	assert.Equal(t, "completed", LifecycleCompleted.String())
}
