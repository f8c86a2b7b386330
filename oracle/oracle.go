package oracle

import (
	"context"
	"fmt"

	"github.com/hupe1980/procmesh/core"
)

// Oracle supplies decisions to a step scheduler.
//
// Decide must return an error wrapping core.ErrOracleUnavailable when it
// cannot be reached and core.ErrMalformedDecision when its answer cannot be
// interpreted. Both trigger the scheduler's retry-then-abort policy.
type Oracle interface {
	Decide(ctx context.Context, c Context) (Decision, error)
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, c Context) (Decision, error)

// Decide implements Oracle.
func (f Func) Decide(ctx context.Context, c Context) (Decision, error) { return f(ctx, c) }

// Context is everything an oracle sees when asked for the next instructions.
type Context struct {
	// Self is the address of the deciding process.
	Self core.Address
	// Step is the process-local step number, starting at 1.
	Step uint64
	// Call is the 1-based index of this oracle call within the step.
	Call int
	// Remaining is the number of calls the step may make after this one, or
	// -1 when unlimited.
	Remaining int
	// References is a snapshot of the process's reference table.
	References []core.Reference
	// Subscribers are the addresses receiving this process's communication.
	Subscribers []core.Address
	// Inbox is the batch of messages drained for this step.
	Inbox []core.Message
	// State is what the step has staged so far.
	State State
	// Feedback explains why the previous answer was rejected. Empty unless
	// this is a retry.
	Feedback string
}

// InstructionKind enumerates instruction types.
type InstructionKind string

const (
	KindAppendSend    InstructionKind = "append_send"
	KindFinalizeSends InstructionKind = "finalize_sends"
	KindAppendEdit    InstructionKind = "append_edit"
	KindFinalizeEdits InstructionKind = "finalize_edits"
	KindSetWait       InstructionKind = "set_wait"
	KindTerminate     InstructionKind = "terminate"
)

// Instruction is one incremental step-state change.
type Instruction struct {
	Kind InstructionKind `json:"kind"`

	// append_send
	Targets []core.Address `json:"targets,omitempty"`
	Content string         `json:"content,omitempty"`

	// append_edit
	Edit *core.ReferenceEdit `json:"edit,omitempty"`

	// set_wait: Wait=false continues with a new step immediately; Wait=true
	// suspends until a message arrives, from From when it is set.
	Wait bool         `json:"wait,omitempty"`
	From core.Address `json:"from,omitempty"`

	// terminate: "completed" or "failed"; Content becomes the end-process
	// message body.
	Status string `json:"status,omitempty"`
}

// Decision is the ordered list of instructions returned by one oracle call.
type Decision struct {
	Instructions []Instruction `json:"instructions"`
}

// Decide builds a Decision from instructions.
func Decide(ins ...Instruction) Decision { return Decision{Instructions: ins} }

// Send appends one message to the pending sends.
func Send(content string, targets ...core.Address) Instruction {
	return Instruction{Kind: KindAppendSend, Content: content, Targets: targets}
}

// FinalizeSends marks the pending sends complete.
func FinalizeSends() Instruction { return Instruction{Kind: KindFinalizeSends} }

// Edit appends one reference edit.
func Edit(e core.ReferenceEdit) Instruction { return Instruction{Kind: KindAppendEdit, Edit: &e} }

// FinalizeEdits marks the pending reference edits complete.
func FinalizeEdits() Instruction { return Instruction{Kind: KindFinalizeEdits} }

// Wait suspends after the step until a message arrives (from from, if set).
func Wait(from core.Address) Instruction {
	return Instruction{Kind: KindSetWait, Wait: true, From: from}
}

// Continue starts the next step immediately after this one.
func Continue() Instruction { return Instruction{Kind: KindSetWait} }

// Terminate ends the process after committing the step.
func Terminate(status core.Lifecycle, content string) Instruction {
	return Instruction{Kind: KindTerminate, Status: status.String(), Content: content}
}

// ParseStatus converts a terminate status string to a terminal lifecycle state.
func ParseStatus(s string) (core.Lifecycle, error) {
	switch s {
	case "completed", "":
		return core.LifecycleCompleted, nil
	case "failed":
		return core.LifecycleFailed, nil
	default:
		return 0, fmt.Errorf("unknown terminate status %q", s)
	}
}
