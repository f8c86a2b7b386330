package oracle

import (
	"fmt"

	"github.com/hupe1980/procmesh/core"
)

// PendingSend is a staged outbound message.
type PendingSend struct {
	Targets []core.Address `json:"targets"`
	Content string         `json:"content"`
}

// Effect is one staged externally visible effect. Exactly one field is set.
type Effect struct {
	Send *PendingSend        `json:"send,omitempty"`
	Edit *core.ReferenceEdit `json:"edit,omitempty"`
}

// Termination is a staged request to end the process.
type Termination struct {
	Status  core.Lifecycle `json:"status"`
	Content string         `json:"content,omitempty"`
}

// State is the step-state record: staged effects in production order plus
// the finalization flags and the wait decision. The zero value is the state
// at step start.
type State struct {
	Effects    []Effect     `json:"effects,omitempty"`
	SendsFinal bool         `json:"sends_final"`
	EditsFinal bool         `json:"edits_final"`
	WaitSet    bool         `json:"wait_set"`
	Wait       bool         `json:"wait"`
	WaitFrom   core.Address `json:"wait_from,omitempty"`
	Terminate  *Termination `json:"terminate,omitempty"`
}

// Complete reports whether every tracked field is resolved, i.e. the step
// can commit. A staged termination resolves everything.
func (s State) Complete() bool {
	return s.Terminate != nil || (s.SendsFinal && s.EditsFinal && s.WaitSet)
}

// Clone returns a deep copy.
func (s State) Clone() State {
	cp := s
	if s.Effects != nil {
		cp.Effects = make([]Effect, len(s.Effects))
	}
	for i, e := range s.Effects {
		if e.Send != nil {
			send := *e.Send
			send.Targets = append([]core.Address(nil), e.Send.Targets...)
			cp.Effects[i].Send = &send
		}
		if e.Edit != nil {
			edit := *e.Edit
			cp.Effects[i].Edit = &edit
		}
	}
	if s.Terminate != nil {
		t := *s.Terminate
		cp.Terminate = &t
	}
	return cp
}

// Sends returns the staged sends in order.
func (s State) Sends() []PendingSend {
	var out []PendingSend
	for _, e := range s.Effects {
		if e.Send != nil {
			out = append(out, *e.Send)
		}
	}
	return out
}

// Edits returns the staged reference edits in order.
func (s State) Edits() []core.ReferenceEdit {
	var out []core.ReferenceEdit
	for _, e := range s.Effects {
		if e.Edit != nil {
			out = append(out, *e.Edit)
		}
	}
	return out
}

// Validate checks d as a whole against s. It returns an error wrapping
// core.ErrMalformedDecision describing the first offending instruction.
// Nothing is staged.
func (s State) Validate(d Decision) error {
	cp := s.Clone()
	return cp.apply(d, true)
}

// Apply validates d and, if it is valid, stages it. An invalid decision
// leaves s unchanged.
func (s *State) Apply(d Decision) error {
	if err := s.Validate(d); err != nil {
		return err
	}
	return s.apply(d, false)
}

func (s *State) apply(d Decision, dryRun bool) error {
	if len(d.Instructions) == 0 {
		return fmt.Errorf("%w: decision holds no instructions", core.ErrMalformedDecision)
	}
	if s.Terminate != nil {
		return fmt.Errorf("%w: step already terminated", core.ErrMalformedDecision)
	}

	fail := func(i int, in Instruction, msg string, args ...any) error {
		return fmt.Errorf("%w: instruction %d (%s): %s", core.ErrMalformedDecision, i, in.Kind, fmt.Sprintf(msg, args...))
	}

	for i, in := range d.Instructions {
		if s.Terminate != nil {
			return fail(i, in, "follows terminate")
		}
		switch in.Kind {
		case KindAppendSend:
			if s.SendsFinal {
				return fail(i, in, "sends already finalized")
			}
			if len(in.Targets) == 0 {
				return fail(i, in, "no recipients")
			}
			for _, t := range in.Targets {
				if t.IsZero() {
					return fail(i, in, "empty recipient address")
				}
			}
			if !dryRun {
				s.Effects = append(s.Effects, Effect{Send: &PendingSend{
					Targets: append([]core.Address(nil), in.Targets...),
					Content: in.Content,
				}})
			}
		case KindFinalizeSends:
			if s.SendsFinal {
				return fail(i, in, "sends already finalized")
			}
			s.SendsFinal = true
		case KindAppendEdit:
			if s.EditsFinal {
				return fail(i, in, "reference edits already finalized")
			}
			if in.Edit == nil {
				return fail(i, in, "missing edit")
			}
			if err := in.Edit.Validate(); err != nil {
				return fail(i, in, "%v", err)
			}
			if !dryRun {
				edit := *in.Edit
				s.Effects = append(s.Effects, Effect{Edit: &edit})
			}
		case KindFinalizeEdits:
			if s.EditsFinal {
				return fail(i, in, "reference edits already finalized")
			}
			s.EditsFinal = true
		case KindSetWait:
			if s.WaitSet {
				return fail(i, in, "wait decision already set")
			}
			if !in.Wait && !in.From.IsZero() {
				return fail(i, in, "wait sender given without waiting")
			}
			s.WaitSet, s.Wait, s.WaitFrom = true, in.Wait, in.From
		case KindTerminate:
			status, err := ParseStatus(in.Status)
			if err != nil {
				return fail(i, in, "%v", err)
			}
			s.Terminate = &Termination{Status: status, Content: in.Content}
		default:
			return fail(i, in, "unknown instruction kind")
		}
	}
	return nil
}
