// Package trace records the externally visible effects of a procmesh system
// (deliveries, step commits, reference edits, call-status transitions) as an
// ordered event log. The log is what ordering properties are checked against:
// for example that a caller handled an API report before a spawned session
// opened a channel to it.
package trace

import (
	"time"

	"github.com/hupe1980/procmesh/core"
)

// Kind names a traced effect.
type Kind string

const (
	KindDelivered      Kind = "message.delivered"
	KindHandled        Kind = "message.handled"
	KindStepStarted    Kind = "step.started"
	KindStepCommitted  Kind = "step.committed"
	KindStepFailed     Kind = "step.failed"
	KindSend           Kind = "send.committed"
	KindReferenceEdit  Kind = "reference.edited"
	KindCallTransition Kind = "call.transition"
	KindChannelOpened  Kind = "session.channel_opened"
	KindTerminated     Kind = "process.terminated"
)

// Event is one traced effect. Seq is assigned by the recorder and gives a
// total order over everything recorded by it.
type Event struct {
	Seq     uint64       `json:"seq"`
	Time    time.Time    `json:"time"`
	Kind    Kind         `json:"kind"`
	Process core.Address `json:"process"`
	Subject string       `json:"subject,omitempty"`
	Detail  string       `json:"detail,omitempty"`
}

// Recorder stores trace events. Implementations must be safe for concurrent use.
type Recorder interface {
	Record(ev Event) error
}

// NopRecorder discards all events.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(Event) error { return nil }

// OrNop returns r, or a NopRecorder when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return NopRecorder{}
	}
	return r
}
