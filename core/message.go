package core

import (
	"time"
)

// MessageKind distinguishes ordinary chatter from the terminal signal a
// process emits when it ends.
type MessageKind int

const (
	// KindCommunication is a message sent while a process is running.
	KindCommunication MessageKind = iota
	// KindEndProcess is the single message a process emits when it terminates.
	KindEndProcess
)

// String returns the string representation of the message kind.
func (k MessageKind) String() string {
	switch k {
	case KindCommunication:
		return "communication"
	case KindEndProcess:
		return "end_process"
	default:
		return "unknown"
	}
}

// Message is the envelope exchanged between processes. After construction it
// must be treated as immutable: Content is a string and Metadata is only
// reachable through copying accessors, so every recipient of one send observes
// identical content.
//
// CorrelationID is empty for ordinary process-to-process chatter. API
// dispatchers use it to match reports to the requests they forwarded.
type Message struct {
	ID            string      `json:"id"`
	Kind          MessageKind `json:"kind"`
	Sender        Address     `json:"sender"`
	Content       string      `json:"content"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`

	metadata map[string]string
}

// NewMessage creates a message authored by sender. The metadata map is copied.
func NewMessage(sender Address, kind MessageKind, content string, metadata map[string]string) Message {
	return Message{
		ID:        NewID(),
		Kind:      kind,
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now().UTC(),
		metadata:  copyMetadata(metadata),
	}
}

// WithCorrelation returns a copy of the message carrying the given correlation id.
func (m Message) WithCorrelation(id string) Message {
	m.CorrelationID = id
	return m
}

// WithMeta returns a copy of the message with key set to value. The receiver
// is left untouched.
func (m Message) WithMeta(key, value string) Message {
	md := copyMetadata(m.metadata)
	if md == nil {
		md = make(map[string]string, 1)
	}
	md[key] = value
	m.metadata = md
	return m
}

// Meta returns a metadata value and whether it was present.
func (m Message) Meta(key string) (string, bool) {
	v, ok := m.metadata[key]
	return v, ok
}

// Metadata returns a copy of all metadata pairs.
func (m Message) Metadata() map[string]string { return copyMetadata(m.metadata) }

// IsEndProcess reports whether the message is a terminal signal.
func (m Message) IsEndProcess() bool { return m.Kind == KindEndProcess }

// HasCorrelation reports whether the message carries a correlation id.
func (m Message) HasCorrelation() bool { return m.CorrelationID != "" }

func copyMetadata(md map[string]string) map[string]string {
	if len(md) == 0 {
		return nil
	}
	cp := make(map[string]string, len(md))
	for k, v := range md {
		cp[k] = v
	}
	return cp
}
