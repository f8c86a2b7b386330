package testutil

import (
	"github.com/hupe1980/procmesh/core"
)

// MessageBuilder provides a fluent helper for constructing messages in tests.
// Example:
//
//	msg := NewMessageBuilder().From("hub").Content("done").Correlation("c-1").Meta("dispatch.role", "report").Build()
//
// Chain only the parts you need; sensible defaults are applied.
type MessageBuilder struct {
	sender      core.Address
	kind        core.MessageKind
	content     string
	correlation string
	id          string
	metadata    map[string]string
}

// NewMessageBuilder creates a builder with default sender "test".
func NewMessageBuilder() *MessageBuilder { return &MessageBuilder{sender: "test"} }

// From sets the sender (chainable).
func (b *MessageBuilder) From(a core.Address) *MessageBuilder { b.sender = a; return b }

// Content sets the content (chainable).
func (b *MessageBuilder) Content(c string) *MessageBuilder { b.content = c; return b }

// EndProcess marks the message as a terminal signal (chainable).
func (b *MessageBuilder) EndProcess() *MessageBuilder { b.kind = core.KindEndProcess; return b }

// Correlation sets the correlation id (chainable).
func (b *MessageBuilder) Correlation(id string) *MessageBuilder { b.correlation = id; return b }

// ID overrides the generated message id (chainable). Use where determinism matters.
func (b *MessageBuilder) ID(id string) *MessageBuilder { b.id = id; return b }

// Meta adds a metadata pair (chainable).
func (b *MessageBuilder) Meta(key, value string) *MessageBuilder {
	if b.metadata == nil {
		b.metadata = make(map[string]string)
	}
	b.metadata[key] = value
	return b
}

// Build constructs the core.Message value.
func (b *MessageBuilder) Build() core.Message {
	msg := core.NewMessage(b.sender, b.kind, b.content, b.metadata)
	if b.id != "" {
		msg.ID = b.id
	}
	if b.correlation != "" {
		msg = msg.WithCorrelation(b.correlation)
	}
	return msg
}
