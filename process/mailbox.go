package process

import (
	"context"
	"sync"

	"github.com/hupe1980/procmesh/core"
)

// Mailbox is the unbounded, ordered, append-only queue of messages a process
// has received but not yet processed.
//
// Concurrency:
//   - Push is safe for any number of concurrent producers and never blocks.
//   - Drain, Wait and Requeue are intended for the single consumer (the
//     owning process's scheduler).
//
// Ordering is FIFO per mailbox, which preserves per-sender order. Messages
// are never dropped or duplicated: every successful Push is returned by
// exactly one Drain.
type Mailbox struct {
	mu     sync.Mutex
	items  []core.Message
	pushed uint64
	notify chan struct{}
	closed bool
}

// NewMailbox creates an empty open mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

// Push appends msg. It fails with core.ErrMailboxClosed once the mailbox is closed.
func (m *Mailbox) Push(msg core.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrMailboxClosed
	}
	m.items = append(m.items, msg)
	m.pushed++
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Drain removes and returns every buffered message in arrival order.
func (m *Mailbox) Drain() []core.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.items
	m.items = nil
	return out
}

// Requeue puts msgs back at the front of the mailbox, ahead of anything that
// arrived since they were drained. Used when a step aborts so its batch is
// handed to the following step instead of being lost.
func (m *Mailbox) Requeue(msgs []core.Message) {
	if len(msgs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]core.Message, 0, len(msgs)+len(m.items))
	items = append(items, msgs...)
	items = append(items, m.items...)
	m.items = items
	if !m.closed {
		select {
		case m.notify <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of buffered messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Wait blocks until the mailbox holds at least one message, or, when from is
// non-empty, at least one message sent by from. It returns
// core.ErrMailboxClosed if the mailbox is closed while empty, or the context
// error on cancellation.
func (m *Mailbox) Wait(ctx context.Context, from core.Address) error {
	return m.waitFor(ctx, func() bool { return m.readyLocked(from) })
}

// Pushed returns the number of messages pushed so far. Requeued messages are
// not counted again.
func (m *Mailbox) Pushed() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushed
}

// WaitPushed blocks until a message is pushed after the mark returned by
// Pushed, regardless of requeued messages already buffered.
func (m *Mailbox) WaitPushed(ctx context.Context, mark uint64) error {
	return m.waitFor(ctx, func() bool { return m.pushed > mark })
}

func (m *Mailbox) waitFor(ctx context.Context, ready func() bool) error {
	for {
		m.mu.Lock()
		ok := ready()
		closed := m.closed
		m.mu.Unlock()
		if ok {
			return nil
		}
		if closed {
			return core.ErrMailboxClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.notify:
		}
	}
}

func (m *Mailbox) readyLocked(from core.Address) bool {
	if from.IsZero() {
		return len(m.items) > 0
	}
	for _, msg := range m.items {
		if msg.Sender == from {
			return true
		}
	}
	return false
}

// Close stops accepting messages and wakes any waiter. It returns messages
// that were still buffered.
func (m *Mailbox) Close() []core.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.notify)
	out := m.items
	m.items = nil
	return out
}

// Closed reports whether the mailbox has been closed.
func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
