package core

import (
	"fmt"
	"sort"
	"sync"
)

// Reference is one entry in a process's reference table: the handle of a peer
// (its resolvable address) plus a free-text description of what the peer does
// and how it relates to the owning process.
type Reference struct {
	Address     Address `json:"address"`
	Description string  `json:"description"`
}

// SubscriberMode selects which outbound messages a subscriber receives.
type SubscriberMode struct {
	// Communication subscribers receive messages sent while the process runs.
	Communication bool `json:"communication"`
	// Terminal subscribers receive the end-process message.
	Terminal bool `json:"terminal"`
}

// AllMessages subscribes to both running chatter and the end-process message.
var AllMessages = SubscriberMode{Communication: true, Terminal: true}

// ReferenceTable is the per-process directory of known peers. Subscribers
// (who receive this process's outbound messages) and subscriptions (whom this
// process receives from) are maintained independently: subscribing is never
// implicitly mutual. Entries are only added or removed by explicit edits.
//
// The table is owned by one process. It is goroutine-safe so that a
// dispatcher serving concurrent requests can read it while its owner edits it.
type ReferenceTable struct {
	mu            sync.RWMutex
	entries       map[Address]Reference
	subscribers   map[Address]SubscriberMode
	subscriptions map[Address]struct{}
}

// NewReferenceTable creates an empty reference table.
func NewReferenceTable() *ReferenceTable {
	return &ReferenceTable{
		entries:       make(map[Address]Reference),
		subscribers:   make(map[Address]SubscriberMode),
		subscriptions: make(map[Address]struct{}),
	}
}

// AddReference adds (or replaces) the entry for addr.
func (t *ReferenceTable) AddReference(addr Address, description string) error {
	if addr.IsZero() {
		return fmt.Errorf("reference table: empty address")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[addr] = Reference{Address: addr, Description: description}
	return nil
}

// RemoveReference drops the entry for addr together with any subscriber or
// subscription bound to it.
func (t *ReferenceTable) RemoveReference(addr Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[addr]; !ok {
		return fmt.Errorf("reference table: %w: %s", ErrUnknownReference, addr)
	}
	delete(t.entries, addr)
	delete(t.subscribers, addr)
	delete(t.subscriptions, addr)
	return nil
}

// UpdateDescription replaces the description of an existing entry.
func (t *ReferenceTable) UpdateDescription(addr Address, description string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := t.entries[addr]
	if !ok {
		return fmt.Errorf("reference table: %w: %s", ErrUnknownReference, addr)
	}
	ref.Description = description
	t.entries[addr] = ref
	return nil
}

// Lookup returns the entry for addr.
func (t *ReferenceTable) Lookup(addr Address) (Reference, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ref, ok := t.entries[addr]
	return ref, ok
}

// Entries returns a snapshot of all entries ordered by address.
func (t *ReferenceTable) Entries() []Reference {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Reference, 0, len(t.entries))
	for _, ref := range t.entries {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Len returns the number of entries.
func (t *ReferenceTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// AddSubscriber registers addr as a receiver of this process's outbound
// messages. The address must already be referenced.
func (t *ReferenceTable) AddSubscriber(addr Address, mode SubscriberMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[addr]; !ok {
		return fmt.Errorf("reference table: %w: %s", ErrUnknownReference, addr)
	}
	t.subscribers[addr] = mode
	return nil
}

// RemoveSubscriber stops delivering outbound messages to addr.
func (t *ReferenceTable) RemoveSubscriber(addr Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscribers, addr)
}

// Subscribe records that this process receives messages from addr. The
// address must already be referenced.
func (t *ReferenceTable) Subscribe(addr Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[addr]; !ok {
		return fmt.Errorf("reference table: %w: %s", ErrUnknownReference, addr)
	}
	t.subscriptions[addr] = struct{}{}
	return nil
}

// Unsubscribe removes addr from the subscription set.
func (t *ReferenceTable) Unsubscribe(addr Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscriptions, addr)
}

// Subscribers returns subscriber addresses whose mode accepts messages of
// the given kind, ordered by address.
func (t *ReferenceTable) Subscribers(kind MessageKind) []Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Address
	for addr, mode := range t.subscribers {
		if (kind == KindCommunication && mode.Communication) || (kind == KindEndProcess && mode.Terminal) {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsSubscriber reports whether addr receives outbound communication messages.
func (t *ReferenceTable) IsSubscriber(addr Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	mode, ok := t.subscribers[addr]
	return ok && mode.Communication
}

// Subscriptions returns the addresses this process receives from.
func (t *ReferenceTable) Subscriptions() []Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Address, 0, len(t.subscriptions))
	for addr := range t.subscriptions {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsSubscribedTo reports whether this process receives from addr.
func (t *ReferenceTable) IsSubscribedTo(addr Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.subscriptions[addr]
	return ok
}

// EditOp enumerates reference-table edit operations.
type EditOp string

const (
	EditAdd               EditOp = "add"
	EditRemove            EditOp = "remove"
	EditUpdateDescription EditOp = "update_description"
	EditAddSubscriber     EditOp = "add_subscriber"
	EditRemoveSubscriber  EditOp = "remove_subscriber"
	EditSubscribe         EditOp = "subscribe"
	EditUnsubscribe       EditOp = "unsubscribe"
)

// ReferenceEdit is a single staged change to a reference table, as produced
// by a decision oracle and committed by a step scheduler.
type ReferenceEdit struct {
	Op          EditOp         `json:"op"`
	Address     Address        `json:"address"`
	Description string         `json:"description,omitempty"`
	Mode        SubscriberMode `json:"mode,omitempty"`
}

// Validate checks the edit is well formed without touching any table.
func (e ReferenceEdit) Validate() error {
	if e.Address.IsZero() {
		return fmt.Errorf("reference edit %q: empty address", e.Op)
	}
	switch e.Op {
	case EditAdd, EditRemove, EditUpdateDescription, EditRemoveSubscriber, EditSubscribe, EditUnsubscribe:
		return nil
	case EditAddSubscriber:
		if !e.Mode.Communication && !e.Mode.Terminal {
			return fmt.Errorf("reference edit %q: subscriber mode selects no messages", e.Op)
		}
		return nil
	default:
		return fmt.Errorf("reference edit: unknown op %q", e.Op)
	}
}

// Apply performs the edit on t.
func (e ReferenceEdit) Apply(t *ReferenceTable) error {
	switch e.Op {
	case EditAdd:
		return t.AddReference(e.Address, e.Description)
	case EditRemove:
		return t.RemoveReference(e.Address)
	case EditUpdateDescription:
		return t.UpdateDescription(e.Address, e.Description)
	case EditAddSubscriber:
		return t.AddSubscriber(e.Address, e.Mode)
	case EditRemoveSubscriber:
		t.RemoveSubscriber(e.Address)
		return nil
	case EditSubscribe:
		return t.Subscribe(e.Address)
	case EditUnsubscribe:
		t.Unsubscribe(e.Address)
		return nil
	default:
		return fmt.Errorf("reference edit: unknown op %q", e.Op)
	}
}
