package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/procmesh/core"
	"github.com/hupe1980/procmesh/trace"
)

var (
	// ErrIDSpaceExhausted is returned when no free local id was found.
	ErrIDSpaceExhausted = errors.New("local id space exhausted")
	// ErrInvalidTransition is returned for status changes the call state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid call transition")
	// ErrUnknownCall is returned when a report matches no live call entry.
	ErrUnknownCall = errors.New("unknown call")
	// ErrNoHandler is returned when no child can take a request.
	ErrNoHandler = errors.New("no handler")
)

// CallStatus is the state of a call entry.
type CallStatus int

const (
	StatusUnhandled CallStatus = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

// String returns the status name.
func (s CallStatus) String() string {
	switch s {
	case StatusUnhandled:
		return "unhandled"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the status is final.
func (s CallStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseCallStatus parses a terminal status name.
func ParseCallStatus(s string) (CallStatus, error) {
	switch s {
	case "completed":
		return StatusCompleted, nil
	case "failed":
		return StatusFailed, nil
	default:
		return StatusFailed, fmt.Errorf("unknown call status %q", s)
	}
}

// canTransition encodes Unhandled -> Running -> {Completed, Failed} plus
// Unhandled -> Failed for requests no child can take.
func canTransition(from, to CallStatus) bool {
	switch from {
	case StatusUnhandled:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to.IsTerminal()
	default:
		return false
	}
}

// CallEntry tracks one in-flight request at a dispatcher.
type CallEntry struct {
	LocalID string
	Summary string
	// Caller is notified with the report once the call ends.
	Caller core.Address
	// Upstream is the caller's correlation id for this request, empty when
	// the caller is not a dispatcher.
	Upstream string
	// Child is the node the request was forwarded to.
	Child     core.Address
	Status    CallStatus
	CreatedAt time.Time
}

// IDGenerator produces candidate local ids.
type IDGenerator func() string

// UUIDGenerator is the default IDGenerator.
func UUIDGenerator() string { return uuid.NewString() }

// CallTableOptions configures a CallTable.
type CallTableOptions struct {
	IDGenerator IDGenerator
	// MaxAttempts bounds id generation retries on collision.
	MaxAttempts int
	Recorder    trace.Recorder
}

// CallTable is the correlation table of one dispatcher. It is safe for
// concurrent use.
type CallTable struct {
	owner       core.Address
	gen         IDGenerator
	maxAttempts int
	recorder    trace.Recorder

	mu      sync.Mutex
	entries map[string]*CallEntry
}

// NewCallTable creates a call table owned by the dispatcher at owner.
func NewCallTable(owner core.Address, optFns ...func(o *CallTableOptions)) *CallTable {
	opts := CallTableOptions{IDGenerator: UUIDGenerator, MaxAttempts: 8}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = UUIDGenerator
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &CallTable{
		owner:       owner,
		gen:         opts.IDGenerator,
		maxAttempts: opts.MaxAttempts,
		recorder:    trace.OrNop(opts.Recorder),
		entries:     make(map[string]*CallEntry),
	}
}

// Create records a new Unhandled entry under a fresh local id.
func (t *CallTable) Create(summary string, caller core.Address, upstream string) (CallEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := 0; i < t.maxAttempts; i++ {
		id := t.gen()
		if id == "" {
			continue
		}
		if _, taken := t.entries[id]; taken {
			continue
		}
		e := &CallEntry{
			LocalID:   id,
			Summary:   summary,
			Caller:    caller,
			Upstream:  upstream,
			Status:    StatusUnhandled,
			CreatedAt: time.Now().UTC(),
		}
		t.entries[id] = e
		t.record(id, "created", StatusUnhandled.String())
		return *e, nil
	}
	return CallEntry{}, fmt.Errorf("call table %s: %w after %d attempts", t.owner, ErrIDSpaceExhausted, t.maxAttempts)
}

// Transition moves the entry to status to.
func (t *CallTable) Transition(id string, to CallStatus) (CallEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return CallEntry{}, fmt.Errorf("call table %s: %w: %s", t.owner, ErrUnknownCall, id)
	}
	if !canTransition(e.Status, to) {
		return *e, fmt.Errorf("call table %s: %w: %s -> %s", t.owner, ErrInvalidTransition, e.Status, to)
	}
	from := e.Status
	e.Status = to
	t.record(id, from.String(), to.String())
	return *e, nil
}

// SetChild records which child a request was forwarded to.
func (t *CallTable) SetChild(id string, child core.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("call table %s: %w: %s", t.owner, ErrUnknownCall, id)
	}
	e.Child = child
	return nil
}

// Lookup returns a copy of the live entry with the given id.
func (t *CallTable) Lookup(id string) (CallEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return CallEntry{}, false
	}
	return *e, true
}

// Retire removes a terminal entry. Its id may be reused afterwards.
func (t *CallTable) Retire(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("call table %s: %w: %s", t.owner, ErrUnknownCall, id)
	}
	if !e.Status.IsTerminal() {
		return fmt.Errorf("call table %s: retire %s: status %s is not terminal", t.owner, id, e.Status)
	}
	delete(t.entries, id)
	return nil
}

// Live returns copies of all live entries, oldest first.
func (t *CallTable) Live() []CallEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]CallEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].LocalID < out[j].LocalID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of live entries.
func (t *CallTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *CallTable) record(id, from, to string) {
	_ = t.recorder.Record(trace.Event{Kind: trace.KindCallTransition, Process: t.owner, Subject: id, Detail: from + "->" + to})
}
