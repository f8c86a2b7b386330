package core

import "context"

// Process is the capability set shared by every process kind (plain, thinker,
// hub, module, session).
//
// HandleMessage is invoked on the receiver when a message is sent to it. It
// returns once the message counts as handled, which depends on the kind: a
// plain process returns as soon as the message is enqueued in its mailbox,
// while a dispatcher forwarding a report upward returns only after its own
// caller has handled the report.
type Process interface {
	Address() Address
	HandleMessage(ctx context.Context, msg Message) error
	References() *ReferenceTable
}

// Runnable is implemented by processes that own a long-running loop (e.g.
// thinkers and interactive sessions). The engine starts Run on its own
// goroutine when the process is spawned.
type Runnable interface {
	Process
	Run(ctx context.Context) error
}

// Resolver maps addresses to live processes. Resolution failures wrap
// ErrUnknownRecipient.
type Resolver interface {
	Resolve(addr Address) (Process, error)
}

// Spawner registers and starts new processes at runtime.
type Spawner interface {
	Resolver
	Spawn(ctx context.Context, p Process) error
}

// Lifecycle is the state of a process.
type Lifecycle int

const (
	// LifecycleCreated is the state before the process starts handling work.
	LifecycleCreated Lifecycle = iota
	// LifecycleRunning is the state while the process accepts and sends messages.
	LifecycleRunning
	// LifecycleCompleted is the terminal state after a successful end.
	LifecycleCompleted
	// LifecycleFailed is the terminal state after a failure.
	LifecycleFailed
)

// String returns the string representation of the lifecycle state.
func (l Lifecycle) String() string {
	switch l {
	case LifecycleCreated:
		return "created"
	case LifecycleRunning:
		return "running"
	case LifecycleCompleted:
		return "completed"
	case LifecycleFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is final.
func (l Lifecycle) IsTerminal() bool {
	return l == LifecycleCompleted || l == LifecycleFailed
}

// DeliveryResult describes the outcome of one send operation.
type DeliveryResult struct {
	Message   Message
	Delivered []Address
	Failed    map[Address]error
}

// OK reports whether every target received the message.
func (r DeliveryResult) OK() bool { return len(r.Failed) == 0 }
